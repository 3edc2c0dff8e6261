package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	StripeSecretKey     string
	StripePublicKey     string
	StripeWebhookSecret string
	StripeBaseURL       string
	Currency            string

	FreeDeliveryThreshold   decimal.Decimal
	StandardDeliveryPercent int64
	PointValue              decimal.Decimal
	PointsEarnDivisor       int64
	MetadataByteLimit       int

	BagTTL             time.Duration
	BagStrictValuation bool
	CatalogCacheTTL    time.Duration
	IdempotencyTTL     time.Duration
	WebhookReplayTTL   time.Duration

	SettleRetryAttempts int
	SettleRetryBackoff  time.Duration

	CheckoutRateLimit string
	WebhookRateLimit  string

	MailchimpAPIKey  string
	MailchimpListID  string
	MailchimpBaseURL string
	EmailFrom        string
	EmailEnabled     bool
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		JWTSecret:   k.String("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(k.String("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(k.String("JWT_AUDIENCE")),

		StripeSecretKey:     k.String("STRIPE_SECRET_KEY"),
		StripePublicKey:     k.String("STRIPE_PUBLIC_KEY"),
		StripeWebhookSecret: k.String("STRIPE_WEBHOOK_SECRET"),
		StripeBaseURL:       valueOrDefault(k.String("STRIPE_BASE_URL"), "https://api.stripe.com"),
		Currency:            strings.ToLower(valueOrDefault(k.String("STRIPE_CURRENCY"), "usd")),

		FreeDeliveryThreshold:   parseDecimal(k.String("FREE_DELIVERY_THRESHOLD"), "200"),
		StandardDeliveryPercent: parseInt64(k.String("STANDARD_DELIVERY_PERCENTAGE"), 10),
		PointValue:              parseDecimal(k.String("LOYALTY_POINT_VALUE"), "0.10"),
		PointsEarnDivisor:       parseInt64(k.String("LOYALTY_EARN_DIVISOR"), 10),
		MetadataByteLimit:       int(parseInt64(k.String("INTENT_METADATA_BYTE_LIMIT"), 500)),

		BagTTL:             parseDuration(k.String("BAG_TTL"), "168h"),
		BagStrictValuation: parseBool(k.String("BAG_STRICT_VALUATION")),
		CatalogCacheTTL:    parseDuration(k.String("CATALOG_CACHE_TTL"), "5m"),
		IdempotencyTTL:     parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		WebhookReplayTTL:   parseDuration(k.String("WEBHOOK_REPLAY_TTL"), "24h"),

		SettleRetryAttempts: int(parseInt64(k.String("SETTLE_RETRY_ATTEMPTS"), 5)),
		SettleRetryBackoff:  parseDuration(k.String("SETTLE_RETRY_BACKOFF"), "200ms"),

		CheckoutRateLimit: valueOrDefault(k.String("CHECKOUT_RATE_LIMIT"), "30-M"),
		WebhookRateLimit:  valueOrDefault(k.String("WEBHOOK_RATE_LIMIT"), "300-M"),

		MailchimpAPIKey:  k.String("MAILCHIMP_API_KEY"),
		MailchimpListID:  k.String("MAILCHIMP_LIST_ID"),
		MailchimpBaseURL: strings.TrimSpace(k.String("MAILCHIMP_BASE_URL")),
		EmailFrom:        valueOrDefault(k.String("EMAIL_FROM"), "orders@icarusdrones.example"),
		EmailEnabled:     parseBool(k.String("EMAIL_ENABLED")),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.StandardDeliveryPercent < 0 || cfg.StandardDeliveryPercent > 100 {
		return nil, fmt.Errorf("STANDARD_DELIVERY_PERCENTAGE out of range: %d", cfg.StandardDeliveryPercent)
	}
	if cfg.PointsEarnDivisor <= 0 {
		return nil, fmt.Errorf("LOYALTY_EARN_DIVISOR must be positive: %d", cfg.PointsEarnDivisor)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseDecimal(value, fallback string) decimal.Decimal {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := decimal.NewFromString(base)
	if err != nil {
		d, _ = decimal.NewFromString(fallback)
	}
	return d
}

func parseInt64(value string, fallback int64) int64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	var parsed int64
	if _, err := fmt.Sscanf(trimmed, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
