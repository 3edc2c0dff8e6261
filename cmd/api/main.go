package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	limiterstdlib "github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/go-playground/validator/v10"

	"github.com/icarus-drones/storefront-api/internal/auth"
	"github.com/icarus-drones/storefront-api/internal/bag"
	"github.com/icarus-drones/storefront-api/internal/catalog"
	"github.com/icarus-drones/storefront-api/internal/checkout"
	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/config"
	"github.com/icarus-drones/storefront-api/internal/db"
	"github.com/icarus-drones/storefront-api/internal/events"
	"github.com/icarus-drones/storefront-api/internal/health"
	"github.com/icarus-drones/storefront-api/internal/lock"
	"github.com/icarus-drones/storefront-api/internal/loyalty"
	"github.com/icarus-drones/storefront-api/internal/notify"
	"github.com/icarus-drones/storefront-api/internal/obs"
	"github.com/icarus-drones/storefront-api/internal/order"
	"github.com/icarus-drones/storefront-api/internal/payment"
	"github.com/icarus-drones/storefront-api/internal/pricing"
	"github.com/icarus-drones/storefront-api/internal/profile"
	"github.com/icarus-drones/storefront-api/internal/resilience"
	"github.com/icarus-drones/storefront-api/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "storefront")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "storefront-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "storefront-api"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}

	catalogService, err := catalog.NewService(
		&catalog.Repo{Pool: pool},
		catalog.NewCache(redisClient, cfg.CatalogCacheTTL),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise catalog service")
	}
	catalogHandler := &catalog.Handler{Svc: catalogService}

	authService := &auth.Service{
		Secret: []byte(cfg.JWTSecret),
		Validator: auth.TokenValidator{
			Issuer:    cfg.JWTIssuer,
			Audience:  cfg.JWTAudience,
			ClockSkew: 30 * time.Second,
			Algorithm: jwa.HS256,
		},
	}
	authMw := auth.Middleware{Service: authService, AccessCookie: "access_token"}

	engine := pricing.Engine{
		FreeDeliveryThreshold:   cfg.FreeDeliveryThreshold,
		StandardDeliveryPercent: cfg.StandardDeliveryPercent,
		PointValue:              cfg.PointValue,
		PointsEarnDivisor:       cfg.PointsEarnDivisor,
	}

	ledger := &loyalty.Ledger{Pool: pool}
	loyaltyHandler := &loyalty.Handler{Ledger: ledger}

	bagSvc := &bag.Service{
		Store:   bag.Store{R: redisClient, TTL: cfg.BagTTL},
		Catalog: catalogService,
		Locker:  lock.Locker{R: redisClient},
	}
	valuer := bag.Valuer{Catalog: catalogService, Strict: cfg.BagStrictValuation, Logger: logger}
	bagHandler := &bag.Handler{Svc: bagSvc, Valuer: valuer, Engine: engine, Loyalty: ledger}

	ordersRepo := &order.Repo{DB: pool}
	orderHandler := &order.Handler{Repo: ordersRepo}

	profileRepo := &profile.Repo{Pool: pool}
	profileHandler := &profile.Handler{Repo: profileRepo}

	stripeProvider := payment.Stripe{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.StripeBaseURL,
		Tolerance:     5 * time.Minute,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Timeout: 15 * time.Second},
			Breaker:     resilience.NewBreaker(10, 0.5, 30*time.Second).WithTarget("stripe").WithLogger(logger),
			BaseBackoff: 200 * time.Millisecond,
			MaxAttempts: 3,
			Jitter:      0.2,
		},
	}
	paymentSvc := &payment.Service{
		Provider:      stripeProvider,
		Currency:      cfg.Currency,
		MetadataLimit: cfg.MetadataByteLimit,
		Logger:        logger,
	}

	notifiers := []events.Notifier{
		notify.EmailNotifier{
			Mail:    notify.LogSender{Logger: logger},
			Enabled: cfg.EmailEnabled,
			From:    cfg.EmailFrom,
		},
	}
	if cfg.MailchimpAPIKey != "" && cfg.MailchimpListID != "" {
		notifiers = append(notifiers, notify.MailingList{
			APIKey:  cfg.MailchimpAPIKey,
			ListID:  cfg.MailchimpListID,
			BaseURL: cfg.MailchimpBaseURL,
			HTTP: resilience.HTTPClient{
				Client:      &http.Client{Timeout: 10 * time.Second},
				MaxAttempts: 2,
				BaseBackoff: 100 * time.Millisecond,
			},
			Logger: logger,
		})
	}
	bus := &events.Bus{Store: &events.PGStore{Pool: pool}, Notifiers: notifiers}

	checkoutSvc := &checkout.Service{
		Bags:     bagSvc,
		Valuer:   valuer,
		Engine:   engine,
		Payments: paymentSvc,
		Orders:   ordersRepo,
		Ledger:   ledger,
		Profiles: profileRepo,
		Catalog:  catalogService,
		Events:   bus,
		Validate: validator.New(),
		Logger:   logger,
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}

	finalizer := &checkout.Finalizer{
		Orders:        ordersRepo,
		Ledger:        ledger,
		Bags:          bagSvc,
		Catalog:       catalogService,
		Engine:        engine,
		Provider:      stripeProvider,
		Events:        bus,
		RetryAttempts: cfg.SettleRetryAttempts,
		RetryBackoff:  cfg.SettleRetryBackoff,
		Logger:        logger,
	}
	webhookHandler := payment.Webhook{
		Provider:  stripeProvider,
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Finalizer: finalizer,
		Events:    bus,
		Logger:    logger,
	}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	limiterStore, err := limiterredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "rl"})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise limiter store")
	}
	checkoutLimiter := rateMiddleware(limiterStore, cfg.CheckoutRateLimit, logger)
	webhookLimiter := rateMiddleware(limiterStore, cfg.WebhookRateLimit, logger)

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Session-ID", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(security.Headers{
		Enable:     envBool("SECURE_HEADERS_ENABLED", true),
		EnableHSTS: envBool("SECURE_HSTS_ENABLED", false),
	}.Middleware)
	r.Use(security.BodyLimit{Max: int64(envInt("SECURE_MAX_BODY_BYTES", 1<<20))}.Middleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	csrfEnabled := envBool("SECURE_ENABLE_CSRF", false)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(authMw.Authenticate)
		v.Use(authMw.Session)

		v.Get("/products/{ref}", catalogHandler.Get)
		v.Get("/attachments", catalogHandler.Attachments)

		v.Route("/bag", func(b chi.Router) {
			if csrfEnabled {
				b.Use(security.CSRF{}.Middleware)
			}
			b.Get("/", bagHandler.Get)
			b.Post("/items", bagHandler.AddItem)
			b.Patch("/items/{key}", bagHandler.AdjustItem)
			b.Delete("/items/{key}", bagHandler.RemoveItem)
			b.Post("/points", bagHandler.ApplyPoints)
		})

		v.Route("/checkout", func(c chi.Router) {
			if csrfEnabled {
				c.Use(security.CSRF{}.Middleware)
			}
			c.Use(checkoutLimiter)
			c.Post("/quote", checkoutHandler.Quote)
			c.With(idem.Middleware).Post("/", checkoutHandler.Submit)
		})

		v.Group(func(authR chi.Router) {
			authR.Use(authMw.RequireAuth)
			authR.Get("/orders", orderHandler.List)
			authR.Get("/orders/{number}", orderHandler.Get)
			authR.Get("/loyalty/balance", loyaltyHandler.Balance)
			authR.Get("/loyalty/history", loyaltyHandler.History)
			authR.Get("/profile", profileHandler.Get)
			authR.Put("/profile", profileHandler.Save)
		})

		v.With(webhookLimiter).Post("/webhooks/payment/stripe", webhookHandler.Handle)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr(),
		Handler: r,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	}()

	<-shutdownCtx.Done()
	health.SetReady(false)
	logger.Info().Msg("server draining")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("server stopped")
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func rateMiddleware(store limiter.Store, formatted string, logger zerolog.Logger) func(http.Handler) http.Handler {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		logger.Fatal().Err(err).Str("rate", formatted).Msg("parse rate limit")
	}
	return limiterstdlib.NewMiddleware(limiter.New(store, rate)).Handler
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}
