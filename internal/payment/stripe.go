package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/icarus-drones/storefront-api/internal/resilience"
)

// ErrInvalidSignature marks a webhook whose signature did not verify.
var ErrInvalidSignature = errors.New("payment: invalid webhook signature")

// ProviderError is a structured upstream API failure.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment: provider error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Stripe implements Provider against the Stripe REST API using form-encoded
// requests, the wire format Stripe's own SDKs use.
type Stripe struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	HTTP          resilience.HTTPClient
	Tolerance     time.Duration
}

func (s Stripe) host() string {
	h := strings.TrimSpace(s.BaseURL)
	if h == "" {
		return "https://api.stripe.com"
	}
	return strings.TrimRight(h, "/")
}

// CreateIntent opens a payment intent for the given amount in minor units.
func (s Stripe) CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(amountMinor, 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	encodeMetadata(form, metadata)
	return s.intentCall(ctx, http.MethodPost, "/v1/payment_intents", form)
}

// ModifyIntent updates the amount and metadata of an existing intent in place,
// preserving the client-held identifier. A non-positive amount leaves the
// amount untouched.
func (s Stripe) ModifyIntent(ctx context.Context, id string, amountMinor int64, metadata map[string]string) (Intent, error) {
	if strings.TrimSpace(id) == "" {
		return Intent{}, errors.New("payment: intent id is required")
	}
	form := url.Values{}
	if amountMinor > 0 {
		form.Set("amount", strconv.FormatInt(amountMinor, 10))
	}
	encodeMetadata(form, metadata)
	return s.intentCall(ctx, http.MethodPost, "/v1/payment_intents/"+url.PathEscape(id), form)
}

// RetrieveIntent fetches the current provider-side state of an intent.
func (s Stripe) RetrieveIntent(ctx context.Context, id string) (Intent, error) {
	if strings.TrimSpace(id) == "" {
		return Intent{}, errors.New("payment: intent id is required")
	}
	return s.intentCall(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil)
}

// RetrieveCharge fetches a charge with its billing details.
func (s Stripe) RetrieveCharge(ctx context.Context, id string) (Charge, error) {
	if strings.TrimSpace(id) == "" {
		return Charge{}, errors.New("payment: charge id is required")
	}
	body, err := s.call(ctx, http.MethodGet, "/v1/charges/"+url.PathEscape(id), nil)
	if err != nil {
		return Charge{}, err
	}
	var charge Charge
	if err := json.Unmarshal(body, &charge); err != nil {
		return Charge{}, fmt.Errorf("payment: decode charge: %w", err)
	}
	return charge, nil
}

// VerifyWebhook checks the Stripe-Signature header (t=timestamp,v1=hmac) and
// decodes the event envelope.
func (s Stripe) VerifyWebhook(r *http.Request, body []byte) (Event, error) {
	header := r.Header.Get("Stripe-Signature")
	timestamp, signatures, err := parseSignatureHeader(header)
	if err != nil {
		return Event{}, err
	}
	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	ts := time.Unix(timestamp, 0)
	if delta := time.Since(ts); delta > tolerance || delta < -tolerance {
		return Event{}, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(s.WebhookSecret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	verified := false
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			verified = true
			break
		}
	}
	if !verified {
		return Event{}, ErrInvalidSignature
	}

	var envelope struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("payment: decode event: %w", err)
	}
	event := Event{ID: envelope.ID, Type: envelope.Type, Raw: body}
	if len(envelope.Data.Object) > 0 {
		var wire wireIntent
		if err := json.Unmarshal(envelope.Data.Object, &wire); err == nil {
			event.Intent = wire.toIntent()
			event.IntentID = event.Intent.ID
		}
	}
	return event, nil
}

func parseSignatureHeader(header string) (int64, []string, error) {
	if strings.TrimSpace(header) == "" {
		return 0, nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	var (
		timestamp  int64
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: incomplete signature header", ErrInvalidSignature)
	}
	return timestamp, signatures, nil
}

type wireIntent struct {
	ID           string            `json:"id"`
	ClientSecret string            `json:"client_secret"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
	LatestCharge string            `json:"latest_charge"`
}

func (w wireIntent) toIntent() Intent {
	return Intent{
		ID:           w.ID,
		ClientSecret: w.ClientSecret,
		Amount:       w.Amount,
		Currency:     w.Currency,
		Status:       w.Status,
		Metadata:     w.Metadata,
		LatestCharge: w.LatestCharge,
	}
}

func (s Stripe) intentCall(ctx context.Context, method, path string, form url.Values) (Intent, error) {
	body, err := s.call(ctx, method, path, form)
	if err != nil {
		return Intent{}, err
	}
	var wire wireIntent
	if err := json.Unmarshal(body, &wire); err != nil {
		return Intent{}, fmt.Errorf("payment: decode intent: %w", err)
	}
	return wire.toIntent(), nil
}

func (s Stripe) call(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, s.host()+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.SecretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := s.HTTP.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var failure struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &failure)
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Code:       failure.Error.Code,
			Message:    failure.Error.Message,
		}
	}
	return data, nil
}

func encodeMetadata(form url.Values, metadata map[string]string) {
	for k, v := range metadata {
		form.Set(fmt.Sprintf("metadata[%s]", k), v)
	}
}

// IntentIDFromClientSecret extracts the intent identifier from a client secret
// of the form "pi_xxx_secret_yyy".
func IntentIDFromClientSecret(clientSecret string) string {
	trimmed := strings.TrimSpace(clientSecret)
	if idx := strings.Index(trimmed, "_secret"); idx > 0 {
		return trimmed[:idx]
	}
	return trimmed
}
