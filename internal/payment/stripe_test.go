package payment_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icarus-drones/storefront-api/internal/payment"
	"github.com/icarus-drones/storefront-api/internal/resilience"
)

func newStripe(t *testing.T, handler http.HandlerFunc) payment.Stripe {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return payment.Stripe{
		SecretKey:     "sk_test_abc",
		WebhookSecret: "whsec_test",
		BaseURL:       srv.URL,
		HTTP:          resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1},
	}
}

func TestCreateIntentEncodesForm(t *testing.T) {
	client := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer sk_test_abc", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "16500", r.PostForm.Get("amount"))
		require.Equal(t, "usd", r.PostForm.Get("currency"))
		require.Equal(t, "daedalus", r.PostForm.Get("metadata[username]"))
		fmt.Fprint(w, `{"id":"pi_123","client_secret":"pi_123_secret_xyz","amount":16500,"currency":"usd","status":"requires_payment_method"}`)
	})

	intent, err := client.CreateIntent(context.Background(), 16500, "USD", map[string]string{"username": "daedalus"})
	require.NoError(t, err)
	require.Equal(t, "pi_123", intent.ID)
	require.Equal(t, "pi_123_secret_xyz", intent.ClientSecret)
	require.EqualValues(t, 16500, intent.Amount)
}

func TestModifyIntentUpdatesAmountInPlace(t *testing.T) {
	client := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents/pi_123", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "12000", r.PostForm.Get("amount"))
		fmt.Fprint(w, `{"id":"pi_123","amount":12000,"currency":"usd","status":"requires_payment_method"}`)
	})

	intent, err := client.ModifyIntent(context.Background(), "pi_123", 12000, nil)
	require.NoError(t, err)
	require.EqualValues(t, 12000, intent.Amount)
}

func TestProviderErrorSurfaced(t *testing.T) {
	client := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		fmt.Fprint(w, `{"error":{"code":"amount_too_small","message":"Amount must be at least 50 cents"}}`)
	})

	_, err := client.CreateIntent(context.Background(), 1, "usd", nil)
	var pe *payment.ProviderError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "amount_too_small", pe.Code)
}

func signBody(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookAcceptsValidSignature(t *testing.T) {
	client := payment.Stripe{WebhookSecret: "whsec_test"}
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","amount":16500,"metadata":{"points_used":"40"}}}}`)
	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, signBody("whsec_test", ts, body)))

	event, err := client.VerifyWebhook(req, body)
	require.NoError(t, err)
	require.Equal(t, "payment_intent.succeeded", event.Type)
	require.Equal(t, "pi_123", event.IntentID)
	require.Equal(t, "40", event.Intent.Metadata["points_used"])
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	client := payment.Stripe{WebhookSecret: "whsec_test"}
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, signBody("wrong-secret", ts, body)))

	_, err := client.VerifyWebhook(req, body)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}

func TestVerifyWebhookRejectsStaleTimestamp(t *testing.T) {
	client := payment.Stripe{WebhookSecret: "whsec_test", Tolerance: time.Minute}
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	ts := time.Now().Add(-time.Hour).Unix()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, signBody("whsec_test", ts, body)))

	_, err := client.VerifyWebhook(req, body)
	require.ErrorIs(t, err, payment.ErrInvalidSignature)
}

func TestIntentIDFromClientSecret(t *testing.T) {
	require.Equal(t, "pi_123", payment.IntentIDFromClientSecret("pi_123_secret_xyz"))
	require.Equal(t, "pi_123", payment.IntentIDFromClientSecret("pi_123"))
}
