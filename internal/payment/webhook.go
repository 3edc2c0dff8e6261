package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/events"
	"github.com/icarus-drones/storefront-api/internal/obs"
)

// Finalizer settles an order from a succeeded payment intent. Implementations
// must be idempotent with respect to duplicate delivery.
type Finalizer interface {
	SettleFromIntent(ctx context.Context, intent Intent) error
}

// Webhook handles provider callbacks: signature verification, replay
// suppression, and dispatch into order finalization.
type Webhook struct {
	Provider  Provider
	Replay    *redis.Client
	ReplayTTL time.Duration
	Finalizer Finalizer
	Events    *events.Bus
	Logger    zerolog.Logger
}

// Handle processes one webhook delivery.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil || h.Finalizer == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	event, err := h.Provider.VerifyWebhook(r, body)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			h.count(event.Type, "invalid_signature")
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", err.Error(), nil)
		return
	}

	replayKey := ""
	if h.Replay != nil && h.ReplayTTL > 0 {
		replayKey = fmt.Sprintf("wh:stripe:%s", common.Sha256Hex(string(body)))
		fresh, err := h.Replay.SetNX(r.Context(), replayKey, "1", h.ReplayTTL).Result()
		if err != nil {
			common.JSONError(w, http.StatusInternalServerError, "REPLAY_STORE_ERROR", err.Error(), nil)
			return
		}
		if !fresh {
			// duplicate delivery is expected from providers, acknowledge quietly
			h.count(event.Type, "replay")
			w.WriteHeader(http.StatusOK)
			return
		}
	}

	switch event.Type {
	case "payment_intent.succeeded":
		h.handleSucceeded(w, r, event, replayKey)
	case "payment_intent.payment_failed":
		h.count(event.Type, "ok")
		if h.Events != nil {
			_ = h.Events.Emit(r.Context(), events.TopicPaymentFailed, event.IntentID, map[string]any{
				"intentId": event.IntentID,
			})
		}
		w.WriteHeader(http.StatusOK)
	default:
		h.count(event.Type, "ignored")
		w.WriteHeader(http.StatusOK)
	}
}

func (h Webhook) handleSucceeded(w http.ResponseWriter, r *http.Request, event Event, replayKey string) {
	intent := event.Intent
	if intent.ID == "" {
		h.count(event.Type, "malformed")
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", "event carries no intent", nil)
		return
	}
	err := h.Finalizer.SettleFromIntent(r.Context(), intent)
	switch {
	case err == nil:
		h.count(event.Type, "ok")
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, common.ErrNotFound):
		// permanent catalog mismatch: acknowledge so the provider stops
		// redelivering an event we can never process
		h.count(event.Type, "permanent_failure")
		h.Logger.Error().Err(err).Str("intent_id", intent.ID).Msg("webhook_settle_permanent_failure")
		w.WriteHeader(http.StatusOK)
	default:
		// release the replay marker so the provider's redelivery gets another try
		if replayKey != "" && h.Replay != nil {
			_ = h.Replay.Del(r.Context(), replayKey).Err()
		}
		h.count(event.Type, "transient_failure")
		h.Logger.Error().Err(err).Str("intent_id", intent.ID).Msg("webhook_settle_failed")
		common.JSONError(w, http.StatusInternalServerError, "SETTLE_FAILED", "order settlement failed", nil)
	}
}

func (h Webhook) count(eventType, result string) {
	if obs.PaymentWebhookTotal == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	obs.PaymentWebhookTotal.WithLabelValues(eventType, result).Inc()
}
