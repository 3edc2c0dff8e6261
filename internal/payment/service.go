package payment

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/obs"
	"github.com/icarus-drones/storefront-api/internal/pricing"
)

// Service keeps the provider-side payment intent consistent with the current
// bag valuation. A failed provider call never mutates local state: the caller
// simply reports a soft failure and the customer retries.
type Service struct {
	Provider      Provider
	Currency      string
	MetadataLimit int
	Logger        zerolog.Logger
}

// CreateForQuote opens a fresh intent for the quoted grand total.
func (s *Service) CreateForQuote(ctx context.Context, quote pricing.Quote, lines []SummaryLine, username, sessionID string) (Intent, error) {
	if s == nil || s.Provider == nil {
		return Intent{}, errors.New("payment: service not configured")
	}
	meta, dropped := CondenseMetadata(lines, username, sessionID, quote.PointsUsed, s.MetadataLimit)
	if dropped > 0 {
		s.Logger.Info().Int("dropped_lines", dropped).Msg("intent_metadata_condensed")
	}
	intent, err := s.Provider.CreateIntent(ctx, pricing.MinorUnits(quote.GrandTotal), s.Currency, meta)
	if err != nil {
		s.record("create", "error")
		return Intent{}, softFailure(err)
	}
	s.record("create", "ok")
	return intent, nil
}

// UpdateForQuote modifies an existing intent in place when the bag or the
// redemption amount changes, preserving the client-held intent identifier.
func (s *Service) UpdateForQuote(ctx context.Context, intentID string, quote pricing.Quote, lines []SummaryLine, username, sessionID string) (Intent, error) {
	if s == nil || s.Provider == nil {
		return Intent{}, errors.New("payment: service not configured")
	}
	meta, dropped := CondenseMetadata(lines, username, sessionID, quote.PointsUsed, s.MetadataLimit)
	if dropped > 0 {
		s.Logger.Info().Int("dropped_lines", dropped).Str("intent_id", intentID).Msg("intent_metadata_condensed")
	}
	intent, err := s.Provider.ModifyIntent(ctx, intentID, pricing.MinorUnits(quote.GrandTotal), meta)
	if err != nil {
		s.record("modify", "error")
		return Intent{}, softFailure(err)
	}
	s.record("modify", "ok")
	return intent, nil
}

func (s *Service) record(operation, result string) {
	if obs.IntentSyncTotal != nil {
		obs.IntentSyncTotal.WithLabelValues(operation, result).Inc()
	}
}

// softFailure wraps any provider failure as a client-visible 400. The local
// valuation was never touched, so there is nothing to compensate.
func softFailure(err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return &common.AppError{
			Code:       "PAYMENT_PROVIDER_ERROR",
			Message:    pe.Message,
			HTTPStatus: http.StatusBadRequest,
			Err:        err,
		}
	}
	return &common.AppError{
		Code:       "PAYMENT_PROVIDER_UNAVAILABLE",
		Message:    "payment provider request failed",
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}
