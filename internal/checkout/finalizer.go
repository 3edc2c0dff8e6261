package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/bag"
	"github.com/icarus-drones/storefront-api/internal/catalog"
	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/events"
	"github.com/icarus-drones/storefront-api/internal/obs"
	"github.com/icarus-drones/storefront-api/internal/order"
	"github.com/icarus-drones/storefront-api/internal/payment"
	"github.com/icarus-drones/storefront-api/internal/pricing"
	"github.com/icarus-drones/storefront-api/internal/resilience"
)

const (
	defaultRetryAttempts = 5
	defaultRetryBackoff  = 200 * time.Millisecond
)

// chargeReader is the provider slice the finalizer needs to recover billing
// details when it has to reconstruct an order.
type chargeReader interface {
	RetrieveCharge(ctx context.Context, id string) (payment.Charge, error)
}

// Finalizer settles orders from succeeded payment intents. The checkout
// submission usually lands first; when the webhook wins the race the order is
// reconstructed from the intent metadata instead.
type Finalizer struct {
	Orders   orderStore
	Ledger   ledgerPoster
	Bags     *bag.Service
	Catalog  *catalog.Service
	Engine   pricing.Engine
	Provider chargeReader
	Events   *events.Bus

	RetryAttempts int
	RetryBackoff  time.Duration
	Logger        zerolog.Logger
}

// SettleFromIntent implements payment.Finalizer. Safe under duplicate
// delivery: settling and ledger posting are both idempotent per order.
func (f *Finalizer) SettleFromIntent(ctx context.Context, intent payment.Intent) error {
	if f == nil || f.Orders == nil {
		return errors.New("checkout: finalizer not configured")
	}

	trigger := "webhook"
	o, err := f.awaitOrder(ctx, intent.ID)
	if errors.Is(err, common.ErrNotFound) {
		// checkout never landed; rebuild the order from what the intent carries
		trigger = "webhook_fallback"
		o, err = f.reconstruct(ctx, intent)
	}
	if err != nil {
		return err
	}

	userID := userIDFromIntent(o, intent)

	// Post before marking settled. The posting is idempotent per order, so a
	// redelivery after a transient posting failure retries it; the reverse
	// order would acknowledge the redelivery with the points still missing.
	if userID != "" && f.Ledger != nil {
		if err := f.Ledger.Post(ctx, userID, o.ID, o.PointsUsed, o.PointsEarned); err != nil {
			return fmt.Errorf("checkout: ledger posting for order %s: %w", o.Number, err)
		}
	}

	if err := f.Orders.MarkSettled(ctx, o.ID); err != nil {
		if errors.Is(err, common.ErrConflict) {
			f.Logger.Info().Str("order_number", o.Number).Msg("order_already_settled")
			return nil
		}
		return err
	}

	if sessionID := strings.TrimSpace(intent.Metadata["session_id"]); sessionID != "" && f.Bags != nil {
		if err := f.Bags.Clear(ctx, sessionID); err != nil {
			f.Logger.Warn().Err(err).Str("session_id", sessionID).Msg("settle_bag_clear_failed")
		}
	}

	if obs.OrdersFinalizedTotal != nil {
		obs.OrdersFinalizedTotal.WithLabelValues(trigger).Inc()
	}
	f.Logger.Info().
		Str("order_number", o.Number).
		Str("payment_ref", intent.ID).
		Str("trigger", trigger).
		Msg("order_settled")

	if f.Events != nil {
		if err := f.Events.Emit(ctx, events.TopicOrderSettled, o.Number, map[string]any{
			"orderNumber": o.Number,
			"email":       o.Email,
			"grandTotal":  o.GrandTotal.StringFixed(2),
		}); err != nil {
			f.Logger.Warn().Err(err).Str("order_number", o.Number).Msg("settle_event_emit_failed")
		}
	}
	return nil
}

// awaitOrder polls for the order owning the payment reference. The checkout
// submission commits on another connection, so a short bounded wait papers
// over the usual race before falling back to reconstruction.
func (f *Finalizer) awaitOrder(ctx context.Context, paymentRef string) (order.Order, error) {
	attempts := f.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	base := f.RetryBackoff
	if base <= 0 {
		base = defaultRetryBackoff
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		o, err := f.Orders.GetByPaymentRef(ctx, paymentRef)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, common.ErrNotFound) {
			return order.Order{}, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return order.Order{}, ctx.Err()
		case <-time.After(resilience.Backoff(base, attempt, 0.2)):
		}
	}
	return order.Order{}, lastErr
}

// reconstruct rebuilds an order from intent metadata and the charge's billing
// details. Missing or malformed metadata is permanent: redelivery will carry
// the same payload, so the error wraps ErrNotFound to stop the retries.
func (f *Finalizer) reconstruct(ctx context.Context, intent payment.Intent) (order.Order, error) {
	if f.Catalog == nil {
		return order.Order{}, errors.New("checkout: finalizer has no catalog")
	}
	summary, err := payment.ParseBagSummary(intent.Metadata["bag"])
	if err != nil {
		return order.Order{}, fmt.Errorf("checkout: %w: intent %s carries an unreadable bag summary", common.ErrNotFound, intent.ID)
	}
	if len(summary) == 0 {
		return order.Order{}, fmt.Errorf("checkout: %w: intent %s carries no bag summary", common.ErrNotFound, intent.ID)
	}
	pointsUsed, _ := strconv.ParseInt(intent.Metadata["points_used"], 10, 64)

	var billing payment.BillingDetails
	if intent.LatestCharge != "" && f.Provider != nil {
		charge, err := f.Provider.RetrieveCharge(ctx, intent.LatestCharge)
		if err != nil {
			// provider hiccups are worth a redelivery, unlike bad metadata
			return order.Order{}, fmt.Errorf("checkout: retrieve charge %s: %w", intent.LatestCharge, err)
		}
		billing = charge.BillingDetails
	}

	subtotal := decimal.Zero
	lines := make([]order.Line, 0, len(summary))
	for _, item := range summary {
		product, err := f.Catalog.BySKU(ctx, item.SKU)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return order.Order{}, fmt.Errorf("checkout: %w: item %s is no longer available", common.ErrNotFound, item.SKU)
			}
			return order.Order{}, err
		}
		unitPrice := product.Price
		for _, code := range item.Attachments {
			unitPrice = unitPrice.Add(catalog.AttachmentPrice(code))
		}
		lineTotal := unitPrice.Mul(decimal.NewFromInt(item.Qty))
		subtotal = subtotal.Add(lineTotal)
		lines = append(lines, order.Line{
			ProductID:       product.ID,
			SKU:             product.SKU,
			Quantity:        item.Qty,
			AttachmentCodes: item.Attachments,
			LineTotal:       lineTotal,
		})
	}

	deliveryFee := f.Engine.DeliveryFee(subtotal)
	discount := decimal.NewFromInt(pointsUsed).Mul(f.Engine.PointValue)
	grandTotal := subtotal.Add(deliveryFee).Sub(discount)
	if grandTotal.IsNegative() {
		grandTotal = decimal.Zero
	}

	o := order.Order{
		Number:          order.NewNumber(),
		UserID:          userIDFromSession(intent.Metadata["session_id"]),
		FullName:        billing.Name,
		Email:           billing.Email,
		Phone:           billing.Phone,
		Country:         billing.Address.Country,
		Postcode:        billing.Address.PostalCode,
		City:            billing.Address.City,
		StreetAddress1:  billing.Address.Line1,
		StreetAddress2:  billing.Address.Line2,
		County:          billing.Address.State,
		OrderTotal:      subtotal,
		DeliveryCost:    deliveryFee,
		DiscountApplied: discount,
		GrandTotal:      grandTotal,
		PointsUsed:      pointsUsed,
		PointsEarned:    grandTotal.Div(decimal.NewFromInt(f.Engine.PointsEarnDivisor)).IntPart(),
		PaymentRef:      intent.ID,
		Status:          order.StatusPendingPayment,
	}
	created, stored, err := f.Orders.CreateIfAbsent(ctx, &o)
	if err != nil {
		return order.Order{}, err
	}
	if !created {
		// a late checkout submission slipped in during reconstruction
		return stored, nil
	}
	for _, line := range lines {
		line.OrderID = stored.ID
		if err := f.Orders.InsertLine(ctx, line); err != nil {
			// a half-recorded order is worse than no order; delete and let
			// the redelivery reconstruct from scratch
			if delErr := f.Orders.Delete(ctx, stored.ID); delErr != nil {
				f.Logger.Error().Err(delErr).Str("order_id", stored.ID).Msg("reconstruct_compensating_delete_failed")
			}
			return order.Order{}, fmt.Errorf("checkout: reconstruct lines for %s: %w", stored.Number, err)
		}
	}
	f.Logger.Info().
		Str("order_number", stored.Number).
		Str("payment_ref", intent.ID).
		Int("line_count", len(lines)).
		Msg("order_reconstructed_from_intent")
	return stored, nil
}

// userIDFromIntent prefers the persisted order's owner, falling back to the
// session reference the intent carries.
func userIDFromIntent(o order.Order, intent payment.Intent) string {
	if o.UserID != "" {
		return o.UserID
	}
	return userIDFromSession(intent.Metadata["session_id"])
}

// userIDFromSession recovers the user from an authenticated session id.
// Anonymous sessions yield no user: there is no balance to post against.
func userIDFromSession(sessionID string) string {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(sessionID), "user:"); ok {
		return rest
	}
	return ""
}
