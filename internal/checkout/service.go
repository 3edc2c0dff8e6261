package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/bag"
	"github.com/icarus-drones/storefront-api/internal/catalog"
	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/events"
	"github.com/icarus-drones/storefront-api/internal/order"
	"github.com/icarus-drones/storefront-api/internal/payment"
	"github.com/icarus-drones/storefront-api/internal/pricing"
	"github.com/icarus-drones/storefront-api/internal/profile"
)

// orderStore is the slice of the order repository checkout depends on.
type orderStore interface {
	CreateIfAbsent(ctx context.Context, o *order.Order) (bool, order.Order, error)
	InsertLine(ctx context.Context, line order.Line) error
	Delete(ctx context.Context, orderID string) error
	GetByPaymentRef(ctx context.Context, paymentRef string) (order.Order, error)
	MarkSettled(ctx context.Context, orderID string) error
}

type ledgerPoster interface {
	Balance(ctx context.Context, userID string) (int64, error)
	Post(ctx context.Context, userID, orderID string, pointsUsed, pointsEarned int64) error
}

type profileWriter interface {
	SaveInfo(ctx context.Context, p profile.Profile) error
}

type intentSyncer interface {
	CreateForQuote(ctx context.Context, quote pricing.Quote, lines []payment.SummaryLine, username, sessionID string) (payment.Intent, error)
	UpdateForQuote(ctx context.Context, intentID string, quote pricing.Quote, lines []payment.SummaryLine, username, sessionID string) (payment.Intent, error)
}

// Service runs the checkout pipeline: value the bag, adjust the quote, keep the
// payment intent in sync, and turn the submitted form into a persisted order.
type Service struct {
	Bags     *bag.Service
	Valuer   bag.Valuer
	Engine   pricing.Engine
	Payments intentSyncer
	Orders   orderStore
	Ledger   ledgerPoster
	Profiles profileWriter
	Catalog  *catalog.Service
	Events   *events.Bus
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// View is the checkout page payload: the valued bag, the adjusted quote and the
// provider-side intent the client confirms against.
type View struct {
	Lines         []bag.DisplayLine `json:"lines"`
	DroppedLines  []string          `json:"droppedLines,omitempty"`
	AppliedPoints int64             `json:"appliedPoints"`
	Quote         pricing.Quote     `json:"quote"`
	IntentID      string            `json:"intentId"`
	ClientSecret  string            `json:"clientSecret"`
}

// SubmitInput is the checkout form. Contact and address fields mirror what the
// payment provider needs for the charge's billing details.
type SubmitInput struct {
	SessionID string `json:"-"`
	UserID    string `json:"-"`
	Username  string `json:"-"`

	FullName       string `json:"fullName" validate:"required,max=120"`
	Email          string `json:"email" validate:"required,email"`
	Phone          string `json:"phone" validate:"required,max=32"`
	Country        string `json:"country" validate:"required,max=56"`
	Postcode       string `json:"postcode" validate:"max=20"`
	City           string `json:"city" validate:"required,max=60"`
	StreetAddress1 string `json:"streetAddress1" validate:"required,max=120"`
	StreetAddress2 string `json:"streetAddress2" validate:"max=120"`
	County         string `json:"county" validate:"max=60"`

	ClientSecret string `json:"clientSecret" validate:"required"`
	SaveInfo     bool   `json:"saveInfo"`
}

// Quote values the bag and synchronises the payment intent with the result.
// When intentID is empty a fresh intent is opened; otherwise the existing one
// is modified in place so the client keeps its secret.
func (s *Service) Quote(ctx context.Context, sessionID, userID, username, intentID string) (View, error) {
	if s == nil || s.Bags == nil || s.Payments == nil {
		return View{}, errors.New("checkout: service not configured")
	}
	b, err := s.Bags.Get(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	if b.IsEmpty() {
		return View{}, fmt.Errorf("checkout: %w: nothing to check out", common.ErrInvalidInput)
	}
	valuation, quote, err := s.value(ctx, b, userID)
	if err != nil {
		return View{}, err
	}

	summary := summaryLines(b, valuation)
	var intent payment.Intent
	if intentID == "" {
		intent, err = s.Payments.CreateForQuote(ctx, quote, summary, username, sessionID)
	} else {
		intent, err = s.Payments.UpdateForQuote(ctx, intentID, quote, summary, username, sessionID)
	}
	if err != nil {
		return View{}, err
	}

	return View{
		Lines:         valuation.Lines,
		DroppedLines:  valuation.DroppedLines,
		AppliedPoints: b.AppliedPoints,
		Quote:         quote,
		IntentID:      intent.ID,
		ClientSecret:  intent.ClientSecret,
	}, nil
}

// Submit turns the checkout form into a persisted order keyed by the payment
// intent. The unique payment reference makes resubmission safe: the second
// submission gets the first order back untouched.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (order.Order, error) {
	if s == nil || s.Bags == nil || s.Orders == nil {
		return order.Order{}, errors.New("checkout: service not configured")
	}
	if err := s.validate(in); err != nil {
		return order.Order{}, err
	}
	paymentRef := payment.IntentIDFromClientSecret(in.ClientSecret)
	if paymentRef == "" {
		return order.Order{}, fmt.Errorf("checkout: %w: unrecognised client secret", common.ErrInvalidInput)
	}

	b, err := s.Bags.Get(ctx, in.SessionID)
	if err != nil {
		return order.Order{}, err
	}
	if b.IsEmpty() {
		return order.Order{}, fmt.Errorf("checkout: %w: nothing to check out", common.ErrInvalidInput)
	}
	valuation, quote, err := s.value(ctx, b, in.UserID)
	if err != nil {
		return order.Order{}, err
	}

	originalBag, err := json.Marshal(b)
	if err != nil {
		return order.Order{}, fmt.Errorf("checkout: encode bag snapshot: %w", err)
	}

	o := order.Order{
		Number:          order.NewNumber(),
		UserID:          in.UserID,
		FullName:        in.FullName,
		Email:           in.Email,
		Phone:           in.Phone,
		Country:         in.Country,
		Postcode:        in.Postcode,
		City:            in.City,
		StreetAddress1:  in.StreetAddress1,
		StreetAddress2:  in.StreetAddress2,
		County:          in.County,
		OrderTotal:      valuation.Subtotal,
		DeliveryCost:    quote.DeliveryFee,
		DiscountApplied: quote.LoyaltyDiscount,
		GrandTotal:      quote.GrandTotal,
		PointsUsed:      quote.PointsUsed,
		PointsEarned:    quote.PointsEarned,
		OriginalBag:     originalBag,
		PaymentRef:      paymentRef,
		Status:          order.StatusCreated,
	}
	created, stored, err := s.Orders.CreateIfAbsent(ctx, &o)
	if err != nil {
		return order.Order{}, err
	}
	if !created {
		// lost the race against a resubmission or the webhook; the stored
		// order is the single source of truth
		s.Logger.Info().Str("payment_ref", paymentRef).Str("order_number", stored.Number).Msg("checkout_order_exists")
		return stored, nil
	}

	if err := s.insertLines(ctx, stored.ID, b); err != nil {
		return order.Order{}, err
	}

	if in.SaveInfo && in.UserID != "" && s.Profiles != nil {
		if err := s.Profiles.SaveInfo(ctx, profile.Profile{
			UserID:         in.UserID,
			Username:       in.Username,
			Email:          in.Email,
			Phone:          in.Phone,
			StreetAddress1: in.StreetAddress1,
			StreetAddress2: in.StreetAddress2,
			City:           in.City,
			County:         in.County,
			Postcode:       in.Postcode,
			Country:        in.Country,
		}); err != nil {
			s.Logger.Warn().Err(err).Str("user_id", in.UserID).Msg("checkout_save_info_failed")
		}
	}

	if err := s.Bags.Clear(ctx, in.SessionID); err != nil {
		s.Logger.Warn().Err(err).Str("session_id", in.SessionID).Msg("checkout_bag_clear_failed")
	}

	if s.Events != nil {
		if err := s.Events.Emit(ctx, events.TopicOrderCreated, stored.Number, map[string]any{
			"orderNumber": stored.Number,
			"email":       stored.Email,
			"grandTotal":  stored.GrandTotal.StringFixed(2),
		}); err != nil {
			s.Logger.Warn().Err(err).Str("order_number", stored.Number).Msg("checkout_event_emit_failed")
		}
	}

	return stored, nil
}

// value prices the bag and applies the delivery and loyalty adjustments. The
// redemption is re-checked against the live balance on every call: a balance
// that shrank since the points were applied rejects the checkout outright.
func (s *Service) value(ctx context.Context, b bag.Bag, userID string) (bag.Valuation, pricing.Quote, error) {
	valuation, err := s.Valuer.Contents(ctx, b)
	if err != nil {
		return bag.Valuation{}, pricing.Quote{}, err
	}
	available := int64(0)
	if userID != "" && s.Ledger != nil {
		available, err = s.Ledger.Balance(ctx, userID)
		if err != nil {
			return bag.Valuation{}, pricing.Quote{}, err
		}
	}
	if b.AppliedPoints > 0 && userID == "" {
		return bag.Valuation{}, pricing.Quote{}, fmt.Errorf("checkout: %w: sign in to redeem loyalty points", common.ErrInvalidInput)
	}
	quote, err := s.Engine.Adjust(valuation.Subtotal, b.AppliedPoints, available)
	if err != nil {
		return bag.Valuation{}, pricing.Quote{}, err
	}
	return valuation, quote, nil
}

// insertLines persists the order lines against fresh catalog lookups. A
// product that vanished between valuation and persistence deletes the order
// again: a half-recorded order is worse than no order.
func (s *Service) insertLines(ctx context.Context, orderID string, b bag.Bag) error {
	for _, line := range b.Lines {
		product, err := s.Catalog.Resolve(ctx, line.ProductID, line.SKU)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				if delErr := s.Orders.Delete(ctx, orderID); delErr != nil {
					s.Logger.Error().Err(delErr).Str("order_id", orderID).Msg("checkout_compensating_delete_failed")
				}
				return fmt.Errorf("checkout: %w: item %s is no longer available", common.ErrNotFound, line.SKU)
			}
			return err
		}
		unitPrice := product.Price
		for _, code := range line.AttachmentCodes {
			unitPrice = unitPrice.Add(catalog.AttachmentPrice(code))
		}
		if err := s.Orders.InsertLine(ctx, order.Line{
			OrderID:         orderID,
			ProductID:       product.ID,
			SKU:             product.SKU,
			Quantity:        line.Quantity,
			AttachmentCodes: line.AttachmentCodes,
			LineTotal:       unitPrice.Mul(decimal.NewFromInt(line.Quantity)),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) validate(in SubmitInput) error {
	if s.Validate == nil {
		return nil
	}
	err := s.Validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		return &common.AppError{
			Code:       "VALIDATION_FAILED",
			Message:    "checkout form is invalid",
			HTTPStatus: http.StatusBadRequest,
			Err:        fmt.Errorf("checkout: %w: form validation failed", common.ErrInvalidInput),
			Details:    details,
		}
	}
	return err
}

// summaryLines mirrors the priced bag into the compact metadata shape.
func summaryLines(b bag.Bag, valuation bag.Valuation) []payment.SummaryLine {
	valued := make(map[string]struct{}, len(valuation.Lines))
	for _, line := range valuation.Lines {
		valued[line.Key] = struct{}{}
	}
	out := make([]payment.SummaryLine, 0, len(b.Lines))
	for _, line := range b.Lines {
		if _, ok := valued[line.Key]; !ok {
			continue
		}
		out = append(out, payment.SummaryLine{
			SKU:         line.SKU,
			Qty:         line.Quantity,
			Attachments: line.AttachmentCodes,
		})
	}
	return out
}
