package payment

import (
	"context"
	"net/http"
)

// Intent mirrors the provider-side payment intent this service keeps in sync
// with the bag valuation.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
	Metadata     map[string]string
	LatestCharge string
}

// Address is the billing address subset used for order reconstruction.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// BillingDetails is the charge-level contact record, the fallback source of
// order contact fields when the webhook wins the finalization race.
type BillingDetails struct {
	Name    string  `json:"name"`
	Email   string  `json:"email"`
	Phone   string  `json:"phone"`
	Address Address `json:"address"`
}

// Charge is the settled charge attached to an intent.
type Charge struct {
	ID             string         `json:"id"`
	BillingDetails BillingDetails `json:"billing_details"`
}

// Event is a verified webhook notification.
type Event struct {
	ID       string
	Type     string
	IntentID string
	Intent   Intent
	Raw      []byte
}

// Provider abstracts the upstream payment platform.
type Provider interface {
	CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (Intent, error)
	ModifyIntent(ctx context.Context, id string, amountMinor int64, metadata map[string]string) (Intent, error)
	RetrieveIntent(ctx context.Context, id string) (Intent, error)
	RetrieveCharge(ctx context.Context, id string) (Charge, error)
	VerifyWebhook(r *http.Request, body []byte) (Event, error)
}
