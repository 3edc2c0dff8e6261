package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status tracks an order through the finalization state machine.
type Status string

const (
	// StatusPendingPayment marks an order awaiting provider confirmation.
	StatusPendingPayment Status = "PENDING_PAYMENT"
	// StatusCreated marks a synchronously created order whose ledger posting
	// has not run yet. Callers must not treat it as points-credited.
	StatusCreated Status = "CREATED"
	// StatusSettled is terminal: payment confirmed and ledger posted.
	StatusSettled Status = "SETTLED"
)

// Order is the immutable record of one successful checkout.
type Order struct {
	ID             string
	Number         string
	UserID         string
	FullName       string
	Email          string
	Phone          string
	Country        string
	Postcode       string
	City           string
	StreetAddress1 string
	StreetAddress2 string
	County         string

	OrderTotal      decimal.Decimal
	DeliveryCost    decimal.Decimal
	DiscountApplied decimal.Decimal
	GrandTotal      decimal.Decimal

	PointsUsed   int64
	PointsEarned int64

	OriginalBag []byte
	PaymentRef  string
	Status      Status
	CreatedAt   time.Time
	SettledAt   *time.Time
}

// Line is one persisted order line. Never mutated after creation.
type Line struct {
	ID              string
	OrderID         string
	ProductID       string
	SKU             string
	Quantity        int64
	AttachmentCodes []string
	LineTotal       decimal.Decimal
}

// NewNumber generates an opaque order number.
func NewNumber() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}
