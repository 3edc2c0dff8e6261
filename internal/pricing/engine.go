package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Quote is the adjusted valuation for a bag subtotal. It is derived data,
// recomputed on every read and never persisted.
type Quote struct {
	Subtotal        decimal.Decimal `json:"subtotal"`
	DeliveryFee     decimal.Decimal `json:"deliveryFee"`
	LoyaltyDiscount decimal.Decimal `json:"loyaltyDiscount"`
	GrandTotal      decimal.Decimal `json:"grandTotal"`
	PointsUsed      int64           `json:"pointsUsed"`
	PointsEarned    int64           `json:"pointsEarned"`
}

// Engine applies the delivery-fee and loyalty rules to a subtotal.
type Engine struct {
	FreeDeliveryThreshold   decimal.Decimal
	StandardDeliveryPercent int64
	PointValue              decimal.Decimal
	PointsEarnDivisor       int64
}

// NewEngine constructs an engine with the storefront defaults.
func NewEngine() Engine {
	return Engine{
		FreeDeliveryThreshold:   decimal.NewFromInt(200),
		StandardDeliveryPercent: 10,
		PointValue:              decimal.RequireFromString("0.10"),
		PointsEarnDivisor:       10,
	}
}

// DeliveryFee applies the threshold rule: orders at or above the free-delivery
// threshold ship free, everything below pays a percentage of the subtotal.
func (e Engine) DeliveryFee(subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.GreaterThanOrEqual(e.FreeDeliveryThreshold) {
		return decimal.Zero
	}
	return subtotal.
		Mul(decimal.NewFromInt(e.StandardDeliveryPercent)).
		Div(decimal.NewFromInt(100)).
		Round(2)
}

// Adjust computes the full quote for a subtotal and a requested redemption.
// Out-of-range redemption requests are rejected, never clamped: clamping would
// misrepresent the discount the customer believed they were getting.
func (e Engine) Adjust(subtotal decimal.Decimal, pointsToRedeem, availablePoints int64) (Quote, error) {
	if subtotal.IsNegative() {
		return Quote{}, fmt.Errorf("pricing: %w: negative subtotal", common.ErrInvalidInput)
	}
	if pointsToRedeem < 0 {
		return Quote{}, fmt.Errorf("pricing: %w: points to redeem must not be negative", common.ErrInvalidInput)
	}
	if pointsToRedeem > availablePoints {
		return Quote{}, fmt.Errorf("pricing: %w: %d points requested but only %d available",
			common.ErrInvalidInput, pointsToRedeem, availablePoints)
	}

	deliveryFee := e.DeliveryFee(subtotal)
	discount := decimal.NewFromInt(pointsToRedeem).Mul(e.PointValue)

	grandTotal := subtotal.Add(deliveryFee).Sub(discount)
	if grandTotal.IsNegative() {
		// excess discount is absorbed, never carried forward or refunded
		grandTotal = decimal.Zero
	}

	return Quote{
		Subtotal:        subtotal,
		DeliveryFee:     deliveryFee,
		LoyaltyDiscount: discount,
		GrandTotal:      grandTotal,
		PointsUsed:      pointsToRedeem,
		// earned points come from the discounted total, so redeeming in this
		// transaction reduces what it earns
		PointsEarned: grandTotal.Div(decimal.NewFromInt(e.PointsEarnDivisor)).IntPart(),
	}, nil
}

// MinorUnits converts a currency amount to integer minor units (cents),
// rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
