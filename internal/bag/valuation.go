package bag

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/catalog"
	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/obs"
)

// LineAttachment is the display view of one attachment on a valued line.
type LineAttachment struct {
	Code  string          `json:"code"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

// DisplayLine is one valued, display-ready bag line.
type DisplayLine struct {
	Key         string           `json:"key"`
	ProductID   string           `json:"productId"`
	SKU         string           `json:"sku"`
	Name        string           `json:"name"`
	ImageURL    string           `json:"imageUrl,omitempty"`
	Quantity    int64            `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unitPrice"`
	LineTotal   decimal.Decimal  `json:"lineTotal"`
	Attachments []LineAttachment `json:"attachments,omitempty"`
}

// Valuation is the read-only result of pricing a bag against the catalog.
type Valuation struct {
	Lines        []DisplayLine   `json:"lines"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	LineCount    int64           `json:"lineCount"`
	DroppedLines []string        `json:"droppedLines,omitempty"`
}

// Valuer prices bag contents. When Strict is set a vanished catalog entry
// fails the whole valuation instead of dropping the affected line.
type Valuer struct {
	Catalog *catalog.Service
	Strict  bool
	Logger  zerolog.Logger
}

// Contents values every resolvable line and sums the subtotal. Lines whose
// primary product no longer exists are dropped and surfaced via DroppedLines;
// unknown attachment codes degrade to zero-priced entries named by their code.
func (v Valuer) Contents(ctx context.Context, b Bag) (Valuation, error) {
	if v.Catalog == nil {
		return Valuation{}, errors.New("bag: valuer not configured")
	}
	result := Valuation{Subtotal: decimal.Zero}
	for _, line := range b.Lines {
		product, err := v.Catalog.Resolve(ctx, line.ProductID, line.SKU)
		if err != nil {
			if !errors.Is(err, common.ErrNotFound) {
				return Valuation{}, err
			}
			if v.Strict {
				return Valuation{}, fmt.Errorf("bag: line %s references a vanished catalog entry: %w", line.Key, common.ErrNotFound)
			}
			v.Logger.Warn().
				Str("line_key", line.Key).
				Str("product_id", line.ProductID).
				Str("sku", line.SKU).
				Msg("bag_line_dropped")
			if obs.ValuationDroppedLines != nil {
				obs.ValuationDroppedLines.Inc()
			}
			result.DroppedLines = append(result.DroppedLines, line.Key)
			continue
		}

		unitPrice := product.Price
		attachments := make([]LineAttachment, 0, len(line.AttachmentCodes))
		for _, code := range line.AttachmentCodes {
			entry := catalog.AttachmentByCode(code)
			unitPrice = unitPrice.Add(entry.Price)
			attachments = append(attachments, LineAttachment{Code: entry.Code, Name: entry.Name, Price: entry.Price})
		}

		quantity := decimal.NewFromInt(line.Quantity)
		result.Lines = append(result.Lines, DisplayLine{
			Key:         line.Key,
			ProductID:   product.ID,
			SKU:         product.SKU,
			Name:        product.Name,
			ImageURL:    product.ImageURL,
			Quantity:    line.Quantity,
			UnitPrice:   unitPrice,
			LineTotal:   unitPrice.Mul(quantity),
			Attachments: attachments,
		})
		result.Subtotal = result.Subtotal.Add(unitPrice.Mul(quantity))
		result.LineCount += line.Quantity
	}
	return result, nil
}
