package catalog

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Attachment is static reference data for an accessory that can be attached to
// a customizable drone. The table is immutable at runtime and looked up by code.
type Attachment struct {
	Code  string          `json:"code"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

var attachmentTable = map[string]Attachment{
	"4k-camera":      {Code: "4k-camera", Name: "4K Camera Module", Price: decimal.RequireFromString("89.99")},
	"thermal-camera": {Code: "thermal-camera", Name: "Thermal Imaging Camera", Price: decimal.RequireFromString("149.99")},
	"extra-battery":  {Code: "extra-battery", Name: "Extended Flight Battery", Price: decimal.RequireFromString("39.99")},
	"carry-case":     {Code: "carry-case", Name: "Hard-Shell Carry Case", Price: decimal.RequireFromString("24.99")},
	"prop-guards":    {Code: "prop-guards", Name: "Propeller Guards", Price: decimal.RequireFromString("12.50")},
	"landing-gear":   {Code: "landing-gear", Name: "Extended Landing Gear", Price: decimal.RequireFromString("18.00")},
	"led-kit":        {Code: "led-kit", Name: "Night Flight LED Kit", Price: decimal.RequireFromString("15.75")},
	"range-extender": {Code: "range-extender", Name: "Signal Range Extender", Price: decimal.RequireFromString("45.00")},
}

// AttachmentByCode looks up an attachment by exact code match. Unknown codes
// degrade to a zero-priced entry named after the code itself so valuation can
// continue rather than fail.
func AttachmentByCode(code string) Attachment {
	trimmed := strings.TrimSpace(code)
	if entry, ok := attachmentTable[trimmed]; ok {
		return entry
	}
	return Attachment{Code: trimmed, Name: trimmed, Price: decimal.Zero}
}

// Attachments returns the full attachment catalogue sorted by code.
func Attachments() []Attachment {
	out := make([]Attachment, 0, len(attachmentTable))
	for _, entry := range attachmentTable {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// AttachmentPrice returns the unit price for a code, zero when unknown.
func AttachmentPrice(code string) decimal.Decimal {
	return AttachmentByCode(code).Price
}

// AttachmentName returns the display name for a code, the code itself when unknown.
func AttachmentName(code string) string {
	return AttachmentByCode(code).Name
}
