package bag

import "strings"

// Line is one session-scoped bag entry. Either a plain catalog product or a
// custom-configured drone with attachment codes. The unit price is never
// stored here: valuation resolves it from the catalog on every read.
type Line struct {
	Key             string   `json:"key"`
	ProductID       string   `json:"productId,omitempty"`
	SKU             string   `json:"sku,omitempty"`
	Quantity        int64    `json:"quantity"`
	AttachmentCodes []string `json:"attachmentCodes,omitempty"`
}

// Bag holds the ordered lines of one session plus the loyalty points the
// customer asked to redeem. Insertion order is preserved so display and
// metadata condensation are deterministic.
type Bag struct {
	Lines         []Line `json:"lines"`
	AppliedPoints int64  `json:"appliedPoints"`
}

// LineKey derives the merge key for a product/attachment combination. Two adds
// of the same drone with the same attachments collapse into one line.
func LineKey(productRef string, attachmentCodes []string) string {
	if len(attachmentCodes) == 0 {
		return productRef
	}
	return productRef + ":" + strings.Join(attachmentCodes, "+")
}

// Find returns a pointer to the line with the given key, or nil.
func (b *Bag) Find(key string) *Line {
	for i := range b.Lines {
		if b.Lines[i].Key == key {
			return &b.Lines[i]
		}
	}
	return nil
}

// Remove deletes the line with the given key, reporting whether it existed.
func (b *Bag) Remove(key string) bool {
	for i := range b.Lines {
		if b.Lines[i].Key == key {
			b.Lines = append(b.Lines[:i], b.Lines[i+1:]...)
			return true
		}
	}
	return false
}

// IsEmpty reports whether the bag has no lines.
func (b *Bag) IsEmpty() bool { return len(b.Lines) == 0 }
