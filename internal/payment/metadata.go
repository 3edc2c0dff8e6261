package payment

import (
	"encoding/json"
	"strconv"
)

// SummaryLine is the compact bag line shape mirrored into intent metadata.
type SummaryLine struct {
	SKU         string   `json:"s"`
	Qty         int64    `json:"q"`
	Attachments []string `json:"a,omitempty"`
}

// metadataKeys are the fixed keys this service writes. The provider caps the
// whole metadata payload, so the budget below covers keys and values together.
const (
	metaBagKey      = "bag"
	metaUsernameKey = "username"
	metaPointsKey   = "points_used"
	metaSessionKey  = "session_id"
)

// CondenseMetadata builds the intent metadata map, shrinking the bag summary
// until the total payload fits the byte limit. Lines are removed
// last-inserted-first so the condensation is deterministic for a given bag.
// The second return value is the number of lines dropped.
func CondenseMetadata(lines []SummaryLine, username, sessionID string, pointsUsed int64, limit int) (map[string]string, int) {
	if limit <= 0 {
		limit = 500
	}
	kept := make([]SummaryLine, len(lines))
	copy(kept, lines)

	dropped := 0
	for {
		meta := assembleMetadata(kept, username, sessionID, pointsUsed)
		if metadataSize(meta) <= limit || len(kept) == 0 {
			return meta, dropped
		}
		kept = kept[:len(kept)-1]
		dropped++
	}
}

// ParseBagSummary decodes a condensed bag summary back into lines, used by the
// webhook fallback path to reconstruct an order.
func ParseBagSummary(raw string) ([]SummaryLine, error) {
	if raw == "" {
		return nil, nil
	}
	var lines []SummaryLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return nil, err
	}
	return lines, nil
}

func assembleMetadata(lines []SummaryLine, username, sessionID string, pointsUsed int64) map[string]string {
	encoded, _ := json.Marshal(lines)
	meta := map[string]string{
		metaBagKey:    string(encoded),
		metaPointsKey: strconv.FormatInt(pointsUsed, 10),
	}
	if username != "" {
		meta[metaUsernameKey] = username
	}
	if sessionID != "" {
		meta[metaSessionKey] = sessionID
	}
	return meta
}

func metadataSize(meta map[string]string) int {
	size := 0
	for k, v := range meta {
		size += len(k) + len(v)
	}
	return size
}
