package payment_test

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/icarus-drones/storefront-api/internal/payment"
)

func manyLines(n int) []payment.SummaryLine {
	lines := make([]payment.SummaryLine, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, payment.SummaryLine{
			SKU:         fmt.Sprintf("DRN-%03d", i),
			Qty:         int64(i%3 + 1),
			Attachments: []string{"4k-camera"},
		})
	}
	return lines
}

func metaSize(meta map[string]string) int {
	size := 0
	for k, v := range meta {
		size += len(k) + len(v)
	}
	return size
}

func TestCondenseMetadataFitsWithinBudget(t *testing.T) {
	lines := manyLines(50)
	meta, dropped := payment.CondenseMetadata(lines, "daedalus", "sess-1", 120, 500)
	if size := metaSize(meta); size > 500 {
		t.Fatalf("metadata exceeds budget: %d bytes", size)
	}
	if dropped == 0 {
		t.Fatal("expected lines to be dropped for a 50-line bag")
	}
	kept, err := payment.ParseBagSummary(meta["bag"])
	if err != nil {
		t.Fatalf("parse summary: %v", err)
	}
	if len(kept)+dropped != 50 {
		t.Fatalf("kept %d + dropped %d != 50", len(kept), dropped)
	}
	// last-inserted lines are dropped first, so the head of the bag survives
	for i, line := range kept {
		if line.SKU != fmt.Sprintf("DRN-%03d", i) {
			t.Fatalf("line %d: expected head-of-bag ordering, got %q", i, line.SKU)
		}
	}
}

func TestCondenseMetadataIsDeterministic(t *testing.T) {
	lines := manyLines(50)
	first, firstDropped := payment.CondenseMetadata(lines, "daedalus", "sess-1", 120, 500)
	for i := 0; i < 5; i++ {
		again, dropped := payment.CondenseMetadata(lines, "daedalus", "sess-1", 120, 500)
		if dropped != firstDropped || !reflect.DeepEqual(first, again) {
			t.Fatalf("condensation must be deterministic: run %d differs", i)
		}
	}
}

func TestCondenseMetadataSmallBagUntouched(t *testing.T) {
	lines := manyLines(2)
	meta, dropped := payment.CondenseMetadata(lines, "daedalus", "sess-1", 0, 500)
	if dropped != 0 {
		t.Fatalf("small bag must not be condensed, dropped %d", dropped)
	}
	kept, err := payment.ParseBagSummary(meta["bag"])
	if err != nil {
		t.Fatalf("parse summary: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(kept))
	}
	if meta["points_used"] != "0" {
		t.Fatalf("unexpected points_used %q", meta["points_used"])
	}
}

func TestCondenseMetadataDoesNotTruncateStrings(t *testing.T) {
	lines := manyLines(50)
	meta, _ := payment.CondenseMetadata(lines, "daedalus", "sess-1", 0, 500)
	kept, err := payment.ParseBagSummary(meta["bag"])
	if err != nil {
		t.Fatalf("parse summary: %v", err)
	}
	for _, line := range kept {
		if len(line.SKU) != len("DRN-000") {
			t.Fatalf("line SKU was truncated: %q", line.SKU)
		}
	}
}
