package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/catalog"
	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/events"
	"github.com/icarus-drones/storefront-api/internal/order"
	"github.com/icarus-drones/storefront-api/internal/payment"
	"github.com/icarus-drones/storefront-api/internal/pricing"
)

type stubCharges struct {
	charge payment.Charge
	err    error
}

func (s *stubCharges) RetrieveCharge(context.Context, string) (payment.Charge, error) {
	return s.charge, s.err
}

func newFinalizer(t *testing.T, orders *stubOrders, ledger *stubLedger, charges *stubCharges, store *memEventStore) *Finalizer {
	t.Helper()
	queries := &stubCatalogQueries{products: map[string]catalog.Product{}}
	for _, p := range []catalog.Product{
		{ID: "p1", SKU: "DRN-100", Name: "Scout Drone", Price: decimal.RequireFromString("150.00"), Customizable: true},
	} {
		queries.products[p.ID] = p
		queries.products[p.SKU] = p
	}
	cat, err := catalog.NewService(queries, nil)
	if err != nil {
		t.Fatalf("catalog service: %v", err)
	}
	return &Finalizer{
		Orders:        orders,
		Ledger:        ledger,
		Catalog:       cat,
		Engine:        pricing.NewEngine(),
		Provider:      charges,
		Events:        &events.Bus{Store: store},
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
		Logger:        zerolog.Nop(),
	}
}

func seedOrder(orders *stubOrders, paymentRef string) order.Order {
	o := order.Order{
		Number:       order.NewNumber(),
		UserID:       "user-7",
		Email:        "daedalus@example.com",
		GrandTotal:   decimal.RequireFromString("165.00"),
		PointsUsed:   10,
		PointsEarned: 16,
		PaymentRef:   paymentRef,
		Status:       order.StatusCreated,
	}
	_, stored, _ := orders.CreateIfAbsent(context.Background(), &o)
	return stored
}

func TestSettleMarksOrderAndPostsLedger(t *testing.T) {
	orders := newStubOrders()
	ledger := &stubLedger{balance: 100}
	store := &memEventStore{}
	f := newFinalizer(t, orders, ledger, &stubCharges{}, store)
	stored := seedOrder(orders, "pi_1")

	err := f.SettleFromIntent(context.Background(), payment.Intent{ID: "pi_1"})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !orders.settled[stored.ID] {
		t.Fatal("order must be settled")
	}
	if len(ledger.posts) != 1 {
		t.Fatalf("expected one ledger posting, got %d", len(ledger.posts))
	}
	post := ledger.posts[0]
	if post.userID != "user-7" || post.used != 10 || post.earned != 16 {
		t.Fatalf("unexpected posting %+v", post)
	}
	if len(store.rows) != 1 || store.rows[0].Topic != events.TopicOrderSettled {
		t.Fatalf("expected one settled event, got %+v", store.rows)
	}
}

func TestSettleDuplicateDeliveryIsQuiet(t *testing.T) {
	orders := newStubOrders()
	ledger := &stubLedger{balance: 100}
	f := newFinalizer(t, orders, ledger, &stubCharges{}, &memEventStore{})
	stored := seedOrder(orders, "pi_1")

	if err := f.SettleFromIntent(context.Background(), payment.Intent{ID: "pi_1"}); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if err := f.SettleFromIntent(context.Background(), payment.Intent{ID: "pi_1"}); err != nil {
		t.Fatalf("duplicate settle must be quiet, got %v", err)
	}
	if len(ledger.posts) != 1 {
		t.Fatalf("duplicate settle must not post to the ledger again, got %d posts", len(ledger.posts))
	}
	if !orders.settled[stored.ID] {
		t.Fatal("order must stay settled")
	}
}

func TestSettleRecoversLedgerPostingAfterTransientFailure(t *testing.T) {
	orders := newStubOrders()
	ledger := &stubLedger{balance: 100, postErr: errors.New("deadlock detected")}
	f := newFinalizer(t, orders, ledger, &stubCharges{}, &memEventStore{})
	stored := seedOrder(orders, "pi_1")

	if err := f.SettleFromIntent(context.Background(), payment.Intent{ID: "pi_1"}); err == nil {
		t.Fatal("a failed ledger posting must surface so the provider redelivers")
	}
	if orders.settled[stored.ID] {
		t.Fatal("order must not settle ahead of its ledger posting")
	}

	ledger.postErr = nil
	if err := f.SettleFromIntent(context.Background(), payment.Intent{ID: "pi_1"}); err != nil {
		t.Fatalf("redelivery after the fault cleared: %v", err)
	}
	if len(ledger.posts) != 1 || ledger.posts[0].earned != 16 {
		t.Fatalf("redelivery must credit the points exactly once, got %+v", ledger.posts)
	}
	if !orders.settled[stored.ID] {
		t.Fatal("order must settle once the posting lands")
	}
}

func TestSettleReconstructsOrderFromIntentMetadata(t *testing.T) {
	orders := newStubOrders()
	ledger := &stubLedger{balance: 100}
	store := &memEventStore{}
	charges := &stubCharges{charge: payment.Charge{
		ID: "ch_1",
		BillingDetails: payment.BillingDetails{
			Name:  "Daedalus Kane",
			Email: "daedalus@example.com",
			Phone: "+4477009001",
			Address: payment.Address{
				Line1:      "1 Workshop Lane",
				City:       "London",
				PostalCode: "EC1A 1BB",
				Country:    "GB",
			},
		},
	}}
	f := newFinalizer(t, orders, ledger, charges, store)

	intent := payment.Intent{
		ID:           "pi_orphan",
		LatestCharge: "ch_1",
		Metadata: map[string]string{
			"bag":         `[{"s":"DRN-100","q":1}]`,
			"points_used": "0",
			"username":    "daedalus",
			"session_id":  "user:user-7",
		},
	}
	if err := f.SettleFromIntent(context.Background(), intent); err != nil {
		t.Fatalf("settle: %v", err)
	}

	o, err := orders.GetByPaymentRef(context.Background(), "pi_orphan")
	if err != nil {
		t.Fatalf("reconstructed order missing: %v", err)
	}
	if got := o.GrandTotal.StringFixed(2); got != "165.00" {
		t.Fatalf("expected grand total 165.00, got %s", got)
	}
	if o.PointsEarned != 16 {
		t.Fatalf("expected 16 points earned, got %d", o.PointsEarned)
	}
	if o.FullName != "Daedalus Kane" || o.City != "London" {
		t.Fatalf("billing details must fill the order, got %+v", o)
	}
	if o.UserID != "user-7" {
		t.Fatalf("user must be recovered from the session reference, got %q", o.UserID)
	}
	if len(orders.lines) != 1 || orders.lines[0].SKU != "DRN-100" {
		t.Fatalf("unexpected reconstructed lines %+v", orders.lines)
	}
	if !orders.settled[o.ID] {
		t.Fatal("reconstructed order must be settled")
	}
	if len(ledger.posts) != 1 || ledger.posts[0].earned != 16 {
		t.Fatalf("unexpected ledger posts %+v", ledger.posts)
	}
}

func TestSettleReconstructionDeletesHalfRecordedOrder(t *testing.T) {
	orders := newStubOrders()
	orders.lineErr = errors.New("connection reset")
	f := newFinalizer(t, orders, &stubLedger{}, &stubCharges{}, &memEventStore{})

	intent := payment.Intent{
		ID:       "pi_orphan",
		Metadata: map[string]string{"bag": `[{"s":"DRN-100","q":1}]`},
	}
	err := f.SettleFromIntent(context.Background(), intent)
	if err == nil || errors.Is(err, common.ErrNotFound) {
		t.Fatalf("a failed line insert must stay retryable, got %v", err)
	}
	if len(orders.deleted) != 1 {
		t.Fatalf("the half-recorded order must be deleted, got deletions %v", orders.deleted)
	}
	if _, err := orders.GetByPaymentRef(context.Background(), "pi_orphan"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("no order may survive without its lines, got %v", err)
	}
}

func TestSettleReconstructionYieldsToLateSubmission(t *testing.T) {
	orders := newStubOrders()
	ledger := &stubLedger{balance: 100}
	f := newFinalizer(t, orders, ledger, &stubCharges{}, &memEventStore{})
	orders.lateOrder = &order.Order{
		Number:       order.NewNumber(),
		UserID:       "user-7",
		Email:        "daedalus@example.com",
		GrandTotal:   decimal.RequireFromString("165.00"),
		PointsEarned: 16,
		PaymentRef:   "pi_orphan",
		Status:       order.StatusCreated,
	}
	late := *orders.lateOrder

	intent := payment.Intent{
		ID: "pi_orphan",
		Metadata: map[string]string{
			"bag":        `[{"s":"DRN-100","q":1}]`,
			"session_id": "user:user-7",
		},
	}
	if err := f.SettleFromIntent(context.Background(), intent); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if len(orders.byRef) != 1 {
		t.Fatalf("exactly one order may own the payment ref, got %d", len(orders.byRef))
	}
	o, err := orders.GetByPaymentRef(context.Background(), "pi_orphan")
	if err != nil {
		t.Fatalf("order lookup: %v", err)
	}
	if o.Number != late.Number {
		t.Fatalf("the submitted order must win the race, got %s want %s", o.Number, late.Number)
	}
	if len(orders.lines) != 0 {
		t.Fatalf("reconstruction must not add lines to the submitted order, got %+v", orders.lines)
	}
	if !orders.settled[o.ID] {
		t.Fatal("the surviving order must be settled")
	}
	if len(ledger.posts) != 1 || ledger.posts[0].orderID != o.ID {
		t.Fatalf("points must post against the surviving order, got %+v", ledger.posts)
	}
}

func TestSettleVanishedCatalogEntryIsPermanent(t *testing.T) {
	orders := newStubOrders()
	f := newFinalizer(t, orders, &stubLedger{}, &stubCharges{}, &memEventStore{})

	intent := payment.Intent{
		ID:       "pi_orphan",
		Metadata: map[string]string{"bag": `[{"s":"DRN-GONE","q":1}]`},
	}
	err := f.SettleFromIntent(context.Background(), intent)
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected permanent not-found failure, got %v", err)
	}
	if len(orders.byRef) != 0 {
		t.Fatal("no order may be created for an unprocessable intent")
	}
}

func TestSettleUnreadableMetadataIsPermanent(t *testing.T) {
	orders := newStubOrders()
	f := newFinalizer(t, orders, &stubLedger{}, &stubCharges{}, &memEventStore{})

	intent := payment.Intent{
		ID:       "pi_orphan",
		Metadata: map[string]string{"bag": `{not json`},
	}
	if err := f.SettleFromIntent(context.Background(), intent); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected permanent failure for unreadable metadata, got %v", err)
	}
}

func TestSettleChargeLookupFailureIsTransient(t *testing.T) {
	orders := newStubOrders()
	charges := &stubCharges{err: errors.New("provider timeout")}
	f := newFinalizer(t, orders, &stubLedger{}, charges, &memEventStore{})

	intent := payment.Intent{
		ID:           "pi_orphan",
		LatestCharge: "ch_1",
		Metadata:     map[string]string{"bag": `[{"s":"DRN-100","q":1}]`},
	}
	err := f.SettleFromIntent(context.Background(), intent)
	if err == nil || errors.Is(err, common.ErrNotFound) {
		t.Fatalf("charge lookup failures must stay retryable, got %v", err)
	}
}
