package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/bag"
	"github.com/icarus-drones/storefront-api/internal/catalog"
	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/events"
	"github.com/icarus-drones/storefront-api/internal/lock"
	"github.com/icarus-drones/storefront-api/internal/order"
	"github.com/icarus-drones/storefront-api/internal/payment"
	"github.com/icarus-drones/storefront-api/internal/pricing"
	"github.com/icarus-drones/storefront-api/internal/profile"
)

type stubCatalogQueries struct {
	products  map[string]catalog.Product // keyed by id and by sku
	failAfter int                        // >0: lookups beyond this count miss
	calls     int
}

func (s *stubCatalogQueries) lookup(key string) (catalog.Product, error) {
	s.calls++
	if s.failAfter > 0 && s.calls > s.failAfter {
		return catalog.Product{}, common.ErrNotFound
	}
	p, ok := s.products[key]
	if !ok {
		return catalog.Product{}, common.ErrNotFound
	}
	return p, nil
}

func (s *stubCatalogQueries) ProductByID(_ context.Context, id string) (catalog.Product, error) {
	return s.lookup(id)
}

func (s *stubCatalogQueries) ProductBySKU(_ context.Context, sku string) (catalog.Product, error) {
	return s.lookup(sku)
}

type stubOrders struct {
	byRef     map[string]order.Order
	lines     []order.Line
	deleted   []string
	settled   map[string]bool
	nextID    int
	lineErr   error        // every InsertLine fails with this
	lateOrder *order.Order // lands after the first GetByPaymentRef miss
}

func newStubOrders() *stubOrders {
	return &stubOrders{byRef: map[string]order.Order{}, settled: map[string]bool{}}
}

func (s *stubOrders) CreateIfAbsent(_ context.Context, o *order.Order) (bool, order.Order, error) {
	if existing, ok := s.byRef[o.PaymentRef]; ok {
		return false, existing, nil
	}
	s.nextID++
	o.ID = strconv.Itoa(s.nextID)
	s.byRef[o.PaymentRef] = *o
	return true, *o, nil
}

func (s *stubOrders) InsertLine(_ context.Context, line order.Line) error {
	if s.lineErr != nil {
		return s.lineErr
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *stubOrders) Delete(_ context.Context, orderID string) error {
	for ref, o := range s.byRef {
		if o.ID == orderID {
			delete(s.byRef, ref)
		}
	}
	s.deleted = append(s.deleted, orderID)
	return nil
}

func (s *stubOrders) GetByPaymentRef(_ context.Context, paymentRef string) (order.Order, error) {
	o, ok := s.byRef[paymentRef]
	if !ok {
		if s.lateOrder != nil && s.lateOrder.PaymentRef == paymentRef {
			// a checkout submission commits between the lookup and the
			// caller's next move
			late := *s.lateOrder
			s.lateOrder = nil
			s.nextID++
			late.ID = strconv.Itoa(s.nextID)
			s.byRef[paymentRef] = late
		}
		return order.Order{}, common.ErrNotFound
	}
	return o, nil
}

func (s *stubOrders) MarkSettled(_ context.Context, orderID string) error {
	if s.settled[orderID] {
		return common.ErrConflict
	}
	s.settled[orderID] = true
	return nil
}

type ledgerPost struct {
	userID  string
	orderID string
	used    int64
	earned  int64
}

type stubLedger struct {
	balance int64
	posts   []ledgerPost
	postErr error
}

func (s *stubLedger) Balance(context.Context, string) (int64, error) { return s.balance, nil }

// Post is idempotent per order, like the real poster.
func (s *stubLedger) Post(_ context.Context, userID, orderID string, used, earned int64) error {
	if s.postErr != nil {
		return s.postErr
	}
	for _, p := range s.posts {
		if p.orderID == orderID {
			return nil
		}
	}
	s.posts = append(s.posts, ledgerPost{userID: userID, orderID: orderID, used: used, earned: earned})
	return nil
}

type stubPayments struct {
	creates   int
	updates   int
	lastQuote pricing.Quote
	lastLines []payment.SummaryLine
}

func (s *stubPayments) CreateForQuote(_ context.Context, quote pricing.Quote, lines []payment.SummaryLine, _, _ string) (payment.Intent, error) {
	s.creates++
	s.lastQuote = quote
	s.lastLines = lines
	return payment.Intent{ID: "pi_test_1", ClientSecret: "pi_test_1_secret_x"}, nil
}

func (s *stubPayments) UpdateForQuote(_ context.Context, intentID string, quote pricing.Quote, lines []payment.SummaryLine, _, _ string) (payment.Intent, error) {
	s.updates++
	s.lastQuote = quote
	s.lastLines = lines
	return payment.Intent{ID: intentID, ClientSecret: intentID + "_secret_x"}, nil
}

type stubProfiles struct {
	saved []profile.Profile
}

func (s *stubProfiles) SaveInfo(_ context.Context, p profile.Profile) error {
	s.saved = append(s.saved, p)
	return nil
}

type memEventStore struct {
	rows []events.Event
}

func (m *memEventStore) InsertDomainEvent(_ context.Context, topic, key string, payload []byte) (events.Event, error) {
	ev := events.Event{ID: int64(len(m.rows) + 1), Topic: topic, Key: key, Payload: payload, OccurredAt: time.Now()}
	m.rows = append(m.rows, ev)
	return ev, nil
}

type fixture struct {
	svc     *Service
	bags    *bag.Service
	orders  *stubOrders
	ledger  *stubLedger
	pays    *stubPayments
	profs   *stubProfiles
	queries *stubCatalogQueries
	store   *memEventStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queries := &stubCatalogQueries{products: map[string]catalog.Product{}}
	for _, p := range []catalog.Product{
		{ID: "p1", SKU: "DRN-100", Name: "Scout Drone", Price: decimal.RequireFromString("150.00"), Customizable: true},
		{ID: "p2", SKU: "DRN-200", Name: "Surveyor Drone", Price: decimal.RequireFromString("450.00")},
	} {
		queries.products[p.ID] = p
		queries.products[p.SKU] = p
	}
	cat, err := catalog.NewService(queries, nil)
	if err != nil {
		t.Fatalf("catalog service: %v", err)
	}

	bags := &bag.Service{
		Store:   bag.Store{R: client, TTL: time.Hour},
		Catalog: cat,
		Locker:  lock.Locker{R: client},
	}
	orders := newStubOrders()
	ledger := &stubLedger{}
	pays := &stubPayments{}
	profs := &stubProfiles{}
	store := &memEventStore{}

	svc := &Service{
		Bags:     bags,
		Valuer:   bag.Valuer{Catalog: cat, Logger: zerolog.Nop()},
		Engine:   pricing.NewEngine(),
		Payments: pays,
		Orders:   orders,
		Ledger:   ledger,
		Profiles: profs,
		Catalog:  cat,
		Events:   &events.Bus{Store: store},
		Validate: validator.New(),
		Logger:   zerolog.Nop(),
	}
	return &fixture{svc: svc, bags: bags, orders: orders, ledger: ledger, pays: pays, profs: profs, queries: queries, store: store}
}

func validSubmit(sessionID string) SubmitInput {
	return SubmitInput{
		SessionID:      sessionID,
		FullName:       "Daedalus Kane",
		Email:          "daedalus@example.com",
		Phone:          "+4477009001",
		Country:        "GB",
		Postcode:       "EC1A 1BB",
		City:           "London",
		StreetAddress1: "1 Workshop Lane",
		ClientSecret:   "pi_test_1_secret_x",
	}
}

func TestQuoteCreatesIntentForBag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddItem(ctx, "sess-1", "p1", "", 1); err != nil {
		t.Fatalf("seed bag: %v", err)
	}

	view, err := f.svc.Quote(ctx, "sess-1", "", "", "")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if f.pays.creates != 1 || f.pays.updates != 0 {
		t.Fatalf("expected one intent create, got creates=%d updates=%d", f.pays.creates, f.pays.updates)
	}
	if got := view.Quote.GrandTotal.StringFixed(2); got != "165.00" {
		t.Fatalf("expected grand total 165.00, got %s", got)
	}
	if view.ClientSecret != "pi_test_1_secret_x" {
		t.Fatalf("unexpected client secret %q", view.ClientSecret)
	}
	if len(f.pays.lastLines) != 1 || f.pays.lastLines[0].SKU != "DRN-100" {
		t.Fatalf("unexpected metadata lines %+v", f.pays.lastLines)
	}
}

func TestQuoteUpdatesExistingIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddItem(ctx, "sess-1", "p1", "", 2); err != nil {
		t.Fatalf("seed bag: %v", err)
	}

	view, err := f.svc.Quote(ctx, "sess-1", "", "", "pi_existing")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if f.pays.updates != 1 || f.pays.creates != 0 {
		t.Fatalf("expected one intent modify, got creates=%d updates=%d", f.pays.creates, f.pays.updates)
	}
	if view.IntentID != "pi_existing" {
		t.Fatalf("intent id must survive the update, got %q", view.IntentID)
	}
}

func TestQuoteRejectsEmptyBag(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Quote(context.Background(), "sess-empty", "", "", ""); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty bag, got %v", err)
	}
}

func TestSubmitCreatesOrderWithLines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddItem(ctx, "sess-1", "p1", "", 1); err != nil {
		t.Fatalf("seed bag: %v", err)
	}

	o, err := f.svc.Submit(ctx, validSubmit("sess-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if o.Status != order.StatusCreated {
		t.Fatalf("expected CREATED, got %s", o.Status)
	}
	if o.PaymentRef != "pi_test_1" {
		t.Fatalf("payment ref must come from the client secret, got %q", o.PaymentRef)
	}
	if got := o.GrandTotal.StringFixed(2); got != "165.00" {
		t.Fatalf("expected grand total 165.00, got %s", got)
	}
	if o.PointsEarned != 16 {
		t.Fatalf("expected 16 points earned, got %d", o.PointsEarned)
	}
	if len(f.orders.lines) != 1 || f.orders.lines[0].SKU != "DRN-100" {
		t.Fatalf("unexpected order lines %+v", f.orders.lines)
	}
	b, err := f.bags.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("reload bag: %v", err)
	}
	if !b.IsEmpty() {
		t.Fatal("bag must be cleared after checkout")
	}
	if len(f.store.rows) != 1 || f.store.rows[0].Topic != events.TopicOrderCreated {
		t.Fatalf("expected one order-created event, got %+v", f.store.rows)
	}
}

func TestSubmitIsIdempotentPerPaymentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddItem(ctx, "sess-1", "p1", "", 1); err != nil {
		t.Fatalf("seed bag: %v", err)
	}
	first, err := f.svc.Submit(ctx, validSubmit("sess-1"))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	// resubmit against the same intent with a fresh bag
	if _, err := f.bags.AddItem(ctx, "sess-1", "p2", "", 3); err != nil {
		t.Fatalf("reseed bag: %v", err)
	}
	second, err := f.svc.Submit(ctx, validSubmit("sess-1"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Number != first.Number {
		t.Fatalf("expected the stored order back, got %s vs %s", second.Number, first.Number)
	}
	if len(f.orders.byRef) != 1 {
		t.Fatalf("expected exactly one order per payment ref, got %d", len(f.orders.byRef))
	}
	if len(f.orders.lines) != 1 {
		t.Fatalf("resubmission must not add lines, got %d", len(f.orders.lines))
	}
}

func TestSubmitCompensatesOnVanishedProduct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddItem(ctx, "sess-1", "p1", "", 1); err != nil {
		t.Fatalf("seed bag: %v", err)
	}
	// one lookup seeded the bag, one serves the valuation; the line-insert
	// lookup then finds the product gone
	f.queries.failAfter = f.queries.calls + 1

	_, err := f.svc.Submit(ctx, validSubmit("sess-1"))
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if len(f.orders.deleted) != 1 {
		t.Fatalf("expected the compensating delete, deleted=%v", f.orders.deleted)
	}
	if _, err := f.orders.GetByPaymentRef(ctx, "pi_test_1"); !errors.Is(err, common.ErrNotFound) {
		t.Fatal("the half-created order must not survive")
	}
}

func TestSubmitRechecksRedemptionAgainstLiveBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddItem(ctx, "sess-1", "p1", "", 1); err != nil {
		t.Fatalf("seed bag: %v", err)
	}
	if _, err := f.bags.ApplyPoints(ctx, "sess-1", 50, 50); err != nil {
		t.Fatalf("apply points: %v", err)
	}
	// balance shrank after the points were applied
	f.ledger.balance = 10

	in := validSubmit("sess-1")
	in.UserID = "user-7"
	if _, err := f.svc.Submit(ctx, in); !errors.Is(err, common.ErrInvalidInput) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if len(f.orders.byRef) != 0 {
		t.Fatal("no order may be created for an invalid redemption")
	}
}

func TestSubmitRejectsInvalidForm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddItem(ctx, "sess-1", "p1", "", 1); err != nil {
		t.Fatalf("seed bag: %v", err)
	}
	in := validSubmit("sess-1")
	in.Email = "not-an-email"

	_, err := f.svc.Submit(ctx, in)
	var appErr *common.AppError
	if !errors.As(err, &appErr) || appErr.Code != "VALIDATION_FAILED" {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}

func TestSubmitSavesProfileInfoWhenAsked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddItem(ctx, "sess-1", "p1", "", 1); err != nil {
		t.Fatalf("seed bag: %v", err)
	}
	in := validSubmit("sess-1")
	in.UserID = "user-7"
	in.Username = "daedalus"
	in.SaveInfo = true

	if _, err := f.svc.Submit(ctx, in); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(f.profs.saved) != 1 {
		t.Fatalf("expected one profile save, got %d", len(f.profs.saved))
	}
	saved := f.profs.saved[0]
	if saved.UserID != "user-7" || saved.City != "London" {
		t.Fatalf("unexpected saved profile %+v", saved)
	}
	if saved.LoyaltyPoints != 0 {
		t.Fatal("save-info must never touch the loyalty balance")
	}
}

func TestSubmitMetadataSummaryMatchesBag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.bags.AddCustomItem(ctx, "sess-1", "p1", "", 2, []string{"4k-camera"}); err != nil {
		t.Fatalf("seed bag: %v", err)
	}
	if _, err := f.svc.Quote(ctx, "sess-1", "", "", ""); err != nil {
		t.Fatalf("quote: %v", err)
	}
	if len(f.pays.lastLines) != 1 {
		t.Fatalf("expected one summary line, got %d", len(f.pays.lastLines))
	}
	line := f.pays.lastLines[0]
	if line.SKU != "DRN-100" || line.Qty != 2 || fmt.Sprint(line.Attachments) != "[4k-camera]" {
		t.Fatalf("unexpected summary line %+v", line)
	}
}
