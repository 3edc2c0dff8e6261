package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/icarus-drones/storefront-api/internal/events"
)

type memStore struct {
	rows []events.Event
}

func (m *memStore) InsertDomainEvent(_ context.Context, topic, key string, payload []byte) (events.Event, error) {
	ev := events.Event{
		ID:         int64(len(m.rows) + 1),
		Topic:      topic,
		Key:        key,
		Payload:    payload,
		OccurredAt: time.Now(),
	}
	m.rows = append(m.rows, ev)
	return ev, nil
}

type recordingNotifier struct {
	seen []events.Event
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, ev events.Event) error {
	n.seen = append(n.seen, ev)
	return n.err
}

func TestEmitPersistsAndFansOut(t *testing.T) {
	store := &memStore{}
	first := &recordingNotifier{}
	second := &recordingNotifier{}
	bus := &events.Bus{Store: store, Notifiers: []events.Notifier{first, second}}

	err := bus.Emit(context.Background(), events.TopicOrderSettled, "order-1", map[string]any{"number": "A1"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(store.rows))
	}
	if len(first.seen) != 1 || len(second.seen) != 1 {
		t.Fatal("all notifiers must observe the event")
	}
}

func TestEmitNotifierFailureDoesNotBlockOthers(t *testing.T) {
	store := &memStore{}
	failing := &recordingNotifier{err: errors.New("smtp down")}
	healthy := &recordingNotifier{}
	bus := &events.Bus{Store: store, Notifiers: []events.Notifier{failing, healthy}}

	err := bus.Emit(context.Background(), events.TopicOrderSettled, "order-1", nil)
	if err == nil {
		t.Fatal("expected joined notifier error")
	}
	if len(store.rows) != 1 {
		t.Fatal("event must still be persisted")
	}
	if len(healthy.seen) != 1 {
		t.Fatal("healthy notifier must still run")
	}
}

func TestEmitRejectsInvalidJSONPayload(t *testing.T) {
	bus := &events.Bus{Store: &memStore{}}
	if err := bus.Emit(context.Background(), events.TopicOrderCreated, "order-1", []byte("{not json")); err == nil {
		t.Fatal("expected payload validation error")
	}
}
