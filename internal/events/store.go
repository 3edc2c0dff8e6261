package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists domain events in PostgreSQL.
type PGStore struct {
	Pool *pgxpool.Pool
}

// InsertDomainEvent appends one event row.
func (s *PGStore) InsertDomainEvent(ctx context.Context, topic, key string, payload []byte) (Event, error) {
	if s == nil || s.Pool == nil {
		return Event{}, errors.New("events: store not configured")
	}
	var ev Event
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_key, payload)
		VALUES ($1,$2,$3)
		RETURNING id, topic, aggregate_key, payload, occurred_at`,
		topic, key, payload,
	).Scan(&ev.ID, &ev.Topic, &ev.Key, &ev.Payload, &ev.OccurredAt)
	if err != nil {
		return Event{}, fmt.Errorf("events: insert: %w", err)
	}
	return ev, nil
}
