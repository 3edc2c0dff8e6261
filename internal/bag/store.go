package bag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists bags as opaque JSON blobs in Redis, keyed by session.
type Store struct {
	R   *redis.Client
	TTL time.Duration
}

func bagKey(sessionID string) string { return "bag:" + sessionID }

// Get loads the bag for a session. A missing key yields an empty bag.
func (s Store) Get(ctx context.Context, sessionID string) (Bag, error) {
	if s.R == nil {
		return Bag{}, errors.New("bag: store not configured")
	}
	data, err := s.R.Get(ctx, bagKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Bag{}, nil
		}
		return Bag{}, fmt.Errorf("bag: load session %s: %w", sessionID, err)
	}
	var b Bag
	if err := json.Unmarshal(data, &b); err != nil {
		return Bag{}, fmt.Errorf("bag: decode session %s: %w", sessionID, err)
	}
	return b, nil
}

// Save writes the bag back, refreshing the session TTL.
func (s Store) Save(ctx context.Context, sessionID string, b Bag) error {
	if s.R == nil {
		return errors.New("bag: store not configured")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("bag: encode session %s: %w", sessionID, err)
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return s.R.Set(ctx, bagKey(sessionID), data, ttl).Err()
}

// Delete discards the bag, typically after a successful checkout.
func (s Store) Delete(ctx context.Context, sessionID string) error {
	if s.R == nil {
		return errors.New("bag: store not configured")
	}
	return s.R.Del(ctx, bagKey(sessionID)).Err()
}
