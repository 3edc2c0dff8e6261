package bag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/icarus-drones/storefront-api/internal/catalog"
	"github.com/icarus-drones/storefront-api/internal/common"
	"github.com/icarus-drones/storefront-api/internal/lock"
)

const mutationLockTTL = 10 * time.Second

// Service owns all bag mutations. Every mutation runs under a session-scoped
// Redis lock and clears any applied loyalty redemption, forcing the customer
// to re-apply points against the new contents.
type Service struct {
	Store   Store
	Catalog *catalog.Service
	Locker  lock.Locker
}

// Get returns the current bag for a session.
func (s *Service) Get(ctx context.Context, sessionID string) (Bag, error) {
	if err := s.check(sessionID); err != nil {
		return Bag{}, err
	}
	return s.Store.Get(ctx, sessionID)
}

// AddItem adds a plain catalog product, merging with an existing line.
func (s *Service) AddItem(ctx context.Context, sessionID, productID, sku string, quantity int64) (Bag, error) {
	return s.AddCustomItem(ctx, sessionID, productID, sku, quantity, nil)
}

// AddCustomItem adds a custom-configured product with attachment codes. The
// primary product must exist in the catalog; attachment codes are accepted
// as-is since valuation degrades unknown codes to zero-priced entries.
func (s *Service) AddCustomItem(ctx context.Context, sessionID, productID, sku string, quantity int64, attachmentCodes []string) (Bag, error) {
	if err := s.check(sessionID); err != nil {
		return Bag{}, err
	}
	if quantity < 1 {
		return Bag{}, fmt.Errorf("bag: %w: quantity must be at least 1", common.ErrInvalidInput)
	}
	product, err := s.Catalog.Resolve(ctx, productID, sku)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return Bag{}, fmt.Errorf("bag: %w: product not in catalog", common.ErrNotFound)
		}
		return Bag{}, err
	}
	if len(attachmentCodes) > 0 && !product.Customizable {
		return Bag{}, fmt.Errorf("bag: %w: product %s does not accept attachments", common.ErrInvalidInput, product.SKU)
	}

	return s.mutate(ctx, sessionID, func(b *Bag) error {
		key := LineKey(product.ID, attachmentCodes)
		if line := b.Find(key); line != nil {
			line.Quantity += quantity
			return nil
		}
		b.Lines = append(b.Lines, Line{
			Key:             key,
			ProductID:       product.ID,
			SKU:             product.SKU,
			Quantity:        quantity,
			AttachmentCodes: attachmentCodes,
		})
		return nil
	})
}

// AdjustItem sets a line's quantity; zero removes the line.
func (s *Service) AdjustItem(ctx context.Context, sessionID, lineKey string, quantity int64) (Bag, error) {
	if err := s.check(sessionID); err != nil {
		return Bag{}, err
	}
	if quantity < 0 {
		return Bag{}, fmt.Errorf("bag: %w: quantity must not be negative", common.ErrInvalidInput)
	}
	return s.mutate(ctx, sessionID, func(b *Bag) error {
		if quantity == 0 {
			if !b.Remove(lineKey) {
				return fmt.Errorf("bag: %w: no such line", common.ErrNotFound)
			}
			return nil
		}
		line := b.Find(lineKey)
		if line == nil {
			return fmt.Errorf("bag: %w: no such line", common.ErrNotFound)
		}
		line.Quantity = quantity
		return nil
	})
}

// RemoveItem deletes a line outright.
func (s *Service) RemoveItem(ctx context.Context, sessionID, lineKey string) (Bag, error) {
	return s.AdjustItem(ctx, sessionID, lineKey, 0)
}

// ApplyPoints records the redemption the customer asked for. The request is
// validated against the available balance and rejected, never clamped.
func (s *Service) ApplyPoints(ctx context.Context, sessionID string, points, availablePoints int64) (Bag, error) {
	if err := s.check(sessionID); err != nil {
		return Bag{}, err
	}
	if points < 0 || points > availablePoints {
		return Bag{}, fmt.Errorf("bag: %w: %d points requested but only %d available",
			common.ErrInvalidInput, points, availablePoints)
	}
	var out Bag
	err := s.Locker.WithLock(ctx, lock.SessionKey(sessionID), mutationLockTTL, func(ctx context.Context) error {
		b, err := s.Store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if b.IsEmpty() && points > 0 {
			return fmt.Errorf("bag: %w: cannot redeem points against an empty bag", common.ErrInvalidInput)
		}
		b.AppliedPoints = points
		if err := s.Store.Save(ctx, sessionID, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// Clear discards the bag after checkout.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if err := s.check(sessionID); err != nil {
		return err
	}
	return s.Store.Delete(ctx, sessionID)
}

func (s *Service) mutate(ctx context.Context, sessionID string, fn func(*Bag) error) (Bag, error) {
	var out Bag
	err := s.Locker.WithLock(ctx, lock.SessionKey(sessionID), mutationLockTTL, func(ctx context.Context) error {
		b, err := s.Store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := fn(&b); err != nil {
			return err
		}
		// contents changed, so any previously applied redemption is stale
		b.AppliedPoints = 0
		if err := s.Store.Save(ctx, sessionID, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func (s *Service) check(sessionID string) error {
	if s == nil || s.Catalog == nil {
		return errors.New("bag: service not configured")
	}
	if sessionID == "" {
		return fmt.Errorf("bag: %w: missing session", common.ErrInvalidInput)
	}
	return nil
}
