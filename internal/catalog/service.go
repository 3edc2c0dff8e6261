package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Product is the catalog view the pricing pipeline consumes.
type Product struct {
	ID           string          `json:"id"`
	SKU          string          `json:"sku"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	ImageURL     string          `json:"imageUrl,omitempty"`
	Customizable bool            `json:"customizable"`
}

type queryProvider interface {
	ProductByID(ctx context.Context, id string) (Product, error)
	ProductBySKU(ctx context.Context, sku string) (Product, error)
}

// Service orchestrates catalog lookups with a Redis read-through cache.
type Service struct {
	queries queryProvider
	cache   *Cache
}

// NewService constructs a Service instance.
func NewService(queries queryProvider, cache *Cache) (*Service, error) {
	if queries == nil {
		return nil, errors.New("catalog: queries provider is required")
	}
	return &Service{queries: queries, cache: cache}, nil
}

// ByID resolves a product by its opaque identifier.
func (s *Service) ByID(ctx context.Context, id string) (Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Product{}, fmt.Errorf("catalog: %w: empty product id", common.ErrInvalidInput)
	}
	return s.lookup(ctx, "catalog:id:"+id, func(ctx context.Context) (Product, error) {
		return s.queries.ProductByID(ctx, id)
	})
}

// BySKU resolves a product by its stock-keeping unit.
func (s *Service) BySKU(ctx context.Context, sku string) (Product, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return Product{}, fmt.Errorf("catalog: %w: empty sku", common.ErrInvalidInput)
	}
	return s.lookup(ctx, "catalog:sku:"+strings.ToLower(sku), func(ctx context.Context) (Product, error) {
		return s.queries.ProductBySKU(ctx, sku)
	})
}

// Resolve accepts either a product id or a SKU, preferring the id when both are set.
func (s *Service) Resolve(ctx context.Context, id, sku string) (Product, error) {
	if strings.TrimSpace(id) != "" {
		return s.ByID(ctx, id)
	}
	return s.BySKU(ctx, sku)
}

func (s *Service) lookup(ctx context.Context, cacheKey string, fetch func(context.Context) (Product, error)) (Product, error) {
	var cached Product
	if hit, err := s.cache.GetJSON(ctx, cacheKey, &cached); err == nil && hit {
		return cached, nil
	}
	product, err := fetch(ctx)
	if err != nil {
		return Product{}, err
	}
	// cache failures are non-fatal; the next read falls through to the database
	_ = s.cache.SetJSON(ctx, cacheKey, product)
	return product, nil
}
