package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// Repo implements catalog queries over PostgreSQL.
type Repo struct {
	Pool *pgxpool.Pool
}

const productColumns = `id::text, sku, name, price::text, COALESCE(image_url, ''), customizable`

// ProductByID fetches a product row by primary key.
func (r *Repo) ProductByID(ctx context.Context, id string) (Product, error) {
	if r == nil || r.Pool == nil {
		return Product{}, errors.New("catalog: repo not configured")
	}
	row := r.Pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

// ProductBySKU fetches a product row by SKU (case-insensitive).
func (r *Repo) ProductBySKU(ctx context.Context, sku string) (Product, error) {
	if r == nil || r.Pool == nil {
		return Product{}, errors.New("catalog: repo not configured")
	}
	row := r.Pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE lower(sku) = lower($1)`, sku)
	return scanProduct(row)
}

func scanProduct(row pgx.Row) (Product, error) {
	var (
		p        Product
		rawPrice string
	)
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &rawPrice, &p.ImageURL, &p.Customizable); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, common.ErrNotFound
		}
		return Product{}, fmt.Errorf("catalog: scan product: %w", err)
	}
	price, err := decimal.NewFromString(rawPrice)
	if err != nil {
		return Product{}, fmt.Errorf("catalog: parse price %q: %w", rawPrice, err)
	}
	p.Price = price
	return p, nil
}
