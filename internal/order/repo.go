package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/icarus-drones/storefront-api/internal/common"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx so repository methods can
// run standalone or inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo persists orders and their lines.
type Repo struct {
	DB DBTX
}

const orderColumns = `id::text, order_number, COALESCE(user_id, ''), full_name, email, phone,
	country, postcode, city, street_address1, street_address2, county,
	order_total::text, delivery_cost::text, discount_applied::text, grand_total::text,
	loyalty_points_used, loyalty_points_earned, COALESCE(original_bag, 'null'::jsonb),
	payment_ref, status, created_at, settled_at`

// CreateIfAbsent inserts the order unless one already exists for the same
// payment reference. The unique constraint on payment_ref is the arbiter of
// the finalization race; the loser of the race gets the winner's row back.
func (r *Repo) CreateIfAbsent(ctx context.Context, o *Order) (bool, Order, error) {
	if r == nil || r.DB == nil {
		return false, Order{}, errors.New("order: repo not configured")
	}
	var userID any
	if o.UserID != "" {
		userID = o.UserID
	}
	row := r.DB.QueryRow(ctx, `
		INSERT INTO orders (
			order_number, user_id, full_name, email, phone,
			country, postcode, city, street_address1, street_address2, county,
			order_total, delivery_cost, discount_applied, grand_total,
			loyalty_points_used, loyalty_points_earned, original_bag, payment_ref, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (payment_ref) DO NOTHING
		RETURNING id::text`,
		o.Number, userID, o.FullName, o.Email, o.Phone,
		o.Country, o.Postcode, o.City, o.StreetAddress1, o.StreetAddress2, o.County,
		o.OrderTotal.StringFixed(2), o.DeliveryCost.StringFixed(2), o.DiscountApplied.StringFixed(2), o.GrandTotal.StringFixed(2),
		o.PointsUsed, o.PointsEarned, o.OriginalBag, o.PaymentRef, string(o.Status),
	)
	var id string
	err := row.Scan(&id)
	if err == nil {
		o.ID = id
		return true, *o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, Order{}, fmt.Errorf("order: create: %w", err)
	}
	existing, err := r.GetByPaymentRef(ctx, o.PaymentRef)
	if err != nil {
		return false, Order{}, err
	}
	return false, existing, nil
}

// GetByPaymentRef fetches the order owning a payment reference.
func (r *Repo) GetByPaymentRef(ctx context.Context, paymentRef string) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1`, paymentRef)
	return scanOrder(row)
}

// GetByNumber fetches an order by its public number.
func (r *Repo) GetByNumber(ctx context.Context, number string) (Order, error) {
	row := r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, number)
	return scanOrder(row)
}

// ListByUser returns a customer's order history, newest first.
func (r *Repo) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("order: list: %w", err)
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertLine appends a line and folds its totals into the owning order's
// aggregates in one statement pair.
func (r *Repo) InsertLine(ctx context.Context, line Line) error {
	codes, err := json.Marshal(line.AttachmentCodes)
	if err != nil {
		return fmt.Errorf("order: encode attachment codes: %w", err)
	}
	if _, err := r.DB.Exec(ctx, `
		INSERT INTO order_lines (order_id, product_id, sku, quantity, attachment_codes, line_total)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		line.OrderID, line.ProductID, line.SKU, line.Quantity, codes, line.LineTotal.StringFixed(2),
	); err != nil {
		return fmt.Errorf("order: insert line: %w", err)
	}
	return r.recomputeAggregates(ctx, line.OrderID)
}

// ListLines returns the persisted lines of an order.
func (r *Repo) ListLines(ctx context.Context, orderID string) ([]Line, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id::text, order_id::text, product_id, sku, quantity, attachment_codes, line_total::text
		FROM order_lines WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("order: list lines: %w", err)
	}
	defer rows.Close()
	var out []Line
	for rows.Next() {
		var (
			line     Line
			rawCodes []byte
			rawTotal string
		)
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.SKU, &line.Quantity, &rawCodes, &rawTotal); err != nil {
			return nil, fmt.Errorf("order: scan line: %w", err)
		}
		if len(rawCodes) > 0 {
			if err := json.Unmarshal(rawCodes, &line.AttachmentCodes); err != nil {
				return nil, fmt.Errorf("order: decode attachment codes: %w", err)
			}
		}
		total, err := decimal.NewFromString(rawTotal)
		if err != nil {
			return nil, fmt.Errorf("order: parse line total: %w", err)
		}
		line.LineTotal = total
		out = append(out, line)
	}
	return out, rows.Err()
}

// Delete removes an order and its lines. Only used as the compensating action
// when line-item creation hits a vanished catalog entry.
func (r *Repo) Delete(ctx context.Context, orderID string) error {
	if _, err := r.DB.Exec(ctx, `DELETE FROM orders WHERE id = $1`, orderID); err != nil {
		return fmt.Errorf("order: delete: %w", err)
	}
	return nil
}

// MarkSettled transitions an order into the terminal SETTLED state.
func (r *Repo) MarkSettled(ctx context.Context, orderID string) error {
	tag, err := r.DB.Exec(ctx, `
		UPDATE orders SET status = $2, settled_at = now()
		WHERE id = $1 AND status <> $2`, orderID, string(StatusSettled))
	if err != nil {
		return fmt.Errorf("order: mark settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.ErrConflict
	}
	return nil
}

// recomputeAggregates refreshes the denormalised totals after a line change,
// reapplying the delivery-threshold and discount rules against the new sum.
func (r *Repo) recomputeAggregates(ctx context.Context, orderID string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE orders o SET
			order_total = COALESCE((SELECT SUM(l.line_total) FROM order_lines l WHERE l.order_id = o.id), 0),
			grand_total = COALESCE((SELECT SUM(l.line_total) FROM order_lines l WHERE l.order_id = o.id), 0)
				+ o.delivery_cost - o.discount_applied
		WHERE o.id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("order: recompute aggregates: %w", err)
	}
	_, err = r.DB.Exec(ctx, `UPDATE orders SET grand_total = 0 WHERE id = $1 AND grand_total < 0`, orderID)
	if err != nil {
		return fmt.Errorf("order: clamp grand total: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o         Order
		rawBag    []byte
		status    string
		settledAt *time.Time

		rawTotal, rawDelivery, rawDiscount, rawGrand string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.FullName, &o.Email, &o.Phone,
		&o.Country, &o.Postcode, &o.City, &o.StreetAddress1, &o.StreetAddress2, &o.County,
		&rawTotal, &rawDelivery, &rawDiscount, &rawGrand,
		&o.PointsUsed, &o.PointsEarned, &rawBag,
		&o.PaymentRef, &status, &o.CreatedAt, &settledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, common.ErrNotFound
		}
		return Order{}, fmt.Errorf("order: scan: %w", err)
	}
	for _, pair := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{rawTotal, &o.OrderTotal},
		{rawDelivery, &o.DeliveryCost},
		{rawDiscount, &o.DiscountApplied},
		{rawGrand, &o.GrandTotal},
	} {
		v, err := decimal.NewFromString(pair.raw)
		if err != nil {
			return Order{}, fmt.Errorf("order: parse amount %q: %w", pair.raw, err)
		}
		*pair.dst = v
	}
	o.OriginalBag = rawBag
	o.Status = Status(status)
	o.SettledAt = settledAt
	return o, nil
}
