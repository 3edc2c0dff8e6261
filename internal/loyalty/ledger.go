package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/icarus-drones/storefront-api/internal/obs"
)

// ErrInsufficientBalance is an integrity fault: the recorded redemption exceeds
// the balance at posting time even though checkout validated it earlier.
var ErrInsufficientBalance = errors.New("loyalty: insufficient balance at posting time")

// TxType tags a ledger entry.
type TxType string

const (
	// TxRedeem deducts points spent on a checkout discount.
	TxRedeem TxType = "REDEEM"
	// TxEarn credits points earned from a settled order.
	TxEarn TxType = "EARN"
)

// Entry is one immutable, signed balance change.
type Entry struct {
	ID            int64
	UserID        string
	OrderID       string
	Type          TxType
	Points        int64
	BalanceBefore int64
	BalanceAfter  int64
	CreatedAt     time.Time
}

// querier abstracts the ledger's storage operations so posting logic can be
// exercised without a database.
type querier interface {
	LockProfilePoints(ctx context.Context, userID string) (int64, error)
	CountEntriesForOrder(ctx context.Context, orderID string) (int64, error)
	InsertEntry(ctx context.Context, e Entry) error
	SetProfilePoints(ctx context.Context, userID string, points int64) error
}

// Ledger is the single writer of profile loyalty balances. Every balance
// change flows through Post; all other code only reads.
type Ledger struct {
	Pool *pgxpool.Pool
}

// Post records the redeem-then-earn entry pair for a settled order, exactly
// once. The profile row is locked for the whole posting so a concurrent order
// cannot interleave balance reads.
func (l *Ledger) Post(ctx context.Context, userID, orderID string, pointsUsed, pointsEarned int64) error {
	if l == nil || l.Pool == nil {
		return errors.New("loyalty: ledger not configured")
	}
	tx, err := l.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("loyalty: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := post(ctx, &pgQuerier{db: tx}, userID, orderID, pointsUsed, pointsEarned); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loyalty: commit: %w", err)
	}
	return nil
}

// post holds the invariant logic: idempotency check, redeem before earn,
// telescoping balances.
func post(ctx context.Context, q querier, userID, orderID string, pointsUsed, pointsEarned int64) error {
	balance, err := q.LockProfilePoints(ctx, userID)
	if err != nil {
		return fmt.Errorf("loyalty: lock profile: %w", err)
	}

	// the count must run under the row lock: two concurrent posts for the
	// same order serialize on the profile, so the loser sees the winner's
	// entries instead of both reading zero
	existing, err := q.CountEntriesForOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("loyalty: idempotency check: %w", err)
	}
	if existing > 0 {
		return nil
	}

	if pointsUsed > 0 {
		if pointsUsed > balance {
			return fmt.Errorf("%w: need %d, have %d", ErrInsufficientBalance, pointsUsed, balance)
		}
		redeem := Entry{
			UserID:        userID,
			OrderID:       orderID,
			Type:          TxRedeem,
			Points:        -pointsUsed,
			BalanceBefore: balance,
			BalanceAfter:  balance - pointsUsed,
		}
		if err := q.InsertEntry(ctx, redeem); err != nil {
			return fmt.Errorf("loyalty: insert redeem: %w", err)
		}
		balance = redeem.BalanceAfter
		recordPosting(string(TxRedeem))
	}

	if pointsEarned > 0 {
		earn := Entry{
			UserID:        userID,
			OrderID:       orderID,
			Type:          TxEarn,
			Points:        pointsEarned,
			BalanceBefore: balance,
			BalanceAfter:  balance + pointsEarned,
		}
		if err := q.InsertEntry(ctx, earn); err != nil {
			return fmt.Errorf("loyalty: insert earn: %w", err)
		}
		balance = earn.BalanceAfter
		recordPosting(string(TxEarn))
	}

	if err := q.SetProfilePoints(ctx, userID, balance); err != nil {
		return fmt.Errorf("loyalty: update balance: %w", err)
	}
	return nil
}

// Balance reads the current running balance for a profile.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if l == nil || l.Pool == nil {
		return 0, errors.New("loyalty: ledger not configured")
	}
	var points int64
	err := l.Pool.QueryRow(ctx,
		`SELECT loyalty_points FROM profiles WHERE user_id = $1`, userID).Scan(&points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("loyalty: read balance: %w", err)
	}
	return points, nil
}

// History lists a profile's ledger entries in posting order.
func (l *Ledger) History(ctx context.Context, userID string) ([]Entry, error) {
	if l == nil || l.Pool == nil {
		return nil, errors.New("loyalty: ledger not configured")
	}
	rows, err := l.Pool.Query(ctx, `
		SELECT id, user_id, order_id::text, tx_type, points, balance_before, balance_after, created_at
		FROM loyalty_ledger WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("loyalty: history: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var txType string
		if err := rows.Scan(&e.ID, &e.UserID, &e.OrderID, &txType, &e.Points, &e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("loyalty: scan entry: %w", err)
		}
		e.Type = TxType(txType)
		out = append(out, e)
	}
	return out, rows.Err()
}

func recordPosting(txType string) {
	if obs.LedgerPostingsTotal != nil {
		obs.LedgerPostingsTotal.WithLabelValues(txType).Inc()
	}
}

// pgQuerier implements querier over a pgx transaction.
type pgQuerier struct {
	db pgx.Tx
}

func (q *pgQuerier) LockProfilePoints(ctx context.Context, userID string) (int64, error) {
	var points int64
	err := q.db.QueryRow(ctx,
		`SELECT loyalty_points FROM profiles WHERE user_id = $1 FOR UPDATE`, userID).Scan(&points)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// first order for this user, create the profile row under the lock
			_, insertErr := q.db.Exec(ctx,
				`INSERT INTO profiles (user_id, loyalty_points) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`, userID)
			if insertErr != nil {
				return 0, insertErr
			}
			return 0, q.db.QueryRow(ctx,
				`SELECT loyalty_points FROM profiles WHERE user_id = $1 FOR UPDATE`, userID).Scan(&points)
		}
		return 0, err
	}
	return points, nil
}

func (q *pgQuerier) CountEntriesForOrder(ctx context.Context, orderID string) (int64, error) {
	var count int64
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM loyalty_ledger WHERE order_id = $1`, orderID).Scan(&count)
	return count, err
}

func (q *pgQuerier) InsertEntry(ctx context.Context, e Entry) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO loyalty_ledger (user_id, order_id, tx_type, points, balance_before, balance_after)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.UserID, e.OrderID, string(e.Type), e.Points, e.BalanceBefore, e.BalanceAfter)
	return err
}

func (q *pgQuerier) SetProfilePoints(ctx context.Context, userID string, points int64) error {
	_, err := q.db.Exec(ctx,
		`UPDATE profiles SET loyalty_points = $2, updated_at = now() WHERE user_id = $1`, userID, points)
	return err
}
