package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const transactionColumns = `id, user_id, kind, tier_id, amount, payment_ref, status,
	is_auto_renewal, created_at, updated_at`

// Ledger is the durable record of payment attempts. Rows are never deleted.
type Ledger struct {
	q querier
}

// Create inserts a new transaction. The payment reference, when set, must be unique.
func (l *Ledger) Create(ctx context.Context, t *Transaction) error {
	if t == nil {
		return fmt.Errorf("transaction is nil")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusPending
	}

	_, err := l.q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, string(t.Kind), t.TierID, t.Amount, nullableString(t.PaymentRef), string(t.Status),
		boolToInt(t.AutoRenewal), t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// Get retrieves a transaction by ID. It returns nil, nil when absent.
func (l *Ledger) Get(ctx context.Context, id string) (*Transaction, error) {
	row := l.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	return scanTransaction(row)
}

// GetByPaymentRef retrieves a transaction by its external payment reference.
func (l *Ledger) GetByPaymentRef(ctx context.Context, ref string) (*Transaction, error) {
	row := l.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE payment_ref = ?`, ref)
	return scanTransaction(row)
}

// CompleteIfPending moves a PENDING transaction to a terminal status. It
// reports false when the row was already terminal.
func (l *Ledger) CompleteIfPending(ctx context.Context, id string, status TransactionStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	res, err := l.q.ExecContext(ctx, `
		UPDATE transactions SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), time.Now().UTC().Unix(), id, string(StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("complete transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete transaction: %w", err)
	}
	return affected == 1, nil
}

// ListByUser returns a user's transactions, newest first.
func (l *Ledger) ListByUser(ctx context.Context, userID string, f TransactionFilter) ([]*Transaction, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := l.q.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

// Stats summarises a user's ledger. TotalSpent counts COMPLETED rows only.
func (l *Ledger) Stats(ctx context.Context, userID string) (*TransactionStats, error) {
	var stats TransactionStats
	err := l.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN amount ELSE 0 END), 0)
		FROM transactions WHERE user_id = ?`,
		string(StatusCompleted), userID,
	).Scan(&stats.TransactionCount, &stats.TotalSpent)
	if err != nil {
		return nil, fmt.Errorf("transaction stats: %w", err)
	}

	row := l.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, userID)
	last, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}
	stats.LastTransaction = last
	return &stats, nil
}

// HasPendingRenewal reports whether the user has an auto-renewal checkout
// still awaiting payment.
func (l *Ledger) HasPendingRenewal(ctx context.Context, userID string) (bool, error) {
	var n int
	err := l.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = ? AND is_auto_renewal = 1 AND status = ?`,
		userID, string(StatusPending),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending renewal: %w", err)
	}
	return n > 0, nil
}

// HasRenewalSince reports whether an auto-renewal checkout was opened for the
// user at or after since, whatever its outcome.
func (l *Ledger) HasRenewalSince(ctx context.Context, userID string, since time.Time) (bool, error) {
	var n int
	err := l.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE user_id = ? AND is_auto_renewal = 1 AND created_at >= ?`,
		userID, since.Unix(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check renewal history: %w", err)
	}
	return n > 0, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	var t Transaction
	var kind, status string
	var ref sql.NullString
	var autoRenewal int
	var createdAt, updatedAt int64

	err := s.Scan(
		&t.ID, &t.UserID, &kind, &t.TierID, &t.Amount, &ref, &status,
		&autoRenewal, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Kind = TransactionKind(kind)
	t.Status = TransactionStatus(status)
	t.PaymentRef = ref.String
	t.AutoRenewal = autoRenewal != 0
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}
