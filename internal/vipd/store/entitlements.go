package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const entitlementColumns = `user_id, is_vip, tier_name, expiry_instant, auto_renew, reward_balance, updated_at`

// Entitlements stores per-user VIP state.
type Entitlements struct {
	q querier
}

// Get returns the user's entitlement, or nil, nil when the user has none.
func (e *Entitlements) Get(ctx context.Context, userID string) (*Entitlement, error) {
	row := e.q.QueryRowContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = ?`, userID)
	return scanEntitlement(row)
}

// Apply grants or renews VIP for a user. The expiry is replaced, the reward
// balance is incremented, and the auto-renew flag is left as it was.
func (e *Entitlements) Apply(ctx context.Context, g Grant) error {
	if g.ExpiryInstant <= 0 {
		return fmt.Errorf("grant expiry must be positive, got %d", g.ExpiryInstant)
	}
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, is_vip, tier_name, expiry_instant, auto_renew, reward_balance, updated_at)
		VALUES (?, 1, ?, ?, 0, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			is_vip = 1,
			tier_name = excluded.tier_name,
			expiry_instant = excluded.expiry_instant,
			reward_balance = entitlements.reward_balance + excluded.reward_balance,
			updated_at = excluded.updated_at`,
		g.UserID, g.TierName, g.ExpiryInstant, g.RewardCoins, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("apply entitlement grant: %w", err)
	}
	return nil
}

// DeactivateIfExpiry clears VIP only if the row is still active with the
// expiry the caller observed. It reports whether the row changed.
func (e *Entitlements) DeactivateIfExpiry(ctx context.Context, userID string, observedExpiry int64) (bool, error) {
	res, err := e.q.ExecContext(ctx, `
		UPDATE entitlements SET is_vip = 0, tier_name = ?, expiry_instant = ?, updated_at = ?
		WHERE user_id = ? AND is_vip = 1 AND expiry_instant = ?`,
		NoTier, NoExpiry, time.Now().UTC().Unix(), userID, observedExpiry,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate entitlement: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate entitlement: %w", err)
	}
	return affected == 1, nil
}

// ListExpiring returns active entitlements expiring at or before threshold.
func (e *Entitlements) ListExpiring(ctx context.Context, threshold int64) ([]*Entitlement, error) {
	rows, err := e.q.QueryContext(ctx, `SELECT `+entitlementColumns+` FROM entitlements
		WHERE is_vip = 1 AND expiry_instant <= ? ORDER BY expiry_instant ASC`, threshold)
	if err != nil {
		return nil, fmt.Errorf("list expiring entitlements: %w", err)
	}
	defer rows.Close()

	var out []*Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expiring entitlements: %w", err)
	}
	return out, nil
}

// SetAutoRenew sets the user's auto-renew preference, creating an inactive
// row if the user has none.
func (e *Entitlements) SetAutoRenew(ctx context.Context, userID string, autoRenew bool) error {
	_, err := e.q.ExecContext(ctx, `
		INSERT INTO entitlements (user_id, is_vip, tier_name, expiry_instant, auto_renew, reward_balance, updated_at)
		VALUES (?, 0, ?, ?, ?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auto_renew = excluded.auto_renew,
			updated_at = excluded.updated_at`,
		userID, NoTier, NoExpiry, boolToInt(autoRenew), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set auto renew: %w", err)
	}
	return nil
}

// CountActive returns the number of users currently holding VIP.
func (e *Entitlements) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := e.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entitlements WHERE is_vip = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active entitlements: %w", err)
	}
	return n, nil
}

func scanEntitlement(s scanner) (*Entitlement, error) {
	var ent Entitlement
	var isVIP, autoRenew int
	var updatedAt int64

	err := s.Scan(&ent.UserID, &isVIP, &ent.TierName, &ent.ExpiryInstant, &autoRenew, &ent.RewardBalance, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}

	ent.IsVIP = isVIP != 0
	ent.AutoRenew = autoRenew != 0
	ent.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &ent, nil
}
