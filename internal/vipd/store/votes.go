package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const voteColumns = `user_id, has_voted, has_collected, kind, query, voted_at`

// Votes stores one vote record per user.
type Votes struct {
	q querier
}

// Get returns the user's vote record, or nil, nil.
func (v *Votes) Get(ctx context.Context, userID string) (*VoteRecord, error) {
	row := v.q.QueryRowContext(ctx, `SELECT `+voteColumns+` FROM votes WHERE user_id = ?`, userID)
	return scanVote(row)
}

// RecordVote upserts a fresh vote: voted, not collected, stamped at rec.VotedAt.
func (v *Votes) RecordVote(ctx context.Context, rec VoteRecord) error {
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO votes (user_id, has_voted, has_collected, kind, query, voted_at)
		VALUES (?, 1, 0, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			has_voted = 1,
			has_collected = 0,
			kind = excluded.kind,
			query = excluded.query,
			voted_at = excluded.voted_at`,
		rec.UserID, rec.Kind, rec.Query, rec.VotedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record vote: %w", err)
	}
	return nil
}

// MarkCollected flips a voted, uncollected record to collected, provided it
// still carries the vote instant the caller read. It reports whether this
// call performed the flip.
func (v *Votes) MarkCollected(ctx context.Context, userID string, votedAt time.Time) (bool, error) {
	res, err := v.q.ExecContext(ctx, `
		UPDATE votes SET has_voted = 0, has_collected = 1
		WHERE user_id = ? AND has_voted = 1 AND has_collected = 0 AND voted_at = ?`,
		userID, votedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("mark vote collected: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark vote collected: %w", err)
	}
	return affected == 1, nil
}

// ClearIfVotedAt resets both flags only if the record still carries the vote
// instant the clear was scheduled for.
func (v *Votes) ClearIfVotedAt(ctx context.Context, userID string, votedAt time.Time) (bool, error) {
	res, err := v.q.ExecContext(ctx, `
		UPDATE votes SET has_voted = 0, has_collected = 0
		WHERE user_id = ? AND voted_at = ?`, userID, votedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("clear vote: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear vote: %w", err)
	}
	return affected == 1, nil
}

// ListPendingClears returns records that still have a flag set and so await
// their delayed reset.
func (v *Votes) ListPendingClears(ctx context.Context) ([]*VoteRecord, error) {
	rows, err := v.q.QueryContext(ctx, `SELECT `+voteColumns+` FROM votes
		WHERE has_voted = 1 OR has_collected = 1 ORDER BY voted_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending vote clears: %w", err)
	}
	defer rows.Close()

	var out []*VoteRecord
	for rows.Next() {
		rec, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pending vote clears: %w", err)
	}
	return out, nil
}

func scanVote(s scanner) (*VoteRecord, error) {
	var rec VoteRecord
	var voted, collected int
	var votedAt int64

	err := s.Scan(&rec.UserID, &voted, &collected, &rec.Kind, &rec.Query, &votedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan vote: %w", err)
	}

	rec.HasVoted = voted != 0
	rec.HasCollected = collected != 0
	rec.VotedAt = time.UnixMilli(votedAt).UTC()
	return &rec, nil
}
