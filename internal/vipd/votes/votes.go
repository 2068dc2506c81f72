// Package votes ingests vote webhooks from the voting platform and tracks the
// per-user vote reward: voted, collected once, then reset after a fixed horizon.
package votes

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/vipd/notify"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/rs/zerolog/log"
)

// maxCollectAttempts bounds how often a read retries when a newer vote or a
// clear lands between reading and collecting.
const maxCollectAttempts = 3

var (
	errBadSecret   = errors.New("invalid webhook secret")
	errMissingUser = errors.New("user id is required")
)

// Config controls vote ingestion.
type Config struct {
	Secret      string
	DedupWindow time.Duration
	ResetAfter  time.Duration
}

// Event is a single inbound vote.
type Event struct {
	UserID string
	Kind   string
	Query  string
}

// IngestResult reports whether the event was suppressed as a duplicate.
type IngestResult struct {
	Ignored bool `json:"ignored"`
}

// Status is the answer to a collection read.
type Status struct {
	HasVoted     bool   `json:"hasVoted"`
	HasCollected bool   `json:"hasCollected"`
	Kind         string `json:"type,omitempty"`
	Query        string `json:"query,omitempty"`
}

// Service owns the suppression window, the vote store and the delayed clears.
type Service struct {
	db        *store.DB
	window    Window
	scheduler *ClearScheduler
	notifier  notify.Notifier
	secret    string
	now       func() time.Time
}

// NewService wires a vote service. A nil window gets an in-process Gate.
func NewService(db *store.DB, window Window, notifier notify.Notifier, cfg Config) (*Service, error) {
	if window == nil {
		gate, err := NewGate(cfg.DedupWindow, 0)
		if err != nil {
			return nil, err
		}
		window = gate
	}
	s := &Service{
		db:       db,
		window:   window,
		notifier: notifier,
		secret:   cfg.Secret,
		now:      time.Now,
	}
	s.scheduler = NewClearScheduler(cfg.ResetAfter, s.clear)
	return s, nil
}

// Ingest authorizes and records a vote. Repeats inside the dedup window are
// accepted but ignored.
func (s *Service) Ingest(ctx context.Context, secret string, ev Event) (*IngestResult, error) {
	if !s.authorized(secret) {
		vpmetrics.VotesTotal.WithLabelValues("unauthorized").Inc()
		return nil, vperrors.Unauthorized("ingest vote", errBadSecret)
	}

	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		vpmetrics.VotesTotal.WithLabelValues("failed").Inc()
		return nil, vperrors.Validation("ingest vote", errMissingUser)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	admitted, err := s.window.Admit(ctx, userID, now)
	if err != nil {
		// The store is authoritative; a broken window only risks a duplicate.
		log.Warn().Err(err).Str("user_id", userID).Msg("Vote suppression window unavailable, processing anyway")
		admitted = true
	}
	if !admitted {
		vpmetrics.VotesTotal.WithLabelValues("ignored").Inc()
		log.Info().Str("user_id", userID).Msg("Ignoring duplicate vote delivery")
		return &IngestResult{Ignored: true}, nil
	}

	rec := store.VoteRecord{
		UserID:  userID,
		Kind:    ev.Kind,
		Query:   ev.Query,
		VotedAt: now,
	}
	if err := s.db.Votes().RecordVote(ctx, rec); err != nil {
		if ferr := s.window.Forget(ctx, userID); ferr != nil {
			log.Warn().Err(ferr).Str("user_id", userID).Msg("Failed to release vote suppression entry")
		}
		vpmetrics.VotesTotal.WithLabelValues("failed").Inc()
		return nil, vperrors.Persistence("ingest vote", err).ForUser(userID)
	}

	s.scheduler.Schedule(userID, now)
	vpmetrics.VotesTotal.WithLabelValues("accepted").Inc()
	log.Info().Str("user_id", userID).Str("kind", ev.Kind).Msg("Vote recorded")

	notify.Fire(s.notifier, fmt.Sprintf("User <@%s> (`%s`) just voted!", userID, userID))
	return &IngestResult{Ignored: false}, nil
}

// Status answers whether the user has an uncollected vote. Reading a voted,
// uncollected record consumes it: the record becomes collected and the
// caller sees hasVoted=true exactly once.
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, vperrors.Validation("vote status", errMissingUser)
	}

	votes := s.db.Votes()
	var rec *store.VoteRecord
	for attempt := 0; attempt < maxCollectAttempts; attempt++ {
		var err error
		rec, err = votes.Get(ctx, userID)
		if err != nil {
			return nil, vperrors.Persistence("vote status", err).ForUser(userID)
		}
		if rec == nil {
			return &Status{}, nil
		}
		if !rec.HasVoted || rec.HasCollected {
			return statusOf(rec), nil
		}

		// Only the vote just read is consumed; a newer one or a clear makes
		// the swap miss and the record is read again.
		collected, err := votes.MarkCollected(ctx, userID, rec.VotedAt)
		if err != nil {
			return nil, vperrors.Persistence("vote status", err).ForUser(userID)
		}
		if collected {
			log.Info().Str("user_id", userID).Msg("Vote reward collected")
			return statusOf(rec), nil
		}
	}

	// Still contended: report without handing out an unconsumed vote.
	st := statusOf(rec)
	st.HasVoted = false
	return st, nil
}

// Restore re-arms delayed clears for records that still have a flag set.
// Overdue clears run immediately.
func (s *Service) Restore(ctx context.Context) (int, error) {
	recs, err := s.db.Votes().ListPendingClears(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore vote clears: %w", err)
	}
	for _, rec := range recs {
		s.scheduler.Schedule(rec.UserID, rec.VotedAt)
	}
	return len(recs), nil
}

// Close cancels pending clears.
func (s *Service) Close() {
	s.scheduler.Stop()
}

func (s *Service) clear(ctx context.Context, userID string, votedAt time.Time) {
	cleared, err := s.db.Votes().ClearIfVotedAt(ctx, userID, votedAt)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to reset vote record")
		return
	}
	if !cleared {
		log.Debug().Str("user_id", userID).Time("voted_at", votedAt).Msg("Vote reset superseded by newer vote")
		return
	}
	log.Info().Str("user_id", userID).Msg("Vote record reset")
}

func (s *Service) authorized(secret string) bool {
	if s.secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) == 1
}

func statusOf(rec *store.VoteRecord) *Status {
	return &Status{
		HasVoted:     rec.HasVoted,
		HasCollected: rec.HasCollected,
		Kind:         rec.Kind,
		Query:        rec.Query,
	}
}
