package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/lunarhq/vipd/internal/vipd/vpmetrics"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultThresholdDays    = 3
	defaultSweepConcurrency = 4
)

// ErrSweepInProgress is returned when a sweep is triggered while another is running.
var ErrSweepInProgress = errors.New("expiry sweep already in progress")

// SweepFailure records one user the sweep could not process.
type SweepFailure struct {
	UserID string `json:"userId"`
	Error  string `json:"error"`
}

// SweepResult aggregates one sweep run.
type SweepResult struct {
	RenewalsRequested int            `json:"renewalsRequested"`
	Deactivated       int            `json:"deactivated"`
	RenewalsAwaiting  int            `json:"renewalsAwaiting"`
	Failures          []SweepFailure `json:"failures"`
}

type sweepAction string

const (
	actionNone            sweepAction = "none"
	actionRenewal         sweepAction = "renewal_requested"
	actionRenewalAwaiting sweepAction = "renewal_awaiting"
	actionDeactivated     sweepAction = "deactivated"
	actionFailed          sweepAction = "failed"
)

// SweeperConfig tunes the sweep.
type SweeperConfig struct {
	ThresholdDays int
	Concurrency   int
	// RunAt is the UTC wall-clock offset from midnight of the daily run.
	RunAt time.Duration
}

// Sweeper drives near-expiry entitlements toward renewal or deactivation.
type Sweeper struct {
	db       *store.DB
	tiers    Tiers
	workflow *Workflow
	cfg      SweeperConfig
	now      func() time.Time

	mu sync.Mutex // held for the duration of a run
}

// NewSweeper creates a Sweeper.
func NewSweeper(db *store.DB, tiers Tiers, workflow *Workflow, cfg SweeperConfig) *Sweeper {
	if cfg.ThresholdDays <= 0 {
		cfg.ThresholdDays = DefaultThresholdDays
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultSweepConcurrency
	}
	return &Sweeper{
		db:       db,
		tiers:    tiers,
		workflow: workflow,
		cfg:      cfg,
		now:      defaultNow,
	}
}

// ThresholdDays returns the configured look-ahead window.
func (s *Sweeper) ThresholdDays() int {
	return s.cfg.ThresholdDays
}

// Run executes RunOnce daily at the configured wall-clock time. It blocks
// until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Str("run_at", formatOffset(s.cfg.RunAt)).Msg("Expiry sweeper started")

	for {
		next := nextRunAt(s.now(), s.cfg.RunAt)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Expiry sweeper stopped")
			return
		case <-timer.C:
			if _, err := s.RunOnce(ctx, s.cfg.ThresholdDays); err != nil {
				if errors.Is(err, ErrSweepInProgress) {
					log.Warn().Msg("Scheduled expiry sweep skipped, previous run still active")
					continue
				}
				log.Error().Err(err).Msg("Scheduled expiry sweep failed")
			}
		}
	}
}

// RunOnce performs one sweep over entitlements expiring within thresholdDays.
// Only one run executes at a time; a concurrent call gets ErrSweepInProgress.
// Per-user failures are collected in the result and never abort the run.
func (s *Sweeper) RunOnce(ctx context.Context, thresholdDays int) (_ *SweepResult, err error) {
	if !s.mu.TryLock() {
		vpmetrics.SweepRunsTotal.WithLabelValues("skipped").Inc()
		return nil, ErrSweepInProgress
	}
	defer s.mu.Unlock()

	if thresholdDays <= 0 {
		thresholdDays = s.cfg.ThresholdDays
	}

	ctx, span := startSpan(ctx, "billing.Sweep")
	span.SetAttributes(attribute.Int("threshold_days", thresholdDays))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	now := s.now()
	threshold := now.Unix() + int64(thresholdDays)*secondsPerDay

	expiring, err := s.db.Entitlements().ListExpiring(ctx, threshold)
	if err != nil {
		vpmetrics.SweepRunsTotal.WithLabelValues("failed").Inc()
		return nil, vperrors.Persistence("expiry_sweep", err)
	}

	result := &SweepResult{Failures: []SweepFailure{}}
	var resultMu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, ent := range expiring {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			action, err := s.sweepOne(ctx, ent, now, thresholdDays)
			vpmetrics.SweepActionsTotal.WithLabelValues(string(action)).Inc()

			resultMu.Lock()
			defer resultMu.Unlock()
			switch action {
			case actionRenewal:
				result.RenewalsRequested++
			case actionRenewalAwaiting:
				result.RenewalsAwaiting++
			case actionDeactivated:
				result.Deactivated++
			case actionFailed:
				log.Error().Err(err).Str("user_id", ent.UserID).Msg("Expiry sweep failed for user")
				result.Failures = append(result.Failures, SweepFailure{UserID: ent.UserID, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	vpmetrics.SweepRunsTotal.WithLabelValues("completed").Inc()
	log.Info().
		Int("scanned", len(expiring)).
		Int("renewals_requested", result.RenewalsRequested).
		Int("renewals_awaiting", result.RenewalsAwaiting).
		Int("deactivated", result.Deactivated).
		Int("failures", len(result.Failures)).
		Dur("duration", time.Since(start)).
		Msg("Expiry sweep completed")
	return result, ctx.Err()
}

func (s *Sweeper) sweepOne(ctx context.Context, ent *store.Entitlement, now time.Time, thresholdDays int) (sweepAction, error) {
	expired := ent.ExpiryInstant < now.Unix()

	if ent.AutoRenew {
		tier, ok := s.tiers.TierByName(ent.TierName)
		if !ok {
			return actionFailed, vperrors.TierNotFound("expiry_sweep", ent.TierName)
		}

		if expired {
			// One renewal attempt per period. Once it has been opened and the
			// entitlement ran out, the user lapses whether the checkout is
			// still pending or already failed.
			windowStart := time.Unix(ent.ExpiryInstant-int64(thresholdDays)*secondsPerDay, 0)
			attempted, err := s.db.Ledger().HasRenewalSince(ctx, ent.UserID, windowStart)
			if err != nil {
				return actionFailed, err
			}
			if attempted {
				return s.deactivate(ctx, ent)
			}
		} else {
			awaiting, err := s.db.Ledger().HasPendingRenewal(ctx, ent.UserID)
			if err != nil {
				return actionFailed, err
			}
			if awaiting {
				return actionRenewalAwaiting, nil
			}
		}

		if _, err := s.workflow.Open(ctx, OpenRequest{
			UserID:      ent.UserID,
			Kind:        store.KindVIP,
			TierID:      tier.ID,
			AutoRenewal: true,
		}); err != nil {
			return actionFailed, err
		}
		log.Info().Str("user_id", ent.UserID).Str("tier", tier.Name).Msg("Auto-renewal checkout requested")
		return actionRenewal, nil
	}

	if expired {
		return s.deactivate(ctx, ent)
	}
	return actionNone, nil
}

func (s *Sweeper) deactivate(ctx context.Context, ent *store.Entitlement) (sweepAction, error) {
	changed, err := s.db.Entitlements().DeactivateIfExpiry(ctx, ent.UserID, ent.ExpiryInstant)
	if err != nil {
		return actionFailed, err
	}
	if !changed {
		// A concurrent activation moved the expiry; the newer state wins.
		return actionNone, nil
	}
	log.Info().Str("user_id", ent.UserID).Str("tier", ent.TierName).Msg("VIP entitlement expired and deactivated")
	return actionDeactivated, nil
}

// nextRunAt returns the first instant strictly after now that sits at offset
// past UTC midnight.
func nextRunAt(now time.Time, offset time.Duration) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next := midnight.Add(offset)
	if !next.After(now) {
		next = midnight.AddDate(0, 0, 1).Add(offset)
	}
	return next
}

func formatOffset(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d UTC", int(d.Hours()), int(d.Minutes())%60)
}
