package votes

import (
	"context"
	"sync"
	"time"
)

const clearTimeout = 10 * time.Second

// ClearFunc resets a user's vote record if it still carries votedAt.
type ClearFunc func(ctx context.Context, userID string, votedAt time.Time)

type pendingClear struct {
	votedAt time.Time
	timer   *time.Timer
}

// ClearScheduler holds at most one delayed clear per user, keyed by the vote
// instant it was scheduled for. Scheduling a newer vote replaces the older
// timer.
type ClearScheduler struct {
	mu      sync.Mutex
	pending map[string]*pendingClear
	horizon time.Duration
	now     func() time.Time
	clear   ClearFunc
	stopped bool
}

// NewClearScheduler creates a scheduler that runs clear horizon after each vote.
func NewClearScheduler(horizon time.Duration, clear ClearFunc) *ClearScheduler {
	if horizon <= 0 {
		horizon = DefaultRetention
	}
	return &ClearScheduler{
		pending: make(map[string]*pendingClear),
		horizon: horizon,
		now:     time.Now,
		clear:   clear,
	}
}

// Schedule arms the clear for (userID, votedAt). A schedule for an instant
// older than the one already armed is ignored. Overdue clears fire immediately.
func (s *ClearScheduler) Schedule(userID string, votedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if existing, ok := s.pending[userID]; ok {
		if votedAt.Before(existing.votedAt) {
			return
		}
		existing.timer.Stop()
	}

	delay := votedAt.Add(s.horizon).Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	entry := &pendingClear{votedAt: votedAt}
	entry.timer = time.AfterFunc(delay, func() { s.fire(userID, entry) })
	s.pending[userID] = entry
}

func (s *ClearScheduler) fire(userID string, entry *pendingClear) {
	s.mu.Lock()
	if s.pending[userID] == entry {
		delete(s.pending, userID)
	}
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()
	s.clear(ctx, userID, entry.votedAt)
}

// Pending returns the number of armed clears.
func (s *ClearScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every armed clear. Later Schedule calls are no-ops.
func (s *ClearScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for userID, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, userID)
	}
}
