package votes

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clearLog struct {
	mu    sync.Mutex
	calls []time.Time
}

func (c *clearLog) clear(_ context.Context, _ string, votedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, votedAt)
}

func (c *clearLog) snapshot() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.calls...)
}

func TestSchedulerFiresAfterHorizon(t *testing.T) {
	var log clearLog
	s := NewClearScheduler(20*time.Millisecond, log.clear)
	t.Cleanup(s.Stop)

	votedAt := time.Now()
	s.Schedule("u-1", votedAt)

	assert.Eventually(t, func() bool { return len(log.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, log.snapshot()[0].Equal(votedAt))
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerNewerVoteReplacesPendingClear(t *testing.T) {
	var log clearLog
	s := NewClearScheduler(30*time.Millisecond, log.clear)
	t.Cleanup(s.Stop)

	first := time.Now()
	s.Schedule("u-1", first)
	s.Schedule("u-1", first.Add(time.Hour))

	assert.Equal(t, 1, s.Pending())
	assert.Never(t, func() bool { return len(log.snapshot()) > 0 }, 150*time.Millisecond, 10*time.Millisecond)
}

func TestSchedulerIgnoresOlderVote(t *testing.T) {
	var log clearLog
	s := NewClearScheduler(30*time.Millisecond, log.clear)
	t.Cleanup(s.Stop)

	now := time.Now()
	s.Schedule("u-1", now.Add(time.Hour))
	s.Schedule("u-1", now.Add(-time.Hour))

	assert.Equal(t, 1, s.Pending())
	assert.Never(t, func() bool { return len(log.snapshot()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSchedulerStopCancelsPending(t *testing.T) {
	var log clearLog
	s := NewClearScheduler(20*time.Millisecond, log.clear)

	s.Schedule("u-1", time.Now())
	s.Schedule("u-2", time.Now())
	s.Stop()
	s.Schedule("u-3", time.Now())

	assert.Equal(t, 0, s.Pending())
	assert.Never(t, func() bool { return len(log.snapshot()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}
