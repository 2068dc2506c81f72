package votes

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDedupWindow is how long a repeated vote from the same user is
	// treated as a duplicate delivery.
	DefaultDedupWindow = 30 * time.Minute
	// DefaultRetention bounds how long suppression entries are kept before pruning.
	DefaultRetention = 12 * time.Hour

	defaultGateSize = 10000
	redisKeyPrefix  = "vipd:vote:"
)

// Window suppresses repeated deliveries of the same user's vote.
type Window interface {
	// Admit reports whether userID may be processed at now, recording the
	// admission when it is.
	Admit(ctx context.Context, userID string, now time.Time) (bool, error)
	// Forget drops the user's admission so a retried delivery is processed.
	Forget(ctx context.Context, userID string) error
}

// Gate is the in-process suppression window: a bounded LRU of the last
// admission time per user.
type Gate struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, time.Time]
	window    time.Duration
	retention time.Duration
}

// NewGate creates a gate that suppresses repeats within window. size caps the
// number of tracked users.
func NewGate(window time.Duration, size int) (*Gate, error) {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	if size <= 0 {
		size = defaultGateSize
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("vote gate init: %w", err)
	}
	retention := DefaultRetention
	if retention < window {
		retention = window
	}
	return &Gate{
		cache:     cache,
		window:    window,
		retention: retention,
	}, nil
}

// Admit implements Window.
func (g *Gate) Admit(_ context.Context, userID string, now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ts, ok := g.cache.Get(userID); ok && now.Sub(ts) < g.window {
		return false, nil
	}
	g.cache.Add(userID, now)
	return true, nil
}

// Forget implements Window.
func (g *Gate) Forget(_ context.Context, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Remove(userID)
	return nil
}

// Prune evicts entries older than the retention horizon and returns how many
// were removed.
func (g *Gate) Prune(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for _, key := range g.cache.Keys() {
		ts, ok := g.cache.Peek(key)
		if ok && now.Sub(ts) > g.retention {
			g.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (g *Gate) Len() int {
	return g.cache.Len()
}

// RunPruner prunes the gate every interval until ctx is cancelled.
func (g *Gate) RunPruner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Prune(time.Now()); n > 0 {
				log.Debug().Int("removed", n).Int("remaining", g.Len()).Msg("Pruned vote suppression entries")
			}
		}
	}
}

// RedisWindow shares the suppression window between instances through Redis
// keys that expire after the window.
type RedisWindow struct {
	client *redis.Client
	window time.Duration
}

// NewRedisWindow creates a Redis-backed suppression window.
func NewRedisWindow(client *redis.Client, window time.Duration) *RedisWindow {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &RedisWindow{client: client, window: window}
}

// Admit implements Window with SET NX PX.
func (r *RedisWindow) Admit(ctx context.Context, userID string, now time.Time) (bool, error) {
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+userID, now.UnixMilli(), r.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis vote window admit: %w", err)
	}
	return ok, nil
}

// Forget implements Window.
func (r *RedisWindow) Forget(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("redis vote window forget: %w", err)
	}
	return nil
}
