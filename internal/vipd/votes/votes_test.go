package votes

import (
	"context"
	"sync"
	"testing"
	"time"

	vperrors "github.com/lunarhq/vipd/internal/errors"
	"github.com/lunarhq/vipd/internal/vipd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "topgg-secret"

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type fixture struct {
	db       *store.DB
	gate     *Gate
	svc      *Service
	notifier *recordingNotifier

	mu    sync.Mutex
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gate, err := NewGate(DefaultDedupWindow, 100)
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		gate:     gate,
		notifier: &recordingNotifier{},
		clock:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc, err = NewService(db, gate, f.notifier, Config{Secret: testSecret})
	require.NoError(t, err)
	f.svc.now = f.now
	f.svc.scheduler.now = f.now
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

func (f *fixture) record(t *testing.T, user string) *store.VoteRecord {
	t.Helper()
	rec, err := f.db.Votes().Get(context.Background(), user)
	require.NoError(t, err)
	return rec
}

func TestIngestRecordsVoteAndNotifies(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Ingest(context.Background(), testSecret, Event{UserID: "u-1", Kind: "upvote", Query: "?ref=site"})
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	rec := f.record(t, "u-1")
	require.NotNil(t, rec)
	assert.True(t, rec.HasVoted)
	assert.False(t, rec.HasCollected)
	assert.Equal(t, "upvote", rec.Kind)
	assert.Equal(t, "?ref=site", rec.Query)
	assert.True(t, rec.VotedAt.Equal(f.now()))

	assert.Equal(t, 1, f.svc.scheduler.Pending())
	assert.Eventually(t, func() bool { return f.notifier.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestIngestSuppressesRepeatWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.now()

	_, err := f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1", Kind: "upvote"})
	require.NoError(t, err)

	f.advance(5 * time.Minute)
	res, err := f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1", Kind: "test"})
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	rec := f.record(t, "u-1")
	require.NotNil(t, rec)
	assert.True(t, rec.VotedAt.Equal(first))
	assert.Equal(t, "upvote", rec.Kind)
}

func TestIngestProcessesRepeatAfterWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1", Kind: "upvote"})
	require.NoError(t, err)

	f.advance(31 * time.Minute)
	res, err := f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1", Kind: "upvote"})
	require.NoError(t, err)
	assert.False(t, res.Ignored)

	rec := f.record(t, "u-1")
	require.NotNil(t, rec)
	assert.True(t, rec.VotedAt.Equal(f.now()))
	assert.Equal(t, 1, f.svc.scheduler.Pending())
}

func TestIngestRejectsWrongSecretWithoutSideEffects(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Ingest(context.Background(), "wrong", Event{UserID: "u-1"})
	require.ErrorIs(t, err, vperrors.ErrUnauthorized)

	assert.Nil(t, f.record(t, "u-1"))
	assert.Equal(t, 0, f.gate.Len())
	assert.Equal(t, 0, f.svc.scheduler.Pending())
}

func TestIngestRejectsEverythingWithoutConfiguredSecret(t *testing.T) {
	f := newFixture(t)
	f.svc.secret = ""

	_, err := f.svc.Ingest(context.Background(), "", Event{UserID: "u-1"})
	require.ErrorIs(t, err, vperrors.ErrUnauthorized)
}

func TestIngestRequiresUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Ingest(context.Background(), testSecret, Event{UserID: "  "})
	require.ErrorIs(t, err, vperrors.ErrValidation)
	assert.Equal(t, 0, f.gate.Len())
}

func TestIngestReleasesWindowWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Close())

	_, err := f.svc.Ingest(context.Background(), testSecret, Event{UserID: "u-1"})
	require.ErrorIs(t, err, vperrors.ErrPersistence)
	assert.Equal(t, 0, f.gate.Len())
}

func TestStatusCollectsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1", Kind: "upvote", Query: "q"})
	require.NoError(t, err)

	st, err := f.svc.Status(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, Status{HasVoted: true, HasCollected: false, Kind: "upvote", Query: "q"}, *st)

	rec := f.record(t, "u-1")
	assert.False(t, rec.HasVoted)
	assert.True(t, rec.HasCollected)

	st, err = f.svc.Status(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, st.HasVoted)
	assert.True(t, st.HasCollected)
}

func TestStatusConcurrentReadersCollectOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1"})
	require.NoError(t, err)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		voted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := f.svc.Status(ctx, "u-1")
			if err != nil || !st.HasVoted {
				return
			}
			mu.Lock()
			voted++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, voted)
}

func TestStatusReportsTheVoteItConsumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1", Kind: "upvote", Query: "old"})
	require.NoError(t, err)

	newer := f.now().Add(40 * time.Minute)
	require.NoError(t, f.db.Votes().RecordVote(ctx, store.VoteRecord{UserID: "u-1", Kind: "test", Query: "new", VotedAt: newer}))

	// The stale instant no longer matches, so it cannot consume the newer vote.
	collected, err := f.db.Votes().MarkCollected(ctx, "u-1", f.now())
	require.NoError(t, err)
	assert.False(t, collected)

	st, err := f.svc.Status(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, Status{HasVoted: true, Kind: "test", Query: "new"}, *st)
	assert.True(t, f.record(t, "u-1").HasCollected)
}

func TestStatusUnknownUserIsEmpty(t *testing.T) {
	f := newFixture(t)

	st, err := f.svc.Status(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, Status{}, *st)
	assert.Nil(t, f.record(t, "ghost"))
}

func TestStaleClearDoesNotWipeNewerVote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.now()

	_, err := f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1"})
	require.NoError(t, err)
	f.advance(31 * time.Minute)
	_, err = f.svc.Ingest(ctx, testSecret, Event{UserID: "u-1"})
	require.NoError(t, err)

	f.svc.clear(ctx, "u-1", first)
	rec := f.record(t, "u-1")
	assert.True(t, rec.HasVoted)

	f.svc.clear(ctx, "u-1", f.now())
	rec = f.record(t, "u-1")
	assert.False(t, rec.HasVoted)
	assert.False(t, rec.HasCollected)
}

func TestRestoreRunsOverdueClears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.now().Add(-13 * time.Hour)
	require.NoError(t, f.db.Votes().RecordVote(ctx, store.VoteRecord{UserID: "u-old", VotedAt: old}))
	require.NoError(t, f.db.Votes().RecordVote(ctx, store.VoteRecord{UserID: "u-new", VotedAt: f.now()}))

	n, err := f.svc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Eventually(t, func() bool {
		rec, err := f.db.Votes().Get(ctx, "u-old")
		return err == nil && rec != nil && !rec.HasVoted
	}, time.Second, 10*time.Millisecond)
	assert.True(t, f.record(t, "u-new").HasVoted)
	assert.Equal(t, 1, f.svc.scheduler.Pending())
}
