package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memPersister struct {
	mu      sync.Mutex
	entries map[string]model.CacheEntry
	saves   int
	loadErr error
}

func newMemPersister() *memPersister {
	return &memPersister{entries: make(map[string]model.CacheEntry)}
}

func (p *memPersister) LoadEntry(_ context.Context, key string) (*model.CacheEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	e, ok := p.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (p *memPersister) SaveEntry(_ context.Context, e model.CacheEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[e.Key] = e
	p.saves++
	return nil
}

func (p *memPersister) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for k, e := range p.entries {
		if e.IsExpired(now) {
			delete(p.entries, k)
			n++
		}
	}
	return n, nil
}

func items(ids ...string) []model.CandidateItem {
	out := make([]model.CandidateItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.CandidateItem{ProviderID: "youtube", ExternalID: id, Title: "video " + id})
	}
	return out
}

func newTestStore(t *testing.T, clock *fakeClock, opts ...Option) *Store {
	t.Helper()
	opts = append(opts, WithClock(clock.Now))
	s := New(Config{TTL: 15 * time.Minute, StaleWindow: time.Hour, RefreshTimeout: time.Second}, opts...)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestStore_FreshStaleExpiredLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	s.Put(ctx, "k", items("a", "b"), 0)

	got, stale, found := s.Get(ctx, "k")
	require.True(t, found)
	assert.False(t, stale)
	assert.Len(t, got, 2)

	clock.Advance(14 * time.Minute)
	_, stale, found = s.Get(ctx, "k")
	assert.True(t, found)
	assert.False(t, stale)

	clock.Advance(time.Minute)
	got, stale, found = s.Get(ctx, "k")
	assert.True(t, found)
	assert.True(t, stale, "entry exactly at TTL is stale")
	assert.Len(t, got, 2)

	clock.Advance(59*time.Minute + 59*time.Second)
	_, stale, found = s.Get(ctx, "k")
	assert.True(t, found)
	assert.True(t, stale)

	clock.Advance(time.Second)
	_, _, found = s.Get(ctx, "k")
	assert.False(t, found, "entry past the stale window is not found")
}

func TestStore_Get_Miss(t *testing.T) {
	s := newTestStore(t, newFakeClock())
	got, stale, found := s.Get(context.Background(), "nope")
	assert.Nil(t, got)
	assert.False(t, stale)
	assert.False(t, found)
}

func TestStore_Put_OverwritesWholesale(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	s.Put(ctx, "k", items("a", "b", "c"), 0)
	clock.Advance(20 * time.Minute)
	s.Put(ctx, "k", items("d"), 0)

	got, stale, found := s.Get(ctx, "k")
	require.True(t, found)
	assert.False(t, stale, "overwrite resets insertion time")
	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].ExternalID)
}

func TestStore_PayloadIsCopied(t *testing.T) {
	s := newTestStore(t, newFakeClock())
	ctx := context.Background()

	in := items("a")
	s.Put(ctx, "k", in, 0)
	in[0].Title = "mutated after put"

	out, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "video a", out[0].Title)
	out[0].Title = "mutated after get"

	again, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "video a", again[0].Title)
}

func TestStore_Put_CustomTTL(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	s.Put(ctx, "k", items("a"), time.Minute)
	clock.Advance(2 * time.Minute)

	_, stale, found := s.Get(ctx, "k")
	assert.True(t, found)
	assert.True(t, stale)
}

func TestStore_Observer(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var seen []Status
	s := newTestStore(t, clock, WithObserver(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}))
	ctx := context.Background()

	s.Get(ctx, "k")
	s.Put(ctx, "k", items("a"), 0)
	s.Get(ctx, "k")
	clock.Advance(20 * time.Minute)
	s.Get(ctx, "k")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusMiss, StatusFresh, StatusStale}, seen)
}

func TestStore_Refresh_SingleFlight(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(_ context.Context) ([]model.CandidateItem, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return items("x"), nil
	}

	var wg sync.WaitGroup
	results := make([][]model.CandidateItem, 10)
	errs := make([]error, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = s.Refresh(context.Background(), "k", loader)
	}()
	<-started

	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.Refresh(context.Background(), "k", loader)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 1)
		assert.Equal(t, "x", results[i][0].ExternalID)
	}

	got, stale, found := s.Get(context.Background(), "k")
	require.True(t, found)
	assert.False(t, stale)
	assert.Len(t, got, 1)
}

func TestStore_Refresh_DetachedFromCaller(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	release := make(chan struct{})
	loader := func(ctx context.Context) ([]model.CandidateItem, error) {
		select {
		case <-release:
			return items("late"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Refresh(ctx, "k", loader)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool {
		_, _, found := s.Get(context.Background(), "k")
		return found
	}, time.Second, 5*time.Millisecond, "refresh keeps running after the caller gives up")
}

func TestStore_Refresh_ErrorLeavesEntry(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ctx := context.Background()

	s.Put(ctx, "k", items("old"), 0)
	clock.Advance(20 * time.Minute)

	boom := errors.New("provider down")
	_, err := s.Refresh(ctx, "k", func(context.Context) ([]model.CandidateItem, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	got, stale, found := s.Get(ctx, "k")
	require.True(t, found)
	assert.True(t, stale)
	assert.Equal(t, "old", got[0].ExternalID)
}

func TestStore_Refresh_TimeoutBoundsLoader(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{TTL: time.Minute, RefreshTimeout: 20 * time.Millisecond}, WithClock(clock.Now))
	defer s.Close() //nolint:errcheck

	_, err := s.Refresh(context.Background(), "k", func(ctx context.Context) ([]model.CandidateItem, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStore_RefreshInBackground(t *testing.T) {
	s := newTestStore(t, newFakeClock())

	s.RefreshInBackground("k", func(context.Context) ([]model.CandidateItem, error) {
		return items("bg"), nil
	})

	require.Eventually(t, func() bool {
		got, _, found := s.Get(context.Background(), "k")
		return found && got[0].ExternalID == "bg"
	}, time.Second, 5*time.Millisecond)
}

func TestStore_Persister_WriteThroughAndReadBack(t *testing.T) {
	clock := newFakeClock()
	p := newMemPersister()
	ctx := context.Background()

	first := newTestStore(t, clock, WithPersister(p))
	first.Put(ctx, "k", items("a"), 0)
	assert.Equal(t, 1, p.saves)

	// A second process sharing the durable tier starts cold.
	second := newTestStore(t, clock, WithPersister(p))
	assert.Equal(t, 0, second.Len())

	clock.Advance(30 * time.Minute)
	got, stale, found := second.Get(ctx, "k")
	require.True(t, found)
	assert.True(t, stale)
	assert.Equal(t, "a", got[0].ExternalID)
	assert.Equal(t, 1, second.Len())
}

func TestStore_Persister_ExpiredIgnored(t *testing.T) {
	clock := newFakeClock()
	p := newMemPersister()
	ctx := context.Background()

	newTestStore(t, clock, WithPersister(p)).Put(ctx, "k", items("a"), 0)
	clock.Advance(2 * time.Hour)

	_, _, found := newTestStore(t, clock, WithPersister(p)).Get(ctx, "k")
	assert.False(t, found)
}

func TestStore_Persister_LoadErrorIsMiss(t *testing.T) {
	p := newMemPersister()
	p.loadErr = errors.New("database is locked")
	s := newTestStore(t, newFakeClock(), WithPersister(p))

	_, _, found := s.Get(context.Background(), "k")
	assert.False(t, found)
}

func TestStore_Prune(t *testing.T) {
	clock := newFakeClock()
	p := newMemPersister()
	s := newTestStore(t, clock, WithPersister(p))
	ctx := context.Background()

	s.Put(ctx, "old", items("a"), 0)
	clock.Advance(30 * time.Minute)
	s.Put(ctx, "new", items("b"), 0)
	clock.Advance(50 * time.Minute)

	mem, durable, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mem)
	assert.Equal(t, 1, durable)
	assert.Equal(t, 1, s.Len())
}

func TestStore_Close_StopsBackgroundWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := New(Config{TTL: time.Minute, RefreshTimeout: time.Minute, JanitorInterval: 10 * time.Millisecond})

	s.RefreshInBackground("k", func(ctx context.Context) ([]model.CandidateItem, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Refresh(context.Background(), "k", func(context.Context) ([]model.CandidateItem, error) {
		return nil, nil
	})
	require.ErrorIs(t, err, ErrClosed)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.CacheConfig{TTLSecs: 900, StaleSecs: 3600, RefreshTimeoutSecs: 10, JanitorIntervalSecs: 60})
	assert.Equal(t, 15*time.Minute, cfg.TTL)
	assert.Equal(t, time.Hour, cfg.StaleWindow)
	assert.Equal(t, 10*time.Second, cfg.RefreshTimeout)
	assert.Equal(t, time.Minute, cfg.JanitorInterval)
}
