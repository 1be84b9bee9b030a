package search

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/angleito/robustty/internal/cache"
	"github.com/angleito/robustty/internal/dedup"
	"github.com/angleito/robustty/internal/fallback"
	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/priority"
	"github.com/angleito/robustty/internal/provider"
	"github.com/angleito/robustty/internal/ranking"
	"github.com/angleito/robustty/internal/resilience"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeFetch struct {
	calls atomic.Int32
	fn    func(ctx context.Context) ([]model.CandidateItem, error)
}

func (f *fakeFetch) Fetch(ctx context.Context, _ model.SearchQuery) ([]model.CandidateItem, error) {
	f.calls.Add(1)
	return f.fn(ctx)
}

func returning(items ...model.CandidateItem) *fakeFetch {
	return &fakeFetch{fn: func(context.Context) ([]model.CandidateItem, error) { return items, nil }}
}

func failing(err error) *fakeFetch {
	return &fakeFetch{fn: func(context.Context) ([]model.CandidateItem, error) { return nil, err }}
}

type recorder struct {
	mu        sync.Mutex
	providers map[string]model.OutcomeKind
	queries   []State
}

func (r *recorder) ProviderDone(id string, kind model.OutcomeKind, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providers == nil {
		r.providers = make(map[string]model.OutcomeKind)
	}
	r.providers[id] = kind
}

func (r *recorder) QueryDone(state State, _ bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, state)
}

type fixture struct {
	registry *provider.Registry
	cache    *cache.Store
	priority *priority.Engine
	observer *recorder
	svc      *Service
}

// newFixture registers one primary strategy per fetcher. Providers listed in
// cacheOnly also get a cached-only step.
func newFixture(t *testing.T, cfg Config, fetchers map[string]*fakeFetch, cacheOnly ...string) *fixture {
	t.Helper()

	reg := provider.NewRegistry()
	withCache := make(map[string]bool)
	for _, id := range cacheOnly {
		withCache[id] = true
	}
	for id, f := range fetchers {
		strategies := []provider.Strategy{{Name: model.StrategyPrimary, Fetch: f.Fetch}}
		if withCache[id] {
			strategies = append(strategies, provider.Strategy{Name: model.StrategyCacheOnly})
		}
		reg.Register(provider.NewAdapter(id, nil, strategies...))
	}

	c := cache.New(cache.Config{TTL: time.Minute, StaleWindow: time.Hour, RefreshTimeout: time.Second})
	breakers := resilience.NewServiceBreakers(resilience.DefaultCircuitBreakerConfig())
	exec := fallback.NewExecutor(c, breakers, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
	})
	engine := priority.New(priority.DefaultConfig(), nil, priority.WithBreakers(breakers))
	obs := &recorder{}

	svc := New(Deps{
		Registry: reg,
		Executor: exec,
		Cache:    c,
		Priority: engine,
		Ranker:   ranking.New(ranking.DefaultConfig()),
		Dedup:    dedup.DefaultConfig(),
	}, cfg, WithObserver(obs))

	t.Cleanup(func() {
		svc.Close()
		c.Close()
	})
	return &fixture{registry: reg, cache: c, priority: engine, observer: obs, svc: svc}
}

func outcome(t *testing.T, resp *Response, id string) ProviderOutcome {
	t.Helper()
	for _, o := range resp.Providers {
		if o.Provider == id {
			return o
		}
	}
	t.Fatalf("no outcome for %s", id)
	return ProviderOutcome{}
}

func TestSearch_LofiBeatsAcrossProviders(t *testing.T) {
	ytLofi := model.CandidateItem{
		ProviderID: provider.YouTube, ExternalID: "yt-lofi",
		Title: "lofi hip hop radio - beats to relax/study to", Author: "Lofi Girl",
		DurationSeconds: 3600, ViewCount: 1_000_000, ChannelVerified: true,
		URL: "https://www.youtube.com/watch?v=yt-lofi",
	}
	ytMix := model.CandidateItem{
		ProviderID: provider.YouTube, ExternalID: "yt-mix",
		Title: "lofi beats mix", Author: "Chillhop", DurationSeconds: 5400,
	}
	odLofi := model.CandidateItem{
		ProviderID: provider.Odysee, ExternalID: "od-lofi",
		Title: "Lofi Hip Hop Radio: Beats to Relax / Study To", Author: "LOFI GIRL",
		DurationSeconds: 3603,
	}
	peertube := failing(resilience.NewTransientError(errors.New("upstream unavailable"), http.StatusBadGateway))

	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{
		provider.YouTube:  returning(ytLofi, ytMix),
		provider.Odysee:   returning(odLofi),
		provider.PeerTube: peertube,
	})

	resp, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "  lofi beats "})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.QueryID)
	assert.Equal(t, "lofi beats", resp.Query)
	assert.Equal(t, StateComplete, resp.State)
	assert.False(t, resp.Degraded)
	require.Len(t, resp.Results, 2)

	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].CompositeScore, resp.Results[i].CompositeScore)
	}

	var merged *model.RankedResult
	for i := range resp.Results {
		if resp.Results[i].Item.ExternalID == "yt-lofi" {
			merged = &resp.Results[i]
		}
		assert.Equal(t, model.StrategyPrimary, resp.Results[i].SourceChainUsed)
		assert.False(t, resp.Results[i].IsStale)
	}
	require.NotNil(t, merged, "youtube copy should represent the duplicate group")
	require.Len(t, merged.Alternates, 1)
	assert.Equal(t, "od-lofi", merged.Alternates[0].ExternalID)

	assert.Equal(t, model.OutcomeSuccess, outcome(t, resp, provider.YouTube).Kind)
	assert.Equal(t, 2, outcome(t, resp, provider.YouTube).Count)
	assert.Equal(t, model.OutcomeFailure, outcome(t, resp, provider.PeerTube).Kind)
	assert.NotEmpty(t, outcome(t, resp, provider.PeerTube).Error)
	assert.Equal(t, int32(2), peertube.calls.Load(), "transient failure is retried once")

	assert.Equal(t, model.OutcomeFailure, f.observer.providers[provider.PeerTube])
	assert.Equal(t, []State{StateComplete}, f.observer.queries)

	// Successful merges are cached at query level.
	payload, stale, found := f.cache.Get(context.Background(), QueryCacheKey(f.registry.List(), model.SearchQuery{Text: "lofi beats", MaxResults: 10}))
	require.True(t, found)
	assert.False(t, stale)
	assert.Len(t, payload, 2)
}

func TestSearch_AllFailServesQueryCache(t *testing.T) {
	boom := resilience.NewTransientError(errors.New("upstream unavailable"), http.StatusServiceUnavailable)
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{
		provider.YouTube: failing(boom),
		provider.Odysee:  failing(boom),
	})

	q := model.SearchQuery{Text: "lofi beats", MaxResults: 10}
	cached := model.CandidateItem{ProviderID: provider.YouTube, ExternalID: "old", Title: "lofi beats"}
	f.cache.Put(context.Background(), QueryCacheKey(f.registry.List(), q), []model.CandidateItem{cached}, 0)

	resp, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, StateComplete, resp.State)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].IsStale)
	assert.Equal(t, model.SourceQueryCache, resp.Results[0].SourceChainUsed)
	assert.Equal(t, "old", resp.Results[0].Item.ExternalID)
}

func TestSearch_ProviderStaleCacheIsServed(t *testing.T) {
	var broken atomic.Bool
	yt := &fakeFetch{fn: func(context.Context) ([]model.CandidateItem, error) {
		if broken.Load() {
			return nil, resilience.ClassifyHTTP(provider.YouTube, http.StatusTooManyRequests, "")
		}
		return []model.CandidateItem{{ProviderID: provider.YouTube, ExternalID: "a", Title: "lofi beats"}}, nil
	}}
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{provider.YouTube: yt}, provider.YouTube)

	q := model.SearchQuery{Text: "lofi beats"}
	_, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)

	// Age the provider entry past its TTL while keeping it servable.
	key := fallback.CacheKey(provider.YouTube, model.SearchQuery{Text: "lofi beats", MaxResults: 10})
	entry, status := f.cache.Lookup(context.Background(), key)
	require.Equal(t, cache.StatusFresh, status)
	f.cache.Put(context.Background(), key, entry.Payload, time.Nanosecond)
	time.Sleep(time.Millisecond)

	broken.Store(true)
	resp, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.True(t, resp.Results[0].IsStale)
	assert.Equal(t, model.StrategyCacheOnly, resp.Results[0].SourceChainUsed)
	assert.Equal(t, model.OutcomeQuota, outcome(t, resp, provider.YouTube).Kind)
	assert.True(t, outcome(t, resp, provider.YouTube).Stale)
}

func TestSearch_NoResultsWithoutCache(t *testing.T) {
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{
		provider.YouTube: failing(resilience.NewTransientError(errors.New("upstream unavailable"), http.StatusBadGateway)),
	})

	resp, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "nothing"})
	require.ErrorIs(t, err, ErrNoResults)
	require.NotNil(t, resp)
	assert.Equal(t, StateFailed, resp.State)
	assert.Empty(t, resp.Results)
	assert.Equal(t, []State{StateFailed}, f.observer.queries)
}

func TestSearch_EmptyProviderResultsFallBack(t *testing.T) {
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{
		provider.Rumble: returning(),
	})
	resp, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "obscure"})
	require.ErrorIs(t, err, ErrNoResults)
	assert.Equal(t, model.OutcomeSuccess, outcome(t, resp, provider.Rumble).Kind)
}

func TestSearch_DeadlineAbandonsSlowProvider(t *testing.T) {
	release := make(chan struct{})
	slow := &fakeFetch{fn: func(context.Context) ([]model.CandidateItem, error) {
		<-release
		return nil, nil
	}}
	fast := returning(model.CandidateItem{ProviderID: provider.Odysee, ExternalID: "o1", Title: "lofi"})

	f := newFixture(t, Config{TimeBudget: 50 * time.Millisecond, ProviderTimeout: time.Second}, map[string]*fakeFetch{
		provider.YouTube: slow,
		provider.Odysee:  fast,
	})
	// Registered after newFixture so it runs before svc.Close.
	t.Cleanup(func() { close(release) })

	start := time.Now()
	resp, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "lofi"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "o1", resp.Results[0].Item.ExternalID)

	yt := outcome(t, resp, provider.YouTube)
	assert.True(t, yt.Abandoned)
	assert.Equal(t, model.OutcomeTimeout, yt.Kind)

	h, err := f.priority.Health(context.Background(), provider.YouTube)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTimeout, h.LastOutcome)
}

func TestSearch_QueuedProviderIsNotPenalized(t *testing.T) {
	release := make(chan struct{})
	blocking := func() *fakeFetch {
		return &fakeFetch{fn: func(context.Context) ([]model.CandidateItem, error) {
			<-release
			return nil, nil
		}}
	}
	fetchers := map[string]*fakeFetch{
		provider.YouTube: blocking(),
		provider.Odysee:  blocking(),
	}

	f := newFixture(t, Config{TimeBudget: 50 * time.Millisecond, ProviderTimeout: time.Second, MaxConcurrency: 1}, fetchers)
	t.Cleanup(func() { close(release) })

	resp, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "lofi"})
	require.ErrorIs(t, err, ErrNoResults)

	var called, queued int
	for id, fetch := range fetchers {
		o := outcome(t, resp, id)
		assert.True(t, o.Abandoned, id)
		assert.Equal(t, model.OutcomeTimeout, o.Kind, id)

		h, err := f.priority.Health(context.Background(), id)
		require.NoError(t, err)
		if fetch.calls.Load() == 0 {
			queued++
			assert.Zero(t, h.SampleCount, "provider %s was never called", id)
			assert.Empty(t, h.LastOutcome, id)
		} else {
			called++
			assert.Equal(t, 1, h.SampleCount, id)
			assert.Equal(t, model.OutcomeTimeout, h.LastOutcome, id)
		}
	}
	assert.Equal(t, 1, called)
	assert.Equal(t, 1, queued)
}

func TestSearch_QueryCacheIsReRanked(t *testing.T) {
	t0 := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{
		provider.YouTube: failing(resilience.NewTransientError(errors.New("upstream unavailable"), http.StatusBadGateway)),
	})
	f.svc.deps.Ranker = ranking.New(ranking.DefaultConfig(), ranking.WithClock(func() time.Time {
		return t0.AddDate(5, 0, 0)
	}))

	// Cached in the order it ranked at t0, when the dated upload was fresh.
	dated := model.CandidateItem{
		ProviderID: provider.YouTube, ExternalID: "dated", Title: "lofi beats",
		Author: "A", DurationSeconds: 60, PublishedAt: &t0,
	}
	undated := model.CandidateItem{
		ProviderID: provider.YouTube, ExternalID: "undated", Title: "lofi beats",
		Author: "Zed Different", DurationSeconds: 3000,
	}
	q := model.SearchQuery{Text: "lofi beats", MaxResults: 10}
	f.cache.Put(context.Background(), QueryCacheKey(f.registry.List(), q), []model.CandidateItem{dated, undated}, 0)

	resp, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "undated", resp.Results[0].Item.ExternalID)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].CompositeScore, resp.Results[i].CompositeScore)
	}

	// MaxResults applies after re-ranking.
	q.MaxResults = 1
	f.cache.Put(context.Background(), QueryCacheKey(f.registry.List(), q), []model.CandidateItem{dated, undated}, 0)
	resp, err = f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "undated", resp.Results[0].Item.ExternalID)
}

func TestSearch_RequestedProviders(t *testing.T) {
	yt := returning(model.CandidateItem{ProviderID: provider.YouTube, ExternalID: "y", Title: "lofi"})
	od := returning(model.CandidateItem{ProviderID: provider.Odysee, ExternalID: "o", Title: "lofi"})
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{provider.YouTube: yt, provider.Odysee: od})

	resp, err := f.svc.Search(context.Background(), model.SearchQuery{
		Text:               "lofi",
		RequestedProviders: []string{provider.Odysee, "vimeo"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, provider.Odysee, resp.Providers[0].Provider)
	assert.Equal(t, int32(0), yt.calls.Load())
}

func TestSearch_AuthFailureDisablesProvider(t *testing.T) {
	yt := failing(resilience.ClassifyHTTP(provider.YouTube, http.StatusUnauthorized, "bad key"))
	od := returning(model.CandidateItem{ProviderID: provider.Odysee, ExternalID: "o", Title: "lofi"})
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{provider.YouTube: yt, provider.Odysee: od})

	resp, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "lofi"})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAuth, outcome(t, resp, provider.YouTube).Kind)
	assert.Equal(t, int32(1), yt.calls.Load(), "auth errors are not retried")
	assert.True(t, f.priority.Disabled(provider.YouTube))

	resp, err = f.svc.Search(context.Background(), model.SearchQuery{Text: "lofi jazz"})
	require.NoError(t, err)
	assert.Len(t, resp.Providers, 1)
	assert.Equal(t, int32(1), yt.calls.Load())
}

func TestSearch_InvalidQuery(t *testing.T) {
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{provider.YouTube: returning()})
	_, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "   "})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestSearch_AfterClose(t *testing.T) {
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{provider.YouTube: returning()})
	f.svc.Close()
	_, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "lofi"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSearch_Concurrent(t *testing.T) {
	yt := returning(model.CandidateItem{ProviderID: provider.YouTube, ExternalID: "y", Title: "lofi"})
	f := newFixture(t, Config{MaxConcurrency: 1}, map[string]*fakeFetch{provider.YouTube: yt})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "lofi"})
			assert.NoError(t, err)
			assert.Len(t, resp.Results, 1)
		}()
	}
	wg.Wait()
}

func TestHealth(t *testing.T) {
	f := newFixture(t, DefaultConfig(), map[string]*fakeFetch{
		provider.YouTube: returning(model.CandidateItem{ProviderID: provider.YouTube, ExternalID: "y", Title: "lofi"}),
		provider.Rumble:  returning(),
	})
	_, err := f.svc.Search(context.Background(), model.SearchQuery{Text: "lofi"})
	require.NoError(t, err)

	health, err := f.svc.Health(context.Background())
	require.NoError(t, err)
	require.Len(t, health, 2)
	assert.Equal(t, provider.Rumble, health[0].ProviderID)
	assert.Equal(t, provider.YouTube, health[1].ProviderID)
	assert.Equal(t, 1, health[1].SampleCount)
	assert.Equal(t, "closed", health[1].State)
}

func TestQueryCacheKey(t *testing.T) {
	q := model.SearchQuery{Text: "Lofi  BEATS", MaxResults: 5}
	a := QueryCacheKey([]string{"youtube", "odysee"}, q)
	b := QueryCacheKey([]string{"odysee", "youtube"}, model.SearchQuery{Text: "lofi beats", MaxResults: 5})
	assert.Equal(t, "query:odysee,youtube:5:lofi beats", a)
	assert.Equal(t, a, b)
}
