package priority

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/resilience"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultOrder = []string{"youtube", "peertube", "odysee", "rumble"}
	cfg.MinSamples = 3
	cfg.BaseWeights = map[string]float64{"youtube": 1.0, "peertube": 0.9, "odysee": 0.9, "rumble": 0.8}
	return cfg
}

func newEngine(cfg Config, now *time.Time, opts ...Option) *Engine {
	opts = append(opts, WithClock(func() time.Time { return *now }))
	return New(cfg, NewMemoryStats(), opts...)
}

func record(t *testing.T, e *Engine, id string, n int, success bool, latency time.Duration, at time.Time) {
	t.Helper()
	for range n {
		require.NoError(t, e.Update(context.Background(), id, model.Sample{Success: success, Latency: latency, At: at}))
	}
}

func TestScore_BaseWeightBeforeMinSamples(t *testing.T) {
	now := t0
	e := newEngine(testConfig(), &now)
	record(t, e, "peertube", 2, false, time.Second, t0)

	score, err := e.Score(context.Background(), "peertube")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, score, 1e-9)
}

func TestScore_Weighted(t *testing.T) {
	now := t0
	e := newEngine(testConfig(), &now)
	// 3 of 4 succeed, average latency equals the reference.
	record(t, e, "youtube", 3, true, time.Second, t0)
	record(t, e, "youtube", 1, false, time.Second, t0)

	score, err := e.Score(context.Background(), "youtube")
	require.NoError(t, err)
	// 1.0 × (0.7 × 0.75 + 0.3 × 1/(1+1)) = 0.675
	assert.InDelta(t, 0.675, score, 1e-9)
}

func TestScore_UnknownProviderDefaultsToOne(t *testing.T) {
	now := t0
	e := newEngine(testConfig(), &now)
	score, err := e.Score(context.Background(), "vimeo")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestOrder_ColdStartUsesBaseWeightsThenDefaultOrder(t *testing.T) {
	now := t0
	e := newEngine(testConfig(), &now)
	got := e.Order(context.Background(), []string{"rumble", "odysee", "peertube", "youtube"})
	assert.Equal(t, []string{"youtube", "peertube", "odysee", "rumble"}, got)
}

func TestOrder_FasterMoreReliableProviderWins(t *testing.T) {
	now := t0.Add(10 * time.Minute)
	e := newEngine(testConfig(), &now)
	record(t, e, "youtube", 5, true, 3*time.Second, t0)
	record(t, e, "peertube", 5, true, 100*time.Millisecond, t0)

	got := e.Order(context.Background(), []string{"youtube", "peertube"})
	assert.Equal(t, []string{"peertube", "youtube"}, got)
}

func TestOrder_RecentFailureDemotes(t *testing.T) {
	now := t0
	e := newEngine(testConfig(), &now)
	record(t, e, "youtube", 5, true, 100*time.Millisecond, t0.Add(-time.Hour))
	record(t, e, "youtube", 1, false, 100*time.Millisecond, t0.Add(-10*time.Second))

	got := e.Order(context.Background(), []string{"youtube", "rumble"})
	assert.Equal(t, []string{"rumble", "youtube"}, got)

	// Outside the demotion window the score decides again.
	now = t0.Add(2 * time.Minute)
	got = e.Order(context.Background(), []string{"youtube", "rumble"})
	assert.Equal(t, []string{"youtube", "rumble"}, got)
}

func TestOrder_AllDemotedStillReturned(t *testing.T) {
	now := t0
	e := newEngine(testConfig(), &now)
	record(t, e, "youtube", 1, false, time.Second, t0)
	record(t, e, "odysee", 1, false, time.Second, t0)

	got := e.Order(context.Background(), []string{"odysee", "youtube"})
	assert.Equal(t, []string{"youtube", "odysee"}, got)
}

func TestOrder_OpenBreakerDemotes(t *testing.T) {
	now := t0
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1,
	})
	e := newEngine(testConfig(), &now, WithBreakers(breakers))
	_ = breakers.Get("youtube").Execute(context.Background(), func(context.Context) error { return errors.New("down") })

	got := e.Order(context.Background(), []string{"youtube", "peertube"})
	assert.Equal(t, []string{"peertube", "youtube"}, got)
}

func TestOrder_StaticStrategy(t *testing.T) {
	now := t0.Add(time.Hour)
	cfg := testConfig()
	cfg.Strategy = StrategyStatic
	cfg.DefaultOrder = []string{"rumble", "odysee", "youtube"}
	e := newEngine(cfg, &now)
	record(t, e, "youtube", 5, true, time.Millisecond, t0)

	got := e.Order(context.Background(), []string{"youtube", "odysee", "rumble"})
	assert.Equal(t, []string{"rumble", "odysee", "youtube"}, got)
}

func TestOrder_SuccessRateStrategy(t *testing.T) {
	now := t0.Add(time.Hour)
	cfg := testConfig()
	cfg.Strategy = StrategySuccessRate
	e := newEngine(cfg, &now)
	record(t, e, "youtube", 2, true, time.Millisecond, t0)
	record(t, e, "youtube", 2, false, time.Millisecond, t0)
	record(t, e, "odysee", 4, true, 5*time.Second, t0)

	got := e.Order(context.Background(), []string{"youtube", "odysee"})
	assert.Equal(t, []string{"odysee", "youtube"}, got)
}

func TestOrder_LatencyStrategy(t *testing.T) {
	now := t0.Add(time.Hour)
	cfg := testConfig()
	cfg.Strategy = StrategyLatency
	e := newEngine(cfg, &now)
	record(t, e, "youtube", 4, true, 2*time.Second, t0)
	record(t, e, "odysee", 4, true, 200*time.Millisecond, t0)

	got := e.Order(context.Background(), []string{"youtube", "odysee"})
	assert.Equal(t, []string{"odysee", "youtube"}, got)
}

func TestUpdate_AuthDisables(t *testing.T) {
	now := t0
	e := newEngine(testConfig(), &now)
	require.NoError(t, e.Update(context.Background(), "youtube", model.Sample{Kind: model.OutcomeAuth}))

	assert.True(t, e.Disabled("youtube"))
	assert.Equal(t, []string{"odysee"}, e.Order(context.Background(), []string{"youtube", "odysee"}))

	e.Enable("youtube")
	assert.False(t, e.Disabled("youtube"))
}

func TestUpdate_CircuitOpenNotRecorded(t *testing.T) {
	now := t0
	e := newEngine(testConfig(), &now)
	require.NoError(t, e.Update(context.Background(), "rumble", model.Sample{Kind: model.OutcomeCircuitOpen}))

	h, err := e.Health(context.Background(), "rumble")
	require.NoError(t, err)
	assert.Equal(t, 0, h.SampleCount)
}

func TestUpdate_WindowIsBounded(t *testing.T) {
	now := t0
	cfg := testConfig()
	cfg.WindowSize = 4
	e := newEngine(cfg, &now)
	record(t, e, "odysee", 10, false, time.Second, t0)
	record(t, e, "odysee", 4, true, time.Second, t0)

	h, err := e.Health(context.Background(), "odysee")
	require.NoError(t, err)
	assert.Equal(t, 4, h.SampleCount)
	assert.InDelta(t, 1.0, h.SuccessRate, 1e-9)
}

func TestHealth_Snapshot(t *testing.T) {
	now := t0
	breakers := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1,
	})
	e := newEngine(testConfig(), &now, WithBreakers(breakers))
	require.NoError(t, e.Update(context.Background(), "peertube", model.Sample{Success: true, Latency: 300 * time.Millisecond, At: t0}))
	require.NoError(t, e.Update(context.Background(), "peertube", model.Sample{Kind: model.OutcomeTimeout, Latency: 2 * time.Second, At: t0.Add(time.Second)}))
	_ = breakers.Get("peertube").Execute(context.Background(), func(context.Context) error { return errors.New("down") })

	h, err := e.Health(context.Background(), "peertube")
	require.NoError(t, err)
	assert.Equal(t, "peertube", h.ProviderID)
	assert.Equal(t, "open", h.State)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	require.NotNil(t, h.OpenedAt)
	assert.Equal(t, 2, h.SampleCount)
	assert.InDelta(t, 0.5, h.SuccessRate, 1e-9)
	assert.Equal(t, 1150*time.Millisecond, h.AvgLatency)
	assert.Equal(t, model.OutcomeTimeout, h.LastOutcome)
	require.NotNil(t, h.LastOutcomeAt)
	assert.Equal(t, t0.Add(time.Second), *h.LastOutcomeAt)
}

func TestMemoryStats_ConcurrentUpdates(t *testing.T) {
	now := t0
	cfg := testConfig()
	cfg.WindowSize = 1000
	e := newEngine(cfg, &now)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = e.Update(context.Background(), "youtube", model.Sample{Success: i%2 == 0, Latency: time.Millisecond})
			}
		}()
	}
	wg.Wait()

	h, err := e.Health(context.Background(), "youtube")
	require.NoError(t, err)
	assert.Equal(t, 400, h.SampleCount)
	assert.InDelta(t, 0.5, h.SuccessRate, 1e-9)
}

func TestMemoryStats_Reset(t *testing.T) {
	s := NewMemoryStats()
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, "rumble", model.Sample{Success: true}, 10))
	require.NoError(t, s.Reset(ctx, "rumble"))
	got, err := s.Samples(ctx, "rumble")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.PriorityConfig{
		Strategy:           "Latency",
		DefaultOrder:       []string{"odysee"},
		WindowSize:         20,
		MinSamples:         2,
		DemotionWindowSecs: 30,
		LatencyReferenceMs: 500,
		SuccessWeight:      0.5,
		LatencyWeight:      0.5,
		BaseWeights:        map[string]float64{"odysee": 0.7},
	})
	assert.Equal(t, StrategyLatency, cfg.Strategy)
	assert.Equal(t, 20, cfg.WindowSize)
	assert.Equal(t, 2, cfg.MinSamples)
	assert.Equal(t, 30*time.Second, cfg.DemotionWindow)
	assert.Equal(t, 500*time.Millisecond, cfg.LatencyReference)
	assert.InDelta(t, 0.5, cfg.SuccessWeight, 1e-9)
	assert.InDelta(t, 0.7, cfg.BaseWeights["odysee"], 1e-9)
}
