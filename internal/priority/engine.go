// Package priority orders providers by their recent reliability and speed.
package priority

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/resilience"
)

// Ordering strategies.
const (
	StrategyWeighted    = "weighted"
	StrategyStatic      = "static"
	StrategySuccessRate = "success_rate"
	StrategyLatency     = "latency"
)

// Config holds the engine's tunables.
type Config struct {
	Strategy         string
	DefaultOrder     []string
	WindowSize       int
	MinSamples       int
	DemotionWindow   time.Duration
	LatencyReference time.Duration
	SuccessWeight    float64
	LatencyWeight    float64
	BaseWeights      map[string]float64
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyWeighted,
		WindowSize:       50,
		MinSamples:       5,
		DemotionWindow:   time.Minute,
		LatencyReference: time.Second,
		SuccessWeight:    0.7,
		LatencyWeight:    0.3,
	}
}

// FromConfig converts the priority section of the application config.
func FromConfig(c config.PriorityConfig) Config {
	cfg := DefaultConfig()
	if c.Strategy != "" {
		cfg.Strategy = strings.ToLower(c.Strategy)
	}
	cfg.DefaultOrder = c.DefaultOrder
	if c.WindowSize > 0 {
		cfg.WindowSize = c.WindowSize
	}
	if c.MinSamples >= 0 {
		cfg.MinSamples = c.MinSamples
	}
	if c.DemotionWindowSecs > 0 {
		cfg.DemotionWindow = time.Duration(c.DemotionWindowSecs) * time.Second
	}
	if c.LatencyReferenceMs > 0 {
		cfg.LatencyReference = time.Duration(c.LatencyReferenceMs) * time.Millisecond
	}
	if c.SuccessWeight > 0 || c.LatencyWeight > 0 {
		cfg.SuccessWeight = c.SuccessWeight
		cfg.LatencyWeight = c.LatencyWeight
	}
	cfg.BaseWeights = c.BaseWeights
	return cfg
}

// Option configures an Engine.
type Option func(*Engine)

// WithBreakers lets the engine demote providers whose breaker is open and
// report breaker state in health snapshots.
func WithBreakers(b *resilience.ServiceBreakers) Option {
	return func(e *Engine) { e.breakers = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.nowFunc = now }
}

// Engine scores and orders providers. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	stats    Stats
	breakers *resilience.ServiceBreakers
	nowFunc  func() time.Time

	mu       sync.RWMutex
	disabled map[string]string
}

// New creates an Engine. A nil stats uses in-memory windows.
func New(cfg Config, stats Stats, opts ...Option) *Engine {
	if stats == nil {
		stats = NewMemoryStats()
	}
	e := &Engine{
		cfg:      cfg,
		stats:    stats,
		nowFunc:  time.Now,
		disabled: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Update folds one call outcome into the provider's window. Auth failures
// disable the provider for the life of the engine. Circuit-open rejections
// are not recorded since the provider was never called.
func (e *Engine) Update(ctx context.Context, providerID string, s model.Sample) error {
	switch s.Kind {
	case model.OutcomeCircuitOpen:
		return nil
	case model.OutcomeAuth:
		e.Disable(providerID, "authorization rejected")
	}
	if s.At.IsZero() {
		s.At = e.nowFunc()
	}
	if s.Kind == "" {
		if s.Success {
			s.Kind = model.OutcomeSuccess
		} else {
			s.Kind = model.OutcomeFailure
		}
	}
	if err := e.stats.Record(ctx, providerID, s, e.cfg.WindowSize); err != nil {
		return eris.Wrapf(err, "priority: update %s", providerID)
	}
	return nil
}

// Disable removes a provider from ordering until Enable is called.
func (e *Engine) Disable(providerID, reason string) {
	e.mu.Lock()
	_, already := e.disabled[providerID]
	e.disabled[providerID] = reason
	e.mu.Unlock()
	if !already {
		zap.L().Warn("priority: provider disabled",
			zap.String("provider", providerID),
			zap.String("reason", reason),
		)
	}
}

// Enable reverses Disable.
func (e *Engine) Enable(providerID string) {
	e.mu.Lock()
	delete(e.disabled, providerID)
	e.mu.Unlock()
}

// Disabled reports whether the provider is disabled.
func (e *Engine) Disabled(providerID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.disabled[providerID]
	return ok
}

// Score returns the provider's current priority score.
func (e *Engine) Score(ctx context.Context, providerID string) (float64, error) {
	samples, err := e.stats.Samples(ctx, providerID)
	if err != nil {
		return 0, err
	}
	return e.score(providerID, summarize(samples)), nil
}

// Order returns ids sorted by priority. Disabled providers are dropped.
// Providers with an open breaker or a failure inside the demotion window go
// behind the rest. Statistics errors fall back to the base weight.
func (e *Engine) Order(ctx context.Context, ids []string) []string {
	type ranked struct {
		id      string
		score   float64
		demoted bool
		index   int
	}

	now := e.nowFunc()
	list := make([]ranked, 0, len(ids))
	for _, id := range ids {
		if e.Disabled(id) {
			continue
		}
		samples, err := e.stats.Samples(ctx, id)
		if err != nil {
			zap.L().Warn("priority: load stats failed", zap.String("provider", id), zap.Error(err))
			samples = nil
		}
		sum := summarize(samples)
		list = append(list, ranked{
			id:      id,
			score:   e.score(id, sum),
			demoted: e.demoted(id, sum, now),
			index:   e.defaultIndex(id),
		})
	}

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.demoted != b.demoted {
			return !a.demoted
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if a.index != b.index {
			return a.index < b.index
		}
		return a.id < b.id
	})

	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.id
	}
	return out
}

// Rank returns each id's position in Order, for use as a tie-breaker.
func (e *Engine) Rank(ctx context.Context, ids []string) map[string]int {
	order := e.Order(ctx, ids)
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	return rank
}

// Health returns a snapshot of the provider's breaker and statistics.
func (e *Engine) Health(ctx context.Context, providerID string) (model.ProviderHealth, error) {
	samples, err := e.stats.Samples(ctx, providerID)
	if err != nil {
		return model.ProviderHealth{}, err
	}
	sum := summarize(samples)
	h := model.ProviderHealth{
		ProviderID:  providerID,
		State:       resilience.CircuitClosed.String(),
		SampleCount: sum.count,
		SuccessRate: sum.successRate,
		AvgLatency:  sum.avgLatency,
		Score:       e.score(providerID, sum),
		Disabled:    e.Disabled(providerID),
		Samples:     samples,
	}
	if sum.count > 0 {
		last := samples[len(samples)-1]
		at := last.At
		h.LastOutcome = last.Kind
		h.LastOutcomeAt = &at
	}
	if e.breakers != nil {
		snap := e.breakers.Get(providerID).Snapshot()
		h.State = snap.State.String()
		h.ConsecutiveFailures = snap.ConsecutiveFailures
		if !snap.OpenedAt.IsZero() && snap.State != resilience.CircuitClosed {
			opened := snap.OpenedAt
			h.OpenedAt = &opened
		}
	}
	return h, nil
}

type summary struct {
	count       int
	successRate float64
	avgLatency  time.Duration
	lastFailure time.Time
}

func summarize(samples []model.Sample) summary {
	var s summary
	if len(samples) == 0 {
		return s
	}
	var ok int
	var total time.Duration
	for _, smp := range samples {
		if smp.Success {
			ok++
		} else if smp.At.After(s.lastFailure) {
			s.lastFailure = smp.At
		}
		total += smp.Latency
	}
	s.count = len(samples)
	s.successRate = float64(ok) / float64(s.count)
	s.avgLatency = total / time.Duration(s.count)
	return s
}

func (e *Engine) baseWeight(id string) float64 {
	if w, ok := e.cfg.BaseWeights[id]; ok {
		return w
	}
	return 1.0
}

func (e *Engine) latencyFactor(avg time.Duration) float64 {
	ref := e.cfg.LatencyReference
	if ref <= 0 {
		ref = time.Second
	}
	return 1 / (1 + float64(avg)/float64(ref))
}

func (e *Engine) score(id string, s summary) float64 {
	base := e.baseWeight(id)
	warm := s.count >= e.cfg.MinSamples && s.count > 0

	switch e.cfg.Strategy {
	case StrategyStatic:
		return 1 / float64(1+e.defaultIndex(id))
	case StrategySuccessRate:
		if !warm {
			return 1
		}
		return s.successRate
	case StrategyLatency:
		if !warm {
			return 1
		}
		return e.latencyFactor(s.avgLatency)
	default:
		if !warm {
			return base
		}
		return base * (e.cfg.SuccessWeight*s.successRate + e.cfg.LatencyWeight*e.latencyFactor(s.avgLatency))
	}
}

func (e *Engine) demoted(id string, s summary, now time.Time) bool {
	if e.breakers != nil && e.breakers.Get(id).State() == resilience.CircuitOpen {
		return true
	}
	return !s.lastFailure.IsZero() && now.Sub(s.lastFailure) < e.cfg.DemotionWindow
}

func (e *Engine) defaultIndex(id string) int {
	for i, d := range e.cfg.DefaultOrder {
		if d == id {
			return i
		}
	}
	return len(e.cfg.DefaultOrder)
}
