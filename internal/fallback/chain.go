// Package fallback runs a provider's strategy chain: cache first, then live
// strategies behind the provider's circuit breaker, then stale cache.
package fallback

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/cache"
	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/provider"
	"github.com/angleito/robustty/internal/resilience"
)

// Attempt records how one live strategy ended.
type Attempt struct {
	Strategy string
	Kind     resilience.ErrorKind
	Duration time.Duration
}

// Result is what a chain produced for one provider.
type Result struct {
	Provider string
	Items    []model.CandidateItem
	// Source is the strategy that produced Items, or a cache label.
	Source string
	Stale  bool
	// LiveErr is the live failure behind a stale answer.
	LiveErr  error
	Attempts []Attempt
}

// Executor runs fallback chains. It is safe for concurrent use.
type Executor struct {
	cache    *cache.Store
	breakers *resilience.ServiceBreakers
	retry    resilience.RetryConfig
}

// NewExecutor creates an Executor. The cache and breakers are shared with
// the rest of the engine.
func NewExecutor(c *cache.Store, breakers *resilience.ServiceBreakers, retry resilience.RetryConfig) *Executor {
	return &Executor{cache: c, breakers: breakers, retry: retry}
}

// CacheKey is the provider-level cache key for q.
func CacheKey(providerID string, q model.SearchQuery) string {
	return "provider:" + providerID + ":" + strconv.Itoa(q.MaxResults) + ":" + q.NormalizedText()
}

// Run executes p's chain for q. It fails with a CircuitOpenError when the
// breaker rejects the call and nothing cached can be served, and with a
// ProviderUnavailableError when every strategy failed.
func (e *Executor) Run(ctx context.Context, p provider.Provider, q model.SearchQuery) (Result, error) {
	id := p.ID()
	res := Result{Provider: id}
	key := CacheKey(id, q)

	entry, status := e.cache.Lookup(ctx, key)
	if status == cache.StatusFresh {
		res.Items = copyItems(entry.Payload)
		res.Source = model.SourceCache
		return res, nil
	}

	var (
		live      []provider.Strategy
		tried     []string
		cacheOnly bool
	)
	for _, s := range p.Strategies() {
		tried = append(tried, s.Name)
		if s.CacheOnly() {
			cacheOnly = true
			continue
		}
		live = append(live, s)
	}

	var (
		items  []model.CandidateItem
		source string
		err    error
	)
	switch {
	case len(live) == 0:
		err = errNoLiveStrategies
	case status == cache.StatusStale:
		// A shared background refresh; this caller waits for it until its
		// own deadline and otherwise falls back to the stale payload.
		items, err = e.cache.Refresh(ctx, key, func(lctx context.Context) ([]model.CandidateItem, error) {
			out, _, lerr := e.runLive(lctx, id, q, live, nil)
			return out, lerr
		})
		source = model.SourceRefresh
	default:
		record := func(a Attempt) { res.Attempts = append(res.Attempts, a) }
		items, source, err = e.runLive(ctx, id, q, live, record)
		if err == nil {
			e.cache.Put(ctx, key, items, 0)
		}
	}

	if err == nil {
		res.Items = items
		res.Source = source
		return res, nil
	}

	if cacheOnly && status == cache.StatusStale {
		zap.L().Info("fallback: serving stale cache",
			zap.String("provider", id),
			zap.String("query", q.NormalizedText()),
			zap.Error(err),
		)
		res.Items = copyItems(entry.Payload)
		res.Source = model.StrategyCacheOnly
		res.Stale = true
		res.LiveErr = err
		return res, nil
	}

	if resilience.Classify(err) == resilience.KindCircuitOpen {
		return res, err
	}
	return res, &resilience.ProviderUnavailableError{Provider: id, Tried: tried, Err: err}
}

// runLive tries the live strategies in order inside a single breaker call,
// each strategy under the retry policy. record, when set, receives one
// Attempt per strategy tried.
func (e *Executor) runLive(ctx context.Context, id string, q model.SearchQuery, live []provider.Strategy, record func(Attempt)) ([]model.CandidateItem, string, error) {
	var source string
	items, err := resilience.ExecuteVal(ctx, e.breakers.Get(id), func(bctx context.Context) ([]model.CandidateItem, error) {
		var lastErr error
		for _, s := range live {
			cfg := e.retry
			cfg.OnRetry = resilience.RetryLogger(id, s.Name)

			start := time.Now()
			out, err := resilience.DoVal(bctx, cfg, func(rctx context.Context) ([]model.CandidateItem, error) {
				return s.Fetch(rctx, q)
			})
			if record != nil {
				record(Attempt{Strategy: s.Name, Kind: resilience.Classify(err), Duration: time.Since(start)})
			}
			if err == nil {
				source = s.Name
				return out, nil
			}
			lastErr = err

			zap.L().Debug("fallback: strategy failed, trying next",
				zap.String("provider", id),
				zap.String("strategy", s.Name),
				zap.String("kind", string(resilience.Classify(err))),
				zap.Error(err),
			)
			if bctx.Err() != nil {
				break
			}
		}
		return nil, lastErr
	})
	return items, source, err
}

func copyItems(items []model.CandidateItem) []model.CandidateItem {
	if items == nil {
		return nil
	}
	out := make([]model.CandidateItem, len(items))
	copy(out, items)
	return out
}
