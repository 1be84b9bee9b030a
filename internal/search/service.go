// Package search fans a query out to providers in priority order, collects
// their answers under a global deadline, and merges them into one ranked
// list.
package search

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/angleito/robustty/internal/cache"
	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/dedup"
	"github.com/angleito/robustty/internal/fallback"
	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/priority"
	"github.com/angleito/robustty/internal/provider"
	"github.com/angleito/robustty/internal/ranking"
	"github.com/angleito/robustty/internal/resilience"
)

// statsTimeout bounds a priority update made after the query deadline.
const statsTimeout = 2 * time.Second

// Config bounds a query's fan-out.
type Config struct {
	TimeBudget      time.Duration
	ProviderTimeout time.Duration
	MaxResults      int
	MaxConcurrency  int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		TimeBudget:      2 * time.Second,
		ProviderTimeout: 2 * time.Second,
		MaxResults:      10,
		MaxConcurrency:  4,
	}
}

// FromConfig converts the search section of the application config.
func FromConfig(c config.SearchConfig) Config {
	return Config{
		TimeBudget:      c.TimeBudget(),
		ProviderTimeout: c.ProviderTimeout(),
		MaxResults:      c.MaxResults,
		MaxConcurrency:  c.MaxConcurrency,
	}
}

// Deps are the shared components a Service drives.
type Deps struct {
	Registry *provider.Registry
	Executor *fallback.Executor
	Cache    *cache.Store
	Priority *priority.Engine
	Ranker   *ranking.Ranker
	Dedup    dedup.Config
}

// Option configures a Service.
type Option func(*Service)

// WithObserver registers an outcome observer, typically the metrics
// collector.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// Service runs queries. It is safe for concurrent use.
type Service struct {
	deps     Deps
	cfg      Config
	observer Observer

	mu     sync.Mutex
	closed bool
	// wg tracks Search calls and provider goroutines, including those
	// abandoned at a deadline.
	wg sync.WaitGroup
}

// New creates a Service.
func New(deps Deps, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = def.TimeBudget
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = def.ProviderTimeout
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	s := &Service{deps: deps, cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	return s
}

// QueryCacheKey is the query-level cache key for q over the given provider
// set.
func QueryCacheKey(providerIDs []string, q model.SearchQuery) string {
	ids := append([]string(nil), providerIDs...)
	sort.Strings(ids)
	return "query:" + strings.Join(ids, ",") + ":" + strconv.Itoa(q.MaxResults) + ":" + q.NormalizedText()
}

type slot struct {
	index   int
	result  fallback.Result
	err     error
	latency time.Duration
}

// Search runs q against the selected providers. A provider failure never
// fails the query; ErrNoResults is returned only when nothing was found and
// nothing is cached for the query. The Response is non-nil whenever the
// query was accepted.
func (s *Service) Search(ctx context.Context, q model.SearchQuery) (*Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return nil, ErrInvalidQuery
	}
	if q.MaxResults <= 0 {
		q.MaxResults = s.cfg.MaxResults
	}
	if q.TimeBudget <= 0 {
		q.TimeBudget = s.cfg.TimeBudget
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	start := time.Now()
	resp := &Response{QueryID: uuid.NewString(), Query: q.Text, State: StatePending}
	log := zap.L().With(zap.String("query_id", resp.QueryID), zap.String("query", q.NormalizedText()))

	selected := s.deps.Registry.Select(q.RequestedProviders)
	byID := make(map[string]provider.Provider, len(selected))
	ids := make([]string, 0, len(selected))
	for _, p := range selected {
		byID[p.ID()] = p
		ids = append(ids, p.ID())
	}
	queryKey := QueryCacheKey(ids, q)
	order := s.deps.Priority.Order(ctx, ids)

	if len(order) == 0 {
		log.Warn("search: no eligible providers", zap.Strings("requested", q.RequestedProviders))
		return s.finishFromCache(ctx, resp, q, queryKey, start, log)
	}

	runCtx, cancel := context.WithTimeout(ctx, q.TimeBudget)
	defer cancel()

	s.advance(resp, StateDispatched, log)
	// Buffered so abandoned providers never block on send.
	ch := make(chan slot, len(order))
	sem := semaphore.NewWeighted(int64(s.cfg.MaxConcurrency))
	// started[i] is set once order[i] holds a fan-out slot.
	started := make([]atomic.Bool, len(order))
	dispatched := time.Now()
	for i, id := range order {
		p := byID[id]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ch <- s.runProvider(runCtx, sem, &started[i], i, p, q)
		}()
	}

	s.advance(resp, StateCollecting, log)
	slots := make([]*slot, len(order))
	var arrival []int
	take := func(sl slot) {
		slots[sl.index] = &sl
		arrival = append(arrival, sl.index)
	}
collect:
	for len(arrival) < len(order) {
		select {
		case sl := <-ch:
			take(sl)
		case <-runCtx.Done():
			break collect
		}
	}
drain:
	for len(arrival) < len(order) {
		select {
		case sl := <-ch:
			take(sl)
		default:
			break drain
		}
	}

	resp.Providers = make([]ProviderOutcome, len(order))
	for i, id := range order {
		sl := slots[i]
		if !started[i].Load() {
			// Providers that never got a slot were not called and yield no sample.
			resp.Providers[i] = ProviderOutcome{
				Provider:  id,
				Kind:      model.OutcomeTimeout,
				Latency:   time.Since(dispatched),
				Error:     "deadline passed before a fan-out slot was free",
				Abandoned: true,
			}
			continue
		}
		if sl == nil {
			waited := time.Since(dispatched)
			resp.Providers[i] = ProviderOutcome{
				Provider:  id,
				Kind:      model.OutcomeTimeout,
				Latency:   waited,
				Error:     "deadline passed before the provider answered",
				Abandoned: true,
			}
			s.record(ctx, id, model.Sample{Success: false, Latency: waited, Kind: model.OutcomeTimeout}, log)
			continue
		}
		resp.Providers[i] = outcomeFor(id, *sl)
		if sample, ok := sampleFor(*sl); ok {
			s.record(ctx, id, sample, log)
		}
	}
	if s.observer != nil {
		for _, o := range resp.Providers {
			s.observer.ProviderDone(o.Provider, o.Kind, o.Latency)
		}
	}

	s.advance(resp, StateMerging, log)
	var (
		candidates []model.CandidateItem
		discovery  = make(map[string]int)
		provenance = make(map[string]ranking.Provenance)
		live       bool
	)
	for _, idx := range arrival {
		sl := slots[idx]
		if sl.err != nil {
			continue
		}
		provenance[sl.result.Provider] = ranking.Provenance{Source: sl.result.Source, Stale: sl.result.Stale}
		if !sl.result.Stale && len(sl.result.Items) > 0 {
			live = true
		}
		for _, it := range sl.result.Items {
			if _, ok := discovery[it.Key()]; !ok {
				discovery[it.Key()] = len(candidates)
			}
			candidates = append(candidates, it)
		}
	}

	if len(candidates) == 0 {
		log.Warn("search: providers produced no candidates")
		return s.finishFromCache(ctx, resp, q, queryKey, start, log)
	}

	groups := dedup.New(s.deps.Dedup, s.deps.Ranker.Scorer(q)).Group(candidates)
	rank := make(map[string]int, len(order))
	for i, id := range order {
		rank[id] = i
	}
	resp.Results = s.deps.Ranker.Rank(ranking.Input{
		Query:        q,
		Groups:       groups,
		ProviderRank: rank,
		Discovery:    discovery,
		Provenance:   provenance,
	})

	// Stale-only answers must not refresh the query entry.
	if live {
		items := make([]model.CandidateItem, len(resp.Results))
		for i, r := range resp.Results {
			items[i] = r.Item
		}
		s.deps.Cache.Put(context.WithoutCancel(ctx), queryKey, items, 0)
	}

	s.finish(resp, StateComplete, start, log)
	log.Info("search: query complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("groups", len(groups)),
		zap.Int("results", len(resp.Results)),
		zap.Duration("elapsed", resp.Elapsed),
	)
	return resp, nil
}

// runProvider waits for a fan-out slot and runs p's chain under the
// per-provider timeout.
func (s *Service) runProvider(ctx context.Context, sem *semaphore.Weighted, started *atomic.Bool, index int, p provider.Provider, q model.SearchQuery) slot {
	if err := sem.Acquire(ctx, 1); err != nil {
		return slot{index: index, result: fallback.Result{Provider: p.ID()}, err: err}
	}
	defer sem.Release(1)
	started.Store(true)

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.deps.Executor.Run(pctx, p, q)
	return slot{index: index, result: res, err: err, latency: time.Since(start)}
}

// finishFromCache answers from the query-level cache when live providers
// produced nothing.
func (s *Service) finishFromCache(ctx context.Context, resp *Response, q model.SearchQuery, key string, start time.Time, log *zap.Logger) (*Response, error) {
	entry, status := s.deps.Cache.Lookup(ctx, key)
	if status == cache.StatusMiss {
		s.finish(resp, StateFailed, start, log)
		log.Warn("search: no results and nothing cached", zap.Duration("elapsed", resp.Elapsed))
		return resp, ErrNoResults
	}

	// Freshness moves scores after caching, so the entry is re-sorted.
	results := make([]model.RankedResult, len(entry.Payload))
	for i, it := range entry.Payload {
		results[i] = model.RankedResult{
			Item:            it,
			CompositeScore:  s.deps.Ranker.Score(q, it),
			IsStale:         true,
			SourceChainUsed: model.SourceQueryCache,
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CompositeScore > results[j].CompositeScore
	})
	if len(results) > q.MaxResults {
		results = results[:q.MaxResults]
	}
	resp.Results = results
	resp.Degraded = true
	s.finish(resp, StateComplete, start, log)
	log.Info("search: served query cache",
		zap.String("cache_status", string(status)),
		zap.Int("results", len(resp.Results)),
	)
	return resp, nil
}

func (s *Service) advance(resp *Response, to State, log *zap.Logger) {
	log.Debug("search: state change", zap.String("from", string(resp.State)), zap.String("to", string(to)))
	resp.State = to
}

func (s *Service) finish(resp *Response, to State, start time.Time, log *zap.Logger) {
	s.advance(resp, to, log)
	resp.Elapsed = time.Since(start)
	if s.observer != nil {
		s.observer.QueryDone(to, resp.Degraded, resp.Elapsed)
	}
}

// record folds one outcome into the priority statistics. It runs after the
// deadline too, so it detaches from the query context.
func (s *Service) record(ctx context.Context, id string, sample model.Sample, log *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statsTimeout)
	defer cancel()
	if err := s.deps.Priority.Update(rctx, id, sample); err != nil {
		log.Warn("search: priority update failed", zap.String("provider", id), zap.Error(err))
	}
}

// Health returns a snapshot for every registered provider.
func (s *Service) Health(ctx context.Context) ([]model.ProviderHealth, error) {
	ids := s.deps.Registry.List()
	out := make([]model.ProviderHealth, 0, len(ids))
	for _, id := range ids {
		h, err := s.deps.Priority.Health(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Close rejects new queries and waits for in-flight ones, including provider
// calls abandoned at a deadline.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

func outcomeFor(id string, sl slot) ProviderOutcome {
	o := ProviderOutcome{
		Provider: id,
		Source:   sl.result.Source,
		Stale:    sl.result.Stale,
		Count:    len(sl.result.Items),
		Latency:  sl.latency,
		Attempts: sl.result.Attempts,
	}
	switch {
	case sl.err != nil:
		o.Kind = outcomeKind(sl.err)
		o.Error = sl.err.Error()
	case sl.result.LiveErr != nil:
		o.Kind = outcomeKind(sl.result.LiveErr)
		o.Error = sl.result.LiveErr.Error()
	default:
		o.Kind = model.OutcomeSuccess
	}
	return o
}

// sampleFor returns the priority sample for a finished provider. Fresh cache
// hits made no live call and yield none.
func sampleFor(sl slot) (model.Sample, bool) {
	switch {
	case sl.err != nil:
		return model.Sample{Success: false, Latency: sl.latency, Kind: outcomeKind(sl.err)}, true
	case sl.result.Source == model.SourceCache:
		return model.Sample{}, false
	case sl.result.LiveErr != nil:
		return model.Sample{Success: false, Latency: sl.latency, Kind: outcomeKind(sl.result.LiveErr)}, true
	default:
		return model.Sample{Success: true, Latency: sl.latency, Kind: model.OutcomeSuccess}, true
	}
}

func outcomeKind(err error) model.OutcomeKind {
	switch resilience.Classify(err) {
	case resilience.KindNone:
		return model.OutcomeSuccess
	case resilience.KindQuota:
		return model.OutcomeQuota
	case resilience.KindAuth:
		return model.OutcomeAuth
	case resilience.KindCircuitOpen:
		return model.OutcomeCircuitOpen
	case resilience.KindTimeout, resilience.KindCanceled:
		return model.OutcomeTimeout
	default:
		return model.OutcomeFailure
	}
}
