// Package cache holds provider and query result sets with a TTL, a
// stale-serving window, and single-flight refresh.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/model"
)

// ErrClosed is returned by Refresh after Close.
var ErrClosed = eris.New("cache: closed")

// Status describes the outcome of a lookup.
type Status string

const (
	StatusFresh Status = "fresh"
	StatusStale Status = "stale"
	StatusMiss  Status = "miss"
)

// Loader fetches the live payload for a key.
type Loader func(ctx context.Context) ([]model.CandidateItem, error)

// Persister is the durable tier. store.SQLiteStore and store.PostgresStore
// implement it.
type Persister interface {
	LoadEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	SaveEntry(ctx context.Context, entry model.CacheEntry) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Config controls entry lifetimes and background work.
type Config struct {
	TTL             time.Duration
	StaleWindow     time.Duration
	RefreshTimeout  time.Duration
	JanitorInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             15 * time.Minute,
		StaleWindow:     time.Hour,
		RefreshTimeout:  10 * time.Second,
		JanitorInterval: time.Minute,
	}
}

// FromConfig converts the cache section of the application config.
func FromConfig(c config.CacheConfig) Config {
	return Config{
		TTL:             time.Duration(c.TTLSecs) * time.Second,
		StaleWindow:     time.Duration(c.StaleSecs) * time.Second,
		RefreshTimeout:  time.Duration(c.RefreshTimeoutSecs) * time.Second,
		JanitorInterval: time.Duration(c.JanitorIntervalSecs) * time.Second,
	}
}

// Option configures a Store.
type Option func(*Store)

// WithPersister adds a durable tier consulted on memory misses and written
// through on Put.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithObserver registers a callback invoked with the status of every lookup.
func WithObserver(fn func(Status)) Option {
	return func(s *Store) { s.observe = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// Store is an in-memory cache of result sets. Entries are replaced wholesale
// and payloads are copied in and out.
type Store struct {
	cfg       Config
	persister Persister
	observe   func(Status)
	nowFunc   func() time.Time
	log       *zap.Logger

	mu      sync.RWMutex
	entries map[string]model.CacheEntry

	group singleflight.Group

	// base is cancelled by Close and parents every detached refresh.
	base       context.Context
	cancelBase context.CancelFunc
	closeMu    sync.Mutex
	closed     bool
	wg         sync.WaitGroup
}

// New creates a Store and starts its janitor when cfg.JanitorInterval > 0.
func New(cfg Config, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.StaleWindow < 0 {
		cfg.StaleWindow = 0
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:        cfg,
		nowFunc:    time.Now,
		log:        zap.L().With(zap.String("component", "cache")),
		entries:    make(map[string]model.CacheEntry),
		base:       base,
		cancelBase: cancel,
	}
	for _, o := range opts {
		o(s)
	}

	if cfg.JanitorInterval > 0 {
		s.wg.Add(1)
		go s.janitor(cfg.JanitorInterval)
	}
	return s
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// Get returns a copy of the payload stored under key. An entry past its TTL
// but inside the stale window is returned with stale=true; past the window it
// is not found.
func (s *Store) Get(ctx context.Context, key string) (payload []model.CandidateItem, stale bool, found bool) {
	entry, status := s.Lookup(ctx, key)
	if status == StatusMiss {
		return nil, false, false
	}
	return copyItems(entry.Payload), status == StatusStale, true
}

// Lookup is Get returning the whole entry. The entry's payload must not be
// modified.
func (s *Store) Lookup(ctx context.Context, key string) (model.CacheEntry, Status) {
	now := s.nowFunc()

	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok && s.persister != nil {
		loaded, err := s.persister.LoadEntry(ctx, key)
		if err != nil {
			s.log.Warn("durable cache load failed", zap.String("key", key), zap.Error(err))
		} else if loaded != nil && !loaded.IsExpired(now) {
			entry, ok = *loaded, true
			s.mu.Lock()
			if _, exists := s.entries[key]; !exists {
				s.entries[key] = entry
			}
			s.mu.Unlock()
		}
	}

	status := StatusMiss
	switch {
	case !ok || entry.IsExpired(now):
		entry = model.CacheEntry{}
	case entry.IsStale(now):
		status = StatusStale
	default:
		status = StatusFresh
	}
	if s.observe != nil {
		s.observe(status)
	}
	return entry, status
}

// Put replaces the entry under key. A non-positive ttl uses the configured TTL.
func (s *Store) Put(ctx context.Context, key string, payload []model.CandidateItem, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	now := s.nowFunc()
	entry := model.CacheEntry{
		Key:        key,
		Payload:    copyItems(payload),
		InsertedAt: now,
		TTL:        ttl,
		StaleUntil: now.Add(ttl + s.cfg.StaleWindow),
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.SaveEntry(ctx, entry); err != nil {
			s.log.Warn("durable cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Refresh runs loader for key with at most one load in flight per key;
// concurrent callers share its result. The load is detached from ctx and
// bounded by the refresh timeout, so ctx only limits how long this caller
// waits. A successful load is stored with the configured TTL.
func (s *Store) Refresh(ctx context.Context, key string, loader Loader) ([]model.CandidateItem, error) {
	ch, err := s.refresh(key, loader)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return copyItems(res.Val.([]model.CandidateItem)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RefreshInBackground starts (or joins) a refresh for key without waiting.
func (s *Store) RefreshInBackground(key string, loader Loader) {
	if _, err := s.refresh(key, loader); err != nil {
		s.log.Debug("background refresh skipped", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) refresh(key string, loader Loader) (<-chan singleflight.Result, error) {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.closeMu.Unlock()

	flight := s.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(s.base, s.cfg.RefreshTimeout)
		defer cancel()

		items, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		s.Put(s.base, key, items, 0)
		return items, nil
	})

	out := make(chan singleflight.Result, 1)
	go func() {
		defer s.wg.Done()
		out <- <-flight
	}()
	return out, nil
}

// Prune drops entries past their stale window from memory and the durable
// tier. It returns the number of memory and durable entries removed.
func (s *Store) Prune(ctx context.Context) (memory, durable int, err error) {
	now := s.nowFunc()

	s.mu.Lock()
	for k, e := range s.entries {
		if e.IsExpired(now) {
			delete(s.entries, k)
			memory++
		}
	}
	s.mu.Unlock()

	if s.persister != nil {
		durable, err = s.persister.DeleteExpired(ctx, now)
		if err != nil {
			return memory, 0, eris.Wrap(err, "cache: prune durable tier")
		}
	}
	return memory, durable, nil
}

// Len returns the number of entries held in memory, including stale ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the janitor, cancels in-flight refreshes and waits for them.
func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.cancelBase()
	s.wg.Wait()
	return nil
}

func (s *Store) janitor(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.base.Done():
			return
		case <-ticker.C:
			mem, durable, err := s.Prune(s.base)
			if err != nil {
				s.log.Warn("cache prune failed", zap.Error(err))
				continue
			}
			if mem+durable > 0 {
				s.log.Debug("cache pruned", zap.Int("memory", mem), zap.Int("durable", durable))
			}
		}
	}
}

func copyItems(items []model.CandidateItem) []model.CandidateItem {
	if items == nil {
		return nil
	}
	out := make([]model.CandidateItem, len(items))
	copy(out, items)
	return out
}
