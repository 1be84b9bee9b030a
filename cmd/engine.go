package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/cache"
	"github.com/angleito/robustty/internal/dedup"
	"github.com/angleito/robustty/internal/fallback"
	"github.com/angleito/robustty/internal/monitoring"
	"github.com/angleito/robustty/internal/priority"
	"github.com/angleito/robustty/internal/provider"
	"github.com/angleito/robustty/internal/ranking"
	"github.com/angleito/robustty/internal/resilience"
	"github.com/angleito/robustty/internal/search"
	"github.com/angleito/robustty/internal/store"
)

// engineEnv holds every component the search, serve and providers commands
// drive.
type engineEnv struct {
	Store    store.Store // nil for the memory driver
	Cache    *cache.Store
	Breakers *resilience.ServiceBreakers
	Registry *provider.Registry
	Priority *priority.Engine
	Search   *search.Service
	Metrics  *monitoring.Metrics
	redis    *priority.RedisStats
}

// Close stops background work and releases connections. Search goes first
// so abandoned provider calls finish before the cache closes.
func (e *engineEnv) Close() {
	if e.Search != nil {
		e.Search.Close()
	}
	if e.Cache != nil {
		_ = e.Cache.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the durable cache tier. It returns nil for the memory
// driver.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initEngine validates the config for mode and wires the engine. Callers
// should defer env.Close().
func initEngine(ctx context.Context, mode string) (*engineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &engineEnv{Metrics: monitoring.NewMetrics()}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st

	cacheOpts := []cache.Option{cache.WithObserver(env.Metrics.CacheLookup)}
	if st != nil {
		cacheOpts = append(cacheOpts, cache.WithPersister(st))
		zap.L().Info("durable cache tier enabled", zap.String("driver", cfg.Store.Driver))
	}
	env.Cache = cache.New(cache.FromConfig(cfg.Cache), cacheOpts...)

	breakerCfg := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.RecoveryTimeoutSecs, cfg.Circuit.SuccessThreshold)
	breakerCfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
		env.Metrics.BreakerStateChange(name, from, to)
		zap.L().Warn("circuit breaker state change",
			zap.String("provider", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	env.Breakers = resilience.NewServiceBreakers(breakerCfg)

	retryCfg := resilience.FromRetryConfig(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelayMs, cfg.Retry.MaxDelayMs, cfg.Retry.Multiplier, cfg.Retry.JitterFactor)

	env.Registry, err = provider.Build(cfg)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build providers")
	}

	var stats priority.Stats
	if cfg.Priority.RedisURL != "" {
		env.redis, err = priority.NewRedisStats(ctx, cfg.Priority.RedisURL)
		if err != nil {
			zap.L().Warn("redis stats unavailable, using in-memory provider windows", zap.Error(err))
		} else {
			stats = env.redis
			zap.L().Info("provider statistics shared via redis")
		}
	}
	env.Priority = priority.New(priority.FromConfig(cfg.Priority), stats, priority.WithBreakers(env.Breakers))

	env.Search = search.New(search.Deps{
		Registry: env.Registry,
		Executor: fallback.NewExecutor(env.Cache, env.Breakers, retryCfg),
		Cache:    env.Cache,
		Priority: env.Priority,
		Ranker:   ranking.New(ranking.FromConfig(cfg.Ranking)),
		Dedup:    dedup.FromConfig(cfg.Dedup),
	}, search.FromConfig(cfg.Search), search.WithObserver(env.Metrics))

	zap.L().Info("engine ready",
		zap.Strings("providers", env.Registry.List()),
		zap.String("priority_strategy", cfg.Priority.Strategy),
	)
	return env, nil
}
