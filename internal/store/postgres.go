package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/angleito/robustty/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock pools satisfy it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool. Multiple engine instances can
// share one database so a cold instance starts with warm stale entries.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	loadEntrySQL = `SELECT cache_key, payload, inserted_at, ttl_ms, stale_until FROM search_cache WHERE cache_key = $1`
	saveEntrySQL = `INSERT INTO search_cache (cache_key, payload, inserted_at, ttl_ms, stale_until) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (cache_key) DO UPDATE SET payload = $2, inserted_at = $3, ttl_ms = $4, stale_until = $5`
	deleteEntrySQL   = `DELETE FROM search_cache WHERE cache_key = $1`
	deleteExpiredSQL = `DELETE FROM search_cache WHERE stale_until <= $1`
	statsSQL         = `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE inserted_at + ttl_ms * interval '1 millisecond' > $1),
			COUNT(*) FILTER (WHERE stale_until <= $1)
		 FROM search_cache`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS search_cache (
	cache_key   TEXT PRIMARY KEY,
	payload     JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL,
	ttl_ms      BIGINT NOT NULL,
	stale_until TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_search_cache_stale_until ON search_cache(stale_until);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) LoadEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	var (
		e         model.CacheEntry
		payload   []byte
		ttlMillis int64
	)
	err := s.pool.QueryRow(ctx, loadEntrySQL, key).
		Scan(&e.Key, &payload, &e.InsertedAt, &ttlMillis, &e.StaleUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: load entry %s", key)
	}
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal payload")
	}
	e.TTL = time.Duration(ttlMillis) * time.Millisecond
	return &e, nil
}

func (s *PostgresStore) SaveEntry(ctx context.Context, entry model.CacheEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	_, err = s.pool.Exec(ctx, saveEntrySQL,
		entry.Key, payload, entry.InsertedAt.UTC(), entry.TTL.Milliseconds(), entry.StaleUntil.UTC(),
	)
	return eris.Wrapf(err, "postgres: save entry %s", entry.Key)
}

func (s *PostgresStore) DeleteEntry(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, deleteEntrySQL, key)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete entry %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("cache entry not found: %s", key)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, deleteExpiredSQL, now.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired entries")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var total, fresh, expired int64
	if err := s.pool.QueryRow(ctx, statsSQL, now.UTC()).Scan(&total, &fresh, &expired); err != nil {
		return Stats{}, eris.Wrap(err, "postgres: stats")
	}
	return Stats{
		Total:   int(total),
		Fresh:   int(fresh),
		Stale:   int(total - fresh - expired),
		Expired: int(expired),
	}, nil
}
