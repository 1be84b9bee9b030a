package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/angleito/robustty/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as unix nanoseconds so comparisons stay in SQL.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS search_cache (
	cache_key   TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	inserted_at INTEGER NOT NULL,
	ttl_ms      INTEGER NOT NULL,
	stale_until INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_search_cache_stale_until ON search_cache(stale_until);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) LoadEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cache_key, payload, inserted_at, ttl_ms, stale_until FROM search_cache WHERE cache_key = ?`,
		key,
	)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load entry %s", key)
	}
	return entry, nil
}

func (s *SQLiteStore) SaveEntry(ctx context.Context, entry model.CacheEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO search_cache (cache_key, payload, inserted_at, ttl_ms, stale_until) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET payload = excluded.payload, inserted_at = excluded.inserted_at,
		 ttl_ms = excluded.ttl_ms, stale_until = excluded.stale_until`,
		entry.Key, string(payload), entry.InsertedAt.UnixNano(), entry.TTL.Milliseconds(), entry.StaleUntil.UnixNano(),
	)
	return eris.Wrapf(err, "sqlite: save entry %s", entry.Key)
}

func (s *SQLiteStore) DeleteEntry(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_cache WHERE cache_key = ?`, key)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete entry %s", key)
	}
	return checkRowsAffected(res, "cache entry", key)
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM search_cache WHERE stale_until <= ?`, now.UnixNano(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired entries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	nowNanos := now.UnixNano()
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN inserted_at + ttl_ms * 1000000 > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN stale_until <= ? THEN 1 ELSE 0 END), 0)
		 FROM search_cache`,
		nowNanos, nowNanos,
	).Scan(&st.Total, &st.Fresh, &st.Expired)
	if err != nil {
		return Stats{}, eris.Wrap(err, "sqlite: stats")
	}
	st.Stale = st.Total - st.Fresh - st.Expired
	return st, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.CacheEntry, error) {
	var (
		e                                 model.CacheEntry
		payload                           string
		insertedAt, ttlMillis, staleUntil int64
	)
	if err := row.Scan(&e.Key, &payload, &insertedAt, &ttlMillis, &staleUntil); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, eris.Wrap(err, "unmarshal payload")
	}
	e.InsertedAt = time.Unix(0, insertedAt).UTC()
	e.TTL = time.Duration(ttlMillis) * time.Millisecond
	e.StaleUntil = time.Unix(0, staleUntil).UTC()
	return &e, nil
}
