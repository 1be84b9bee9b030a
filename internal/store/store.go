// Package store persists search cache entries beyond the process lifetime.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/angleito/robustty/internal/model"
)

// Store defines the durable tier behind the in-memory search cache.
type Store interface {
	// LoadEntry returns the entry stored under key, or nil when there is none.
	// Entries past their stale window are still returned; the caller decides.
	LoadEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	// SaveEntry replaces whatever is stored under entry.Key.
	SaveEntry(ctx context.Context, entry model.CacheEntry) error
	DeleteEntry(ctx context.Context, key string) error
	// DeleteExpired removes entries whose stale window ended at or before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Stats summarizes the stored entries at a point in time.
type Stats struct {
	Total   int `json:"total"`
	Fresh   int `json:"fresh"`
	Stale   int `json:"stale"`
	Expired int `json:"expired"`
}

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the configured driver and applies migrations. The memory
// driver has no durable tier and returns a nil Store.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(driver) {
	case "", DriverMemory:
		return nil, nil
	case DriverSQLite:
		if dsn == "" {
			dsn = "robustty.db"
		}
		s, err = NewSQLite(dsn)
	case DriverPostgres:
		if dsn == "" {
			return nil, eris.New("store: postgres driver requires store.database_url")
		}
		s, err = NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}
