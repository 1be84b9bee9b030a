package model

import "time"

// CacheEntry is a normalized result set stored under a cache key. Entries are
// replaced wholesale on refresh.
type CacheEntry struct {
	Key        string          `json:"key"`
	Payload    []CandidateItem `json:"payload"`
	InsertedAt time.Time       `json:"inserted_at"`
	TTL        time.Duration   `json:"ttl"`
	StaleUntil time.Time       `json:"stale_until"`
}

// FreshUntil returns the time the entry stops being fresh.
func (e CacheEntry) FreshUntil() time.Time {
	return e.InsertedAt.Add(e.TTL)
}

// IsStale reports whether the entry is past its TTL at now.
func (e CacheEntry) IsStale(now time.Time) bool {
	return !now.Before(e.FreshUntil())
}

// IsExpired reports whether the entry is past its stale-serving window at now.
func (e CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.StaleUntil)
}
