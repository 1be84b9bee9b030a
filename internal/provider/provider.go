// Package provider defines the media provider interface, the adapters that
// turn API clients into strategies, and the static registry.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/angleito/robustty/internal/model"
)

// Provider ids.
const (
	YouTube  = "youtube"
	PeerTube = "peertube"
	Odysee   = "odysee"
	Rumble   = "rumble"
)

// FetchFunc runs one live strategy for a query and returns canonical items.
type FetchFunc func(ctx context.Context, q model.SearchQuery) ([]model.CandidateItem, error)

// Strategy is one step of a provider's fallback chain. A strategy without a
// Fetch func is the cached-only step.
type Strategy struct {
	Name  string
	Fetch FetchFunc
}

// CacheOnly reports whether the strategy only serves cached payloads.
func (s Strategy) CacheOnly() bool { return s.Fetch == nil }

// Provider is a media source with an ordered fallback chain.
type Provider interface {
	// ID returns the provider identifier (matches the key under providers.* in config).
	ID() string
	// Strategies returns the fallback chain in the order it should be tried.
	Strategies() []Strategy
}

// Registry manages the providers configured for this process. It is filled
// once at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
}

// Get returns a provider by id, or nil if not found.
func (r *Registry) Get(id string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[id]
}

// List returns all registered provider ids, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Select returns the registered providers among ids, keeping the order of
// ids and skipping unknown ones. An empty ids selects every provider.
func (r *Registry) Select(ids []string) []Provider {
	if len(ids) == 0 {
		ids = r.List()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if p, ok := r.providers[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, p)
		}
	}
	return out
}
