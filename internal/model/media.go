package model

import (
	"strings"
	"time"
)

// SearchQuery is a single inbound search request after normalization.
type SearchQuery struct {
	Text               string        `json:"text"`
	MaxResults         int           `json:"max_results"`
	RequestedProviders []string      `json:"requested_providers,omitempty"`
	TimeBudget         time.Duration `json:"time_budget"`
}

// NormalizedText returns the query text lowercased with whitespace collapsed.
// It is the form used for cache keys.
func (q SearchQuery) NormalizedText() string {
	return strings.Join(strings.Fields(strings.ToLower(q.Text)), " ")
}

// CandidateItem is a provider result in canonical form. Adapters produce it
// and nothing downstream modifies it.
type CandidateItem struct {
	ProviderID      string     `json:"provider_id"`
	ExternalID      string     `json:"external_id"`
	Title           string     `json:"title"`
	Author          string     `json:"author"`
	DurationSeconds int        `json:"duration_seconds"`
	ThumbnailURL    string     `json:"thumbnail_url,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	URL             string     `json:"url,omitempty"`
	ViewCount       int64      `json:"view_count,omitempty"`
	ChannelVerified bool       `json:"channel_verified,omitempty"`
}

// Key identifies an item within its provider.
func (c CandidateItem) Key() string {
	return c.ProviderID + ":" + c.ExternalID
}

// DeduplicationGroup holds near-duplicate candidates. Members includes the
// representative at index 0.
type DeduplicationGroup struct {
	Representative  CandidateItem   `json:"representative"`
	Members         []CandidateItem `json:"members"`
	Similarities    []float64       `json:"similarities"`
	SimilarityScore float64         `json:"similarity_score"`
}

// Providers returns the distinct provider ids represented in the group, in
// member order.
func (g DeduplicationGroup) Providers() []string {
	seen := make(map[string]bool, len(g.Members))
	var out []string
	for _, m := range g.Members {
		if !seen[m.ProviderID] {
			seen[m.ProviderID] = true
			out = append(out, m.ProviderID)
		}
	}
	return out
}

// Source chain labels recorded on results.
const (
	SourceCache       = "cache"
	SourceQueryCache  = "query-cache"
	SourceRefresh     = "refresh"
	StrategyPrimary   = "primary-api"
	StrategyScrape    = "secondary-scrape"
	StrategyFeed      = "secondary-feed"
	StrategyCacheOnly = "cached-only"
)

// RankedResult is the unit returned to callers.
type RankedResult struct {
	Item            CandidateItem   `json:"item"`
	CompositeScore  float64         `json:"composite_score"`
	IsStale         bool            `json:"is_stale"`
	SourceChainUsed string          `json:"source_chain_used"`
	Alternates      []CandidateItem `json:"alternates,omitempty"`
}
