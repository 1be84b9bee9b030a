// Package ranking scores candidates by composite quality and orders the final
// result list.
package ranking

import (
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/dedup"
	"github.com/angleito/robustty/internal/model"
)

// Feature names used in component breakdowns.
const (
	FeaturePlatform   = "platform"
	FeatureMetadata   = "metadata"
	FeatureContent    = "content"
	FeatureAuthor     = "author"
	FeatureEngagement = "engagement"
	FeatureFreshness  = "freshness"
)

// maxLogViews is the log10 view count that earns full engagement credit.
const maxLogViews = 9.0

// unknownPlatform is the platform weight of a provider with no configured weight.
const unknownPlatform = 0.5

// Weights are the per-feature weights of the composite score.
type Weights struct {
	Platform   float64
	Metadata   float64
	Content    float64
	Author     float64
	Engagement float64
	Freshness  float64
}

// Sum returns the total of all feature weights.
func (w Weights) Sum() float64 {
	return w.Platform + w.Metadata + w.Content + w.Author + w.Engagement + w.Freshness
}

// Config holds the ranker settings.
type Config struct {
	Weights           Weights
	PlatformWeights   map[string]float64
	FreshnessHalfLife time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Platform:   0.15,
			Metadata:   0.15,
			Content:    0.30,
			Author:     0.15,
			Engagement: 0.15,
			Freshness:  0.10,
		},
		PlatformWeights: map[string]float64{
			"youtube":  1.0,
			"odysee":   0.85,
			"peertube": 0.8,
			"rumble":   0.75,
		},
		FreshnessHalfLife: 365 * 24 * time.Hour,
	}
}

// FromConfig converts the ranking section of the application config.
func FromConfig(c config.RankingConfig) Config {
	pw := make(map[string]float64, len(c.PlatformWeights))
	for k, v := range c.PlatformWeights {
		pw[strings.ToLower(k)] = v
	}
	return Config{
		Weights: Weights{
			Platform:   c.Weights.Platform,
			Metadata:   c.Weights.Metadata,
			Content:    c.Weights.Content,
			Author:     c.Weights.Author,
			Engagement: c.Weights.Engagement,
			Freshness:  c.Weights.Freshness,
		},
		PlatformWeights:   pw,
		FreshnessHalfLife: time.Duration(c.FreshnessHalfLifeDays * float64(24*time.Hour)),
	}
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithClock overrides the time source used for freshness.
func WithClock(now func() time.Time) Option {
	return func(r *Ranker) { r.nowFunc = now }
}

// Ranker computes composite quality scores. It is stateless and safe for
// concurrent use.
type Ranker struct {
	cfg     Config
	nowFunc func() time.Time
}

// New creates a Ranker.
func New(cfg Config, opts ...Option) *Ranker {
	r := &Ranker{cfg: cfg, nowFunc: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Features returns each feature value in [0, 1] for item against q.
func (r *Ranker) Features(q model.SearchQuery, item model.CandidateItem) map[string]float64 {
	return map[string]float64{
		FeaturePlatform:   r.platform(item.ProviderID),
		FeatureMetadata:   metadataCompleteness(item),
		FeatureContent:    relevance(q.Text, item),
		FeatureAuthor:     authority(item),
		FeatureEngagement: engagement(item.ViewCount),
		FeatureFreshness:  r.freshness(item.PublishedAt),
	}
}

// Score returns the composite quality of item for q, normalized by the
// weight sum into [0, 1].
func (r *Ranker) Score(q model.SearchQuery, item model.CandidateItem) float64 {
	w := r.cfg.Weights
	sum := w.Sum()
	if sum <= 0 {
		return 0
	}
	f := r.Features(q, item)
	total := w.Platform*f[FeaturePlatform] +
		w.Metadata*f[FeatureMetadata] +
		w.Content*f[FeatureContent] +
		w.Author*f[FeatureAuthor] +
		w.Engagement*f[FeatureEngagement] +
		w.Freshness*f[FeatureFreshness]
	return total / sum
}

// Scorer binds the ranker to q for use as the deduplicator's provisional
// quality function.
func (r *Ranker) Scorer(q model.SearchQuery) dedup.Scorer {
	return func(item model.CandidateItem) float64 {
		return r.Score(q, item)
	}
}

// Provenance records how a provider's items were obtained.
type Provenance struct {
	Source string
	Stale  bool
}

// Input is everything Rank needs to order one query's groups.
type Input struct {
	Query  model.SearchQuery
	Groups []model.DeduplicationGroup
	// ProviderRank is the prioritization position of each provider; lower
	// ranks first on equal scores.
	ProviderRank map[string]int
	// Discovery is the first-seen index of each item, keyed by
	// CandidateItem.Key.
	Discovery  map[string]int
	Provenance map[string]Provenance
}

// Rank scores each group's representative and returns the results sorted by
// composite score descending, then provider rank, then discovery order,
// bounded by the query's MaxResults.
func (r *Ranker) Rank(in Input) []model.RankedResult {
	type scored struct {
		result    model.RankedResult
		provider  int
		discovery int
	}

	list := make([]scored, 0, len(in.Groups))
	for _, g := range in.Groups {
		rep := g.Representative
		prov := in.Provenance[rep.ProviderID]
		list = append(list, scored{
			result: model.RankedResult{
				Item:            rep,
				CompositeScore:  r.Score(in.Query, rep),
				IsStale:         prov.Stale,
				SourceChainUsed: prov.Source,
				Alternates:      alternates(g),
			},
			provider:  lookup(in.ProviderRank, rep.ProviderID),
			discovery: lookup(in.Discovery, rep.Key()),
		})
	}

	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.result.CompositeScore != b.result.CompositeScore {
			return a.result.CompositeScore > b.result.CompositeScore
		}
		if a.provider != b.provider {
			return a.provider < b.provider
		}
		return a.discovery < b.discovery
	})

	if n := in.Query.MaxResults; n > 0 && len(list) > n {
		list = list[:n]
	}
	out := make([]model.RankedResult, len(list))
	for i, s := range list {
		out[i] = s.result
	}

	zap.L().Debug("ranking: ranked results",
		zap.Int("groups", len(in.Groups)),
		zap.Int("returned", len(out)),
	)
	return out
}

// alternates returns the group's other members on platforms other than the
// representative's.
func alternates(g model.DeduplicationGroup) []model.CandidateItem {
	var out []model.CandidateItem
	for _, m := range g.Members {
		if m.ProviderID != g.Representative.ProviderID {
			out = append(out, m)
		}
	}
	return out
}

func lookup(m map[string]int, key string) int {
	if v, ok := m[key]; ok {
		return v
	}
	return math.MaxInt32
}

func (r *Ranker) platform(id string) float64 {
	w, ok := r.cfg.PlatformWeights[id]
	if !ok {
		return unknownPlatform
	}
	return clamp(w)
}

// metadataCompleteness is the fraction of descriptive fields present.
func metadataCompleteness(item model.CandidateItem) float64 {
	fields := []bool{
		strings.TrimSpace(item.Title) != "",
		strings.TrimSpace(item.Author) != "",
		item.DurationSeconds > 0,
		item.ThumbnailURL != "",
		item.PublishedAt != nil,
		item.URL != "",
	}
	n := 0
	for _, ok := range fields {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(fields))
}

// relevance is the share of query tokens found in the title, with full credit
// when the title contains the whole query as a phrase. Tokens found only in
// the author name earn half credit.
func relevance(query string, item model.CandidateItem) float64 {
	nq := dedup.Normalize(query)
	if nq == "" {
		return 0.5
	}
	title := dedup.Normalize(item.Title)
	if strings.Contains(" "+title+" ", " "+nq+" ") {
		return 1
	}

	titleTokens := tokenSet(title)
	authorTokens := tokenSet(dedup.Normalize(item.Author))
	qTokens := strings.Fields(nq)
	var hits float64
	for _, t := range qTokens {
		switch {
		case titleTokens[t]:
			hits++
		case authorTokens[t]:
			hits += 0.5
		}
	}
	return hits / float64(len(qTokens))
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(s)
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func authority(item model.CandidateItem) float64 {
	switch {
	case item.ChannelVerified:
		return 1
	case strings.TrimSpace(item.Author) != "":
		return 0.5
	default:
		return 0
	}
}

// engagement maps views onto a log scale, reaching 1 at a billion views.
func engagement(views int64) float64 {
	if views <= 0 {
		return 0
	}
	return clamp(math.Log10(float64(views)+1) / maxLogViews)
}

// freshness halves every half-life. Unknown publish dates are neutral.
func (r *Ranker) freshness(published *time.Time) float64 {
	if published == nil {
		return 0.5
	}
	age := r.nowFunc().Sub(*published)
	if age <= 0 {
		return 1
	}
	if r.cfg.FreshnessHalfLife <= 0 {
		return 0.5
	}
	return math.Pow(0.5, float64(age)/float64(r.cfg.FreshnessHalfLife))
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
