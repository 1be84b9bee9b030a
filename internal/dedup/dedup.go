// Package dedup groups near-identical candidates returned by different
// providers.
package dedup

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/model"
)

// neutral is the contribution of a feature that one side does not report.
const neutral = 0.5

// Config holds the similarity weights and limits.
type Config struct {
	TitleWeight           float64
	DurationWeight        float64
	ChannelWeight         float64
	Threshold             float64
	DurationToleranceSecs int
	MaxComparisonPairs    int
	MaxDuplicatesPerGroup int
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		TitleWeight:           0.6,
		DurationWeight:        0.25,
		ChannelWeight:         0.15,
		Threshold:             0.8,
		DurationToleranceSecs: 10,
		MaxComparisonPairs:    5000,
		MaxDuplicatesPerGroup: 3,
	}
}

// FromConfig converts the dedup section of the application config.
func FromConfig(c config.DedupConfig) Config {
	return Config{
		TitleWeight:           c.TitleWeight,
		DurationWeight:        c.DurationWeight,
		ChannelWeight:         c.ChannelWeight,
		Threshold:             c.OverallThreshold,
		DurationToleranceSecs: c.DurationToleranceSecs,
		MaxComparisonPairs:    c.MaxComparisonPairs,
		MaxDuplicatesPerGroup: c.MaxDuplicatesPerGroup,
	}
}

// Scorer gives the provisional quality used to pick representatives.
type Scorer func(model.CandidateItem) float64

// Deduplicator groups candidates. It holds no per-call state.
type Deduplicator struct {
	cfg    Config
	scorer Scorer
}

// New creates a Deduplicator. A nil scorer keeps the input order.
func New(cfg Config, scorer Scorer) *Deduplicator {
	return &Deduplicator{cfg: cfg, scorer: scorer}
}

// Similarity returns the weighted similarity of a and b in [0, 1].
func (d *Deduplicator) Similarity(a, b model.CandidateItem) float64 {
	if a.ProviderID == b.ProviderID && a.ExternalID != "" && a.ExternalID == b.ExternalID {
		return 1
	}

	total := d.cfg.TitleWeight + d.cfg.DurationWeight + d.cfg.ChannelWeight
	if total <= 0 {
		return 0
	}
	sim := d.cfg.TitleWeight*TextSimilarity(a.Title, b.Title) +
		d.cfg.DurationWeight*d.durationSimilarity(a.DurationSeconds, b.DurationSeconds) +
		d.cfg.ChannelWeight*channelSimilarity(a.Author, b.Author)
	return sim / total
}

func (d *Deduplicator) durationSimilarity(a, b int) float64 {
	if a <= 0 || b <= 0 {
		return neutral
	}
	diff := math.Abs(float64(a - b))
	tol := float64(d.cfg.DurationToleranceSecs)
	if tol <= 0 {
		if diff == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-diff/tol)
}

func channelSimilarity(a, b string) float64 {
	if Normalize(a) == "" || Normalize(b) == "" {
		return neutral
	}
	return TextSimilarity(a, b)
}

// Group partitions items into near-duplicate groups. Items are visited in
// descending provisional quality, so each group's representative is its
// best member. An item joins the group whose representative it most
// resembles, provided the similarity reaches the threshold. Once the
// comparison budget is spent, remaining items form singleton groups.
// Groups are returned in representative order.
func (d *Deduplicator) Group(items []model.CandidateItem) []model.DeduplicationGroup {
	order := d.order(items)

	type building struct {
		members []model.CandidateItem
		sims    []float64
	}
	var groups []*building
	pairs := 0
	capped := false

	for _, idx := range order {
		it := items[idx]
		best, bestSim := -1, 0.0
		for g, grp := range groups {
			if d.cfg.MaxComparisonPairs > 0 && pairs >= d.cfg.MaxComparisonPairs {
				capped = true
				break
			}
			pairs++
			sim := d.Similarity(grp.members[0], it)
			if sim >= d.cfg.Threshold && sim > bestSim {
				best, bestSim = g, sim
			}
		}
		if best < 0 {
			groups = append(groups, &building{members: []model.CandidateItem{it}, sims: []float64{1}})
			continue
		}
		groups[best].members = append(groups[best].members, it)
		groups[best].sims = append(groups[best].sims, bestSim)
	}

	if capped {
		zap.L().Debug("dedup: comparison budget exhausted",
			zap.Int("items", len(items)),
			zap.Int("pairs", pairs),
		)
	}

	out := make([]model.DeduplicationGroup, 0, len(groups))
	for _, g := range groups {
		members, sims := d.limit(g.members, g.sims)
		score := 1.0
		for _, s := range sims[1:] {
			score = math.Min(score, s)
		}
		out = append(out, model.DeduplicationGroup{
			Representative:  members[0],
			Members:         members,
			Similarities:    sims,
			SimilarityScore: score,
		})
	}
	return out
}

// order returns item indices by descending provisional quality; ties keep
// input order.
func (d *Deduplicator) order(items []model.CandidateItem) []int {
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	if d.scorer == nil {
		return idx
	}
	scores := make([]float64, len(items))
	for i, it := range items {
		scores[i] = d.scorer(it)
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx
}

// limit keeps the representative plus at most MaxDuplicatesPerGroup other
// members, taking one member per provider not yet represented before any
// second member of a provider.
func (d *Deduplicator) limit(members []model.CandidateItem, sims []float64) ([]model.CandidateItem, []float64) {
	maxDup := d.cfg.MaxDuplicatesPerGroup
	if maxDup <= 0 || len(members)-1 <= maxDup {
		return members, sims
	}

	keep := make([]bool, len(members))
	keep[0] = true
	seen := map[string]bool{members[0].ProviderID: true}
	kept := 0
	for i := 1; i < len(members) && kept < maxDup; i++ {
		if !seen[members[i].ProviderID] {
			seen[members[i].ProviderID] = true
			keep[i] = true
			kept++
		}
	}
	for i := 1; i < len(members) && kept < maxDup; i++ {
		if !keep[i] {
			keep[i] = true
			kept++
		}
	}

	outM := make([]model.CandidateItem, 0, maxDup+1)
	outS := make([]float64, 0, maxDup+1)
	for i, k := range keep {
		if k {
			outM = append(outM, members[i])
			outS = append(outS, sims[i])
		}
	}
	return outM, outS
}
