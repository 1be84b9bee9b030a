package search

import (
	"time"

	"github.com/angleito/robustty/internal/fallback"
	"github.com/angleito/robustty/internal/model"
)

// State is the lifecycle stage of one query.
type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateCollecting State = "collecting"
	StateMerging    State = "merging"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// ProviderOutcome summarises one provider's part in a query.
type ProviderOutcome struct {
	Provider string            `json:"provider"`
	Kind     model.OutcomeKind `json:"kind"`
	Source   string            `json:"source,omitempty"`
	Stale    bool              `json:"stale,omitempty"`
	Count    int               `json:"count"`
	Latency  time.Duration     `json:"latency"`
	Error    string            `json:"error,omitempty"`
	// Abandoned is set when the global deadline passed before the provider
	// answered.
	Abandoned bool               `json:"abandoned,omitempty"`
	Attempts  []fallback.Attempt `json:"attempts,omitempty"`
}

// Response is the answer to one query.
type Response struct {
	QueryID   string               `json:"query_id"`
	Query     string               `json:"query"`
	State     State                `json:"state"`
	Results   []model.RankedResult `json:"results"`
	Providers []ProviderOutcome    `json:"providers"`
	// Degraded is set when live providers produced nothing and the answer
	// came from the query-level cache.
	Degraded bool          `json:"degraded,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Observer receives per-provider and per-query outcomes.
type Observer interface {
	ProviderDone(provider string, kind model.OutcomeKind, latency time.Duration)
	QueryDone(state State, degraded bool, latency time.Duration)
}
