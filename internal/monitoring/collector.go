package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/resilience"
)

// HealthSource lists provider health snapshots. search.Service implements it.
type HealthSource interface {
	Health(ctx context.Context) ([]model.ProviderHealth, error)
}

// Snapshot holds a point-in-time view of provider health.
type Snapshot struct {
	Providers    []model.ProviderHealth `json:"providers"`
	OpenCircuits []string               `json:"open_circuits,omitempty"`
	Disabled     []string               `json:"disabled,omitempty"`
	// Healthy counts providers with a closed breaker that are not disabled.
	Healthy     int       `json:"healthy"`
	CollectedAt time.Time `json:"collected_at"`
}

// Collector gathers provider health into snapshots.
type Collector struct {
	source HealthSource
}

// NewCollector creates a new health collector.
func NewCollector(source HealthSource) *Collector {
	return &Collector{source: source}
}

// Collect gathers a snapshot of every provider's health.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	health, err := c.source.Health(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect provider health")
	}

	snap := &Snapshot{
		Providers:   health,
		CollectedAt: time.Now().UTC(),
	}
	for _, h := range health {
		switch {
		case h.Disabled:
			snap.Disabled = append(snap.Disabled, h.ProviderID)
		case h.State == resilience.CircuitOpen.String():
			snap.OpenCircuits = append(snap.OpenCircuits, h.ProviderID)
		case h.State == resilience.CircuitClosed.String():
			snap.Healthy++
		}
	}
	return snap, nil
}
