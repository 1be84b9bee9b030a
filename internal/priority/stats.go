package priority

import (
	"context"
	"sync"

	"github.com/angleito/robustty/internal/model"
)

// Stats stores each provider's rolling window of samples.
type Stats interface {
	// Record appends s to the provider's window, keeping at most window samples.
	Record(ctx context.Context, providerID string, s model.Sample, window int) error
	// Samples returns the provider's window, oldest first.
	Samples(ctx context.Context, providerID string) ([]model.Sample, error)
	// Reset drops the provider's window.
	Reset(ctx context.Context, providerID string) error
}

// MemoryStats keeps windows in process memory with one lock per provider.
type MemoryStats struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	mu      sync.Mutex
	samples []model.Sample
}

// NewMemoryStats creates an empty in-memory store.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{windows: make(map[string]*window)}
}

func (m *MemoryStats) get(id string) *window {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		w = &window{}
		m.windows[id] = w
	}
	return w
}

// Record appends a sample.
func (m *MemoryStats) Record(_ context.Context, providerID string, s model.Sample, size int) error {
	w := m.get(providerID)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = trim(append(w.samples, s), size)
	return nil
}

// Samples returns a copy of the window.
func (m *MemoryStats) Samples(_ context.Context, providerID string) ([]model.Sample, error) {
	w := m.get(providerID)
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.Sample, len(w.samples))
	copy(out, w.samples)
	return out, nil
}

// Reset drops the window.
func (m *MemoryStats) Reset(_ context.Context, providerID string) error {
	w := m.get(providerID)
	w.mu.Lock()
	w.samples = nil
	w.mu.Unlock()
	return nil
}

func trim(samples []model.Sample, size int) []model.Sample {
	if size > 0 && len(samples) > size {
		return append([]model.Sample(nil), samples[len(samples)-size:]...)
	}
	return samples
}
