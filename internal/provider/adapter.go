package provider

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/model"
	"github.com/angleito/robustty/internal/resilience"
	"github.com/angleito/robustty/pkg/apierr"
)

// Adapter is the Provider implementation shared by every media source. It
// applies the provider's rate limiter to each live strategy and maps client
// errors onto the resilience taxonomy.
type Adapter struct {
	id         string
	strategies []Strategy
	limiter    *AdaptiveLimiter
}

// NewAdapter builds a provider from an ordered list of strategies. limiter
// may be nil.
func NewAdapter(id string, limiter *AdaptiveLimiter, strategies ...Strategy) *Adapter {
	a := &Adapter{id: id, limiter: limiter}
	for _, s := range strategies {
		if !s.CacheOnly() {
			s.Fetch = a.wrap(s.Name, s.Fetch)
		}
		a.strategies = append(a.strategies, s)
	}
	return a
}

// ID returns the provider identifier.
func (a *Adapter) ID() string { return a.id }

// Strategies returns the fallback chain.
func (a *Adapter) Strategies() []Strategy {
	out := make([]Strategy, len(a.strategies))
	copy(out, a.strategies)
	return out
}

// Limiter returns the provider's rate limiter, or nil.
func (a *Adapter) Limiter() *AdaptiveLimiter { return a.limiter }

func (a *Adapter) wrap(strategy string, fetch FetchFunc) FetchFunc {
	return func(ctx context.Context, q model.SearchQuery) ([]model.CandidateItem, error) {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				// The limiter refuses waits that would outlive the deadline.
				zap.L().Debug("provider: rate limiter wait exceeds deadline",
					zap.String("provider", a.id),
					zap.String("strategy", strategy),
				)
				return nil, context.DeadlineExceeded
			}
		}

		items, err := fetch(ctx, q)
		err = ClassifyClientError(a.id, err)
		if a.limiter != nil {
			switch {
			case err == nil:
				a.limiter.OnSuccess()
			case resilience.Classify(err) == resilience.KindQuota:
				a.limiter.OnRateLimit()
			}
		}
		if err != nil {
			return nil, err
		}
		return truncate(items, q.MaxResults), nil
	}
}

// ClassifyClientError converts API client errors into taxonomy errors.
// Errors that are already classified, and transport errors, pass through.
func ClassifyClientError(providerID string, err error) error {
	if err == nil {
		return nil
	}
	var se *apierr.StatusError
	if errors.As(err, &se) {
		return resilience.ClassifyHTTP(providerID, se.StatusCode, se.Body)
	}
	var de *apierr.DecodeError
	if errors.As(err, &de) {
		return &resilience.MalformedResponseError{Provider: providerID, Err: err}
	}
	return err
}

func truncate(items []model.CandidateItem, max int) []model.CandidateItem {
	if max > 0 && len(items) > max {
		return items[:max]
	}
	return items
}
