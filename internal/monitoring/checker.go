package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker polls provider health on an interval and posts alerts. A condition
// that persists across checks is posted once; it is posted again only after
// it clears and recurs.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	log       *zap.Logger

	mu     sync.Mutex
	active map[string]bool
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		active:    make(map[string]bool),
	}
}

// Interval returns the effective polling interval.
func (c *Checker) Interval() time.Duration { return c.interval }

// Run checks once immediately, then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.log.Info("starting provider health checker",
		zap.Duration("interval", c.interval),
		zap.Bool("webhook", c.alerter.cfg.WebhookURL != ""),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			c.log.Info("provider health checker stopped")
			return
		}
		c.Check(ctx)

		select {
		case <-ctx.Done():
			c.log.Info("provider health checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs one collection and sends the alerts that were not already
// active. It returns the alerts it sent.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		c.log.Error("monitoring: failed to collect provider health", zap.Error(err))
		return nil
	}

	fresh := c.transition(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		c.log.Debug("monitoring: no new alerts", zap.Int("healthy", snap.Healthy))
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	c.log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return fresh
}

// transition replaces the active set with alerts and returns the ones that
// were not active before.
func (c *Checker) transition(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		key := string(a.Type) + "/" + a.Provider
		next[key] = true
		if !c.active[key] {
			fresh = append(fresh, a)
		}
	}
	for key := range c.active {
		if !next[key] {
			c.log.Info("monitoring: alert cleared", zap.String("alert", key))
		}
	}
	c.active = next
	return fresh
}
