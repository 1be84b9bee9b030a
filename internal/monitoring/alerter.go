package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/angleito/robustty/internal/config"
	"github.com/angleito/robustty/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertCircuitOpen      AlertType = "circuit_open"
	AlertProviderDisabled AlertType = "provider_disabled"
	AlertLowSuccessRate   AlertType = "low_success_rate"
	AlertAllProvidersDown AlertType = "all_providers_down"
)

// webhookRetry retries a failed delivery once.
var webhookRetry = resilience.RetryConfig{
	MaxAttempts:    2,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     time.Second,
}

// minAlertSamples is the window size below which success rates are not
// alerted on.
const minAlertSamples = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Provider  string         `json:"provider,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  webhookRetry,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if len(snap.Providers) > 0 && snap.Healthy == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertAllProvidersDown,
			Severity: "critical",
			Message:  fmt.Sprintf("no healthy providers out of %d; queries are served from cache only", len(snap.Providers)),
			Details: map[string]any{
				"open_circuits": snap.OpenCircuits,
				"disabled":      snap.Disabled,
			},
			Timestamp: now,
		})
	}

	for _, h := range snap.Providers {
		switch {
		case h.Disabled:
			alerts = append(alerts, Alert{
				Type:      AlertProviderDisabled,
				Severity:  "high",
				Provider:  h.ProviderID,
				Message:   fmt.Sprintf("provider %s disabled after an authorization failure", h.ProviderID),
				Timestamp: now,
			})
		case h.State == resilience.CircuitOpen.String():
			details := map[string]any{"consecutive_failures": h.ConsecutiveFailures}
			if h.OpenedAt != nil {
				details["opened_at"] = h.OpenedAt.UTC()
			}
			alerts = append(alerts, Alert{
				Type:      AlertCircuitOpen,
				Severity:  "medium",
				Provider:  h.ProviderID,
				Message:   fmt.Sprintf("provider %s circuit open after %d consecutive failures", h.ProviderID, h.ConsecutiveFailures),
				Details:   details,
				Timestamp: now,
			})
		}

		if h.SampleCount >= minAlertSamples && h.SuccessRate < a.cfg.SuccessRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertLowSuccessRate,
				Severity: "medium",
				Provider: h.ProviderID,
				Message: fmt.Sprintf(
					"provider %s success rate %.1f%% below threshold %.1f%% over %d calls",
					h.ProviderID, h.SuccessRate*100, a.cfg.SuccessRateThreshold*100, h.SampleCount,
				),
				Details: map[string]any{
					"success_rate": h.SuccessRate,
					"threshold":    a.cfg.SuccessRateThreshold,
					"samples":      h.SampleCount,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// SendAlerts posts each alert to the webhook, retrying transient failures.
// It returns the number delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			log.Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("provider", alert.Provider),
				zap.Error(err),
			)
			continue
		}
		log.Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("provider", alert.Provider),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "robustty-alerter")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return resilience.ClassifyHTTP("webhook", resp.StatusCode, string(body))
}
