package model

import "time"

// OutcomeKind classifies how a provider call ended.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeFailure     OutcomeKind = "failure"
	OutcomeTimeout     OutcomeKind = "timeout"
	OutcomeQuota       OutcomeKind = "quota"
	OutcomeAuth        OutcomeKind = "auth"
	OutcomeCircuitOpen OutcomeKind = "circuit_open"
)

// Sample is one observation in a provider's rolling window.
type Sample struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	Kind    OutcomeKind   `json:"kind"`
	At      time.Time     `json:"at"`
}

// ProviderHealth is a point-in-time view of a provider's breaker state and
// rolling statistics.
type ProviderHealth struct {
	ProviderID          string        `json:"provider_id"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	SampleCount         int           `json:"sample_count"`
	SuccessRate         float64       `json:"success_rate"`
	AvgLatency          time.Duration `json:"avg_latency"`
	Score               float64       `json:"score"`
	LastOutcome         OutcomeKind   `json:"last_outcome,omitempty"`
	LastOutcomeAt       *time.Time    `json:"last_outcome_at,omitempty"`
	Disabled            bool          `json:"disabled,omitempty"`
	Samples             []Sample      `json:"samples,omitempty"`
}
