package models

import (
	"math"
	"time"
)

// minDuration is the span below which a rate is not computed
const minDuration = 1e-9

// Result is one immutable benchmark measurement
type Result struct {
	ID              int64     `json:"id" yaml:"id"`
	Model           string    `json:"model" yaml:"model"`
	TokensPerSecond float64   `json:"tokens_per_second" yaml:"tokens_per_second"`
	TotalTokens     int       `json:"total_tokens" yaml:"total_tokens"`
	DurationSeconds float64   `json:"duration_seconds" yaml:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp" yaml:"timestamp"`
	Success         bool      `json:"success" yaml:"success"`
	Error           string    `json:"error,omitempty" yaml:"error,omitempty"`
	SnapshotID      *int64    `json:"system_specs_id,omitempty" yaml:"system_specs_id,omitempty"`
}

// ResultWithSnapshot is a result joined with the snapshot it references.
// Snapshot is nil for results saved without one.
type ResultWithSnapshot struct {
	Result   `yaml:",inline"`
	Snapshot *Snapshot `json:"system_specs,omitempty" yaml:"system_specs,omitempty"`
}

// ParsedMetrics is the normalized outcome of one run's raw output
type ParsedMetrics struct {
	TokensPerSecond float64
	TotalTokens     int
	DurationSeconds float64
	Success         bool
	Error           string
}

// Rate returns tokens/seconds, or 0 when the duration is zero, negative,
// or too small to divide by.
func Rate(tokens int, seconds float64) float64 {
	if seconds < minDuration || math.IsNaN(seconds) || tokens <= 0 {
		return 0
	}
	return float64(tokens) / seconds
}

// FailedMetrics builds a failure outcome; rate and token count are always zero
func FailedMetrics(durationSeconds float64, msg string) ParsedMetrics {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	return ParsedMetrics{
		DurationSeconds: durationSeconds,
		Success:         false,
		Error:           msg,
	}
}

// NewResult converts parsed metrics into a result row for the given workload
func NewResult(model string, m ParsedMetrics, at time.Time) Result {
	r := Result{
		Model:           model,
		TokensPerSecond: m.TokensPerSecond,
		TotalTokens:     m.TotalTokens,
		DurationSeconds: m.DurationSeconds,
		Timestamp:       at.UTC(),
		Success:         m.Success,
	}
	if r.DurationSeconds < 0 {
		r.DurationSeconds = 0
	}
	if !r.Success {
		r.TokensPerSecond = 0
		r.TotalTokens = 0
		r.Error = m.Error
		if r.Error == "" {
			r.Error = "benchmark failed"
		}
	}
	return r
}

// Status returns the flat-file status label
func (r Result) Status() string {
	if r.Success {
		return "Success"
	}
	return "Failed"
}
