// Package drift emits and records drift signals: notable changes in the
// observed behavior of the test suite. Three producers feed it: the flaky
// detector (flaky / deterministic transitions), the coverage graph
// (never-seen-before tests), and the confidence monitor (classification
// confidence drifting over its rolling window).
package drift

import (
	"time"

	"github.com/google/uuid"
)

type (
	// Type is the kind of drift a signal reports.
	Type string

	// Severity ranks a drift signal for triage.
	Severity string

	// Signal is one recorded drift observation.
	Signal struct {
		ID         uuid.UUID         `json:"id"`
		Type       Type              `json:"type"`
		Severity   Severity          `json:"severity"`
		TestID     string            `json:"test_id"`
		Framework  string            `json:"framework"`
		Message    string            `json:"message"`
		Detail     map[string]string `json:"detail,omitempty"`
		DetectedAt time.Time         `json:"detected_at"`
	}
)

const (
	// TypeFlaky marks a test transitioning to flaky or deterministic
	// failure behavior.
	TypeFlaky Type = "flaky"

	// TypeNewTest marks the first-ever observation of a test ID.
	TypeNewTest Type = "new_test"

	// TypeConfidenceDrift marks classification confidence moving away from
	// its baseline.
	TypeConfidenceDrift Type = "confidence_drift"
)

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for threshold comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityModerate:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether the severity meets the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.rank() >= threshold.rank()
}

// NewSignal constructs a drift signal stamped with the current time.
func NewSignal(sigType Type, severity Severity, testID, framework, message string) *Signal {
	return &Signal{
		ID:         uuid.New(),
		Type:       sigType,
		Severity:   severity,
		TestID:     testID,
		Framework:  framework,
		Message:    message,
		DetectedAt: time.Now().UTC(),
	}
}
