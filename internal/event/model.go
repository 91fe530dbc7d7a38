// Package event provides the canonical execution event model for the
// CrossBridge observer.
//
// Every test framework adapter (pytest, selenium, robot, playwright, ...)
// emits events in this schema. Events are immutable once accepted by the
// ingest service; downstream components hold references only.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// Event represents a single test-execution event - Domain Model.
	//
	// This is a pure domain model without JSON tags. The API layer uses
	// the wire parser in this package (Parse) to map the JSON contract
	// to this domain type, preserving forward-compatible unknown fields
	// in Metadata.
	Event struct {
		// ID is the server-assigned event UUID. Empty until the ingest
		// service accepts the event.
		ID string

		// Type is the event kind: test_start, test_end, api_call,
		// ui_interaction, step, or keyword.
		Type Type

		// Framework identifies the producing test framework
		// (e.g. "pytest", "selenium", "robot"). Required.
		Framework string

		// TestID is the stable identifier of the test this event belongs to.
		// Examples: "tests/test_login.py::test_valid" (pytest),
		// "LoginSuite.Valid Login" (robot). Required.
		TestID string

		// TestName is the human-readable test name (optional; defaults to
		// the last path segment of TestID when absent).
		TestName string

		// Timestamp is when the event occurred, normalized to UTC.
		// Stamped on receipt when the producer omits it.
		Timestamp time.Time

		// Status is the test outcome for test_end events: passed, failed,
		// skipped, error. Empty for non-terminal event types.
		Status Status

		// DurationMs is the duration in milliseconds, 0 if not applicable.
		DurationMs int

		// ErrorMessage carries the failure message for failed/error events.
		ErrorMessage string

		// StackTrace carries the raw stack trace for failed/error events.
		StackTrace string

		// Metadata is a free-form key/value map. Well-known keys consumed
		// by the pipeline: api_calls, pages_visited, ui_components,
		// feature, logs, retries, retry_failures, retry_messages. Unknown
		// top-level wire fields are preserved here for forward
		// compatibility.
		Metadata map[string]interface{}

		// SchemaVersion is the wire schema version, default "1.0".
		SchemaVersion string

		// RunID is an opaque string grouping events from one run.
		RunID string
	}

	// Type represents the kind of execution event.
	Type string

	// Status represents valid test outcomes on terminal events.
	Status string
)

const (
	// TypeTestStart marks the beginning of a test execution.
	TypeTestStart Type = "test_start"

	// TypeTestEnd marks the end of a test execution and carries the outcome.
	// Only test_end events with a failed/error status enter classification.
	TypeTestEnd Type = "test_end"

	// TypeAPICall records an HTTP/API call observed during the test.
	TypeAPICall Type = "api_call"

	// TypeUIInteraction records a UI interaction (click, fill, select).
	TypeUIInteraction Type = "ui_interaction"

	// TypeStep records a generic test step.
	TypeStep Type = "step"

	// TypeKeyword records a Robot Framework keyword invocation.
	TypeKeyword Type = "keyword"
)

const (
	// StatusPassed indicates the test passed.
	StatusPassed Status = "passed"

	// StatusFailed indicates an assertion-level failure.
	StatusFailed Status = "failed"

	// StatusSkipped indicates the test was not executed.
	StatusSkipped Status = "skipped"

	// StatusError indicates a technical execution error.
	StatusError Status = "error"

	// StatusNone is the empty status carried by non-terminal events.
	StatusNone Status = ""
)

// DefaultSchemaVersion is stamped on events that omit schema_version.
const DefaultSchemaVersion = "1.0"

// Validation errors (static sentinel errors for errors.Is() checks).
var (
	// ErrNilEvent indicates a nil event was passed to validation.
	ErrNilEvent = errors.New("event cannot be nil")

	// ErrInvalidEventType indicates event_type is missing or unknown.
	ErrInvalidEventType = errors.New("invalid event_type")

	// ErrMissingFramework indicates framework is required.
	ErrMissingFramework = errors.New("framework is required")

	// ErrMissingTestID indicates test_id is required.
	ErrMissingTestID = errors.New("test_id is required")

	// ErrInvalidStatus indicates status is not a valid outcome.
	ErrInvalidStatus = errors.New("status must be one of: passed, failed, skipped, error, or empty")

	// ErrNegativeDuration indicates duration_ms cannot be negative.
	ErrNegativeDuration = errors.New("duration_ms cannot be negative")
)

// ValidTypes returns all valid event types.
func ValidTypes() []Type {
	return []Type{
		TypeTestStart,
		TypeTestEnd,
		TypeAPICall,
		TypeUIInteraction,
		TypeStep,
		TypeKeyword,
	}
}

// IsValid checks if the Type is a known event type.
func (t Type) IsValid() bool {
	for _, valid := range ValidTypes() {
		if t == valid {
			return true
		}
	}

	return false
}

// String returns the string representation of Type.
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the Status is a valid outcome (empty is valid on
// non-terminal events).
func (s Status) IsValid() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusError, StatusNone:
		return true
	default:
		return false
	}
}

// IsFailure returns true for outcomes that enter the classification path.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusError
}

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// Validate performs domain validation on the Event.
//
// Validation rules:
//   - event_type: required, must be a known type
//   - framework: required
//   - test_id: required
//   - status: must be a valid outcome (empty allowed)
//   - duration_ms: >= 0
//
// Timestamp normalization is the parser's responsibility, not validation's:
// an event with a zero timestamp is stamped on receipt, never rejected.
func (e *Event) Validate() error {
	if e == nil {
		return ErrNilEvent
	}

	if !e.Type.IsValid() {
		return fmt.Errorf(
			"%w: %q (valid: test_start, test_end, api_call, ui_interaction, step, keyword)",
			ErrInvalidEventType, e.Type,
		)
	}

	if strings.TrimSpace(e.Framework) == "" {
		return ErrMissingFramework
	}

	if strings.TrimSpace(e.TestID) == "" {
		return ErrMissingTestID
	}

	if !e.Status.IsValid() {
		return fmt.Errorf("%w: got %q", ErrInvalidStatus, e.Status)
	}

	if e.DurationMs < 0 {
		return fmt.Errorf("%w: got %d", ErrNegativeDuration, e.DurationMs)
	}

	return nil
}

// IsClassifiable returns true if this event should enter the failure
// classification path: a terminal test_end event with a failure outcome.
func (e *Event) IsClassifiable() bool {
	return e.Type == TypeTestEnd && e.Status.IsFailure()
}

// LogText builds the normalized log text used by signal extraction and
// rule matching: error message, stack trace, and any metadata log lines
// joined by newlines.
func (e *Event) LogText() string {
	parts := make([]string, 0, 3)

	if e.ErrorMessage != "" {
		parts = append(parts, e.ErrorMessage)
	}

	if e.StackTrace != "" {
		parts = append(parts, e.StackTrace)
	}

	if logs := e.Logs(); len(logs) > 0 {
		parts = append(parts, strings.Join(logs, "\n"))
	}

	return strings.Join(parts, "\n")
}
