package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidJSON indicates the request body is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// knownWireFields are the top-level keys of the v1.0 wire schema. Any other
// top-level key is forward-compatible producer data and is preserved in
// Event.Metadata rather than rejected.
var knownWireFields = map[string]bool{
	"event_id":       true,
	"event_type":     true,
	"framework":      true,
	"test_id":        true,
	"test_name":      true,
	"timestamp":      true,
	"status":         true,
	"duration_ms":    true,
	"error_message":  true,
	"stack_trace":    true,
	"metadata":       true,
	"schema_version": true,
	"run_id":         true,
}

// wireEvent mirrors the JSON wire format. Kept private: callers go through
// Parse so that unknown-field preservation and timestamp stamping cannot be
// bypassed.
type wireEvent struct {
	EventType     string                 `json:"event_type"`
	Framework     string                 `json:"framework"`
	TestID        string                 `json:"test_id"`
	TestName      string                 `json:"test_name"`
	Timestamp     string                 `json:"timestamp"`
	Status        string                 `json:"status"`
	DurationMs    int                    `json:"duration_ms"`
	ErrorMessage  string                 `json:"error_message"`
	StackTrace    string                 `json:"stack_trace"`
	Metadata      map[string]interface{} `json:"metadata"`
	SchemaVersion string                 `json:"schema_version"`
	RunID         string                 `json:"run_id"`
}

// Parse decodes a single wire-format event and normalizes it into the
// canonical domain model.
//
// Normalization performed here:
//   - timestamps parsed as RFC 3339 and converted to UTC; a missing or
//     unparseable timestamp is stamped with receivedAt (UTC)
//   - schema_version defaults to "1.0"
//   - test_name defaults to the last "::" or "/" segment of test_id
//   - unknown top-level fields are preserved under Metadata
//
// Validation failures return an error wrapping one of the sentinel
// validation errors in this package; the HTTP layer maps them to 400-class
// responses.
func Parse(data []byte, receivedAt time.Time) (*Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err.Error())
	}

	// Second pass over raw keys to capture forward-compatible extras.
	// Decoding into RawMessage avoids re-deserializing known fields.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidJSON, err.Error())
	}

	evt := &Event{
		Type:          Type(strings.TrimSpace(wire.EventType)),
		Framework:     strings.TrimSpace(wire.Framework),
		TestID:        strings.TrimSpace(wire.TestID),
		TestName:      strings.TrimSpace(wire.TestName),
		Status:        Status(strings.ToLower(strings.TrimSpace(wire.Status))),
		DurationMs:    wire.DurationMs,
		ErrorMessage:  wire.ErrorMessage,
		StackTrace:    wire.StackTrace,
		Metadata:      wire.Metadata,
		SchemaVersion: wire.SchemaVersion,
		RunID:         strings.TrimSpace(wire.RunID),
	}

	if evt.Metadata == nil {
		evt.Metadata = make(map[string]interface{})
	}

	for key, value := range raw {
		if knownWireFields[key] {
			continue
		}

		var decoded interface{}
		if err := json.Unmarshal(value, &decoded); err != nil {
			// Preserve the raw text rather than dropping producer data.
			decoded = string(value)
		}

		evt.Metadata[key] = decoded
	}

	evt.Timestamp = parseTimestamp(wire.Timestamp, receivedAt)

	if evt.SchemaVersion == "" {
		evt.SchemaVersion = DefaultSchemaVersion
	}

	if evt.TestName == "" {
		evt.TestName = deriveTestName(evt.TestID)
	}

	if err := evt.Validate(); err != nil {
		return nil, err
	}

	return evt, nil
}

// parseTimestamp parses an RFC 3339 timestamp and normalizes to UTC.
// Missing or malformed timestamps are stamped on receipt: producers with
// skewed or absent clocks must not be able to reject-loop their events.
func parseTimestamp(value string, receivedAt time.Time) time.Time {
	if value == "" {
		return receivedAt.UTC()
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return receivedAt.UTC()
	}

	return ts.UTC()
}

// deriveTestName extracts a display name from a test_id.
// "tests/test_login.py::test_valid" -> "test_valid"
// "LoginSuite.Valid Login" -> "LoginSuite.Valid Login" (no separator).
func deriveTestName(testID string) string {
	if idx := strings.LastIndex(testID, "::"); idx != -1 {
		return testID[idx+2:]
	}

	if idx := strings.LastIndex(testID, "/"); idx != -1 && idx+1 < len(testID) {
		return testID[idx+1:]
	}

	return testID
}

// MarshalWire serializes an accepted event back to the wire format,
// including the server-assigned event_id. Used by the spill log and the
// replay tool, so the output must round-trip through Parse.
func (e *Event) MarshalWire() ([]byte, error) {
	doc := map[string]interface{}{
		"event_id":       e.ID,
		"event_type":     string(e.Type),
		"framework":      e.Framework,
		"test_id":        e.TestID,
		"test_name":      e.TestName,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"status":         string(e.Status),
		"duration_ms":    e.DurationMs,
		"error_message":  e.ErrorMessage,
		"stack_trace":    e.StackTrace,
		"schema_version": e.SchemaVersion,
		"run_id":         e.RunID,
	}

	if len(e.Metadata) > 0 {
		doc["metadata"] = e.Metadata
	}

	return json.Marshal(doc)
}
