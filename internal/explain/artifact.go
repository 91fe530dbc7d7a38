package explain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxSummaryLines caps the plain-text artifact.
const maxSummaryLines = 40

// MarshalArtifact renders the compact JSON artifact for CI consumption.
// Identical explanations marshal to identical bytes: field order follows
// the struct definition and no timestamps are embedded.
func (e *Explanation) MarshalArtifact() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal explanation artifact: %w", err)
	}

	return data, nil
}

// TextSummary renders the plain-text artifact, capped at 40 lines.
// Identical explanations render identical text.
func (e *Explanation) TextSummary() string {
	var lines []string

	add := func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	add("failure %s", e.FailureID)
	add("test: %s (%s)", e.TestID, e.Framework)
	add("category: %s", e.Category)
	add("confidence: %.3f (raw %.3f)", e.FinalConfidence, e.RawConfidence)
	add("")
	add("rules:")

	for _, ri := range e.RuleInfluence {
		if ri.Matched {
			add("  [x] %s  contribution=%.3f  %s", ri.RuleID, ri.Contribution, ri.Explanation)
		} else {
			add("  [ ] %s  (did not match)", ri.RuleID)
		}
	}

	add("")
	add("signal quality (mean %.3f):", e.SignalQuality.Mean())
	add("  stacktrace_presence:     %.2f", e.SignalQuality.StacktracePresence)
	add("  error_message_stability: %.2f", e.SignalQuality.ErrorMessageStability)
	add("  retry_consistency:       %.2f", e.SignalQuality.RetryConsistency)
	add("  historical_frequency:    %.2f", e.SignalQuality.HistoricalFrequency)
	add("  cross_test_correlation:  %.2f", e.SignalQuality.CrossTestCorrelation)

	if e.Evidence.ErrorSummary != "" {
		add("")
		add("error: %s", e.Evidence.ErrorSummary)
	}

	if e.Evidence.StackTraceLine != "" {
		add("at: %s", e.Evidence.StackTraceLine)
	}

	if len(e.Evidence.SimilarFailures) > 0 {
		add("similar failures: %s", strings.Join(e.Evidence.SimilarFailures, ", "))
	}

	if len(e.Evidence.RelatedTests) > 0 {
		add("related tests: %s", strings.Join(e.Evidence.RelatedTests, ", "))
	}

	if e.AINote != "" {
		add("note: %s", e.AINote)
	}

	if len(lines) > maxSummaryLines {
		lines = lines[:maxSummaryLines]
	}

	return strings.Join(lines, "\n")
}
