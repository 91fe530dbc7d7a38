package explain

import (
	"regexp"
	"strings"

	"github.com/crossbridge-io/crossbridge/internal/event"
)

const (
	// maxSummaryLen caps every single-line evidence summary.
	maxSummaryLen = 150

	// maxErrorLogs caps how many recent ERROR/WARN log lines are kept.
	maxErrorLogs = 5

	// maxLinkedIDs caps the similar-failure and related-test lists.
	maxLinkedIDs = 10
)

// Noise patterns stripped from evidence summaries so that identical
// failures produce identical evidence across runs.
var (
	timestampRe = regexp.MustCompile(
		`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	hexAddrRe = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	uuidRe    = regexp.MustCompile(
		`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	multiSpaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// buildEvidence assembles the compact evidence context: summaries only,
// never raw log text.
func buildEvidence(evt *event.Event, hist History) EvidenceContext {
	return EvidenceContext{
		StackTraceLine:  lastStackLine(evt.StackTrace),
		ErrorSummary:    summarize(evt.ErrorMessage),
		RecentErrorLogs: recentErrorLogs(evt.Logs()),
		SimilarFailures: capStrings(hist.SimilarFailures, maxLinkedIDs),
		RelatedTests:    capStrings(hist.RelatedTests, maxLinkedIDs),
	}
}

// stripNoise removes timestamps, hex addresses, and UUIDs, then collapses
// runs of whitespace left behind.
func stripNoise(s string) string {
	s = timestampRe.ReplaceAllString(s, "")
	s = hexAddrRe.ReplaceAllString(s, "")
	s = uuidRe.ReplaceAllString(s, "")
	s = multiSpaceRe.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}

// summarize noise-strips a message and clips it to the summary cap at a
// rune boundary.
func summarize(s string) string {
	s = stripNoise(s)
	if len(s) <= maxSummaryLen {
		return s
	}

	runes := []rune(s)
	if len(runes) > maxSummaryLen {
		runes = runes[:maxSummaryLen]
	}

	return string(runes)
}

// lastStackLine returns the last meaningful line of the stack trace.
func lastStackLine(trace string) string {
	lines := strings.Split(trace, "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return summarize(line)
		}
	}

	return ""
}

// recentErrorLogs keeps the last maxErrorLogs lines carrying an ERROR or
// WARN marker, summarized.
func recentErrorLogs(logs []string) []string {
	var matched []string

	for _, line := range logs {
		upper := strings.ToUpper(line)
		if strings.Contains(upper, "ERROR") || strings.Contains(upper, "WARN") {
			matched = append(matched, summarize(line))
		}
	}

	if len(matched) > maxErrorLogs {
		matched = matched[len(matched)-maxErrorLogs:]
	}

	return matched
}

func capStrings(in []string, limit int) []string {
	if len(in) <= limit {
		return in
	}

	return in[:limit]
}
