// Package signals provides typed-signal extraction from failure log text.
//
// A signal is a confidence-weighted piece of evidence (timeout, assertion,
// locator failure, HTTP error, ...) extracted by scanning the normalized
// log text of a failed test. Extractors are pure functions over the text:
// they never mutate input and never see each other's output.
package signals

import "strings"

type (
	// Type is the kind of evidence a signal carries.
	Type string

	// Signal is one typed, confidence-weighted piece of evidence.
	Signal struct {
		// Type is the signal kind.
		Type Type

		// Confidence is the extractor's pattern strength in [0,1]:
		// 0.8-0.95 for explicit pattern matches, 0.5 for catch-alls.
		Confidence float64

		// Evidence is the shortest disambiguating substring of the log
		// text, capped at 150 characters.
		Evidence string

		// Metadata carries type-specific attributes: locator_type,
		// status_code, timeout_ms, keyword, fixture, etc.
		Metadata map[string]string
	}
)

const (
	TypeTimeout         Type = "TIMEOUT"
	TypeAssertion       Type = "ASSERTION"
	TypeLocator         Type = "LOCATOR"
	TypeHTTPError       Type = "HTTP_ERROR"
	TypeConnectionError Type = "CONNECTION_ERROR"
	TypeDNSError        Type = "DNS_ERROR"
	TypePermissionError Type = "PERMISSION_ERROR"
	TypeImportError     Type = "IMPORT_ERROR"
	TypeMemoryError     Type = "MEMORY_ERROR"
	TypeNullPointer     Type = "NULL_POINTER"
	TypeFileNotFound    Type = "FILE_NOT_FOUND"
	TypeSyntaxError     Type = "SYNTAX_ERROR"
	TypeUITimeout       Type = "UI_TIMEOUT"
	TypeUIStale         Type = "UI_STALE"
	TypeKeywordNotFound Type = "KEYWORD_NOT_FOUND"
	TypeLibraryError    Type = "LIBRARY_ERROR"
	TypeFixtureError    Type = "FIXTURE_ERROR"
	TypeUnknown         Type = "UNKNOWN"
)

// maxEvidenceLen caps evidence strings. Longer matches are truncated at a
// rune boundary so the evidence stays valid UTF-8.
const maxEvidenceLen = 150

// String returns the string representation of Type.
func (t Type) String() string {
	return string(t)
}

// Evidences joins the evidence strings of a signal list, newline-separated.
// Used by the classifier to build its match text.
func Evidences(sigs []Signal) string {
	if len(sigs) == 0 {
		return ""
	}

	parts := make([]string, 0, len(sigs))
	for _, s := range sigs {
		if s.Evidence != "" {
			parts = append(parts, s.Evidence)
		}
	}

	return strings.Join(parts, "\n")
}

// clipEvidence trims a match to the evidence cap at a rune boundary.
func clipEvidence(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxEvidenceLen {
		return s
	}

	runes := []rune(s)
	if len(runes) > maxEvidenceLen {
		runes = runes[:maxEvidenceLen]
	}

	return string(runes)
}

// matchingLine returns the first line of text containing the pattern
// (case-insensitive), clipped to the evidence cap. Falls back to the
// pattern itself when the text is a single unbroken blob.
func matchingLine(text, pattern string) string {
	lowerPattern := strings.ToLower(pattern)

	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(strings.ToLower(line), lowerPattern) {
			return clipEvidence(line)
		}
	}

	return clipEvidence(pattern)
}

// containsFold reports a case-insensitive substring match.
func containsFold(text, pattern string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(pattern))
}
