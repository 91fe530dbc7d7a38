package signals

import (
	"regexp"
	"strings"
)

// Pattern-strength conventions across extractors: explicit pattern matches
// score 0.8-0.95, catch-alls 0.5.

// timeoutValueRe pulls the waited duration out of timeout messages like
// "waited 5s", "timeout of 30000ms exceeded", "timed out after 10 seconds".
var timeoutValueRe = regexp.MustCompile(`(?i)(?:waited|after|of)\s*(\d+)\s*(ms|milliseconds|s|sec|seconds)`)

// TimeoutExtractor detects generic wait/deadline expirations.
type TimeoutExtractor struct{}

// Name implements Extractor.
func (e *TimeoutExtractor) Name() string { return "timeout" }

// Priority implements Extractor.
func (e *TimeoutExtractor) Priority() int { return 10 }

// Extract implements Extractor.
func (e *TimeoutExtractor) Extract(text string) []Signal {
	patterns := []struct {
		pattern    string
		confidence float64
	}{
		{"TimeoutException", 0.9},
		{"TimeoutError", 0.9},
		{"deadline exceeded", 0.85},
		{"timed out", 0.85},
		{"timeout of", 0.8},
	}

	for _, p := range patterns {
		if !containsFold(text, p.pattern) {
			continue
		}

		sig := Signal{
			Type:       TypeTimeout,
			Confidence: p.confidence,
			Evidence:   matchingLine(text, p.pattern),
			Metadata:   map[string]string{},
		}

		if m := timeoutValueRe.FindStringSubmatch(text); m != nil {
			ms := m[1]
			if unit := strings.ToLower(m[2]); unit != "ms" && unit != "milliseconds" {
				ms += "000"
			}

			sig.Metadata["timeout_ms"] = ms
		}

		return []Signal{sig}
	}

	return nil
}

// assertionDiffRe captures expected/actual fragments for metadata.
var assertionDiffRe = regexp.MustCompile(`(?i)expected[:\s]+(\S[^,\n]{0,60}?)\s+(?:got|but was|actual)[:\s]+(\S[^,\n]{0,60})`)

// AssertionExtractor detects assertion-style failures.
type AssertionExtractor struct{}

// Name implements Extractor.
func (e *AssertionExtractor) Name() string { return "assertion" }

// Priority implements Extractor.
func (e *AssertionExtractor) Priority() int { return 20 }

// Extract implements Extractor.
func (e *AssertionExtractor) Extract(text string) []Signal {
	patterns := []struct {
		pattern    string
		confidence float64
	}{
		{"AssertionError", 0.95},
		{"assertion failed", 0.9},
		{"ComparisonFailure", 0.9},
		{"Should Be Equal", 0.85},
	}

	for _, p := range patterns {
		if !containsFold(text, p.pattern) {
			continue
		}

		sig := Signal{
			Type:       TypeAssertion,
			Confidence: p.confidence,
			Evidence:   matchingLine(text, p.pattern),
			Metadata:   map[string]string{},
		}

		if m := assertionDiffRe.FindStringSubmatch(text); m != nil {
			sig.Metadata["expected"] = strings.TrimSpace(m[1])
			sig.Metadata["actual"] = strings.TrimSpace(m[2])
		}

		return []Signal{sig}
	}

	return nil
}

// locatorTypeRe identifies the selector strategy in locator failures.
var locatorTypeRe = regexp.MustCompile(`(?i)\b(xpath|css selector|css|id|name|class name|link text|tag name)\b`)

// LocatorExtractor detects element-lookup failures in UI suites.
type LocatorExtractor struct{}

// Name implements Extractor.
func (e *LocatorExtractor) Name() string { return "locator" }

// Priority implements Extractor.
func (e *LocatorExtractor) Priority() int { return 30 }

// Extract implements Extractor.
func (e *LocatorExtractor) Extract(text string) []Signal {
	patterns := []struct {
		pattern    string
		confidence float64
	}{
		{"NoSuchElementException", 0.95},
		{"Unable to locate element", 0.9},
		{"ElementNotFoundException", 0.9},
		{"could not be found", 0.8},
	}

	for _, p := range patterns {
		if !containsFold(text, p.pattern) {
			continue
		}

		sig := Signal{
			Type:       TypeLocator,
			Confidence: p.confidence,
			Evidence:   matchingLine(text, p.pattern),
			Metadata:   map[string]string{},
		}

		if m := locatorTypeRe.FindStringSubmatch(text); m != nil {
			sig.Metadata["locator_type"] = strings.ToLower(m[1])
		}

		return []Signal{sig}
	}

	return nil
}

// httpStatusRe matches explicit HTTP status codes in failure text.
var httpStatusRe = regexp.MustCompile(`(?i)(?:status(?:[ _]code)?|HTTP(?:/[\d.]+)?)[ :=]+([45]\d\d)`)

// HTTPExtractor detects HTTP error responses and connection failures.
type HTTPExtractor struct{}

// Name implements Extractor.
func (e *HTTPExtractor) Name() string { return "http" }

// Priority implements Extractor.
func (e *HTTPExtractor) Priority() int { return 40 }

// Extract implements Extractor.
func (e *HTTPExtractor) Extract(text string) []Signal {
	var out []Signal

	if m := httpStatusRe.FindStringSubmatch(text); m != nil {
		out = append(out, Signal{
			Type:       TypeHTTPError,
			Confidence: 0.9,
			Evidence:   matchingLine(text, m[0]),
			Metadata:   map[string]string{"status_code": m[1]},
		})
	} else {
		for _, phrase := range []string{
			"500 Internal Server Error", "502 Bad Gateway",
			"503 Service Unavailable", "404 Not Found",
		} {
			if containsFold(text, phrase) {
				out = append(out, Signal{
					Type:       TypeHTTPError,
					Confidence: 0.85,
					Evidence:   matchingLine(text, phrase),
					Metadata:   map[string]string{"status_code": phrase[:3]},
				})

				break
			}
		}
	}

	for _, pattern := range []string{
		"connection refused", "connection reset", "ECONNREFUSED", "ECONNRESET", "broken pipe",
	} {
		if containsFold(text, pattern) {
			out = append(out, Signal{
				Type:       TypeConnectionError,
				Confidence: 0.9,
				Evidence:   matchingLine(text, pattern),
			})

			break
		}
	}

	return out
}

// InfraExtractor detects OS and runtime level failures: DNS, permissions,
// imports, memory, null pointers, missing files, syntax errors.
type InfraExtractor struct{}

// Name implements Extractor.
func (e *InfraExtractor) Name() string { return "infra" }

// Priority implements Extractor.
func (e *InfraExtractor) Priority() int { return 50 }

// Extract implements Extractor.
func (e *InfraExtractor) Extract(text string) []Signal {
	checks := []struct {
		sigType    Type
		confidence float64
		patterns   []string
	}{
		{TypeDNSError, 0.9, []string{"no such host", "name or service not known", "getaddrinfo", "NXDOMAIN"}},
		{TypePermissionError, 0.9, []string{"permission denied", "PermissionError", "EACCES"}},
		{TypeImportError, 0.9, []string{"ImportError", "ModuleNotFoundError", "cannot find module"}},
		{TypeMemoryError, 0.9, []string{"OutOfMemoryError", "MemoryError", "cannot allocate memory"}},
		{TypeNullPointer, 0.9, []string{"NullPointerException", "NoneType' object has no attribute", "nil pointer dereference"}},
		{TypeFileNotFound, 0.85, []string{"FileNotFoundError", "no such file or directory", "ENOENT"}},
		{TypeSyntaxError, 0.9, []string{"SyntaxError", "IndentationError"}},
	}

	var out []Signal

	for _, check := range checks {
		for _, pattern := range check.patterns {
			if containsFold(text, pattern) {
				out = append(out, Signal{
					Type:       check.sigType,
					Confidence: check.confidence,
					Evidence:   matchingLine(text, pattern),
				})

				break
			}
		}
	}

	return out
}

// SeleniumExtractor detects Selenium-specific UI failures beyond plain
// locator misses: explicit wait expiry, stale elements, dead browsers.
type SeleniumExtractor struct{}

// Name implements Extractor.
func (e *SeleniumExtractor) Name() string { return "selenium" }

// Priority implements Extractor.
func (e *SeleniumExtractor) Priority() int { return 60 }

// Extract implements Extractor.
func (e *SeleniumExtractor) Extract(text string) []Signal {
	var out []Signal

	if containsFold(text, "WebDriverWait") || (containsFold(text, "TimeoutException") && containsFold(text, "selenium")) {
		out = append(out, Signal{
			Type:       TypeUITimeout,
			Confidence: 0.85,
			Evidence:   matchingLine(text, "WebDriverWait"),
		})
	}

	if containsFold(text, "StaleElementReferenceException") {
		out = append(out, Signal{
			Type:       TypeUIStale,
			Confidence: 0.95,
			Evidence:   matchingLine(text, "StaleElementReferenceException"),
		})
	}

	for _, pattern := range []string{"chrome not reachable", "browser has closed", "SessionNotCreatedException"} {
		if containsFold(text, pattern) {
			out = append(out, Signal{
				Type:       TypeConnectionError,
				Confidence: 0.9,
				Evidence:   matchingLine(text, pattern),
				Metadata:   map[string]string{"component": "browser"},
			})

			break
		}
	}

	return out
}

// robotKeywordRe pulls the missing keyword name for metadata.
var robotKeywordRe = regexp.MustCompile(`No keyword with name '([^']+)'`)

// RobotExtractor detects Robot Framework keyword and library failures.
type RobotExtractor struct{}

// Name implements Extractor.
func (e *RobotExtractor) Name() string { return "robot" }

// Priority implements Extractor.
func (e *RobotExtractor) Priority() int { return 70 }

// Extract implements Extractor.
func (e *RobotExtractor) Extract(text string) []Signal {
	var out []Signal

	if containsFold(text, "No keyword with name") {
		sig := Signal{
			Type:       TypeKeywordNotFound,
			Confidence: 0.95,
			Evidence:   matchingLine(text, "No keyword with name"),
			Metadata:   map[string]string{},
		}

		if m := robotKeywordRe.FindStringSubmatch(text); m != nil {
			sig.Metadata["keyword"] = m[1]
		}

		out = append(out, sig)
	}

	if containsFold(text, "Importing library") || containsFold(text, "Importing test library") {
		out = append(out, Signal{
			Type:       TypeLibraryError,
			Confidence: 0.85,
			Evidence:   matchingLine(text, "Importing"),
		})
	}

	return out
}

// pytestFixtureRe pulls the fixture name for metadata.
var pytestFixtureRe = regexp.MustCompile(`(?i)fixture '([^']+)'`)

// PytestExtractor detects pytest fixture errors and pytest-style asserts.
type PytestExtractor struct{}

// Name implements Extractor.
func (e *PytestExtractor) Name() string { return "pytest" }

// Priority implements Extractor.
func (e *PytestExtractor) Priority() int { return 80 }

// Extract implements Extractor.
func (e *PytestExtractor) Extract(text string) []Signal {
	var out []Signal

	if containsFold(text, "fixture") && (containsFold(text, "error") || containsFold(text, "not found")) {
		sig := Signal{
			Type:       TypeFixtureError,
			Confidence: 0.85,
			Evidence:   matchingLine(text, "fixture"),
			Metadata:   map[string]string{},
		}

		if m := pytestFixtureRe.FindStringSubmatch(text); m != nil {
			sig.Metadata["fixture"] = m[1]
		}

		out = append(out, sig)
	}

	// "E   assert" is pytest's rewritten-assert marker. Only emit when the
	// assertion extractor's stronger AssertionError pattern is absent.
	if strings.Contains(text, "E   assert") && !containsFold(text, "AssertionError") {
		out = append(out, Signal{
			Type:       TypeAssertion,
			Confidence: 0.85,
			Evidence:   matchingLine(text, "E   assert"),
		})
	}

	return out
}

// CompositeExtractor is the catch-all fallback. It runs only when no other
// extractor produced a signal and tags the first error-looking line as
// UNKNOWN evidence at catch-all confidence.
type CompositeExtractor struct{}

// Name implements Extractor.
func (e *CompositeExtractor) Name() string { return "composite" }

// Priority implements Extractor.
func (e *CompositeExtractor) Priority() int { return 1000 }

// Extract implements Extractor.
func (e *CompositeExtractor) Extract(text string) []Signal {
	for _, pattern := range []string{"exception", "error", "failed", "failure"} {
		if containsFold(text, pattern) {
			return []Signal{{
				Type:       TypeUnknown,
				Confidence: 0.5,
				Evidence:   matchingLine(text, pattern),
			}}
		}
	}

	return nil
}
