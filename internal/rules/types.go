// Package rules provides classification rule packs and the hot-reloadable
// registry that serves them to the deterministic classifier.
//
// A rule pack is an ordered set of rules for one framework. Packs load with
// priority fallback: inline rules in the unified config win, then the
// framework-specific file under rules/, then the generic fallback file.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type (
	// FailureType is the classification category a rule assigns.
	FailureType string

	// Rule is a single classification rule.
	//
	// A rule matches a failure's log text iff at least one MatchAny pattern
	// is present, every RequiresAll pattern is present, and no Excludes
	// pattern is present. Patterns are case-insensitive substrings unless
	// prefixed with "re:", in which case the remainder is compiled as a
	// regular expression at load time.
	Rule struct {
		ID          string   `yaml:"id"`
		Description string   `yaml:"description"`
		MatchAny    []string `yaml:"match_any"`
		RequiresAll []string `yaml:"requires_all"`
		Excludes    []string `yaml:"excludes"`
		FailureType string   `yaml:"failure_type"`
		Confidence  float64  `yaml:"confidence"`
		Priority    int      `yaml:"priority"`

		// compiled regex patterns, populated by compile() at load time.
		matchAnyRe    []*regexp.Regexp
		requiresAllRe []*regexp.Regexp
		excludesRe    []*regexp.Regexp
	}

	// Pack is an ordered set of rules for one framework. Rules are sorted
	// by (priority, id) at load time so iteration order is deterministic.
	Pack struct {
		Framework string  `yaml:"framework"`
		Version   string  `yaml:"version"`
		Rules     []*Rule `yaml:"rules"`
	}
)

const (
	// FailureProductDefect indicates an application bug.
	FailureProductDefect FailureType = "PRODUCT_DEFECT"

	// FailureAutomationDefect indicates a test or automation script bug.
	FailureAutomationDefect FailureType = "AUTOMATION_DEFECT"

	// FailureEnvironmentIssue indicates a network/OS/infrastructure problem.
	FailureEnvironmentIssue FailureType = "ENVIRONMENT_ISSUE"

	// FailureConfigurationIssue indicates a misconfiguration.
	FailureConfigurationIssue FailureType = "CONFIGURATION_ISSUE"

	// FailureUnknown indicates no rule matched with sufficient evidence.
	FailureUnknown FailureType = "UNKNOWN"

	// FailureError is the sentinel category returned when classification
	// itself failed internally. Classification never raises; see classifier.
	FailureError FailureType = "ERROR"
)

// regexPrefix marks a pattern as a regular expression rather than a
// case-insensitive substring.
const regexPrefix = "re:"

// Rule validation errors. Invalid rules are skipped with a warning at load
// time, never fatal (RuleParseError taxonomy).
var (
	// ErrRuleIDEmpty indicates a rule without a stable id.
	ErrRuleIDEmpty = errors.New("rule id cannot be empty")

	// ErrRuleNoPatterns indicates a rule with an empty match_any list.
	ErrRuleNoPatterns = errors.New("rule match_any cannot be empty")

	// ErrRuleInvalidFailureType indicates an unknown failure_type value.
	ErrRuleInvalidFailureType = errors.New(
		"failure_type must be one of: PRODUCT_DEFECT, AUTOMATION_DEFECT, ENVIRONMENT_ISSUE, CONFIGURATION_ISSUE, UNKNOWN",
	)

	// ErrRuleConfidenceRange indicates confidence outside [0,1].
	ErrRuleConfidenceRange = errors.New("rule confidence must be in [0,1]")

	// ErrRuleBadRegex indicates an uncompilable re: pattern.
	ErrRuleBadRegex = errors.New("invalid regex pattern")
)

// IsValid checks if the FailureType is a category rules may assign.
// FailureError is reserved for the classifier's internal-error sentinel and
// is not assignable from config.
func (ft FailureType) IsValid() bool {
	switch ft {
	case FailureProductDefect, FailureAutomationDefect, FailureEnvironmentIssue,
		FailureConfigurationIssue, FailureUnknown:
		return true
	default:
		return false
	}
}

// String returns the string representation of FailureType.
func (ft FailureType) String() string {
	return string(ft)
}

// Validate checks rule well-formedness and compiles regex patterns.
// Must be called before Matches; the loader calls it for every parsed rule.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrRuleIDEmpty
	}

	if len(r.MatchAny) == 0 {
		return fmt.Errorf("%w: rule %s", ErrRuleNoPatterns, r.ID)
	}

	if !FailureType(r.FailureType).IsValid() {
		return fmt.Errorf("%w: rule %s has %q", ErrRuleInvalidFailureType, r.ID, r.FailureType)
	}

	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: rule %s has %v", ErrRuleConfidenceRange, r.ID, r.Confidence)
	}

	var err error

	if r.matchAnyRe, err = compilePatterns(r.MatchAny); err != nil {
		return fmt.Errorf("%w: rule %s: %s", ErrRuleBadRegex, r.ID, err.Error())
	}

	if r.requiresAllRe, err = compilePatterns(r.RequiresAll); err != nil {
		return fmt.Errorf("%w: rule %s: %s", ErrRuleBadRegex, r.ID, err.Error())
	}

	if r.excludesRe, err = compilePatterns(r.Excludes); err != nil {
		return fmt.Errorf("%w: rule %s: %s", ErrRuleBadRegex, r.ID, err.Error())
	}

	return nil
}

// compilePatterns compiles the re:-prefixed entries of a pattern list.
// The returned slice is parallel to patterns; nil entries are substrings.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	compiled := make([]*regexp.Regexp, len(patterns))

	for i, pattern := range patterns {
		if !strings.HasPrefix(pattern, regexPrefix) {
			continue
		}

		re, err := regexp.Compile("(?i)" + strings.TrimPrefix(pattern, regexPrefix))
		if err != nil {
			return nil, err
		}

		compiled[i] = re
	}

	return compiled, nil
}

// Matches reports whether this rule fires against the given log text, and
// returns the first triggering match_any pattern for evidence building.
//
// Matching is case-insensitive for substring patterns. The text passed in
// is the concatenation of error message, stack trace, and extracted signal
// evidence (see classifier).
func (r *Rule) Matches(text string) (bool, string) {
	lower := strings.ToLower(text)

	trigger := ""

	matched := false

	for i, pattern := range r.MatchAny {
		if patternPresent(pattern, r.matchAnyRe, i, text, lower) {
			matched = true
			trigger = pattern

			break
		}
	}

	if !matched {
		return false, ""
	}

	for i, pattern := range r.RequiresAll {
		if !patternPresent(pattern, r.requiresAllRe, i, text, lower) {
			return false, ""
		}
	}

	for i, pattern := range r.Excludes {
		if patternPresent(pattern, r.excludesRe, i, text, lower) {
			return false, ""
		}
	}

	return true, trigger
}

// patternPresent checks one pattern against the text, using the compiled
// regex when available and case-insensitive substring search otherwise.
func patternPresent(pattern string, compiled []*regexp.Regexp, idx int, text, lowerText string) bool {
	if idx < len(compiled) && compiled[idx] != nil {
		return compiled[idx].MatchString(text)
	}

	return strings.Contains(lowerText, strings.ToLower(pattern))
}

// Len returns the number of rules in the pack.
func (p *Pack) Len() int {
	if p == nil {
		return 0
	}

	return len(p.Rules)
}
