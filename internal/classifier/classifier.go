// Package classifier applies rule packs to extracted failure signals and
// produces a failure category with a raw confidence score.
//
// Classification is declared infallible at the contract level: Classify
// never returns an error. Internal failures produce the ERROR sentinel
// category with zero confidence, and the condition is logged.
package classifier

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crossbridge-io/crossbridge/internal/event"
	"github.com/crossbridge-io/crossbridge/internal/rules"
	"github.com/crossbridge-io/crossbridge/internal/signals"
)

// unknownConfidence is the raw confidence assigned when no rule matches.
const unknownConfidence = 0.2

type (
	// MatchedRule records one rule that fired during classification,
	// together with the pattern that triggered it.
	MatchedRule struct {
		RuleID      string
		Description string
		FailureType rules.FailureType
		Confidence  float64
		Priority    int
		Trigger     string
	}

	// Classification is the immutable outcome of classifying one failed
	// event. Matched rules are ordered by contribution: highest rule
	// confidence first, ties by lower priority then lexical rule ID.
	Classification struct {
		FailureID     uuid.UUID
		TestID        string
		Framework     string
		Category      rules.FailureType
		RawConfidence float64
		Matched       []MatchedRule
		Signals       []signals.Signal
		Timestamp     time.Time
	}

	// Classifier resolves rule packs through a registry and evaluates
	// them against failure text.
	Classifier struct {
		registry *rules.Registry
		logger   *slog.Logger
	}
)

// MatchedRuleIDs returns the IDs of all matched rules in contribution order.
func (c *Classification) MatchedRuleIDs() []string {
	ids := make([]string, len(c.Matched))
	for i, m := range c.Matched {
		ids[i] = m.RuleID
	}

	return ids
}

// New creates a Classifier backed by the given rule registry.
func New(registry *rules.Registry, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Classifier{
		registry: registry,
		logger:   logger,
	}
}

// Classify evaluates the rule pack for the event's framework against the
// event's failure text and extracted signals. It is a pure function of
// (event text, signals, current rule pack): identical inputs yield
// identical outputs, apart from the generated failure ID and timestamp.
//
// No matching rule yields the UNKNOWN category at confidence 0.2. Any
// internal failure yields the ERROR sentinel at confidence 0.0.
func (c *Classifier) Classify(evt *event.Event, sigs []signals.Signal) (result *Classification) {
	result = &Classification{
		FailureID: uuid.New(),
		Timestamp: time.Now().UTC(),
		Signals:   sigs,
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Classifier panicked, returning ERROR sentinel",
				slog.Any("panic", r),
			)

			result.Category = rules.FailureError
			result.RawConfidence = 0.0
			result.Matched = nil
		}
	}()

	if evt == nil {
		c.logger.Error("Classifier invoked with nil event, returning ERROR sentinel")

		result.Category = rules.FailureError

		return result
	}

	result.TestID = evt.TestID
	result.Framework = evt.Framework

	pack := c.registry.Load(evt.Framework)
	text := MatchText(evt, sigs)

	matched := evaluate(pack, text)
	if len(matched) == 0 {
		result.Category = rules.FailureUnknown
		result.RawConfidence = unknownConfidence

		return result
	}

	winner := matched[0]
	result.Category = winner.FailureType
	result.RawConfidence = winner.Confidence
	result.Matched = matched

	return result
}

// MatchText builds the text rules are matched against: the error message,
// the stack trace, and the evidence of every extracted signal, newline
// joined.
func MatchText(evt *event.Event, sigs []signals.Signal) string {
	parts := make([]string, 0, 3)

	if evt.ErrorMessage != "" {
		parts = append(parts, evt.ErrorMessage)
	}

	if evt.StackTrace != "" {
		parts = append(parts, evt.StackTrace)
	}

	if evidence := signals.Evidences(sigs); evidence != "" {
		parts = append(parts, evidence)
	}

	return strings.Join(parts, "\n")
}

// evaluate collects every matching rule in the pack and sorts the result
// into contribution order: descending confidence, then ascending priority,
// then lexical rule ID. The first element is the winning rule.
func evaluate(pack *rules.Pack, text string) []MatchedRule {
	var matched []MatchedRule

	for _, rule := range pack.Rules {
		ok, trigger := rule.Matches(text)
		if !ok {
			continue
		}

		matched = append(matched, MatchedRule{
			RuleID:      rule.ID,
			Description: rule.Description,
			FailureType: rules.FailureType(rule.FailureType),
			Confidence:  rule.Confidence,
			Priority:    rule.Priority,
			Trigger:     trigger,
		})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Confidence != matched[j].Confidence {
			return matched[i].Confidence > matched[j].Confidence
		}

		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}

		return matched[i].RuleID < matched[j].RuleID
	})

	return matched
}
