// Package explain builds standalone explanation objects for classifications.
//
// An explanation answers "why was this failure categorized this way" with
// three ingredients: rule influence (which rules fired and how much each
// contributed), signal quality (five framework-agnostic factors scoring the
// trustworthiness of the evidence), and evidence context (noise-stripped
// summaries, never raw logs). The builder is deterministic: the same
// classification, signals, and frozen history always produce byte-identical
// artifacts.
package explain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crossbridge-io/crossbridge/internal/classifier"
	"github.com/crossbridge-io/crossbridge/internal/event"
	"github.com/crossbridge-io/crossbridge/internal/rules"
)

const (
	// ruleWeight and signalWeight split the final confidence between rule
	// contributions and signal quality.
	ruleWeight   = 0.7
	signalWeight = 0.3

	// defaultTopUnmatched is how many non-matching rules (top by priority)
	// are listed so dashboards can show what almost fired.
	defaultTopUnmatched = 3

	// historyAdjustClamp bounds how far frozen history may move the final
	// confidence.
	historyAdjustClamp = 0.05

	// aiAdjustClamp bounds how far the optional AI enricher may move the
	// final confidence.
	aiAdjustClamp = 0.1

	// aiConfidenceGate: enrichments whose self-reported confidence falls
	// below this threshold are discarded.
	aiConfidenceGate = 0.5

	// defaultAITimeout bounds the enricher call; on expiry the
	// deterministic output is returned unchanged.
	defaultAITimeout = 2 * time.Second
)

type (
	// RuleInfluence describes one rule's part in a classification. Matched
	// rules carry contribution = weight / sum(matched weights); unmatched
	// rules are listed with Matched=false and zero contribution.
	RuleInfluence struct {
		RuleID       string  `json:"rule_id"`
		Matched      bool    `json:"matched"`
		Weight       float64 `json:"weight"`
		Contribution float64 `json:"contribution"`
		Explanation  string  `json:"explanation"`
	}

	// SignalQuality holds the five standard quality factors, each in [0,1].
	SignalQuality struct {
		StacktracePresence    float64 `json:"stacktrace_presence"`
		ErrorMessageStability float64 `json:"error_message_stability"`
		RetryConsistency      float64 `json:"retry_consistency"`
		HistoricalFrequency   float64 `json:"historical_frequency"`
		CrossTestCorrelation  float64 `json:"cross_test_correlation"`
	}

	// EvidenceContext carries compact evidence summaries. Raw logs never
	// appear here; every field is noise-stripped and length-capped.
	EvidenceContext struct {
		StackTraceLine  string   `json:"stack_trace_line,omitempty"`
		ErrorSummary    string   `json:"error_summary,omitempty"`
		RecentErrorLogs []string `json:"recent_error_logs,omitempty"`
		SimilarFailures []string `json:"similar_failures,omitempty"`
		RelatedTests    []string `json:"related_tests,omitempty"`
	}

	// Explanation is the immutable output written alongside a
	// Classification under the same failure ID.
	Explanation struct {
		FailureID       uuid.UUID         `json:"failure_id"`
		TestID          string            `json:"test_id"`
		Framework       string            `json:"framework"`
		Category        rules.FailureType `json:"category"`
		RawConfidence   float64           `json:"raw_confidence"`
		FinalConfidence float64           `json:"final_confidence"`
		RuleInfluence   []RuleInfluence   `json:"rule_influence"`
		SignalQuality   SignalQuality     `json:"signal_quality"`
		Evidence        EvidenceContext   `json:"evidence"`
		AINote          string            `json:"ai_note,omitempty"`
		AIConfidence    float64           `json:"ai_confidence,omitempty"`
	}

	// History is the frozen historical context an explanation is built
	// from. Freezing it keeps the builder deterministic: callers snapshot
	// state once and the builder never reads live stores.
	History struct {
		// Occurrences is how many times this failure signature has been
		// seen before.
		Occurrences int

		// RetryMessages are the error messages of this run's retries, in
		// order, for stability scoring.
		RetryMessages []string

		// RetriesTotal and RetryFailures count in-run retries and how many
		// of them reproduced the failure.
		RetriesTotal  int
		RetryFailures int

		// SiblingTotal and SiblingFailures count tests in the same run and
		// how many failed with a matching signature.
		SiblingTotal    int
		SiblingFailures int

		// SimilarFailures and RelatedTests are pre-resolved ID lists.
		SimilarFailures []string
		RelatedTests    []string
	}

	// HistoryAdjuster optionally nudges the final confidence using the
	// frozen history. The returned delta is clamped to ±0.05.
	HistoryAdjuster interface {
		Adjust(hist History) float64
	}

	// Enrichment is the AI side stage's output: a note, a confidence
	// nudge, and the enricher's own confidence in its assessment.
	Enrichment struct {
		Note       string
		Delta      float64
		Confidence float64
	}

	// Enricher is an optional AI side stage. It may only add a note and
	// nudge the final confidence within ±0.1; it can never change the
	// category. Errors and timeouts leave the deterministic output intact,
	// and enrichments with Confidence below 0.5 are discarded.
	Enricher interface {
		Enrich(ctx context.Context, exp *Explanation) (*Enrichment, error)
	}

	// Builder assembles explanations.
	Builder struct {
		topUnmatched int
		adjuster     HistoryAdjuster
		enricher     Enricher
		aiTimeout    time.Duration
		logger       *slog.Logger
	}

	// Option configures a Builder.
	Option func(*Builder)
)

// WithHistoryAdjuster attaches an optional history-based confidence
// adjuster.
func WithHistoryAdjuster(adjuster HistoryAdjuster) Option {
	return func(b *Builder) {
		b.adjuster = adjuster
	}
}

// WithEnricher attaches the optional AI enricher with its call timeout.
// A zero timeout uses the default of 2 seconds.
func WithEnricher(enricher Enricher, timeout time.Duration) Option {
	return func(b *Builder) {
		b.enricher = enricher

		if timeout > 0 {
			b.aiTimeout = timeout
		}
	}
}

// WithTopUnmatched sets how many non-matching rules to list per
// explanation.
func WithTopUnmatched(n int) Option {
	return func(b *Builder) {
		if n >= 0 {
			b.topUnmatched = n
		}
	}
}

// NewBuilder creates an explanation builder.
func NewBuilder(logger *slog.Logger, opts ...Option) *Builder {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Builder{
		topUnmatched: defaultTopUnmatched,
		aiTimeout:    defaultAITimeout,
		logger:       logger,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Build assembles the explanation for a classification. The deterministic
// part is a pure function of (classification, event, pack, history); the
// optional enricher runs afterwards as a side stage and cannot alter the
// category.
func (b *Builder) Build(
	ctx context.Context,
	cls *classifier.Classification,
	evt *event.Event,
	pack *rules.Pack,
	hist History,
) *Explanation {
	exp := &Explanation{
		FailureID:     cls.FailureID,
		TestID:        cls.TestID,
		Framework:     cls.Framework,
		Category:      cls.Category,
		RawConfidence: cls.RawConfidence,
		RuleInfluence: buildRuleInfluence(cls.Matched, pack, b.topUnmatched),
		SignalQuality: buildSignalQuality(evt, hist),
		Evidence:      buildEvidence(evt, hist),
	}

	contribution := 0.0
	for _, ri := range exp.RuleInfluence {
		contribution += ri.Contribution
	}

	if contribution > 1 {
		contribution = 1
	}

	final := ruleWeight*contribution + signalWeight*exp.SignalQuality.Mean()

	if b.adjuster != nil {
		final += clamp(b.adjuster.Adjust(hist), -historyAdjustClamp, historyAdjustClamp)
	}

	exp.FinalConfidence = clamp(final, 0, 1)

	b.enrich(ctx, exp)

	return exp
}

// enrich runs the optional AI side stage under its own deadline. The gate
// drops enrichments the model itself is not confident about.
func (b *Builder) enrich(ctx context.Context, exp *Explanation) {
	if b.enricher == nil {
		return
	}

	aiCtx, cancel := context.WithTimeout(ctx, b.aiTimeout)
	defer cancel()

	enr, err := b.enricher.Enrich(aiCtx, exp)
	if err != nil {
		b.logger.Warn("AI enricher failed, keeping deterministic explanation",
			slog.String("failure_id", exp.FailureID.String()),
			slog.String("error", err.Error()),
		)

		return
	}

	if enr == nil || enr.Confidence < aiConfidenceGate {
		b.logger.Debug("Discarding low-confidence enrichment",
			slog.String("failure_id", exp.FailureID.String()),
		)

		return
	}

	exp.AINote = enr.Note
	exp.AIConfidence = enr.Confidence
	exp.FinalConfidence = clamp(
		exp.FinalConfidence+clamp(enr.Delta, -aiAdjustClamp, aiAdjustClamp), 0, 1)
}

// buildRuleInfluence normalizes matched-rule weights into contributions and
// appends the top unmatched rules by priority so consumers can see what
// almost fired.
func buildRuleInfluence(matched []classifier.MatchedRule, pack *rules.Pack, topUnmatched int) []RuleInfluence {
	out := make([]RuleInfluence, 0, len(matched)+topUnmatched)

	total := 0.0
	for _, m := range matched {
		total += m.Confidence
	}

	matchedIDs := make(map[string]bool, len(matched))

	for _, m := range matched {
		matchedIDs[m.RuleID] = true

		contribution := 0.0
		if total > 0 {
			contribution = m.Confidence / total
		}

		out = append(out, RuleInfluence{
			RuleID:       m.RuleID,
			Matched:      true,
			Weight:       m.Confidence,
			Contribution: contribution,
			Explanation:  fmt.Sprintf("%s (triggered by %q)", m.Description, m.Trigger),
		})
	}

	// Pack rules are already in (priority, id) order.
	added := 0

	for _, rule := range pack.Rules {
		if added >= topUnmatched {
			break
		}

		if matchedIDs[rule.ID] {
			continue
		}

		out = append(out, RuleInfluence{
			RuleID:      rule.ID,
			Matched:     false,
			Weight:      rule.Confidence,
			Explanation: rule.Description,
		})

		added++
	}

	return out
}

// Mean returns the average of the five quality factors.
func (q SignalQuality) Mean() float64 {
	return (q.StacktracePresence +
		q.ErrorMessageStability +
		q.RetryConsistency +
		q.HistoricalFrequency +
		q.CrossTestCorrelation) / 5
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
