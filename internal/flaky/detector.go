package flaky

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/classifier"
	"github.com/crossbridge-io/crossbridge/internal/drift"
	"github.com/crossbridge-io/crossbridge/internal/rules"
)

// Default labeling thresholds.
const (
	// defaultDeterministicStreak is the consecutive-failure count at which
	// a product or automation defect is labeled deterministic.
	defaultDeterministicStreak = 3

	// defaultPassesBetween is the pass-between count required before
	// alternation counts toward the flaky label.
	defaultPassesBetween = 1

	// defaultFlakyOccurrences is the minimum occurrence count before
	// pass/fail alternation earns the flaky label.
	defaultFlakyOccurrences = 3

	// flakyVariants is the distinct-variant count under one signature
	// root that alone earns the flaky label.
	flakyVariants = 2
)

// Thresholds are the tunable labeling knobs, configured under
// observer.flaky in the unified config.
type Thresholds struct {
	// ConsecutiveThreshold is the failure streak for the deterministic label.
	ConsecutiveThreshold int

	// PassesBetweenThreshold is the pass-between count for the flaky label.
	PassesBetweenThreshold int

	// MinOccurrences is the occurrence floor for the flaky label.
	MinOccurrences int
}

// DefaultThresholds returns the standard labeling thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConsecutiveThreshold:   defaultDeterministicStreak,
		PassesBetweenThreshold: defaultPassesBetween,
		MinOccurrences:         defaultFlakyOccurrences,
	}
}

// Run statuses recorded per test for alternation tracking.
const (
	statusPassed = "passed"
	statusFailed = "failed"
)

// Detector maintains failure histories and labels signatures as flaky or
// deterministic. Label transitions are reported as drift signals: flaky at
// high severity, deterministic at critical.
type Detector struct {
	store      HistoryStore
	reporter   *drift.Reporter
	thresholds Thresholds
	logger     *slog.Logger
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithThresholds overrides the labeling thresholds. Zero fields keep their
// defaults.
func WithThresholds(t Thresholds) DetectorOption {
	return func(d *Detector) {
		if t.ConsecutiveThreshold > 0 {
			d.thresholds.ConsecutiveThreshold = t.ConsecutiveThreshold
		}

		if t.PassesBetweenThreshold > 0 {
			d.thresholds.PassesBetweenThreshold = t.PassesBetweenThreshold
		}

		if t.MinOccurrences > 0 {
			d.thresholds.MinOccurrences = t.MinOccurrences
		}
	}
}

// NewDetector creates a flaky detector.
func NewDetector(store HistoryStore, reporter *drift.Reporter, logger *slog.Logger, opts ...DetectorOption) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Detector{
		store:      store,
		reporter:   reporter,
		thresholds: DefaultThresholds(),
		logger:     logger,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// RecordPass notes a passing run for a test. Passes are not failures, so
// no history row changes; the recorded status lets the next failure count
// a pass-between and restart its consecutive streak.
func (d *Detector) RecordPass(ctx context.Context, testID string) error {
	if err := d.store.SetLastStatus(ctx, testID, statusPassed); err != nil {
		return fmt.Errorf("record passing status: %w", err)
	}

	return nil
}

// Lookup returns the current history for a failure's signature without
// mutating it. ErrHistoryNotFound when the signature is new.
func (d *Detector) Lookup(
	ctx context.Context,
	cls *classifier.Classification,
	errorMessage string,
) (*History, error) {
	h, err := d.store.Get(ctx, Signature(cls.TestID, cls.Category, Normalize(errorMessage)))
	if err != nil {
		return nil, fmt.Errorf("lookup failure history: %w", err)
	}

	return h, nil
}

// Histories lists all failure histories recorded for a test, most recent
// first.
func (d *Detector) Histories(ctx context.Context, testID string) ([]*History, error) {
	histories, err := d.store.ByTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("list failure histories: %w", err)
	}

	return histories, nil
}

// RecordFailure folds a classified failure into its signature's history
// and returns the updated label.
func (d *Detector) RecordFailure(
	ctx context.Context,
	cls *classifier.Classification,
	errorMessage string,
) (Label, error) {
	normalized := Normalize(errorMessage)
	signature := Signature(cls.TestID, cls.Category, normalized)
	root := Root(cls.TestID, cls.Category)
	now := time.Now().UTC()

	h, err := d.store.Get(ctx, signature)

	switch {
	case errors.Is(err, ErrHistoryNotFound):
		h = &History{
			Signature: signature,
			Root:      root,
			TestID:    cls.TestID,
			Framework: cls.Framework,
			Category:  cls.Category,
			Label:     LabelUnknown,
			FirstSeen: now,
		}
	case err != nil:
		return LabelUnknown, fmt.Errorf("load failure history: %w", err)
	}

	h.Occurrences++
	h.LastSeen = now

	lastStatus, known, err := d.store.LastStatus(ctx, cls.TestID)
	if err != nil {
		return LabelUnknown, fmt.Errorf("load last run status: %w", err)
	}

	if known && lastStatus == statusPassed {
		h.PassesBetween++
		h.ConsecutiveFailures = 1
	} else {
		h.ConsecutiveFailures++
	}

	variants, err := d.store.RecordVariant(ctx, root, MessageHash(normalized))
	if err != nil {
		return LabelUnknown, fmt.Errorf("record message variant: %w", err)
	}

	h.DistinctVariants = variants

	previous := h.Label
	h.Label = d.label(h, cls.Category)

	if err := d.store.Save(ctx, h); err != nil {
		return LabelUnknown, fmt.Errorf("save failure history: %w", err)
	}

	if err := d.store.SetLastStatus(ctx, cls.TestID, statusFailed); err != nil {
		return LabelUnknown, fmt.Errorf("record failing status: %w", err)
	}

	if h.Label != previous {
		d.reportTransition(ctx, h)
	}

	return h.Label, nil
}

// label applies the verdict thresholds to an updated history.
func (d *Detector) label(h *History, category rules.FailureType) Label {
	deterministicCategory := category == rules.FailureProductDefect ||
		category == rules.FailureAutomationDefect

	if h.ConsecutiveFailures >= d.thresholds.ConsecutiveThreshold && deterministicCategory {
		return LabelDeterministic
	}

	if (h.PassesBetween >= d.thresholds.PassesBetweenThreshold && h.Occurrences >= d.thresholds.MinOccurrences) ||
		h.DistinctVariants >= flakyVariants {
		return LabelFlaky
	}

	return LabelUnknown
}

// reportTransition emits a drift signal for a label change.
func (d *Detector) reportTransition(ctx context.Context, h *History) {
	var severity drift.Severity

	switch h.Label {
	case LabelFlaky:
		severity = drift.SeverityHigh
	case LabelDeterministic:
		severity = drift.SeverityCritical
	default:
		return
	}

	signal := drift.NewSignal(drift.TypeFlaky, severity, h.TestID, h.Framework,
		fmt.Sprintf("test labeled %s after %d occurrences", h.Label, h.Occurrences))
	signal.Detail = map[string]string{
		"signature":            h.Signature,
		"label":                string(h.Label),
		"category":             string(h.Category),
		"occurrences":          fmt.Sprintf("%d", h.Occurrences),
		"consecutive_failures": fmt.Sprintf("%d", h.ConsecutiveFailures),
		"passes_between":       fmt.Sprintf("%d", h.PassesBetween),
		"distinct_variants":    fmt.Sprintf("%d", h.DistinctVariants),
	}

	d.reporter.Report(ctx, signal)
}
