package drift

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// defaultWindow is the rolling window measurements are evaluated over.
	defaultWindow = 30 * 24 * time.Hour

	// defaultMinMeasurements is the smallest window the monitor will judge.
	defaultMinMeasurements = 5

	// baselineFloor prevents division blow-ups for near-zero baselines.
	baselineFloor = 0.01
)

// Absolute percent-change thresholds for drift severity.
const (
	thresholdLow      = 5.0
	thresholdModerate = 10.0
	thresholdHigh     = 20.0
	thresholdCritical = 30.0
)

type (
	// Measurement is one recorded classification confidence for a test.
	Measurement struct {
		TestID     string
		Framework  string
		Confidence float64
		MeasuredAt time.Time
	}

	// MeasurementStore persists confidence measurements and serves the
	// rolling window per (test_id, framework), ordered oldest first.
	MeasurementStore interface {
		Record(ctx context.Context, m *Measurement) error
		Window(ctx context.Context, testID, framework string, since time.Time) ([]Measurement, error)
	}

	// SignalStore persists emitted drift signals for later querying.
	SignalStore interface {
		Save(ctx context.Context, signal *Signal) error
		List(ctx context.Context, filter SignalFilter) ([]*Signal, error)
	}

	// SignalFilter narrows a signal listing. Zero values mean "any".
	SignalFilter struct {
		Type     Type
		Severity Severity
		TestID   string
		Since    time.Time
		Limit    int
	}

	// Reporter persists a signal and forwards it to the configured sink.
	// Producers (flaky detector, coverage graph, confidence monitor) share
	// one reporter; emission failures are logged, never propagated.
	Reporter struct {
		store   SignalStore
		sink    Sink
		counter *prometheus.CounterVec
		logger  *slog.Logger
	}

	// Monitor watches classification confidence per (test_id, framework)
	// and reports drift once the rolling window moves past the high
	// threshold.
	Monitor struct {
		measurements    MeasurementStore
		reporter        *Reporter
		window          time.Duration
		minMeasurements int
		thresholds      Thresholds
		logger          *slog.Logger
	}

	// Thresholds map absolute percent change from the baseline onto signal
	// severity, configured under observer.drift.thresholds in the unified
	// config.
	Thresholds struct {
		Low      float64
		Moderate float64
		High     float64
		Critical float64
	}

	// MonitorOption configures a Monitor.
	MonitorOption func(*Monitor)
)

// DefaultThresholds returns the standard severity thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Low:      thresholdLow,
		Moderate: thresholdModerate,
		High:     thresholdHigh,
		Critical: thresholdCritical,
	}
}

// WithWindow overrides the rolling window duration.
func WithWindow(window time.Duration) MonitorOption {
	return func(m *Monitor) {
		if window > 0 {
			m.window = window
		}
	}
}

// WithMinMeasurements overrides the minimum window size.
func WithMinMeasurements(n int) MonitorOption {
	return func(m *Monitor) {
		if n > 1 {
			m.minMeasurements = n
		}
	}
}

// WithSeverityThresholds overrides the severity thresholds. Zero fields
// keep their defaults.
func WithSeverityThresholds(t Thresholds) MonitorOption {
	return func(m *Monitor) {
		if t.Low > 0 {
			m.thresholds.Low = t.Low
		}

		if t.Moderate > 0 {
			m.thresholds.Moderate = t.Moderate
		}

		if t.High > 0 {
			m.thresholds.High = t.High
		}

		if t.Critical > 0 {
			m.thresholds.Critical = t.Critical
		}
	}
}

// NewReporter creates a drift-signal reporter. The optional counter is
// incremented per emitted signal with (type, severity) labels.
func NewReporter(store SignalStore, sink Sink, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reporter{
		store:  store,
		sink:   sink,
		logger: logger,
	}
}

// WithCounter attaches a signal counter to the reporter.
func (r *Reporter) WithCounter(counter *prometheus.CounterVec) *Reporter {
	r.counter = counter

	return r
}

// Report persists the signal and forwards it to the sink. Both failures
// are logged and swallowed: drift reporting must never stall the pipeline.
func (r *Reporter) Report(ctx context.Context, signal *Signal) {
	if r.store != nil {
		if err := r.store.Save(ctx, signal); err != nil {
			r.logger.Error("Failed to persist drift signal",
				slog.String("id", signal.ID.String()),
				slog.String("type", string(signal.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	if r.counter != nil {
		r.counter.WithLabelValues(string(signal.Type), string(signal.Severity)).Inc()
	}

	if r.sink != nil {
		if err := r.sink.Emit(ctx, signal); err != nil {
			r.logger.Error("Failed to emit drift signal",
				slog.String("id", signal.ID.String()),
				slog.String("type", string(signal.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// NewMonitor creates a confidence-drift monitor.
func NewMonitor(
	measurements MeasurementStore,
	reporter *Reporter,
	logger *slog.Logger,
	opts ...MonitorOption,
) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		measurements:    measurements,
		reporter:        reporter,
		window:          defaultWindow,
		minMeasurements: defaultMinMeasurements,
		thresholds:      DefaultThresholds(),
		logger:          logger,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Observe records a confidence measurement and evaluates the rolling
// window. A confidence_drift signal is reported when the absolute percent
// change reaches the high threshold.
func (m *Monitor) Observe(ctx context.Context, testID, framework string, confidence float64) error {
	measurement := &Measurement{
		TestID:     testID,
		Framework:  framework,
		Confidence: confidence,
		MeasuredAt: time.Now().UTC(),
	}

	if err := m.measurements.Record(ctx, measurement); err != nil {
		return fmt.Errorf("record confidence measurement: %w", err)
	}

	window, err := m.measurements.Window(ctx, testID, framework, measurement.MeasuredAt.Add(-m.window))
	if err != nil {
		return fmt.Errorf("load measurement window: %w", err)
	}

	if len(window) < m.minMeasurements {
		return nil
	}

	baseline := meanConfidence(window[:len(window)/2])
	current := meanConfidence(window[len(window)-currentSpan(len(window)):])

	delta := (current - baseline) / math.Max(baseline, baselineFloor)
	severity := m.thresholds.severity(math.Abs(delta) * 100)

	if !severity.AtLeast(SeverityHigh) {
		return nil
	}

	signal := NewSignal(TypeConfidenceDrift, severity, testID, framework,
		fmt.Sprintf("classification confidence moved %.1f%% from baseline %.3f to %.3f",
			delta*100, baseline, current))
	signal.Detail = map[string]string{
		"baseline":     fmt.Sprintf("%.4f", baseline),
		"current":      fmt.Sprintf("%.4f", current),
		"delta_pct":    fmt.Sprintf("%.2f", delta*100),
		"measurements": fmt.Sprintf("%d", len(window)),
	}

	m.reporter.Report(ctx, signal)

	return nil
}

// currentSpan is the size of the "current" slice: the last quarter of the
// window, at least one measurement.
func currentSpan(n int) int {
	span := n / 4
	if span < 1 {
		span = 1
	}

	return span
}

func meanConfidence(window []Measurement) float64 {
	if len(window) == 0 {
		return 0
	}

	sum := 0.0
	for _, m := range window {
		sum += m.Confidence
	}

	return sum / float64(len(window))
}

// severity maps an absolute percent change onto a severity; below the
// low threshold there is no drift and the zero Severity is returned.
func (t Thresholds) severity(absPct float64) Severity {
	switch {
	case absPct >= t.Critical:
		return SeverityCritical
	case absPct >= t.High:
		return SeverityHigh
	case absPct >= t.Moderate:
		return SeverityModerate
	case absPct >= t.Low:
		return SeverityLow
	default:
		return ""
	}
}
