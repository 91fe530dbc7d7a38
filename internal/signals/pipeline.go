package signals

import (
	"log/slog"
	"sort"
	"strings"
)

const (
	// maxInputBytes caps how much log text one extraction pass scans.
	// Inputs beyond the cap are truncated, not rejected: a 10 MB stack
	// trace still yields its leading signals.
	maxInputBytes = 10 * 1024 * 1024

	// maxInputLines caps line-oriented scanning for pathological inputs.
	maxInputLines = 100_000
)

type (
	// Extractor scans normalized log text and produces zero or more
	// signals. Implementations must be pure: no retained state across
	// calls, no mutation of the input.
	Extractor interface {
		// Name identifies the extractor in logs.
		Name() string

		// Priority orders extractor execution; lower runs first.
		Priority() int

		// Extract scans the text and returns extracted signals.
		Extract(text string) []Signal
	}

	// Pipeline runs a registered set of extractors in priority order.
	// An extractor panic is logged and isolated; remaining extractors
	// still run (ExtractorError taxonomy: non-fatal, skipped).
	Pipeline struct {
		extractors []Extractor
		fallback   Extractor
		logger     *slog.Logger
	}
)

// NewPipeline builds a pipeline from the given extractors, sorted by
// priority (stable, so registration order breaks ties). The fallback
// extractor runs only when no other extractor produced a signal; pass nil
// for no fallback.
func NewPipeline(extractors []Extractor, fallback Extractor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	sorted := make([]Extractor, len(extractors))
	copy(sorted, extractors)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})

	return &Pipeline{
		extractors: sorted,
		fallback:   fallback,
		logger:     logger,
	}
}

// DefaultPipeline wires the standard extractor set: timeout, assertion,
// locator, HTTP, infra, the framework-specific extractors, and the
// composite fallback.
func DefaultPipeline(logger *slog.Logger) *Pipeline {
	return NewPipeline(
		[]Extractor{
			&TimeoutExtractor{},
			&AssertionExtractor{},
			&LocatorExtractor{},
			&HTTPExtractor{},
			&InfraExtractor{},
			&SeleniumExtractor{},
			&RobotExtractor{},
			&PytestExtractor{},
		},
		&CompositeExtractor{},
		logger,
	)
}

// Run extracts signals from the given log text. Empty input produces no
// signals. Oversized input is truncated to the byte and line caps before
// scanning.
func (p *Pipeline) Run(text string) []Signal {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	text = capInput(text)

	var out []Signal

	for _, extractor := range p.extractors {
		out = append(out, p.runOne(extractor, text)...)
	}

	if len(out) == 0 && p.fallback != nil {
		out = p.runOne(p.fallback, text)
	}

	return out
}

// runOne invokes a single extractor with panic isolation.
func (p *Pipeline) runOne(extractor Extractor, text string) (sigs []Signal) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("Signal extractor panicked, skipping",
				slog.String("extractor", extractor.Name()),
				slog.Any("panic", r),
			)

			sigs = nil
		}
	}()

	return extractor.Extract(text)
}

// capInput bounds the scanned text by bytes then lines.
func capInput(text string) string {
	if len(text) > maxInputBytes {
		text = text[:maxInputBytes]
	}

	// Count newlines without splitting; only pathological inputs pay the
	// truncation cost.
	count := strings.Count(text, "\n")
	if count < maxInputLines {
		return text
	}

	idx := 0
	for i := 0; i < maxInputLines; i++ {
		next := strings.IndexByte(text[idx:], '\n')
		if next == -1 {
			return text
		}

		idx += next + 1
	}

	return text[:idx]
}
