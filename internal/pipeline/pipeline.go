// Package pipeline is the bounded, sharded processing core of the
// observer. Accepted events are enqueued by test-ID shard so events of one
// test process in order, while distinct tests process in parallel.
//
// Each worker runs the stage sequence: persist, graph update, and for
// failed terminal events: signal extraction, classification, explanation,
// flaky bookkeeping, and confidence monitoring. Stage errors and timeouts
// are isolated; a failed stage is logged and the rest still run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/classifier"
	"github.com/crossbridge-io/crossbridge/internal/drift"
	"github.com/crossbridge-io/crossbridge/internal/event"
	"github.com/crossbridge-io/crossbridge/internal/explain"
	"github.com/crossbridge-io/crossbridge/internal/flaky"
	"github.com/crossbridge-io/crossbridge/internal/graph"
	"github.com/crossbridge-io/crossbridge/internal/metrics"
	"github.com/crossbridge-io/crossbridge/internal/rules"
	"github.com/crossbridge-io/crossbridge/internal/signals"
)

// Default tuning. Stage deadlines skip a slow stage without losing the
// event.
const (
	defaultCapacity         = 10_000
	defaultPersistDeadline  = 2 * time.Second
	defaultClassifyDeadline = 100 * time.Millisecond
	defaultExplainDeadline  = 200 * time.Millisecond
	defaultDrainTimeout     = 30 * time.Second
)

var (
	// ErrQueueFull indicates the bounded queue rejected the event; the
	// ingress layer maps this to 429.
	ErrQueueFull = errors.New("processing queue is full")

	// ErrShuttingDown indicates the pipeline no longer accepts events.
	ErrShuttingDown = errors.New("pipeline is shutting down")
)

type (
	// EventStore persists accepted events. Implementations batch writes
	// and dead-letter to a spill log on storage failure; Store returning
	// nil means the event is owned by the storage layer.
	EventStore interface {
		Store(ctx context.Context, evt *event.Event) error
	}

	// ClassificationStore persists a classification with its explanation
	// under one failure ID.
	ClassificationStore interface {
		SaveClassification(ctx context.Context, cls *classifier.Classification, exp *explain.Explanation) error
	}

	// Config tunes the pipeline. Zero values take defaults.
	Config struct {
		Capacity         int
		Workers          int
		PersistDeadline  time.Duration
		ClassifyDeadline time.Duration
		ExplainDeadline  time.Duration
		DrainTimeout     time.Duration
	}

	// Deps wires the pipeline's collaborators.
	Deps struct {
		Events          EventStore
		Classifications ClassificationStore
		Graph           *graph.Updater
		Extractor       *signals.Pipeline
		Classifier      *classifier.Classifier
		Registry        *rules.Registry
		Explainer       *explain.Builder
		Detector        *flaky.Detector
		Monitor         *drift.Monitor
		Metrics         *metrics.Metrics
	}

	// Pipeline is the sharded worker pool.
	Pipeline struct {
		cfg    Config
		deps   Deps
		shards []chan *event.Event
		stats  *Stats
		runs   *runTracker
		logger *slog.Logger

		// closeMu serializes Enqueue against Shutdown closing the shard
		// channels.
		closeMu sync.RWMutex
		wg      sync.WaitGroup
		closed  atomic.Bool
	}
)

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = defaultCapacity
	}

	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 2
	}

	if c.PersistDeadline <= 0 {
		c.PersistDeadline = defaultPersistDeadline
	}

	if c.ClassifyDeadline <= 0 {
		c.ClassifyDeadline = defaultClassifyDeadline
	}

	if c.ExplainDeadline <= 0 {
		c.ExplainDeadline = defaultExplainDeadline
	}

	if c.DrainTimeout <= 0 {
		c.DrainTimeout = defaultDrainTimeout
	}

	return c
}

// New creates a pipeline; Start launches its workers.
func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	cfg = cfg.withDefaults()

	shards := make([]chan *event.Event, cfg.Workers)
	perShard := cfg.Capacity / cfg.Workers

	if perShard < 1 {
		perShard = 1
	}

	for i := range shards {
		shards[i] = make(chan *event.Event, perShard)
	}

	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		shards: shards,
		stats:  NewStats(),
		runs:   newRunTracker(defaultTrackedRuns),
		logger: logger,
	}
}

// Start launches one worker per shard.
func (p *Pipeline) Start(ctx context.Context) {
	for i, shard := range p.shards {
		p.wg.Add(1)

		go p.worker(ctx, i, shard)
	}

	p.logger.Info("Pipeline started",
		slog.Int("workers", p.cfg.Workers),
		slog.Int("capacity", p.cfg.Capacity),
	)
}

// Enqueue routes an event to its shard. Events of one test always land in
// one shard, preserving per-test ordering. A full shard rejects
// immediately with ErrQueueFull; the handler must never block on intake.
func (p *Pipeline) Enqueue(evt *event.Event) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed.Load() {
		return ErrShuttingDown
	}

	shard := p.shards[shardIndex(evt.TestID, len(p.shards))]

	select {
	case shard <- evt:
		if p.deps.Metrics != nil {
			p.deps.Metrics.QueueDepth.Set(float64(p.Depth()))
		}

		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the total queued event count across shards.
func (p *Pipeline) Depth() int {
	depth := 0
	for _, shard := range p.shards {
		depth += len(shard)
	}

	return depth
}

// Capacity returns the configured total queue capacity.
func (p *Pipeline) Capacity() int {
	return len(p.shards) * cap(p.shards[0])
}

// Snapshot returns current pipeline statistics.
func (p *Pipeline) Snapshot() Snapshot {
	return p.stats.Snapshot(p.Depth(), p.Capacity())
}

// Shutdown stops intake and drains queued events, waiting up to the drain
// timeout (bounded further by ctx).
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.closeMu.Lock()

	if p.closed.Swap(true) {
		p.closeMu.Unlock()

		return nil
	}

	for _, shard := range p.shards {
		close(shard)
	}

	p.closeMu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("Pipeline drained")

		return nil
	case <-timer.C:
		return fmt.Errorf("pipeline drain timed out after %s with %d events queued",
			p.cfg.DrainTimeout, p.Depth())
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain aborted: %w", ctx.Err())
	}
}

// shardIndex hashes a test ID onto a shard.
func shardIndex(testID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(testID))

	return int(h.Sum32() % uint32(shards))
}

// worker drains one shard until it closes.
func (p *Pipeline) worker(ctx context.Context, id int, shard <-chan *event.Event) {
	defer p.wg.Done()

	p.logger.Debug("Pipeline worker started", slog.Int("shard", id))

	for evt := range shard {
		p.process(ctx, evt)

		if p.deps.Metrics != nil {
			p.deps.Metrics.QueueDepth.Set(float64(p.Depth()))
		}
	}
}

// process runs the stage sequence for one event.
func (p *Pipeline) process(ctx context.Context, evt *event.Event) {
	started := time.Now()
	clean := true

	// A nil event store means the observer runs without durable event
	// persistence; the remaining stages still apply.
	if p.deps.Events != nil {
		if err := p.runStage(ctx, "persist", p.cfg.PersistDeadline, func(stageCtx context.Context) error {
			return p.deps.Events.Store(stageCtx, evt)
		}); err != nil {
			clean = false
		}
	}

	if err := p.runStage(ctx, "graph", p.cfg.PersistDeadline, func(stageCtx context.Context) error {
		return p.deps.Graph.Apply(stageCtx, evt)
	}); err != nil {
		clean = false
	}

	if evt.Type == event.TypeTestEnd {
		p.runs.Observe(evt.RunID, evt.TestID, failureVariant(evt))
	}

	if evt.IsClassifiable() {
		if err := p.classifyAndRecord(ctx, evt); err != nil {
			clean = false
		}
	} else if evt.Type == event.TypeTestEnd && evt.Status == event.StatusPassed {
		if err := p.deps.Detector.RecordPass(ctx, evt.TestID); err != nil {
			p.logger.Warn("Failed to record passing run",
				slog.String("test_id", evt.TestID),
				slog.String("error", err.Error()),
			)
		}
	}

	if !clean {
		p.stats.RecordFailure()
	}

	p.stats.RecordEvent(evt.Framework, evt.Type.String(), time.Since(started))

	if p.deps.Metrics != nil {
		p.deps.Metrics.EventsProcessed.WithLabelValues(evt.Framework).Inc()
	}
}

// classifyAndRecord runs the failure path: extract, classify, explain,
// persist the pair, fold into flaky history, observe confidence.
func (p *Pipeline) classifyAndRecord(ctx context.Context, evt *event.Event) error {
	var (
		sigs []signals.Signal
		cls  *classifier.Classification
		exp  *explain.Explanation
	)

	classifyErr := p.runStage(ctx, "classify", p.cfg.ClassifyDeadline, func(context.Context) error {
		sigs = p.deps.Extractor.Run(evt.LogText())
		cls = p.deps.Classifier.Classify(evt, sigs)

		return nil
	})
	if classifyErr != nil || cls == nil {
		return classifyErr
	}

	if p.deps.Metrics != nil {
		p.deps.Metrics.Classifications.WithLabelValues(string(cls.Category)).Inc()
	}

	explainErr := p.runStage(ctx, "explain", p.cfg.ExplainDeadline, func(stageCtx context.Context) error {
		exp = p.deps.Explainer.Build(stageCtx, cls, evt,
			p.deps.Registry.Load(evt.Framework), p.buildHistory(stageCtx, cls, evt))

		return nil
	})

	var firstErr error

	if exp != nil && p.deps.Classifications != nil {
		if err := p.runStage(ctx, "persist_classification", p.cfg.PersistDeadline, func(stageCtx context.Context) error {
			return p.deps.Classifications.SaveClassification(stageCtx, cls, exp)
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if _, err := p.deps.Detector.RecordFailure(ctx, cls, evt.ErrorMessage); err != nil {
		p.logger.Warn("Flaky bookkeeping failed",
			slog.String("test_id", evt.TestID),
			slog.String("error", err.Error()),
		)

		if firstErr == nil {
			firstErr = err
		}
	}

	if exp != nil && p.deps.Monitor != nil {
		if err := p.deps.Monitor.Observe(ctx, cls.TestID, cls.Framework, exp.FinalConfidence); err != nil {
			p.logger.Warn("Confidence monitoring failed",
				slog.String("test_id", evt.TestID),
				slog.String("error", err.Error()),
			)

			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if explainErr != nil && firstErr == nil {
		firstErr = explainErr
	}

	return firstErr
}

// buildHistory snapshots the frozen historical context the explainability
// builder needs. Reads happen before the flaky detector folds this failure
// in, so occurrence counts describe prior runs only.
func (p *Pipeline) buildHistory(ctx context.Context, cls *classifier.Classification, evt *event.Event) explain.History {
	hist := explain.History{
		RetriesTotal:  evt.Retries(),
		RetryFailures: evt.RetryFailures(),
		RetryMessages: evt.RetryMessages(),
	}

	prior, err := p.deps.Detector.Lookup(ctx, cls, evt.ErrorMessage)

	switch {
	case err == nil:
		hist.Occurrences = prior.Occurrences
	case errors.Is(err, flaky.ErrHistoryNotFound):
		// First observation of this signature.
	default:
		p.logger.Warn("Failed to load failure history for explanation",
			slog.String("test_id", evt.TestID),
			slog.String("error", err.Error()),
		)
	}

	hist.SiblingTotal, hist.SiblingFailures = p.runs.Siblings(
		evt.RunID, evt.TestID, failureVariant(evt))
	hist.SimilarFailures = p.similarFailures(ctx, cls, evt)
	hist.RelatedTests = p.relatedTests(ctx, evt)

	return hist
}

// failureVariant keys a failure by its normalized message so matching
// failures correlate across sibling tests. Non-failing outcomes key to the
// empty variant.
func failureVariant(evt *event.Event) string {
	if !evt.Status.IsFailure() {
		return ""
	}

	return flaky.MessageHash(flaky.Normalize(evt.ErrorMessage))
}

// similarFailures lists this test's other failure signatures, most recent
// first.
func (p *Pipeline) similarFailures(ctx context.Context, cls *classifier.Classification, evt *event.Event) []string {
	histories, err := p.deps.Detector.Histories(ctx, evt.TestID)
	if err != nil {
		p.logger.Warn("Failed to list failure histories for explanation",
			slog.String("test_id", evt.TestID),
			slog.String("error", err.Error()),
		)

		return nil
	}

	current := flaky.Signature(cls.TestID, cls.Category, flaky.Normalize(evt.ErrorMessage))

	var out []string

	for _, h := range histories {
		if h.Signature != current {
			out = append(out, h.Signature)
		}
	}

	return out
}

// relatedTests resolves tests related by shared feature (from the coverage
// graph) or by source file (from tests seen in the same run).
func (p *Pipeline) relatedTests(ctx context.Context, evt *event.Event) []string {
	related, err := p.deps.Graph.RelatedTests(ctx, evt.TestID, evt.Feature())
	if err != nil {
		p.logger.Warn("Failed to resolve related tests for explanation",
			slog.String("test_id", evt.TestID),
			slog.String("error", err.Error()),
		)
	}

	if file, _, ok := strings.Cut(evt.TestID, "::"); ok {
		for _, sibling := range p.runs.Tests(evt.RunID) {
			if sibling != evt.TestID && strings.HasPrefix(sibling, file+"::") {
				related = append(related, sibling)
			}
		}
	}

	return dedupeStrings(related)
}

// dedupeStrings drops duplicates while preserving first-seen order.
func dedupeStrings(in []string) []string {
	if len(in) < 2 {
		return in
	}

	seen := make(map[string]struct{}, len(in))
	out := in[:0]

	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}

		seen[s] = struct{}{}
		out = append(out, s)
	}

	return out
}

// runStage executes one stage under its deadline, recording latency and
// logging failures. Stage errors never abort the event.
func (p *Pipeline) runStage(ctx context.Context, name string, deadline time.Duration, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	started := time.Now()
	err := fn(stageCtx)

	if p.deps.Metrics != nil {
		p.deps.Metrics.StageLatency.WithLabelValues(name).Observe(time.Since(started).Seconds())
	}

	if err != nil {
		p.logger.Warn("Pipeline stage failed",
			slog.String("stage", name),
			slog.String("error", err.Error()),
		)
	}

	return err
}
