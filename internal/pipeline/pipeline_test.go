package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/classifier"
	"github.com/crossbridge-io/crossbridge/internal/drift"
	"github.com/crossbridge-io/crossbridge/internal/event"
	"github.com/crossbridge-io/crossbridge/internal/explain"
	"github.com/crossbridge-io/crossbridge/internal/flaky"
	"github.com/crossbridge-io/crossbridge/internal/graph"
	"github.com/crossbridge-io/crossbridge/internal/rules"
	"github.com/crossbridge-io/crossbridge/internal/signals"
)

type memoryEventStore struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *memoryEventStore) Store(_ context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, evt)

	return nil
}

func (s *memoryEventStore) all() []*event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*event.Event, len(s.events))
	copy(out, s.events)

	return out
}

type memoryClassificationStore struct {
	mu    sync.Mutex
	saved []*explain.Explanation
}

func (s *memoryClassificationStore) SaveClassification(
	_ context.Context,
	_ *classifier.Classification,
	exp *explain.Explanation,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saved = append(s.saved, exp)

	return nil
}

func (s *memoryClassificationStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.saved)
}

// newTestPipeline wires a pipeline against in-memory collaborators.
func newTestPipeline(t *testing.T, cfg Config) (*Pipeline, *memoryEventStore, *memoryClassificationStore, *drift.MemorySignalStore) {
	t.Helper()

	inline := map[string][]*rules.Rule{
		"pytest": {
			{ID: "PYT_1", MatchAny: []string{"AssertionError"}, FailureType: "PRODUCT_DEFECT", Confidence: 0.92, Priority: 10},
		},
	}
	registry := rules.NewRegistry(rules.NewLoader(t.TempDir(), inline, nil), nil, nil)

	events := &memoryEventStore{}
	classifications := &memoryClassificationStore{}
	signalStore := drift.NewMemorySignalStore()
	reporter := drift.NewReporter(signalStore, nil, nil)

	deps := Deps{
		Events:          events,
		Classifications: classifications,
		Graph:           graph.NewUpdater(graph.NewMemoryStore(), reporter, nil),
		Extractor:       signals.DefaultPipeline(nil),
		Classifier:      classifier.New(registry, nil),
		Registry:        registry,
		Explainer:       explain.NewBuilder(nil),
		Detector:        flaky.NewDetector(flaky.NewMemoryHistoryStore(), reporter, nil),
		Monitor:         drift.NewMonitor(drift.NewMemoryMeasurementStore(), reporter, nil),
	}

	return New(cfg, deps, nil), events, classifications, signalStore
}

func passedEvent(testID string, n int) *event.Event {
	return &event.Event{
		ID:        fmt.Sprintf("%s-%d", testID, n),
		Type:      event.TypeTestEnd,
		Framework: "pytest",
		TestID:    testID,
		Status:    event.StatusPassed,
	}
}

func TestPipelineProcessesAllEvents(t *testing.T) {
	p, events, _, _ := newTestPipeline(t, Config{Workers: 4, Capacity: 1000})

	p.Start(context.Background())

	const total = 200

	for i := 0; i < total; i++ {
		if err := p.Enqueue(passedEvent(fmt.Sprintf("t%d", i%10), i)); err != nil {
			t.Fatalf("Enqueue(%d) error: %v", i, err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if got := len(events.all()); got != total {
		t.Errorf("persisted %d events, want %d", got, total)
	}
}

func TestPipelinePerTestOrdering(t *testing.T) {
	p, events, _, _ := newTestPipeline(t, Config{Workers: 8, Capacity: 1000})

	p.Start(context.Background())

	const perTest = 50

	for i := 0; i < perTest; i++ {
		for _, testID := range []string{"alpha", "beta", "gamma"} {
			if err := p.Enqueue(passedEvent(testID, i)); err != nil {
				t.Fatalf("Enqueue error: %v", err)
			}
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	seen := make(map[string]int)

	for _, evt := range events.all() {
		want := fmt.Sprintf("%s-%d", evt.TestID, seen[evt.TestID])
		if evt.ID != want {
			t.Fatalf("test %s: event %s arrived out of order (want %s)", evt.TestID, evt.ID, want)
		}

		seen[evt.TestID]++
	}

	for _, testID := range []string{"alpha", "beta", "gamma"} {
		if seen[testID] != perTest {
			t.Errorf("test %s: processed %d events, want %d", testID, seen[testID], perTest)
		}
	}
}

func TestPipelineRejectsWhenFull(t *testing.T) {
	// Workers never started: the queue only fills.
	p, _, _, _ := newTestPipeline(t, Config{Workers: 1, Capacity: 5})

	for i := 0; i < 5; i++ {
		if err := p.Enqueue(passedEvent("t1", i)); err != nil {
			t.Fatalf("Enqueue(%d) error: %v", i, err)
		}
	}

	if err := p.Enqueue(passedEvent("t1", 5)); err != ErrQueueFull {
		t.Errorf("Enqueue on full queue = %v, want ErrQueueFull", err)
	}
}

func TestPipelineRejectsAfterShutdown(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{Workers: 1, Capacity: 10})

	p.Start(context.Background())

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if err := p.Enqueue(passedEvent("t1", 0)); err != ErrShuttingDown {
		t.Errorf("Enqueue after shutdown = %v, want ErrShuttingDown", err)
	}
}

func TestPipelineFailurePathProducesClassification(t *testing.T) {
	p, _, classifications, signalStore := newTestPipeline(t, Config{Workers: 2, Capacity: 100})

	p.Start(context.Background())

	evt := &event.Event{
		ID:           "f-1",
		Type:         event.TypeTestEnd,
		Framework:    "pytest",
		TestID:       "tests/test_login.py::test_valid",
		Status:       event.StatusFailed,
		ErrorMessage: "AssertionError: expected 200 got 500",
		StackTrace:   "File \"test_login.py\", line 42\n  in test_valid\n    assert resp.status == 200\nAssertionError",
	}

	if err := p.Enqueue(evt); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if classifications.count() != 1 {
		t.Fatalf("saved %d classifications, want 1", classifications.count())
	}

	exp := classifications.saved[0]
	if exp.Category != rules.FailureProductDefect {
		t.Errorf("Category = %s, want PRODUCT_DEFECT", exp.Category)
	}

	if exp.FinalConfidence <= 0 || exp.FinalConfidence > 1 {
		t.Errorf("FinalConfidence = %v, out of range", exp.FinalConfidence)
	}

	// First observation of the test reports new_test.
	newTest, _ := signalStore.List(context.Background(), drift.SignalFilter{Type: drift.TypeNewTest})
	if len(newTest) != 1 {
		t.Errorf("emitted %d new_test signals, want 1", len(newTest))
	}
}

func TestPipelineHistoryFeedsSignalQuality(t *testing.T) {
	p, _, classifications, _ := newTestPipeline(t, Config{Workers: 1, Capacity: 100})

	p.Start(context.Background())

	sibling := &event.Event{
		ID:           "f-add",
		Type:         event.TypeTestEnd,
		Framework:    "pytest",
		TestID:       "tests/test_cart.py::test_add",
		Status:       event.StatusFailed,
		ErrorMessage: "ConnectionError: database is unreachable",
		RunID:        "run-7",
		Metadata:     map[string]interface{}{"feature": "cart"},
	}

	priorFailure := &event.Event{
		ID:           "f-remove-1",
		Type:         event.TypeTestEnd,
		Framework:    "pytest",
		TestID:       "tests/test_cart.py::test_remove",
		Status:       event.StatusFailed,
		ErrorMessage: "TypeError: cart is None",
	}

	target := &event.Event{
		ID:           "f-remove-2",
		Type:         event.TypeTestEnd,
		Framework:    "pytest",
		TestID:       "tests/test_cart.py::test_remove",
		Status:       event.StatusFailed,
		ErrorMessage: "ConnectionError: database is unreachable",
		RunID:        "run-7",
		Metadata: map[string]interface{}{
			"feature":        "cart",
			"retries":        2,
			"retry_failures": 2,
			"retry_messages": []string{"socket closed while reading response header"},
		},
	}

	for _, evt := range []*event.Event{sibling, priorFailure, target} {
		if err := p.Enqueue(evt); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", evt.ID, err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if classifications.count() != 3 {
		t.Fatalf("saved %d classifications, want 3", classifications.count())
	}

	exp := classifications.saved[2]

	if got := exp.SignalQuality.CrossTestCorrelation; got != 1.0 {
		t.Errorf("CrossTestCorrelation = %v, want 1.0 (sibling failed with matching message)", got)
	}

	if got := exp.SignalQuality.ErrorMessageStability; got != 0.2 {
		t.Errorf("ErrorMessageStability = %v, want 0.2 (retry message diverged)", got)
	}

	if got := exp.SignalQuality.RetryConsistency; got != 1.0 {
		t.Errorf("RetryConsistency = %v, want 1.0 (both retries reproduced)", got)
	}

	if len(exp.Evidence.SimilarFailures) == 0 {
		t.Error("Evidence.SimilarFailures is empty, want the earlier TypeError signature")
	}

	related := false

	for _, id := range exp.Evidence.RelatedTests {
		if id == "tests/test_cart.py::test_add" {
			related = true
		}
	}

	if !related {
		t.Errorf("Evidence.RelatedTests = %v, want it to include tests/test_cart.py::test_add",
			exp.Evidence.RelatedTests)
	}
}

func TestPipelinePassedEventSkipsClassification(t *testing.T) {
	p, _, classifications, _ := newTestPipeline(t, Config{Workers: 1, Capacity: 10})

	p.Start(context.Background())

	if err := p.Enqueue(passedEvent("t1", 0)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	if classifications.count() != 0 {
		t.Errorf("saved %d classifications for a passed event, want 0", classifications.count())
	}
}

func TestPipelineSnapshotCountsEvents(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, Config{Workers: 2, Capacity: 100})

	p.Start(context.Background())

	for i := 0; i < 20; i++ {
		if err := p.Enqueue(passedEvent("t1", i)); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	snap := p.Snapshot()

	if snap.Processed != 20 {
		t.Errorf("Processed = %d, want 20", snap.Processed)
	}

	if snap.ByFramework["pytest"] != 20 {
		t.Errorf("ByFramework[pytest] = %d, want 20", snap.ByFramework["pytest"])
	}

	if snap.ByType["test_end"] != 20 {
		t.Errorf("ByType[test_end] = %d, want 20", snap.ByType["test_end"])
	}

	if snap.QueueDepth != 0 {
		t.Errorf("QueueDepth = %d, want 0 after drain", snap.QueueDepth)
	}
}

func TestShardIndexStable(t *testing.T) {
	for _, shards := range []int{1, 4, 16} {
		first := shardIndex("tests/test_login.py::test_valid", shards)

		for i := 0; i < 10; i++ {
			if got := shardIndex("tests/test_login.py::test_valid", shards); got != first {
				t.Fatalf("shardIndex not stable: %d then %d", first, got)
			}
		}

		if first < 0 || first >= shards {
			t.Errorf("shardIndex out of range: %d with %d shards", first, shards)
		}
	}
}

// blockingEventStore blocks every Store call until released.
type blockingEventStore struct {
	release chan struct{}
}

func (s *blockingEventStore) Store(context.Context, *event.Event) error {
	<-s.release

	return nil
}

func TestPipelineDrainTimeout(t *testing.T) {
	store := &blockingEventStore{release: make(chan struct{})}
	reporter := drift.NewReporter(drift.NewMemorySignalStore(), nil, nil)
	registry := rules.NewRegistry(rules.NewLoader(t.TempDir(), nil, nil), nil, nil)

	deps := Deps{
		Events:     store,
		Graph:      graph.NewUpdater(graph.NewMemoryStore(), nil, nil),
		Extractor:  signals.DefaultPipeline(nil),
		Classifier: classifier.New(registry, nil),
		Registry:   registry,
		Explainer:  explain.NewBuilder(nil),
		Detector:   flaky.NewDetector(flaky.NewMemoryHistoryStore(), reporter, nil),
		Monitor:    drift.NewMonitor(drift.NewMemoryMeasurementStore(), reporter, nil),
	}

	p := New(Config{Workers: 1, Capacity: 10, DrainTimeout: 50 * time.Millisecond}, deps, nil)
	p.Start(context.Background())

	defer close(store.release)

	if err := p.Enqueue(passedEvent("t1", 0)); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	if err := p.Shutdown(context.Background()); err == nil {
		t.Error("Shutdown() = nil, want drain timeout error")
	}
}
