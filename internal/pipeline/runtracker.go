package pipeline

import (
	"sync"
	"time"
)

// defaultTrackedRuns bounds how many runs the tracker remembers at once.
const defaultTrackedRuns = 256

type (
	// runTracker keeps a bounded window of per-run observations so the
	// explainability builder can score cross-test correlation: how many
	// sibling tests in the same run failed with a matching failure variant.
	runTracker struct {
		mu       sync.Mutex
		runs     map[string]*runRecord
		capacity int
	}

	runRecord struct {
		lastSeen time.Time
		tests    map[string]struct{}
		// failures maps a failure variant key to the failing test IDs.
		failures map[string]map[string]struct{}
	}
)

// newRunTracker creates a tracker remembering at most capacity runs; the
// least recently updated run is evicted first.
func newRunTracker(capacity int) *runTracker {
	if capacity <= 0 {
		capacity = defaultTrackedRuns
	}

	return &runTracker{
		runs:     make(map[string]*runRecord),
		capacity: capacity,
	}
}

// Observe records one terminal test outcome for a run. An empty variantKey
// marks a non-failing outcome.
func (t *runTracker) Observe(runID, testID, variantKey string) {
	if runID == "" || testID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.runs[runID]
	if !ok {
		t.evictOldest()

		rec = &runRecord{
			tests:    make(map[string]struct{}),
			failures: make(map[string]map[string]struct{}),
		}
		t.runs[runID] = rec
	}

	rec.lastSeen = time.Now()
	rec.tests[testID] = struct{}{}

	if variantKey == "" {
		return
	}

	set, ok := rec.failures[variantKey]
	if !ok {
		set = make(map[string]struct{})
		rec.failures[variantKey] = set
	}

	set[testID] = struct{}{}
}

// Siblings reports how many other tests the run has seen and how many of
// them failed with the given variant. The test itself is excluded from both
// counts.
func (t *runTracker) Siblings(runID, testID, variantKey string) (total, failures int) {
	if runID == "" {
		return 0, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.runs[runID]
	if !ok {
		return 0, 0
	}

	total = len(rec.tests)
	if _, ok := rec.tests[testID]; ok {
		total--
	}

	for id := range rec.failures[variantKey] {
		if id != testID {
			failures++
		}
	}

	return total, failures
}

// Tests lists the test IDs the run has seen so far.
func (t *runTracker) Tests(runID string) []string {
	if runID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.runs[runID]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(rec.tests))
	for id := range rec.tests {
		out = append(out, id)
	}

	return out
}

// evictOldest drops the least recently updated run when the tracker is at
// capacity. Callers hold t.mu.
func (t *runTracker) evictOldest() {
	if len(t.runs) < t.capacity {
		return
	}

	var (
		oldestID   string
		oldestSeen time.Time
	)

	for id, rec := range t.runs {
		if oldestID == "" || rec.lastSeen.Before(oldestSeen) {
			oldestID = id
			oldestSeen = rec.lastSeen
		}
	}

	delete(t.runs, oldestID)
}
