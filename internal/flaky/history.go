package flaky

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/rules"
)

// Label is the flakiness verdict for a failure signature.
type Label string

const (
	// LabelUnknown means there is not yet enough history to judge.
	LabelUnknown Label = "UNKNOWN"

	// LabelFlaky means the failure comes and goes across runs.
	LabelFlaky Label = "FLAKY"

	// LabelDeterministic means the failure reproduces consistently.
	LabelDeterministic Label = "DETERMINISTIC"
)

// ErrHistoryNotFound indicates no history exists for a signature.
var ErrHistoryNotFound = errors.New("failure history not found")

type (
	// History is the accumulated record for one failure signature.
	History struct {
		Signature           string            `json:"signature"`
		Root                string            `json:"-"`
		TestID              string            `json:"test_id"`
		Framework           string            `json:"framework"`
		Category            rules.FailureType `json:"category"`
		Occurrences         int               `json:"occurrences"`
		ConsecutiveFailures int               `json:"consecutive_failures"`
		PassesBetween       int               `json:"passes_between"`
		DistinctVariants    int               `json:"distinct_variants"`
		Label               Label             `json:"label"`
		FirstSeen           time.Time         `json:"first_seen"`
		LastSeen            time.Time         `json:"last_seen"`
	}

	// HistoryStore persists failure histories and the per-test last-run
	// status the detector needs to spot pass/fail alternation.
	HistoryStore interface {
		// Get loads the history for a signature; ErrHistoryNotFound when
		// the signature has never been seen.
		Get(ctx context.Context, signature string) (*History, error)

		// Save upserts a history keyed by its signature.
		Save(ctx context.Context, h *History) error

		// RecordVariant notes one normalized-message variant under a
		// signature root and returns the distinct count.
		RecordVariant(ctx context.Context, root, messageHash string) (int, error)

		// LastStatus returns the last recorded run status for a test;
		// ok=false when the test has no recorded status yet.
		LastStatus(ctx context.Context, testID string) (status string, ok bool, err error)

		// SetLastStatus records the latest run status for a test.
		SetLastStatus(ctx context.Context, testID, status string) error

		// ByTest lists all histories for a test, most recent first.
		ByTest(ctx context.Context, testID string) ([]*History, error)
	}

	// MemoryHistoryStore is an in-memory HistoryStore for tests and
	// single-node development runs.
	MemoryHistoryStore struct {
		mu         sync.RWMutex
		histories  map[string]*History
		variants   map[string]map[string]struct{}
		lastStatus map[string]string
	}
)

// NewMemoryHistoryStore creates an empty in-memory history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{
		histories:  make(map[string]*History),
		variants:   make(map[string]map[string]struct{}),
		lastStatus: make(map[string]string),
	}
}

// Get loads a history by signature.
func (s *MemoryHistoryStore) Get(_ context.Context, signature string) (*History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.histories[signature]
	if !ok {
		return nil, ErrHistoryNotFound
	}

	copied := *h

	return &copied, nil
}

// Save upserts a history.
func (s *MemoryHistoryStore) Save(_ context.Context, h *History) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *h
	s.histories[h.Signature] = &copied

	return nil
}

// RecordVariant tracks one normalized-message variant under a root.
func (s *MemoryHistoryStore) RecordVariant(_ context.Context, root, messageHash string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.variants[root]
	if !ok {
		set = make(map[string]struct{})
		s.variants[root] = set
	}

	set[messageHash] = struct{}{}

	return len(set), nil
}

// LastStatus returns the last recorded run status for a test.
func (s *MemoryHistoryStore) LastStatus(_ context.Context, testID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.lastStatus[testID]

	return status, ok, nil
}

// SetLastStatus records the latest run status for a test.
func (s *MemoryHistoryStore) SetLastStatus(_ context.Context, testID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastStatus[testID] = status

	return nil
}

// ByTest lists all histories for a test, most recently seen first.
func (s *MemoryHistoryStore) ByTest(_ context.Context, testID string) ([]*History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*History

	for _, h := range s.histories {
		if h.TestID == testID {
			copied := *h
			out = append(out, &copied)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})

	return out, nil
}
