package drift

import (
	"context"
	"sort"
	"sync"
	"time"
)

type (
	// MemoryMeasurementStore is an in-memory MeasurementStore for tests
	// and single-node development runs.
	MemoryMeasurementStore struct {
		mu     sync.RWMutex
		byTest map[string][]Measurement
	}

	// MemorySignalStore is an in-memory SignalStore.
	MemorySignalStore struct {
		mu      sync.RWMutex
		signals []*Signal
	}
)

// NewMemoryMeasurementStore creates an empty in-memory measurement store.
func NewMemoryMeasurementStore() *MemoryMeasurementStore {
	return &MemoryMeasurementStore{byTest: make(map[string][]Measurement)}
}

func measurementKey(testID, framework string) string {
	return framework + "\x00" + testID
}

// Record appends a measurement.
func (s *MemoryMeasurementStore) Record(_ context.Context, m *Measurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := measurementKey(m.TestID, m.Framework)
	s.byTest[key] = append(s.byTest[key], *m)

	return nil
}

// Window returns measurements at or after since, oldest first.
func (s *MemoryMeasurementStore) Window(
	_ context.Context,
	testID, framework string,
	since time.Time,
) ([]Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Measurement

	for _, m := range s.byTest[measurementKey(testID, framework)] {
		if !m.MeasuredAt.Before(since) {
			out = append(out, m)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MeasuredAt.Before(out[j].MeasuredAt)
	})

	return out, nil
}

// NewMemorySignalStore creates an empty in-memory signal store.
func NewMemorySignalStore() *MemorySignalStore {
	return &MemorySignalStore{}
}

// Save appends a signal.
func (s *MemorySignalStore) Save(_ context.Context, signal *Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *signal
	s.signals = append(s.signals, &copied)

	return nil
}

// List returns signals matching the filter, newest first.
func (s *MemorySignalStore) List(_ context.Context, filter SignalFilter) ([]*Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Signal

	for i := len(s.signals) - 1; i >= 0; i-- {
		signal := s.signals[i]

		if filter.Type != "" && signal.Type != filter.Type {
			continue
		}

		if filter.Severity != "" && !signal.Severity.AtLeast(filter.Severity) {
			continue
		}

		if filter.TestID != "" && signal.TestID != filter.TestID {
			continue
		}

		if !filter.Since.IsZero() && signal.DetectedAt.Before(filter.Since) {
			continue
		}

		copied := *signal
		out = append(out, &copied)

		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}

	return out, nil
}
