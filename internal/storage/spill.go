package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/event"
)

// Retrier defaults.
const (
	defaultRetryInterval = 30 * time.Second
	spillFileMode        = 0o600
)

// ErrSpillClosed is returned when appending to a closed spill log.
var ErrSpillClosed = errors.New("spill log is closed")

type (
	// SpillLog is the local JSONL dead-letter file for events the database
	// rejected. One event per line in wire format, so the replay tool and
	// the background retrier can both drain it.
	SpillLog struct {
		// drainMu serializes whole drains; mu guards the file handle.
		// Drain must not hold mu while handing events out, so Append
		// stays callable from inside the drain callback.
		drainMu sync.Mutex
		mu      sync.Mutex
		path    string
		file    *os.File
		closed  bool
	}

	// Retrier periodically drains the spill log back into the event store.
	Retrier struct {
		spill    *SpillLog
		store    *EventStore
		interval time.Duration
		logger   *slog.Logger

		stop chan struct{}
		done chan struct{}
	}
)

// OpenSpillLog opens (or creates) the spill file in append mode.
func OpenSpillLog(path string) (*SpillLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, spillFileMode)
	if err != nil {
		return nil, fmt.Errorf("open spill log: %w", err)
	}

	return &SpillLog{path: path, file: file}, nil
}

// Append writes one event as a JSONL line and syncs it to disk.
func (s *SpillLog) Append(evt *event.Event) error {
	data, err := evt.MarshalWire()
	if err != nil {
		return fmt.Errorf("marshal spilled event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSpillClosed
	}

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to spill log: %w", err)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync spill log: %w", err)
	}

	return nil
}

// Drain reads all spilled events and hands them to fn. When every event is
// accepted its line is removed; on partial failure the file is rewritten
// with the events still owed. fn runs without the file lock held, so it
// may re-append to the spill — the event store does exactly that when the
// database is still down — and lines appended while a drain is in flight
// survive the rewrite.
func (s *SpillLog) Drain(fn func(*event.Event) error) (drained int, err error) {
	// One drain at a time; Append stays unblocked throughout.
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	lines, err := s.snapshot()
	if err != nil {
		return 0, err
	}

	if len(lines) == 0 {
		return 0, nil
	}

	var remaining [][]byte

	now := time.Now().UTC()

	for _, line := range lines {
		if len(line) == 0 {
			continue
		}

		evt, parseErr := event.Parse(line, now)
		if parseErr != nil {
			// Unparseable lines are dropped: replaying them can never
			// succeed.
			continue
		}

		if fnErr := fn(evt); fnErr != nil {
			remaining = append(remaining, line)

			continue
		}

		drained++
	}

	if err := s.compact(len(lines), remaining); err != nil {
		return drained, err
	}

	return drained, nil
}

// snapshot copies every line currently in the spill file.
func (s *SpillLog) snapshot() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSpillClosed
	}

	return s.readLines(0)
}

// compact rewrites the spill file with the still-owed lines, keeping any
// lines appended after the snapshot was taken.
func (s *SpillLog) compact(snapshotted int, remaining [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSpillClosed
	}

	tail, err := s.readLines(snapshotted)
	if err != nil {
		return err
	}

	return s.rewrite(append(remaining, tail...))
}

// readLines reads the spill file, skipping the first skip lines. Callers
// hold s.mu.
func (s *SpillLog) readLines(skip int) ([][]byte, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open spill log: %w", err)
	}

	defer func() { _ = file.Close() }()

	var lines [][]byte

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if skip > 0 {
			skip--

			continue
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read spill log: %w", err)
	}

	return lines, nil
}

// rewrite replaces the spill file content with the given lines.
func (s *SpillLog) rewrite(lines [][]byte) error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close spill log for rewrite: %w", err)
	}

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, spillFileMode)
	if err != nil {
		return fmt.Errorf("rewrite spill log: %w", err)
	}

	for _, line := range lines {
		if _, err := file.Write(append(line, '\n')); err != nil {
			_ = file.Close()

			return fmt.Errorf("rewrite spill log line: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		_ = file.Close()

		return fmt.Errorf("sync rewritten spill log: %w", err)
	}

	s.file = file

	return nil
}

// Len returns the number of spilled events currently on disk.
func (s *SpillLog) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.path)
	if err != nil {
		return 0, fmt.Errorf("open spill log: %w", err)
	}

	defer func() { _ = file.Close() }()

	count := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			count++
		}
	}

	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("count spill log: %w", err)
	}

	return count, nil
}

// Close closes the spill file.
func (s *SpillLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close spill log: %w", err)
	}

	return nil
}

// NewRetrier creates a background spill retrier.
func NewRetrier(spill *SpillLog, store *EventStore, interval time.Duration, logger *slog.Logger) *Retrier {
	if interval <= 0 {
		interval = defaultRetryInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Retrier{
		spill:    spill,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the retry loop until Stop.
func (r *Retrier) Start() {
	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.drainOnce()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop terminates the retry loop.
func (r *Retrier) Stop() {
	close(r.stop)
	<-r.done
}

// drainOnce replays spilled events through the event store.
func (r *Retrier) drainOnce() {
	drained, err := r.spill.Drain(func(evt *event.Event) error {
		return r.store.Store(context.Background(), evt)
	})
	if err != nil {
		r.logger.Warn("Spill drain failed",
			slog.String("error", err.Error()),
		)

		return
	}

	if drained > 0 {
		r.logger.Info("Replayed spilled events",
			slog.Int("events", drained),
		)
	}
}
