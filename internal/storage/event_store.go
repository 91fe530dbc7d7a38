package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/crossbridge-io/crossbridge/internal/event"
)

// Batching defaults: a batch flushes when it reaches batchSize events or
// when flushInterval elapses, whichever comes first.
const (
	defaultBatchSize     = 50
	defaultFlushInterval = 250 * time.Millisecond
	flushQueryTimeout    = 5 * time.Second
)

var (
	// ErrEventStoreClosed is returned when storing after Close.
	ErrEventStoreClosed = errors.New("event store is closed")

	// ErrEventStoreFailed is returned when event persistence fails and the
	// batch was dead-lettered to the spill log.
	ErrEventStoreFailed = errors.New("event storage failed")
)

type (
	// EventStore persists execution events into the time-partitioned
	// events table. Writes are buffered and flushed in batches; a failed
	// flush dead-letters the batch to the spill log so ingestion never
	// blocks on the database.
	EventStore struct {
		conn   *Connection
		spill  *SpillLog
		logger *slog.Logger

		batchSize     int
		flushInterval time.Duration
		spilled       prometheus.Counter

		mu      sync.Mutex
		pending []*event.Event
		closed  bool

		flushStop chan struct{}
		flushDone chan struct{}
	}

	// EventStoreOption configures optional EventStore behavior.
	EventStoreOption func(*EventStore)

	// EventFilter narrows event listing for the query endpoints.
	EventFilter struct {
		TestID    string
		Framework string
		Type      event.Type
		Status    event.Status
		Since     time.Time
		Limit     int
	}
)

// WithBatchSize overrides the flush batch size.
func WithBatchSize(n int) EventStoreOption {
	return func(s *EventStore) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFlushInterval overrides the time-based flush trigger.
func WithFlushInterval(d time.Duration) EventStoreOption {
	return func(s *EventStore) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithSpillCounter attaches a counter incremented per dead-lettered event.
func WithSpillCounter(counter prometheus.Counter) EventStoreOption {
	return func(s *EventStore) {
		s.spilled = counter
	}
}

// NewEventStore creates a batched event store and starts its background
// flusher.
func NewEventStore(conn *Connection, spill *SpillLog, logger *slog.Logger, opts ...EventStoreOption) (*EventStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	s := &EventStore{
		conn:          conn,
		spill:         spill,
		logger:        logger,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		flushStop:     make(chan struct{}),
		flushDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.flushLoop()

	return s, nil
}

// Store buffers one event for the next batch flush. The event is owned by
// the store from here on: it will reach the events table or, failing that,
// the spill log.
func (s *EventStore) Store(_ context.Context, evt *event.Event) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return ErrEventStoreClosed
	}

	s.pending = append(s.pending, evt)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		s.Flush()
	}

	return nil
}

// Flush writes all buffered events now.
func (s *EventStore) Flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := s.writeBatch(batch); err != nil {
		s.logger.Error("Event batch write failed, spilling",
			slog.Int("events", len(batch)),
			slog.String("error", err.Error()),
		)

		s.spillBatch(batch)
	}
}

// Close stops the flusher and writes any remaining buffered events.
func (s *EventStore) Close() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}

	s.closed = true
	s.mu.Unlock()

	close(s.flushStop)
	<-s.flushDone

	s.Flush()
}

// flushLoop triggers time-based flushes until Close.
func (s *EventStore) flushLoop() {
	defer close(s.flushDone)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.flushStop:
			return
		}
	}
}

// writeBatch inserts a batch in one transaction using COPY semantics.
func (s *EventStore) writeBatch(batch []*event.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), flushQueryTimeout)
	defer cancel()

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %s", ErrEventStoreFailed, err.Error())
	}

	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("events",
		"id", "event_type", "framework", "test_id", "test_name",
		"event_timestamp", "status", "duration_ms", "error_message",
		"stack_trace", "metadata", "schema_version", "run_id"))
	if err != nil {
		return fmt.Errorf("%w: prepare: %s", ErrEventStoreFailed, err.Error())
	}

	for _, evt := range batch {
		metadata, err := json.Marshal(evt.Metadata)
		if err != nil {
			metadata = []byte("{}")
		}

		_, err = stmt.ExecContext(ctx,
			evt.ID, string(evt.Type), evt.Framework, evt.TestID, evt.TestName,
			evt.Timestamp, string(evt.Status), evt.DurationMs, evt.ErrorMessage,
			evt.StackTrace, string(metadata), evt.SchemaVersion, evt.RunID)
		if err != nil {
			return fmt.Errorf("%w: copy: %s", ErrEventStoreFailed, err.Error())
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("%w: finalize copy: %s", ErrEventStoreFailed, err.Error())
	}

	if err := stmt.Close(); err != nil {
		return fmt.Errorf("%w: close statement: %s", ErrEventStoreFailed, err.Error())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %s", ErrEventStoreFailed, err.Error())
	}

	return nil
}

// spillBatch dead-letters a failed batch to the local spill log.
func (s *EventStore) spillBatch(batch []*event.Event) {
	if s.spill == nil {
		s.logger.Error("No spill log configured, dropping batch",
			slog.Int("events", len(batch)),
		)

		return
	}

	for _, evt := range batch {
		if err := s.spill.Append(evt); err != nil {
			s.logger.Error("Spill append failed, event lost",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if s.spilled != nil {
			s.spilled.Inc()
		}
	}
}

// List returns events matching the filter, newest first. Serves the test
// history query endpoint.
func (s *EventStore) List(ctx context.Context, filter EventFilter) ([]*event.Event, error) {
	query := `
		SELECT id, event_type, framework, test_id, test_name,
		       event_timestamp, status, duration_ms, error_message,
		       stack_trace, metadata, schema_version, run_id
		FROM events
		WHERE ($1 = '' OR test_id = $1)
		  AND ($2 = '' OR framework = $2)
		  AND ($3 = '' OR event_type = $3)
		  AND ($4 = '' OR status = $4)
		  AND ($5::timestamptz IS NULL OR event_timestamp >= $5)
		ORDER BY event_timestamp DESC
		LIMIT $6`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var since sql.NullTime
	if !filter.Since.IsZero() {
		since = sql.NullTime{Time: filter.Since, Valid: true}
	}

	rows, err := s.conn.DB.QueryContext(ctx, query,
		filter.TestID, filter.Framework, string(filter.Type), string(filter.Status), since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %s", ErrEventStoreFailed, err.Error())
	}

	defer func() { _ = rows.Close() }()

	var out []*event.Event

	for rows.Next() {
		var (
			evt      event.Event
			evtType  string
			status   string
			metadata []byte
		)

		err := rows.Scan(&evt.ID, &evtType, &evt.Framework, &evt.TestID, &evt.TestName,
			&evt.Timestamp, &status, &evt.DurationMs, &evt.ErrorMessage,
			&evt.StackTrace, &metadata, &evt.SchemaVersion, &evt.RunID)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %s", ErrEventStoreFailed, err.Error())
		}

		evt.Type = event.Type(evtType)
		evt.Status = event.Status(status)

		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &evt.Metadata)
		}

		out = append(out, &evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows: %s", ErrEventStoreFailed, err.Error())
	}

	return out, nil
}
