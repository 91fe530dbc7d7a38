package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retention defaults per table. The coverage graph is unbounded and never
// swept.
const (
	defaultEventRetention   = 90 * 24 * time.Hour
	defaultHistoryRetention = 180 * 24 * time.Hour
	defaultDriftRetention   = 60 * 24 * time.Hour

	defaultSweepInterval = time.Hour

	// sweepBatchSize bounds each delete so sweeps never hold long locks.
	sweepBatchSize = 10_000

	// sweepBatchSleep is the pause between delete batches.
	sweepBatchSleep = 100 * time.Millisecond

	sweepQueryTimeout = 30 * time.Second
)

type (
	// RetentionPolicy holds per-table retention windows.
	RetentionPolicy struct {
		Events   time.Duration
		History  time.Duration
		Drift    time.Duration
		Interval time.Duration
	}

	// Sweeper periodically deletes expired rows in bounded batches.
	Sweeper struct {
		conn   *Connection
		policy RetentionPolicy
		logger *slog.Logger

		stop chan struct{}
		done chan struct{}
	}
)

// DefaultRetentionPolicy returns the standard retention windows: events 90
// days, failure history 180 days, drift signals 60 days.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Events:   defaultEventRetention,
		History:  defaultHistoryRetention,
		Drift:    defaultDriftRetention,
		Interval: defaultSweepInterval,
	}
}

// NewSweeper creates a retention sweeper.
func NewSweeper(conn *Connection, policy RetentionPolicy, logger *slog.Logger) (*Sweeper, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	if policy.Interval <= 0 {
		policy.Interval = defaultSweepInterval
	}

	return &Sweeper{
		conn:   conn,
		policy: policy,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start runs the sweep loop until Stop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.policy.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.SweepOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepOnce applies every retention window now.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	sweeps := []struct {
		table     string
		column    string
		retention time.Duration
	}{
		{"events", "event_timestamp", s.policy.Events},
		{"failure_history", "last_seen", s.policy.History},
		{"drift_signals", "detected_at", s.policy.Drift},
		{"confidence_measurements", "measured_at", s.policy.Drift},
	}

	for _, sweep := range sweeps {
		if sweep.retention <= 0 {
			continue
		}

		deleted, err := s.sweepTable(ctx, sweep.table, sweep.column, sweep.retention)
		if err != nil {
			s.logger.Error("Retention sweep failed",
				slog.String("table", sweep.table),
				slog.String("error", err.Error()),
			)

			continue
		}

		if deleted > 0 {
			s.logger.Info("Retention sweep completed",
				slog.String("table", sweep.table),
				slog.Int64("deleted", deleted),
			)
		}
	}
}

// sweepTable deletes expired rows from one table in batches until no rows
// remain, sleeping between batches to avoid starving foreground queries.
func (s *Sweeper) sweepTable(ctx context.Context, table, column string, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)

	// Identifiers come from the static sweep list above, never from input.
	// tableoid disambiguates ctids across partitions of the events table.
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE (tableoid, ctid) IN (
			SELECT tableoid, ctid FROM %s
			WHERE %s < $1
			LIMIT %d
		)`, table, table, column, sweepBatchSize)

	var total int64

	for {
		batchCtx, cancel := context.WithTimeout(ctx, sweepQueryTimeout)
		result, err := s.conn.DB.ExecContext(batchCtx, query, cutoff)

		cancel()

		if err != nil {
			return total, fmt.Errorf("delete batch from %s: %w", table, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected for %s: %w", table, err)
		}

		total += deleted

		if deleted < sweepBatchSize {
			return total, nil
		}

		select {
		case <-ctx.Done():
			return total, fmt.Errorf("sweep canceled: %w", ctx.Err())
		case <-time.After(sweepBatchSleep):
		}
	}
}
