package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/drift"
)

// ErrDriftStoreFailed is returned when a drift storage operation fails.
var ErrDriftStoreFailed = errors.New("drift storage failed")

// DriftStore implements drift.SignalStore and drift.MeasurementStore with
// a PostgreSQL backend.
type DriftStore struct {
	conn *Connection
}

var (
	_ drift.SignalStore      = (*DriftStore)(nil)
	_ drift.MeasurementStore = (*DriftStore)(nil)
)

// NewDriftStore creates a PostgreSQL-backed drift store.
func NewDriftStore(conn *Connection) (*DriftStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &DriftStore{conn: conn}, nil
}

// Save persists one drift signal.
func (s *DriftStore) Save(ctx context.Context, signal *drift.Signal) error {
	detail, err := json.Marshal(signal.Detail)
	if err != nil {
		detail = []byte("{}")
	}

	query := `
		INSERT INTO drift_signals (id, signal_type, severity, test_id, framework, message, detail, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err = s.conn.DB.ExecContext(ctx, query,
		signal.ID, string(signal.Type), string(signal.Severity),
		signal.TestID, signal.Framework, signal.Message, string(detail), signal.DetectedAt)
	if err != nil {
		return fmt.Errorf("%w: save signal: %s", ErrDriftStoreFailed, err.Error())
	}

	return nil
}

// List returns drift signals matching the filter, newest first.
func (s *DriftStore) List(ctx context.Context, filter drift.SignalFilter) ([]*drift.Signal, error) {
	query := `
		SELECT id, signal_type, severity, test_id, framework, message, detail, detected_at
		FROM drift_signals
		WHERE ($1 = '' OR signal_type = $1)
		  AND ($2 = '' OR test_id = $2)
		  AND ($3::timestamptz IS NULL OR detected_at >= $3)
		ORDER BY detected_at DESC
		LIMIT $4`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var since any
	if !filter.Since.IsZero() {
		since = filter.Since
	}

	rows, err := s.conn.DB.QueryContext(ctx, query,
		string(filter.Type), filter.TestID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list signals: %s", ErrDriftStoreFailed, err.Error())
	}

	defer func() { _ = rows.Close() }()

	var out []*drift.Signal

	for rows.Next() {
		var (
			signal   drift.Signal
			sigType  string
			severity string
			detail   []byte
		)

		err := rows.Scan(&signal.ID, &sigType, &severity,
			&signal.TestID, &signal.Framework, &signal.Message, &detail, &signal.DetectedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: scan signal: %s", ErrDriftStoreFailed, err.Error())
		}

		signal.Type = drift.Type(sigType)
		signal.Severity = drift.Severity(severity)

		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &signal.Detail)
		}

		// Severity threshold filtering happens here because severity
		// ordering is domain knowledge, not SQL collation.
		if filter.Severity != "" && !signal.Severity.AtLeast(filter.Severity) {
			continue
		}

		out = append(out, &signal)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: signal rows: %s", ErrDriftStoreFailed, err.Error())
	}

	return out, nil
}

// Record persists one confidence measurement.
func (s *DriftStore) Record(ctx context.Context, m *drift.Measurement) error {
	query := `
		INSERT INTO confidence_measurements (test_id, framework, confidence, measured_at)
		VALUES ($1, $2, $3, $4)`

	_, err := s.conn.DB.ExecContext(ctx, query, m.TestID, m.Framework, m.Confidence, m.MeasuredAt)
	if err != nil {
		return fmt.Errorf("%w: record measurement: %s", ErrDriftStoreFailed, err.Error())
	}

	return nil
}

// Window returns measurements at or after since, oldest first.
func (s *DriftStore) Window(ctx context.Context, testID, framework string, since time.Time) ([]drift.Measurement, error) {
	query := `
		SELECT test_id, framework, confidence, measured_at
		FROM confidence_measurements
		WHERE test_id = $1 AND framework = $2 AND measured_at >= $3
		ORDER BY measured_at ASC`

	rows, err := s.conn.DB.QueryContext(ctx, query, testID, framework, since)
	if err != nil {
		return nil, fmt.Errorf("%w: query window: %s", ErrDriftStoreFailed, err.Error())
	}

	defer func() { _ = rows.Close() }()

	var out []drift.Measurement

	for rows.Next() {
		var m drift.Measurement

		if err := rows.Scan(&m.TestID, &m.Framework, &m.Confidence, &m.MeasuredAt); err != nil {
			return nil, fmt.Errorf("%w: scan measurement: %s", ErrDriftStoreFailed, err.Error())
		}

		out = append(out, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: measurement rows: %s", ErrDriftStoreFailed, err.Error())
	}

	return out, nil
}
