package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/crossbridge-io/crossbridge/internal/flaky"
	"github.com/crossbridge-io/crossbridge/internal/rules"
)

// ErrHistoryStoreFailed is returned when a failure-history operation fails.
var ErrHistoryStoreFailed = errors.New("failure history storage failed")

// HistoryStore implements flaky.HistoryStore with a PostgreSQL backend.
type HistoryStore struct {
	conn *Connection
}

var _ flaky.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates a PostgreSQL-backed failure history store.
func NewHistoryStore(conn *Connection) (*HistoryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &HistoryStore{conn: conn}, nil
}

// Get loads the history for a signature.
func (s *HistoryStore) Get(ctx context.Context, signature string) (*flaky.History, error) {
	query := `
		SELECT signature, root, test_id, framework, category,
		       occurrences, consecutive_failures, passes_between,
		       distinct_variants, label, first_seen, last_seen
		FROM failure_history
		WHERE signature = $1`

	var (
		h        flaky.History
		category string
		label    string
	)

	err := s.conn.DB.QueryRowContext(ctx, query, signature).Scan(
		&h.Signature, &h.Root, &h.TestID, &h.Framework, &category,
		&h.Occurrences, &h.ConsecutiveFailures, &h.PassesBetween,
		&h.DistinctVariants, &label, &h.FirstSeen, &h.LastSeen)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, flaky.ErrHistoryNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: get: %s", ErrHistoryStoreFailed, err.Error())
	}

	h.Category = rules.FailureType(category)
	h.Label = flaky.Label(label)

	return &h, nil
}

// Save upserts a history keyed by signature.
func (s *HistoryStore) Save(ctx context.Context, h *flaky.History) error {
	query := `
		INSERT INTO failure_history (
			signature, root, test_id, framework, category,
			occurrences, consecutive_failures, passes_between,
			distinct_variants, label, first_seen, last_seen
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signature)
		DO UPDATE SET
			occurrences = EXCLUDED.occurrences,
			consecutive_failures = EXCLUDED.consecutive_failures,
			passes_between = EXCLUDED.passes_between,
			distinct_variants = EXCLUDED.distinct_variants,
			label = EXCLUDED.label,
			last_seen = EXCLUDED.last_seen`

	_, err := s.conn.DB.ExecContext(ctx, query,
		h.Signature, h.Root, h.TestID, h.Framework, string(h.Category),
		h.Occurrences, h.ConsecutiveFailures, h.PassesBetween,
		h.DistinctVariants, string(h.Label), h.FirstSeen, h.LastSeen)
	if err != nil {
		return fmt.Errorf("%w: save: %s", ErrHistoryStoreFailed, err.Error())
	}

	return nil
}

// RecordVariant notes one message variant under a root and returns the
// distinct count.
func (s *HistoryStore) RecordVariant(ctx context.Context, root, messageHash string) (int, error) {
	insert := `
		INSERT INTO failure_variants (root, message_hash, first_seen)
		VALUES ($1, $2, NOW())
		ON CONFLICT (root, message_hash) DO NOTHING`

	if _, err := s.conn.DB.ExecContext(ctx, insert, root, messageHash); err != nil {
		return 0, fmt.Errorf("%w: record variant: %s", ErrHistoryStoreFailed, err.Error())
	}

	var count int
	if err := s.conn.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failure_variants WHERE root = $1`, root).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count variants: %s", ErrHistoryStoreFailed, err.Error())
	}

	return count, nil
}

// LastStatus returns the last recorded run status for a test.
func (s *HistoryStore) LastStatus(ctx context.Context, testID string) (string, bool, error) {
	var status string

	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT status FROM test_run_status WHERE test_id = $1`, testID).Scan(&status)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("%w: last status: %s", ErrHistoryStoreFailed, err.Error())
	}

	return status, true, nil
}

// SetLastStatus records the latest run status for a test.
func (s *HistoryStore) SetLastStatus(ctx context.Context, testID, status string) error {
	query := `
		INSERT INTO test_run_status (test_id, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (test_id)
		DO UPDATE SET status = EXCLUDED.status, updated_at = NOW()`

	if _, err := s.conn.DB.ExecContext(ctx, query, testID, status); err != nil {
		return fmt.Errorf("%w: set last status: %s", ErrHistoryStoreFailed, err.Error())
	}

	return nil
}

// ByTest lists all histories for a test, most recently seen first.
func (s *HistoryStore) ByTest(ctx context.Context, testID string) ([]*flaky.History, error) {
	query := `
		SELECT signature, root, test_id, framework, category,
		       occurrences, consecutive_failures, passes_between,
		       distinct_variants, label, first_seen, last_seen
		FROM failure_history
		WHERE test_id = $1
		ORDER BY last_seen DESC`

	rows, err := s.conn.DB.QueryContext(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("%w: by test: %s", ErrHistoryStoreFailed, err.Error())
	}

	defer func() { _ = rows.Close() }()

	var out []*flaky.History

	for rows.Next() {
		var (
			h        flaky.History
			category string
			label    string
		)

		err := rows.Scan(&h.Signature, &h.Root, &h.TestID, &h.Framework, &category,
			&h.Occurrences, &h.ConsecutiveFailures, &h.PassesBetween,
			&h.DistinctVariants, &label, &h.FirstSeen, &h.LastSeen)
		if err != nil {
			return nil, fmt.Errorf("%w: scan history: %s", ErrHistoryStoreFailed, err.Error())
		}

		h.Category = rules.FailureType(category)
		h.Label = flaky.Label(label)
		out = append(out, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history rows: %s", ErrHistoryStoreFailed, err.Error())
	}

	return out, nil
}
