package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/crossbridge-io/crossbridge/internal/classifier"
	"github.com/crossbridge-io/crossbridge/internal/explain"
)

var (
	// ErrClassificationStoreFailed is returned when persistence fails.
	ErrClassificationStoreFailed = errors.New("classification storage failed")

	// ErrExplanationNotFound is returned when no explanation exists for a
	// failure ID.
	ErrExplanationNotFound = errors.New("explanation not found")
)

// ClassificationStore persists classifications and their explanations.
// Both are immutable: re-classifying an event writes new rows under a new
// failure ID, never an update.
type ClassificationStore struct {
	conn *Connection
}

// NewClassificationStore creates a PostgreSQL-backed classification store.
func NewClassificationStore(conn *Connection) (*ClassificationStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ClassificationStore{conn: conn}, nil
}

// SaveClassification writes the classification and its explanation in one
// transaction so a failure ID never has one without the other.
func (s *ClassificationStore) SaveClassification(
	ctx context.Context,
	cls *classifier.Classification,
	exp *explain.Explanation,
) error {
	signalsJSON, err := json.Marshal(cls.Signals)
	if err != nil {
		return fmt.Errorf("%w: marshal signals: %s", ErrClassificationStoreFailed, err.Error())
	}

	explanationJSON, err := exp.MarshalArtifact()
	if err != nil {
		return fmt.Errorf("%w: marshal explanation: %s", ErrClassificationStoreFailed, err.Error())
	}

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %s", ErrClassificationStoreFailed, err.Error())
	}

	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO classifications (
			failure_id, test_id, framework, category, raw_confidence,
			matched_rule_ids, signals, classified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cls.FailureID, cls.TestID, cls.Framework, string(cls.Category),
		cls.RawConfidence, pq.Array(cls.MatchedRuleIDs()), string(signalsJSON), cls.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: insert classification: %s", ErrClassificationStoreFailed, err.Error())
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO explanations (failure_id, final_confidence, explanation, summary)
		VALUES ($1, $2, $3, $4)`,
		exp.FailureID, exp.FinalConfidence, string(explanationJSON), exp.TextSummary())
	if err != nil {
		return fmt.Errorf("%w: insert explanation: %s", ErrClassificationStoreFailed, err.Error())
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %s", ErrClassificationStoreFailed, err.Error())
	}

	return nil
}

// GetExplanation loads the explanation JSON for a failure ID. Serves the
// explanation query endpoint.
func (s *ClassificationStore) GetExplanation(ctx context.Context, failureID string) (*explain.Explanation, error) {
	var explanationJSON []byte

	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT explanation FROM explanations WHERE failure_id = $1`, failureID).
		Scan(&explanationJSON)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrExplanationNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: query explanation: %s", ErrClassificationStoreFailed, err.Error())
	}

	var exp explain.Explanation
	if err := json.Unmarshal(explanationJSON, &exp); err != nil {
		return nil, fmt.Errorf("%w: unmarshal explanation: %s", ErrClassificationStoreFailed, err.Error())
	}

	return &exp, nil
}
