package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/crossbridge-io/crossbridge/internal/graph"
)

// ErrGraphStoreFailed is returned when a coverage graph operation fails.
var ErrGraphStoreFailed = errors.New("coverage graph storage failed")

// GraphStore implements graph.Store with a PostgreSQL backend.
//
// Upserts rely on ON CONFLICT ... RETURNING (xmax = 0): xmax is zero for a
// freshly inserted row and non-zero when an existing row was updated, which
// is exactly the created/re-observed distinction the coverage graph needs.
type GraphStore struct {
	conn *Connection
}

// Compile-time interface assertion.
var _ graph.Store = (*GraphStore)(nil)

// NewGraphStore creates a PostgreSQL-backed coverage graph store.
func NewGraphStore(conn *Connection) (*GraphStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &GraphStore{conn: conn}, nil
}

// UpsertNode inserts or re-observes a node, keyed by node ID.
func (s *GraphStore) UpsertNode(ctx context.Context, node *graph.Node) (bool, error) {
	query := `
		INSERT INTO coverage_nodes (node_id, kind, label, first_seen, last_seen, observation_count)
		VALUES ($1, $2, $3, NOW(), NOW(), 1)
		ON CONFLICT (node_id)
		DO UPDATE SET
			last_seen = NOW(),
			observation_count = coverage_nodes.observation_count + 1
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	if err := s.conn.DB.QueryRowContext(ctx, query, node.ID, string(node.Kind), node.Label).Scan(&inserted); err != nil {
		return false, fmt.Errorf("%w: upsert node: %s", ErrGraphStoreFailed, err.Error())
	}

	return inserted, nil
}

// UpsertEdge inserts or re-observes an edge, keyed by (from, to, type).
func (s *GraphStore) UpsertEdge(ctx context.Context, edge *graph.Edge) (bool, error) {
	query := `
		INSERT INTO coverage_edges (from_node, to_node, edge_type, first_seen, last_seen, observation_count)
		VALUES ($1, $2, $3, NOW(), NOW(), 1)
		ON CONFLICT (from_node, to_node, edge_type)
		DO UPDATE SET
			last_seen = NOW(),
			observation_count = coverage_edges.observation_count + 1
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	if err := s.conn.DB.QueryRowContext(ctx, query, edge.From, edge.To, string(edge.Type)).Scan(&inserted); err != nil {
		return false, fmt.Errorf("%w: upsert edge: %s", ErrGraphStoreFailed, err.Error())
	}

	return inserted, nil
}

// Node returns a node by its namespaced ID.
func (s *GraphStore) Node(ctx context.Context, id string) (*graph.Node, error) {
	query := `
		SELECT node_id, kind, label, first_seen, last_seen, observation_count
		FROM coverage_nodes
		WHERE node_id = $1`

	var (
		node graph.Node
		kind string
	)

	err := s.conn.DB.QueryRowContext(ctx, query, id).Scan(
		&node.ID, &kind, &node.Label, &node.FirstSeen, &node.LastSeen, &node.ObservationCount)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, graph.ErrNodeNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: query node: %s", ErrGraphStoreFailed, err.Error())
	}

	node.Kind = graph.NodeKind(kind)

	return &node, nil
}

// Edges returns all outgoing edges of a node.
func (s *GraphStore) Edges(ctx context.Context, fromID string) ([]*graph.Edge, error) {
	query := `
		SELECT from_node, to_node, edge_type, first_seen, last_seen, observation_count
		FROM coverage_edges
		WHERE from_node = $1
		ORDER BY edge_type, to_node`

	rows, err := s.conn.DB.QueryContext(ctx, query, fromID)
	if err != nil {
		return nil, fmt.Errorf("%w: query edges: %s", ErrGraphStoreFailed, err.Error())
	}

	defer func() { _ = rows.Close() }()

	var out []*graph.Edge

	for rows.Next() {
		var (
			edge     graph.Edge
			edgeType string
		)

		err := rows.Scan(&edge.From, &edge.To, &edgeType,
			&edge.FirstSeen, &edge.LastSeen, &edge.ObservationCount)
		if err != nil {
			return nil, fmt.Errorf("%w: scan edge: %s", ErrGraphStoreFailed, err.Error())
		}

		edge.Type = graph.EdgeType(edgeType)
		out = append(out, &edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: edge rows: %s", ErrGraphStoreFailed, err.Error())
	}

	return out, nil
}

// LinkedTests returns the IDs of tests with an edge into the given node.
func (s *GraphStore) LinkedTests(ctx context.Context, toID string) ([]string, error) {
	query := `
		SELECT DISTINCT from_node
		FROM coverage_edges
		WHERE to_node = $1 AND from_node LIKE 'test:%'
		ORDER BY from_node`

	rows, err := s.conn.DB.QueryContext(ctx, query, toID)
	if err != nil {
		return nil, fmt.Errorf("%w: query linked tests: %s", ErrGraphStoreFailed, err.Error())
	}

	defer func() { _ = rows.Close() }()

	var out []string

	for rows.Next() {
		var nodeID string

		if err := rows.Scan(&nodeID); err != nil {
			return nil, fmt.Errorf("%w: scan linked test: %s", ErrGraphStoreFailed, err.Error())
		}

		out = append(out, strings.TrimPrefix(nodeID, "test:"))
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: linked test rows: %s", ErrGraphStoreFailed, err.Error())
	}

	return out, nil
}

// Counts returns the node and edge totals.
func (s *GraphStore) Counts(ctx context.Context) (int, int, error) {
	var nodes, edges int

	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM coverage_nodes), (SELECT COUNT(*) FROM coverage_edges)`).
		Scan(&nodes, &edges)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: count: %s", ErrGraphStoreFailed, err.Error())
	}

	return nodes, edges, nil
}
