package graph

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNodeNotFound indicates a lookup for a node the graph has never seen.
var ErrNodeNotFound = errors.New("graph node not found")

type (
	// Store persists the coverage graph. Upserts are idempotent: keyed by
	// node ID and by (from, to, type), re-observation bumps LastSeen and
	// ObservationCount instead of duplicating rows. The created return is
	// true only for the first-ever observation.
	Store interface {
		UpsertNode(ctx context.Context, node *Node) (created bool, err error)
		UpsertEdge(ctx context.Context, edge *Edge) (created bool, err error)
		Node(ctx context.Context, id string) (*Node, error)
		Edges(ctx context.Context, fromID string) ([]*Edge, error)
		LinkedTests(ctx context.Context, toID string) ([]string, error)
		Counts(ctx context.Context) (nodes, edges int, err error)
	}

	// MemoryStore is an in-memory Store for tests and single-node
	// development runs.
	MemoryStore struct {
		mu    sync.RWMutex
		nodes map[string]*Node
		edges map[edgeKey]*Edge
	}

	edgeKey struct {
		from     string
		to       string
		edgeType EdgeType
	}
)

// NewMemoryStore creates an empty in-memory graph store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*Node),
		edges: make(map[edgeKey]*Edge),
	}
}

// UpsertNode inserts or re-observes a node.
func (s *MemoryStore) UpsertNode(_ context.Context, node *Node) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	existing, ok := s.nodes[node.ID]
	if ok {
		existing.LastSeen = now
		existing.ObservationCount++

		return false, nil
	}

	copied := *node
	copied.FirstSeen = now
	copied.LastSeen = now
	copied.ObservationCount = 1
	s.nodes[node.ID] = &copied

	return true, nil
}

// UpsertEdge inserts or re-observes an edge.
func (s *MemoryStore) UpsertEdge(_ context.Context, edge *Edge) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := edgeKey{from: edge.From, to: edge.To, edgeType: edge.Type}

	existing, ok := s.edges[key]
	if ok {
		existing.LastSeen = now
		existing.ObservationCount++

		return false, nil
	}

	copied := *edge
	copied.FirstSeen = now
	copied.LastSeen = now
	copied.ObservationCount = 1
	s.edges[key] = &copied

	return true, nil
}

// Node returns a node by ID.
func (s *MemoryStore) Node(_ context.Context, id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}

	copied := *node

	return &copied, nil
}

// Edges returns all outgoing edges of a node.
func (s *MemoryStore) Edges(_ context.Context, fromID string) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Edge

	for _, edge := range s.edges {
		if edge.From == fromID {
			copied := *edge
			out = append(out, &copied)
		}
	}

	return out, nil
}

// LinkedTests returns the IDs of tests with an edge into the given node,
// sorted for deterministic output.
func (s *MemoryStore) LinkedTests(_ context.Context, toID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string

	prefix := string(KindTest) + ":"

	for _, edge := range s.edges {
		if edge.To == toID && strings.HasPrefix(edge.From, prefix) {
			out = append(out, strings.TrimPrefix(edge.From, prefix))
		}
	}

	sort.Strings(out)

	return out, nil
}

// Counts returns the node and edge totals.
func (s *MemoryStore) Counts(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.nodes), len(s.edges), nil
}
