// Package graph maintains the append-only coverage graph: tests, the API
// endpoints they call, the pages and UI components they touch, and the
// features they belong to.
//
// Node IDs are namespaced by kind ("test:checkout_spec", "api:POST /cart")
// so heterogeneous identifiers never collide. The graph only ever grows;
// re-observation bumps counters and last-seen timestamps, never duplicates.
package graph

import (
	"time"
)

type (
	// NodeKind namespaces node identifiers.
	NodeKind string

	// EdgeType names the relationship an edge carries.
	EdgeType string

	// Node is one vertex of the coverage graph.
	Node struct {
		ID               string    `json:"id"`
		Kind             NodeKind  `json:"kind"`
		Label            string    `json:"label"`
		FirstSeen        time.Time `json:"first_seen"`
		LastSeen         time.Time `json:"last_seen"`
		ObservationCount int       `json:"observation_count"`
	}

	// Edge is one directed relationship, keyed by (from, to, type).
	Edge struct {
		From             string    `json:"from"`
		To               string    `json:"to"`
		Type             EdgeType  `json:"type"`
		FirstSeen        time.Time `json:"first_seen"`
		LastSeen         time.Time `json:"last_seen"`
		ObservationCount int       `json:"observation_count"`
	}
)

const (
	KindTest        NodeKind = "test"
	KindAPI         NodeKind = "api"
	KindPage        NodeKind = "page"
	KindUIComponent NodeKind = "ui_component"
	KindFeature     NodeKind = "feature"
	KindCode        NodeKind = "code"
)

const (
	EdgeCallsAPI         EdgeType = "calls_api"
	EdgeVisitsPage       EdgeType = "visits_page"
	EdgeTouchesComponent EdgeType = "touches_component"
	EdgeBelongsToFeature EdgeType = "belongs_to_feature"
	EdgeCoversCode       EdgeType = "covers_code"
)

// NodeID builds the namespaced identifier for a kind and raw ID.
func NodeID(kind NodeKind, rawID string) string {
	return string(kind) + ":" + rawID
}

// TestNodeID returns the node ID for a test.
func TestNodeID(testID string) string {
	return NodeID(KindTest, testID)
}
