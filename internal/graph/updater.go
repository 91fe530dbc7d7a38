package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crossbridge-io/crossbridge/internal/drift"
	"github.com/crossbridge-io/crossbridge/internal/event"
)

// Updater folds accepted events into the coverage graph. Every event
// updates the graph, not only failures: coverage is about what tests
// exercise, not how they end.
type Updater struct {
	store    Store
	reporter *drift.Reporter
	logger   *slog.Logger
}

// NewUpdater creates a graph updater.
func NewUpdater(store Store, reporter *drift.Reporter, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}

	return &Updater{
		store:    store,
		reporter: reporter,
		logger:   logger,
	}
}

// Apply upserts the event's test node and every coverage relationship the
// event metadata declares. The first-ever observation of a test ID reports
// a new_test drift signal, exactly once.
func (u *Updater) Apply(ctx context.Context, evt *event.Event) error {
	testNodeID := TestNodeID(evt.TestID)

	created, err := u.store.UpsertNode(ctx, &Node{
		ID:    testNodeID,
		Kind:  KindTest,
		Label: evt.TestName,
	})
	if err != nil {
		return fmt.Errorf("upsert test node: %w", err)
	}

	if created && u.reporter != nil {
		u.reporter.Report(ctx, drift.NewSignal(
			drift.TypeNewTest, drift.SeverityModerate, evt.TestID, evt.Framework,
			fmt.Sprintf("first observation of test %s", evt.TestID)))
	}

	for _, endpoint := range evt.APICalls() {
		if err := u.link(ctx, testNodeID, KindAPI, endpoint, EdgeCallsAPI); err != nil {
			return err
		}
	}

	for _, page := range evt.PagesVisited() {
		if err := u.link(ctx, testNodeID, KindPage, page, EdgeVisitsPage); err != nil {
			return err
		}
	}

	for _, component := range evt.UIComponents() {
		if err := u.link(ctx, testNodeID, KindUIComponent, component, EdgeTouchesComponent); err != nil {
			return err
		}
	}

	if feature := evt.Feature(); feature != "" {
		if err := u.link(ctx, testNodeID, KindFeature, feature, EdgeBelongsToFeature); err != nil {
			return err
		}
	}

	return nil
}

// RelatedTests lists the other tests belonging to the given feature, by
// walking the feature node's incoming edges. An empty feature resolves to
// no related tests.
func (u *Updater) RelatedTests(ctx context.Context, testID, feature string) ([]string, error) {
	if feature == "" {
		return nil, nil
	}

	linked, err := u.store.LinkedTests(ctx, NodeID(KindFeature, feature))
	if err != nil {
		return nil, fmt.Errorf("list feature tests: %w", err)
	}

	related := make([]string, 0, len(linked))

	for _, id := range linked {
		if id != testID {
			related = append(related, id)
		}
	}

	return related, nil
}

// link upserts a target node of the given kind and the edge from the test
// node to it.
func (u *Updater) link(ctx context.Context, testNodeID string, kind NodeKind, rawID string, edgeType EdgeType) error {
	targetID := NodeID(kind, rawID)

	if _, err := u.store.UpsertNode(ctx, &Node{
		ID:    targetID,
		Kind:  kind,
		Label: rawID,
	}); err != nil {
		return fmt.Errorf("upsert %s node: %w", kind, err)
	}

	if _, err := u.store.UpsertEdge(ctx, &Edge{
		From: testNodeID,
		To:   targetID,
		Type: edgeType,
	}); err != nil {
		return fmt.Errorf("upsert %s edge: %w", edgeType, err)
	}

	return nil
}
