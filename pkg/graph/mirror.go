package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/listener"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	upsertEventCypher = `
		MERGE (e:Event {index_id: $index_id})
		SET e.event_id = $event_id,
			e.time = $time,
			e.latitude = $latitude,
			e.longitude = $longitude,
			e.depth = $depth,
			e.magnitude = $magnitude,
			e.deleted = $deleted,
			e.updated_at = $updated_at
	`
	upsertEventProductsCypher = `
		MATCH (e:Event {index_id: $index_id})
		UNWIND $products AS product
		MERGE (p:Product {id: product.id})
		SET p += product
		MERGE (e)-[:HAS_PRODUCT]->(p)
	`
	pruneEventProductsCypher = `
		MATCH (e:Event {index_id: $index_id})-[r:HAS_PRODUCT]->(p:Product)
		WHERE NOT p.id IN $product_ids
		DELETE r
	`
	upsertProductCypher = `
		MERGE (p:Product {id: $product.id})
		SET p += $product
	`
	deleteEventCypher = `
		MATCH (e:Event {index_id: $index_id})
		DETACH DELETE e
	`
	deleteEventWithProductsCypher = `
		MATCH (e:Event {index_id: $index_id})
		OPTIONAL MATCH (e)-[:HAS_PRODUCT]->(p:Product)
		DETACH DELETE p, e
	`
	deleteProductCypher = `
		MATCH (p:Product {id: $id})
		DETACH DELETE p
	`
)

// Statement is one parameterized Cypher statement.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Writer runs statements in one write transaction.
type Writer interface {
	ExecuteWrite(ctx context.Context, statements []Statement) error
}

// Mirror is an indexer listener that keeps a graph copy of events and their products.
type Mirror struct {
	listener.TypeFilter
	writer Writer
	logger ectologger.Logger
}

// NewMirror creates a new Mirror
func NewMirror(writer Writer, filter listener.TypeFilter, logger ectologger.Logger) *Mirror {
	return &Mirror{TypeFilter: filter, writer: writer, logger: logger}
}

func (m *Mirror) Name() string {
	return "graph"
}

// OnIndexerEvent applies every change of the notification in one transaction.
func (m *Mirror) OnIndexerEvent(ctx context.Context, event *models.IndexerEvent) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.OnIndexerEvent")
	defer span.End()

	statements := Statements(event)
	if len(statements) == 0 {
		return nil
	}
	if err := m.writer.ExecuteWrite(ctx, statements); err != nil {
		return fmt.Errorf("mirror notification %s: %w", event.ID, err)
	}

	m.logger.WithContext(ctx).WithFields(map[string]any{
		"notification_id": event.ID,
		"statements":      len(statements),
	}).Debug("Mirrored notification to graph")
	return nil
}

// Statements translates a notification into graph writes. Removed events are deleted before the surviving
// events are upserted so moved products end up attached to their new event.
func Statements(event *models.IndexerEvent) []Statement {
	var deletes, upserts []Statement

	for _, change := range event.Changes {
		if change.NewEvent == nil && change.OriginalEvent != nil && change.OriginalEvent.IndexID != nil {
			cypher := deleteEventCypher
			if change.Type == models.EventArchived {
				cypher = deleteEventWithProductsCypher
			}
			deletes = append(deletes, Statement{Cypher: cypher, Params: map[string]any{"index_id": *change.OriginalEvent.IndexID}})
		}
	}

	for _, e := range event.Events() {
		upserts = append(upserts, eventStatements(e)...)
	}

	statements := append(deletes, upserts...)
	if event.Summary == nil {
		return statements
	}

	if ectolinq.Contains(event.ChangeTypes(), models.ProductArchived) {
		return append(statements, Statement{Cypher: deleteProductCypher, Params: map[string]any{"id": event.Summary.ID.String()}})
	}
	if len(event.Events()) == 0 {
		// unassociated products are mirrored without an event
		statements = append(statements, Statement{Cypher: upsertProductCypher, Params: map[string]any{"product": productProps(event.Summary)}})
	}
	return statements
}

func eventStatements(e *models.Event) []Statement {
	summary := e.Summary()
	id := *e.IndexID

	products := e.AllProductList()
	props := make([]any, 0, len(products))
	ids := make([]string, 0, len(products))
	for _, p := range products {
		props = append(props, productProps(p))
		ids = append(ids, p.ID.String())
	}

	return []Statement{
		{
			Cypher: upsertEventCypher,
			Params: map[string]any{
				"index_id":   id,
				"event_id":   summary.EventID(),
				"time":       formatTime(summary.Time),
				"latitude":   floatOrNil(summary.Latitude),
				"longitude":  floatOrNil(summary.Longitude),
				"depth":      floatOrNil(summary.Depth),
				"magnitude":  floatOrNil(summary.Magnitude),
				"deleted":    summary.Deleted,
				"updated_at": time.Now().UTC().Format(time.RFC3339),
			},
		},
		{Cypher: upsertEventProductsCypher, Params: map[string]any{"index_id": id, "products": props}},
		{Cypher: pruneEventProductsCypher, Params: map[string]any{"index_id": id, "product_ids": ids}},
	}
}

func productProps(s *models.ProductSummary) map[string]any {
	return map[string]any{
		"id":          s.ID.String(),
		"source":      s.Source(),
		"type":        s.Type(),
		"code":        s.Code(),
		"update_time": s.UpdateTime().Format(time.RFC3339Nano),
		"status":      s.Status,
		"weight":      s.PreferredWeight,
	}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
