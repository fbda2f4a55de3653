package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/index"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ArchiveEvents removes every event matching query along with its products. Each event is removed in its
// own transaction; a failure is logged and the pass continues. Returns the number of events archived.
func (i *Indexer) ArchiveEvents(ctx context.Context, policy string, query *models.ProductIndexQuery) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "indexer.Indexer.ArchiveEvents")
	defer span.End()

	i.mu.Lock()
	defer i.mu.Unlock()

	log := i.logger.WithContext(ctx).WithField("policy", policy)
	events, err := i.index.GetEvents(ctx, query)
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("find events to archive: %w", err)
	}

	archived := 0
	for _, event := range events {
		err := i.inTransaction(ctx, func(txCtx context.Context) error {
			return i.removeEvent(txCtx, event)
		})
		if err != nil {
			log.WithError(err).WithField("event_index_id", *event.IndexID).Error("failed to archive event")
			continue
		}
		archived++

		notification := models.NewIndexerEvent(nil)
		notification.AddChange(models.NewIndexerChange(models.EventArchived, event, nil))
		i.notify(ctx, notification)
	}

	metrics.RecordArchived("event", policy, archived)
	log.WithFields(map[string]any{"matched": len(events), "archived": archived}).Info("archived events")
	return archived, nil
}

// ArchiveProducts removes every product version matching query, detaching it from its event first. With
// onlyUnassociated set, only products outside any event are considered.
func (i *Indexer) ArchiveProducts(ctx context.Context, policy string, query *models.ProductIndexQuery, onlyUnassociated bool) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "indexer.Indexer.ArchiveProducts")
	defer span.End()

	i.mu.Lock()
	defer i.mu.Unlock()

	log := i.logger.WithContext(ctx).WithField("policy", policy)
	var summaries []*models.ProductSummary
	var err error
	if onlyUnassociated {
		summaries, err = i.index.GetUnassociatedProducts(ctx, query)
	} else {
		summaries, err = i.index.GetProducts(ctx, query)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return 0, fmt.Errorf("find products to archive: %w", err)
	}

	archived := 0
	for _, summary := range summaries {
		var prevEvent, event *models.Event
		err := i.inTransaction(ctx, func(txCtx context.Context) error {
			var err error
			prevEvent, event, err = i.removeSummary(txCtx, summary)
			return err
		})
		if err != nil {
			log.WithError(err).WithField("product_id", summary.ID.String()).Error("failed to archive product")
			continue
		}
		archived++

		notification := models.NewIndexerEvent(summary)
		notification.AddChange(models.NewIndexerChange(models.ProductArchived, prevEvent, event))
		i.notify(ctx, notification)
	}

	metrics.RecordArchived("product", policy, archived)
	log.WithFields(map[string]any{"matched": len(summaries), "archived": archived}).Info("archived products")
	return archived, nil
}

// removeEvent deletes an event, its summaries and their stored products.
func (i *Indexer) removeEvent(ctx context.Context, event *models.Event) error {
	removed, err := i.index.RemoveEvent(ctx, event)
	if err != nil {
		return fmt.Errorf("remove event: %w", err)
	}
	gone := map[string]bool{}
	for _, id := range removed {
		gone[id.String()] = true
	}

	for _, s := range event.AllProductList() {
		if err := i.storage.Remove(ctx, s.ID); err != nil {
			return fmt.Errorf("remove stored product %s: %w", s.ID, err)
		}
		if gone[s.ID.String()] {
			continue
		}
		if _, err := i.index.RemoveProductSummary(ctx, s); err != nil {
			return fmt.Errorf("remove product summary %s: %w", s.ID, err)
		}
	}
	return nil
}

// removeSummary deletes one product version. An event left without products is removed; otherwise its
// preferred values are refreshed. Returns the event before and after removal.
func (i *Indexer) removeSummary(ctx context.Context, summary *models.ProductSummary) (*models.Event, *models.Event, error) {
	event, err := i.eventForProduct(ctx, summary.ID)
	if err != nil {
		return nil, nil, err
	}

	if event != nil {
		all := event.AllProductList()
		if len(all) == 1 && all[0].Equal(summary) {
			return event, nil, i.removeEvent(ctx, event)
		}
	}

	if err := i.storage.Remove(ctx, summary.ID); err != nil {
		return nil, nil, fmt.Errorf("remove stored product %s: %w", summary.ID, err)
	}
	if _, err := i.index.RemoveProductSummary(ctx, summary); err != nil {
		return nil, nil, fmt.Errorf("remove product summary %s: %w", summary.ID, err)
	}
	if event == nil {
		return nil, nil, nil
	}

	updated := event.Copy()
	updated.RemoveProduct(summary)
	if err := i.index.EventsUpdated(ctx, []*models.Event{updated}); err != nil {
		return nil, nil, err
	}
	return event, updated, nil
}

// inTransaction runs fn in an index transaction, committing on success and rolling back on failure.
func (i *Indexer) inTransaction(ctx context.Context, fn func(context.Context) error) error {
	txCtx, err := i.index.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("begin index transaction: %w", err)
	}
	if err = fn(txCtx); err == nil {
		err = i.index.CommitTransaction(txCtx)
	}
	if err != nil {
		if rbErr := i.index.RollbackTransaction(txCtx); rbErr != nil && !errors.Is(rbErr, index.ErrNoTransaction) {
			i.logger.WithContext(ctx).WithError(rbErr).Error("failed to roll back index transaction")
		}
		return err
	}
	return nil
}
