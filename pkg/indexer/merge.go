package indexer

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

// checkForEventMerges absorbs nearby associated events, unassociated products sharing the summary's event
// id and events named by an associate product.
func (i *Indexer) checkForEventMerges(ctx context.Context, summary *models.ProductSummary, original, updated *models.Event) (*models.Event, []*models.IndexerChange, error) {
	log := i.logger.WithContext(ctx).WithField("product_id", summary.ID.String())
	merged := updated
	var changes []*models.IndexerChange
	var err error

	if original != nil {
		es := merged.Summary()
		if query := i.associator.LocationQuery(es.Time, es.Latitude, es.Longitude); query != nil {
			if merged, changes, err = i.mergeMatching(ctx, merged, query, changes); err != nil {
				return nil, nil, fmt.Errorf("merge nearby events: %w", err)
			}
		}
	}

	if summary.EventSource != "" && summary.EventSourceCode != "" {
		orphans, err := i.index.GetUnassociatedProducts(ctx, &models.ProductIndexQuery{
			ResultType:      models.ResultAll,
			EventSource:     summary.EventSource,
			EventSourceCode: summary.EventSourceCode,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("find unassociated products: %w", err)
		}
		for _, orphan := range orphans {
			if merged, err = i.index.AddAssociation(ctx, merged, orphan); err != nil {
				return nil, nil, fmt.Errorf("associate product %s: %w", orphan.ID, err)
			}
		}
	}

	if summary.Type() == models.AssociateProductType && !summary.IsDeleted() {
		otherSource := summary.Property(models.OtherEventSourceProperty)
		otherCode := summary.Property(models.OtherEventSourceCodeProperty)
		if otherSource == "" || otherCode == "" {
			log.Warn("associate product missing other event source or code")
		} else if query := i.associator.EventIDQuery(otherSource, otherCode); query != nil {
			if merged, changes, err = i.mergeMatching(ctx, merged, query, changes); err != nil {
				return nil, nil, fmt.Errorf("merge associated events: %w", err)
			}
		}
	}

	if merged != updated {
		if original == nil {
			changes = append(changes, models.NewIndexerChange(models.EventAdded, nil, merged))
		} else {
			changes = append(changes, updatedOrDeleted(original, merged))
		}
	}
	return merged, changes, nil
}

// mergeMatching merges every other event found by query that associates with target.
func (i *Indexer) mergeMatching(ctx context.Context, target *models.Event, query *models.ProductIndexQuery, changes []*models.IndexerChange) (*models.Event, []*models.IndexerChange, error) {
	if i.config.AssociateUsingCurrentProducts {
		query.ResultType = models.ResultCurrent
	}
	events, err := i.index.GetEvents(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	for _, found := range events {
		if sameIndexID(found, target) {
			continue
		}
		if !i.associator.EventsAssociated(target, found) {
			continue
		}
		if target, err = i.mergeEvents(ctx, target, found); err != nil {
			return nil, nil, err
		}
		changes = append(changes, models.NewIndexerChange(models.EventMerged, found, nil))
	}
	return target, changes, nil
}

func sameIndexID(a, b *models.Event) bool {
	return a.IndexID != nil && b.IndexID != nil && *a.IndexID == *b.IndexID
}
