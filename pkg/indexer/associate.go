package indexer

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

// hasProductBeenIndexed reports whether this exact version already has a summary in the index.
func (i *Indexer) hasProductBeenIndexed(ctx context.Context, id models.ProductID) (bool, error) {
	updateTime := id.UpdateTime
	summaries, err := i.index.GetProducts(ctx, &models.ProductIndexQuery{
		ResultType:           models.ResultAll,
		ProductSource:        id.Source,
		ProductType:          id.Type,
		ProductCode:          id.Code,
		MinProductUpdateTime: &updateTime,
		MaxProductUpdateTime: &updateTime,
	})
	if err != nil {
		return false, err
	}
	return len(summaries) > 0 && summaries[0].ID.Equal(id), nil
}

// prevProductVersion returns the current indexed version of the summary's product, associated or not.
func (i *Indexer) prevProductVersion(ctx context.Context, summary *models.ProductSummary) (*models.ProductSummary, error) {
	query := &models.ProductIndexQuery{
		ResultType:    models.ResultCurrent,
		ProductSource: summary.Source(),
		ProductType:   summary.Type(),
		ProductCode:   summary.Code(),
	}

	summaries, err := i.index.GetProducts(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find previous product version: %w", err)
	}
	if len(summaries) == 0 {
		if summaries, err = i.index.GetUnassociatedProducts(ctx, query); err != nil {
			return nil, fmt.Errorf("find previous unassociated product version: %w", err)
		}
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	if len(summaries) > 1 {
		i.logger.WithContext(ctx).WithFields(map[string]any{
			"product_id": summary.ID.String(),
			"versions":   len(summaries),
		}).Warn("multiple current versions of product, using first")
	}
	return summaries[0], nil
}

// isRedundantProduct reports whether summary is a new version that changes nothing association depends on.
func isRedundantProduct(prev, summary *models.ProductSummary) bool {
	return prev != nil &&
		!prev.ID.Equal(summary.ID) &&
		prev.ID.IsSameProduct(summary.ID) &&
		prev.AssociationFieldsEqual(summary)
}

// prevEvent searches for the event the summary associates with.
func (i *Indexer) prevEvent(ctx context.Context, summary *models.ProductSummary, associating bool) (*models.Event, error) {
	request := i.associator.SearchRequest(summary)
	if len(request.Queries) == 0 {
		return nil, nil
	}
	if associating && i.config.AssociateUsingCurrentProducts {
		for idx := range request.Queries {
			request.Queries[idx].Query.ResultType = models.ResultCurrent
		}
	}

	response, err := i.search(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("search for associated event: %w", err)
	}
	return i.associator.ChooseEvent(ctx, response.Events(), summary), nil
}

// eventForProduct loads the event a product version is associated with, or nil.
func (i *Indexer) eventForProduct(ctx context.Context, id models.ProductID) (*models.Event, error) {
	query := &models.ProductIndexQuery{
		ResultType: models.ResultAll,
		ProductIDs: []string{id.String()},
	}
	if i.config.AssociateUsingCurrentProducts {
		query.ResultType = models.ResultCurrent
	}
	events, err := i.index.GetEvents(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find event for product %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// detachedEvent returns the event associated with the previous version when it is not prevEvent.
func (i *Indexer) detachedEvent(ctx context.Context, prevSummary *models.ProductSummary, prevEvent *models.Event) (*models.Event, error) {
	if prevSummary == nil || prevEvent == nil {
		return nil, nil
	}
	owner, err := i.eventForProduct(ctx, prevSummary.ID)
	if err != nil || owner == nil || sameIndexID(owner, prevEvent) {
		return nil, err
	}
	return owner, nil
}

// updateDetachedEvent records the event that lost every version of the summary's product. An event left
// without products is removed.
func (i *Indexer) updateDetachedEvent(ctx context.Context, detached *models.Event, summary *models.ProductSummary, notification *models.IndexerEvent) error {
	for _, change := range notification.Changes {
		if change.Type == models.EventMerged && change.OriginalEvent != nil && sameIndexID(change.OriginalEvent, detached) {
			return nil
		}
	}

	var remaining []string
	for _, s := range detached.AllProductList() {
		if !s.ID.IsSameProduct(summary.ID) {
			remaining = append(remaining, s.ID.String())
		}
	}

	log := i.logger.WithContext(ctx).WithFields(map[string]any{
		"product_id":     summary.ID.String(),
		"event_index_id": *detached.IndexID,
	})
	if len(remaining) == 0 {
		if _, err := i.index.RemoveEvent(ctx, models.NewEvent(detached.IndexID)); err != nil {
			return fmt.Errorf("remove emptied event %d: %w", *detached.IndexID, err)
		}
		log.Info("product moved to another event, removed its empty event")
		notification.AddChange(models.NewIndexerChange(models.EventDeleted, detached, nil))
		return nil
	}

	events, err := i.index.GetEvents(ctx, &models.ProductIndexQuery{ResultType: models.ResultAll, ProductIDs: remaining})
	if err != nil {
		return fmt.Errorf("reload event %d: %w", *detached.IndexID, err)
	}
	for _, e := range events {
		if sameIndexID(e, detached) {
			log.Debug("product moved to another event")
			notification.AddChange(updatedOrDeleted(detached, e))
			return nil
		}
	}
	return nil
}

// productSummaryByID returns the indexed summary of one product version, or nil.
func (i *Indexer) productSummaryByID(ctx context.Context, id models.ProductID) (*models.ProductSummary, error) {
	summaries, err := i.index.GetProducts(ctx, &models.ProductIndexQuery{
		ResultType: models.ResultAll,
		ProductIDs: []string{id.String()},
	})
	if err != nil {
		return nil, fmt.Errorf("find product %s: %w", id, err)
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return summaries[0], nil
}

// createEvent starts a new event for a summary that can define one. Other summaries stay unassociated.
func (i *Indexer) createEvent(ctx context.Context, summary *models.ProductSummary) (*models.Event, error) {
	if !summary.HasOriginProperties() {
		return nil, nil
	}
	event, err := i.index.AddEvent(ctx, models.NewEvent(nil))
	if err != nil {
		return nil, fmt.Errorf("add event: %w", err)
	}
	return i.index.AddAssociation(ctx, event, summary)
}

// replaceSummary swaps one stored summary for another within an event. Other versions of the product
// stay on the returned event.
func (i *Indexer) replaceSummary(ctx context.Context, event *models.Event, old, replacement *models.ProductSummary) (*models.Event, error) {
	var versions []*models.ProductSummary
	for _, s := range event.AllProductList() {
		if s.ID.IsSameProduct(old.ID) && !s.Equal(old) {
			versions = append(versions, s)
		}
	}

	event, err := i.index.RemoveAssociation(ctx, event, old)
	if err != nil {
		return nil, err
	}
	if _, err := i.index.RemoveProductSummary(ctx, old); err != nil {
		return nil, err
	}
	added, err := i.index.AddProductSummary(ctx, replacement)
	if err != nil {
		return nil, err
	}
	if event, err = i.index.AddAssociation(ctx, event, added); err != nil {
		return nil, err
	}
	for _, s := range versions {
		event.AddProduct(s)
	}
	return event, nil
}
