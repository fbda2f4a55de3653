package indexer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

// TrumpPreferredWeight is assigned to a summary selected by a persistent trump.
const TrumpPreferredWeight int64 = 100000000

// checkForTrump applies version trump and persistent trump products to the event.
func (i *Indexer) checkForTrump(ctx context.Context, event *models.Event, summary, prevSummary *models.ProductSummary) (*models.Event, error) {
	if event == nil {
		return nil, nil
	}
	if summary.Type() == models.TrumpProductType {
		return i.checkForVersionTrump(ctx, event, summary, prevSummary)
	}
	return i.checkForPersistentTrump(ctx, event, summary)
}

// checkForVersionTrump re-weights the product version a "trump" product links to, or restores it when the
// trump is deleted.
func (i *Indexer) checkForVersionTrump(ctx context.Context, event *models.Event, summary, prevSummary *models.ProductSummary) (*models.Event, error) {
	log := i.logger.WithContext(ctx).WithField("product_id", summary.ID.String())

	if summary.IsDeleted() {
		// a delete carries no link, the previous version names the trumped product
		if prevSummary == nil {
			log.Warn("deleted trump has no previous version")
			return event, nil
		}
		trumpedID, err := models.ParseProductID(prevSummary.Link(models.ProductLinkRelation))
		if err != nil {
			log.WithError(err).Warn("invalid trump product link")
			return event, nil
		}
		trumped, err := i.productSummaryByID(ctx, trumpedID)
		if err != nil || trumped == nil {
			return event, err
		}
		return i.resummarize(ctx, event, trumped)
	}

	trumpedID, err := models.ParseProductID(summary.Link(models.ProductLinkRelation))
	if err != nil {
		log.WithError(err).Warn("invalid trump product link")
		return event, nil
	}
	weight, err := strconv.ParseInt(summary.Property(models.TrumpWeightProperty), 10, 64)
	if err != nil {
		log.WithError(err).Warn("invalid trump weight")
		return event, nil
	}
	trumped, err := i.productSummaryByID(ctx, trumpedID)
	if err != nil {
		return nil, err
	}
	if trumped == nil {
		log.WithField("trumped_id", trumpedID.String()).Info("trumped product not indexed")
		return event, nil
	}
	return i.setSummaryWeight(ctx, event, trumped, weight)
}

// checkForPersistentTrump gives the products a "trump-<type>" product selects the trump weight and
// restores products it no longer selects.
func (i *Indexer) checkForPersistentTrump(ctx context.Context, event *models.Event, summary *models.ProductSummary) (*models.Event, error) {
	trumpType := summary.Type()
	persistentType := models.TrumpTypePrefix + trumpType
	associatingTrump := false
	var err error

	if strings.HasPrefix(trumpType, models.TrumpTypePrefix) {
		associatingTrump = true
		persistentType = trumpType
		trumpType = strings.TrimPrefix(trumpType, models.TrumpTypePrefix)
		// newest trump wins
		if event, err = i.setSummaryWeight(ctx, event, summary, 1); err != nil {
			return nil, err
		}
	}

	var trumpSource, trumpCode string
	if active := event.PreferredProduct(persistentType); active != nil {
		trumpSource = active.Property(models.TrumpSourceProperty)
		trumpCode = active.Property(models.TrumpCodeProperty)
	}

	if !associatingTrump && !(strings.EqualFold(summary.Source(), trumpSource) && strings.EqualFold(summary.Code(), trumpCode)) {
		return event, nil
	}

	for _, s := range event.ProductsOfType(trumpType) {
		selected := trumpSource != "" &&
			strings.EqualFold(s.Source(), trumpSource) &&
			strings.EqualFold(s.Code(), trumpCode)
		switch {
		case selected:
			event, err = i.setSummaryWeight(ctx, event, s, TrumpPreferredWeight)
		case s.PreferredWeight == TrumpPreferredWeight:
			event, err = i.resummarize(ctx, event, s)
		}
		if err != nil {
			return nil, err
		}
	}
	return event, nil
}

// setSummaryWeight replaces summary with a copy carrying weight.
func (i *Indexer) setSummaryWeight(ctx context.Context, event *models.Event, summary *models.ProductSummary, weight int64) (*models.Event, error) {
	if summary.PreferredWeight == weight {
		return event, nil
	}
	return i.replaceSummary(ctx, event, summary, summary.WithPreferredWeight(weight))
}

// resummarize rebuilds summary from the stored product, dropping any trump weight.
func (i *Indexer) resummarize(ctx context.Context, event *models.Event, summary *models.ProductSummary) (*models.Event, error) {
	product, err := i.storage.Get(ctx, summary.ID)
	if err != nil {
		return nil, fmt.Errorf("resummarize %s: %w", summary.ID, err)
	}
	fresh, err := i.summarize(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("resummarize %s: %w", summary.ID, err)
	}
	return i.replaceSummary(ctx, event, summary, fresh)
}
