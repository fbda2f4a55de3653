package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/associator"
	"github.com/Ramsey-B/fern/pkg/index"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/module"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrNoModule is returned when no indexer module is registered.
	ErrNoModule = errors.New("no indexer module available")
	// ErrPreferredQueryNotSupported is returned for product searches that ask for preferred event values.
	ErrPreferredQueryNotSupported = index.ErrPreferredNotSupported
)

// Notifier receives notifications after the index transaction commits.
type Notifier interface {
	Notify(ctx context.Context, event *models.IndexerEvent) error
}

// Config holds the engine options.
type Config struct {
	// AssociateUsingCurrentProducts restricts association searches to current product versions.
	AssociateUsingCurrentProducts bool
}

// Indexer correlates products into events. All index mutations run under one lock.
type Indexer struct {
	logger     ectologger.Logger
	index      index.ProductIndex
	storage    storage.Storage
	associator associator.Associator
	notifier   Notifier
	config     Config

	mu      sync.Mutex
	modules []module.IndexerModule
}

// NewIndexer creates a new Indexer. notifier may be nil.
func NewIndexer(
	logger ectologger.Logger,
	productIndex index.ProductIndex,
	productStorage storage.Storage,
	assoc associator.Associator,
	notifier Notifier,
	config Config,
	modules ...module.IndexerModule,
) *Indexer {
	return &Indexer{
		logger:     logger,
		index:      productIndex,
		storage:    productStorage,
		associator: assoc,
		notifier:   notifier,
		config:     config,
		modules:    modules,
	}
}

// AddModule registers a module. Earlier modules win support level ties.
func (i *Indexer) AddModule(m module.IndexerModule) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.modules = append(i.modules, m)
}

func (i *Indexer) summarize(ctx context.Context, product *models.Product) (*models.ProductSummary, error) {
	m := module.Select(i.modules, product)
	if m == nil {
		return nil, ErrNoModule
	}
	return m.Summarize(ctx, product)
}

// OnProduct indexes a product and returns the notification sent to listeners. A nil notification means the
// product was already indexed and force was not set.
func (i *Indexer) OnProduct(ctx context.Context, product *models.Product, force bool) (*models.IndexerEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "indexer.Indexer.OnProduct")
	defer span.End()

	i.mu.Lock()
	defer i.mu.Unlock()

	start := time.Now()
	id := product.ID
	log := i.logger.WithContext(ctx).WithFields(map[string]any{
		"product_id": id.String(),
		"force":      force,
	})

	if err := i.storage.Store(ctx, product); err != nil {
		if !errors.Is(err, storage.ErrAlreadyInStorage) {
			log.WithError(err).Error("failed to store product")
			metrics.RecordProduct(id.Type, "error", time.Since(start).Seconds())
			return nil, fmt.Errorf("store product %s: %w", id, err)
		}
		if force {
			log.Debug("product already in storage, force reprocessing")
		} else {
			indexed, err := i.hasProductBeenIndexed(ctx, id)
			if err != nil {
				log.WithError(err).Warn("failed to check whether product was indexed")
			}
			if indexed {
				log.Debug("product already indexed")
				metrics.RecordProduct(id.Type, "skipped", time.Since(start).Seconds())
				return nil, nil
			}
		}
	}

	summary, err := i.summarize(ctx, product)
	if err != nil {
		metrics.RecordProduct(id.Type, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("summarize product %s: %w", id, err)
	}

	var notification *models.IndexerEvent
	err = i.inTransaction(ctx, func(txCtx context.Context) error {
		var err error
		notification, err = i.indexSummary(txCtx, summary)
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		log.WithError(err).Error("failed to index product, rolled back")
		metrics.RecordProduct(id.Type, "error", time.Since(start).Seconds())
		return nil, err
	}

	for _, changeType := range notification.ChangeTypes() {
		metrics.RecordChange(string(changeType))
	}
	metrics.RecordProduct(id.Type, "indexed", time.Since(start).Seconds())
	log.WithField("changes", notification.ChangeTypes()).Info("indexed product")

	i.notify(ctx, notification)
	return notification, nil
}

// indexSummary runs association, split, merge and trump handling inside the caller's transaction.
func (i *Indexer) indexSummary(ctx context.Context, summary *models.ProductSummary) (*models.IndexerEvent, error) {
	log := i.logger.WithContext(ctx).WithField("product_id", summary.ID.String())

	prevSummary, err := i.prevProductVersion(ctx, summary)
	if err != nil {
		return nil, err
	}
	redundant := isRedundantProduct(prevSummary, summary)

	var prevEvent *models.Event
	if !redundant {
		if prevEvent, err = i.prevEvent(ctx, summary, true); err != nil {
			return nil, err
		}
	}

	// an update or delete of a product that associated earlier, even if this version would not on its own
	if prevSummary != nil && prevEvent == nil {
		if prevEvent, err = i.eventForProduct(ctx, prevSummary.ID); err != nil {
			return nil, err
		}
	}

	// trump products may associate through the product they reference
	if prevEvent == nil && summary.ID.Type == models.TrumpProductType && !summary.IsDeleted() {
		if link := summary.Link(models.ProductLinkRelation); link != "" {
			linked, err := models.ParseProductID(link)
			if err != nil {
				log.WithError(err).Warn("invalid trump product link")
			} else if prevEvent, err = i.eventForProduct(ctx, linked); err != nil {
				return nil, err
			}
		}
	}

	// the event holding the previous version loses the product when association picked another event
	detached, err := i.detachedEvent(ctx, prevSummary, prevEvent)
	if err != nil {
		return nil, err
	}

	base := prevEvent
	if prevSummary != nil && prevSummary.ID.Equal(summary.ID) {
		// reprocessing the same version: the new summary replaces the stored one
		if base != nil {
			if base, err = i.index.RemoveAssociation(ctx, base, prevSummary); err != nil {
				return nil, err
			}
		} else {
			log.Debug("reprocessing unassociated summary")
		}
		if _, err := i.index.RemoveProductSummary(ctx, prevSummary); err != nil {
			return nil, err
		}
	}

	if summary, err = i.index.AddProductSummary(ctx, summary); err != nil {
		return nil, err
	}
	notification := models.NewIndexerEvent(summary)

	var event *models.Event
	if base == nil {
		if event, err = i.createEvent(ctx, summary); err != nil {
			return nil, err
		}
	} else if event, err = i.index.AddAssociation(ctx, base, summary); err != nil {
		return nil, err
	}

	if prevEvent != nil && event != nil {
		var changes []*models.IndexerChange
		if event, changes, err = i.checkForEventSplits(ctx, prevEvent, event); err != nil {
			return nil, err
		}
		addChanges(notification, changes)
	}

	if event != nil {
		var changes []*models.IndexerChange
		if event, changes, err = i.checkForEventMerges(ctx, summary, prevEvent, event); err != nil {
			return nil, err
		}
		addChanges(notification, changes)
	}

	if event, err = i.checkForTrump(ctx, event, summary, prevSummary); err != nil {
		return nil, err
	}

	if len(notification.Changes) == 0 {
		notification.AddChange(synthesizeChange(prevEvent, event, prevSummary, summary))
	} else {
		notification.ReplaceNewEvent(event)
	}

	if detached != nil {
		if err := i.updateDetachedEvent(ctx, detached, summary, notification); err != nil {
			return nil, err
		}
	}

	if err := i.index.EventsUpdated(ctx, notification.Events()); err != nil {
		return nil, err
	}
	return notification, nil
}

// synthesizeChange describes the outcome when split and merge produced no change record.
func synthesizeChange(prevEvent, event *models.Event, prevSummary, summary *models.ProductSummary) *models.IndexerChange {
	switch {
	case prevEvent == nil && event != nil:
		return models.NewIndexerChange(models.EventAdded, nil, event)
	case prevEvent != nil && event != nil:
		if event.IsDeleted() {
			return models.NewIndexerChange(models.EventDeleted, prevEvent, event)
		}
		return models.NewIndexerChange(models.EventUpdated, prevEvent, event)
	case prevSummary == nil:
		return models.NewIndexerChange(models.ProductAdded, nil, nil)
	case summary.IsDeleted():
		return models.NewIndexerChange(models.ProductDeleted, nil, nil)
	default:
		return models.NewIndexerChange(models.ProductUpdated, nil, nil)
	}
}

// updatedOrDeleted is EVENT_DELETED for deleted events, else EVENT_UPDATED.
func updatedOrDeleted(original, updated *models.Event) *models.IndexerChange {
	if updated.IsDeleted() {
		return models.NewIndexerChange(models.EventDeleted, original, updated)
	}
	return models.NewIndexerChange(models.EventUpdated, original, updated)
}

func addChanges(notification *models.IndexerEvent, changes []*models.IndexerChange) {
	for _, c := range changes {
		notification.AddChange(c)
	}
}

// notify hands the notification to the notifier. Failures are logged only.
func (i *Indexer) notify(ctx context.Context, notification *models.IndexerEvent) {
	if i.notifier == nil || notification == nil {
		return
	}
	if err := i.notifier.Notify(ctx, notification); err != nil {
		i.logger.WithContext(ctx).WithError(err).Warn("failed to notify listeners")
	}
}
