package index

import (
	"context"
	"errors"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	// ErrMissingIndexID is returned when an operation needs a persisted event or summary.
	ErrMissingIndexID = errors.New("missing index id")
	// ErrAssociationNotFound is returned when removing an association that does not exist.
	ErrAssociationNotFound = errors.New("association not found")
	// ErrEventNotFound is returned when an event row does not exist.
	ErrEventNotFound = errors.New("event not found")
	// ErrPreferredNotSupported is returned by product queries that ask for preferred event values.
	ErrPreferredNotSupported = errors.New("product queries do not support PREFERRED event search")
	// ErrNoTransaction is returned when committing or rolling back without an open transaction.
	ErrNoTransaction = errors.New("no open transaction")
)

// ProductIndex persists events, product summaries and their associations. Transactions are carried by the
// context returned from BeginTransaction; operations called with that context join the transaction.
type ProductIndex interface {
	BeginTransaction(ctx context.Context) (context.Context, error)
	CommitTransaction(ctx context.Context) error
	RollbackTransaction(ctx context.Context) error

	// GetEvents returns distinct events with at least one matching product, each with all its summaries.
	GetEvents(ctx context.Context, query *models.ProductIndexQuery) ([]*models.Event, error)
	// AddEvent returns a copy of the event carrying its new index id.
	AddEvent(ctx context.Context, event *models.Event) (*models.Event, error)
	// RemoveEvent removes the event's current summaries and the event itself.
	RemoveEvent(ctx context.Context, event *models.Event) ([]models.ProductID, error)

	GetProducts(ctx context.Context, query *models.ProductIndexQuery) ([]*models.ProductSummary, error)
	GetUnassociatedProducts(ctx context.Context, query *models.ProductIndexQuery) ([]*models.ProductSummary, error)
	// AddProductSummary returns a copy carrying its new index id.
	AddProductSummary(ctx context.Context, summary *models.ProductSummary) (*models.ProductSummary, error)
	RemoveProductSummary(ctx context.Context, summary *models.ProductSummary) (models.ProductID, error)

	// AddAssociation associates every version of the summary's product with the event and returns the
	// event with the summary added.
	AddAssociation(ctx context.Context, event *models.Event, summary *models.ProductSummary) (*models.Event, error)
	// RemoveAssociation detaches every version of the summary's product, whichever event holds it, and returns
	// the event without them. Events or summaries without an index id are returned unchanged.
	RemoveAssociation(ctx context.Context, event *models.Event, summary *models.ProductSummary) (*models.Event, error)

	// EventsUpdated stores freshly derived preferred parameters for each event.
	EventsUpdated(ctx context.Context, events []*models.Event) error
}

// StoredEvent holds the preferred parameters persisted for an event row. They only change through EventsUpdated.
type StoredEvent struct {
	IndexID    int64
	Created    time.Time
	Updated    time.Time
	Source     string
	SourceCode string
	Time       *time.Time
	Latitude   *float64
	Longitude  *float64
	Depth      *float64
	Magnitude  *float64
	Status     string
}

// Apply copies the event's derived preferred parameters onto the row. Deleted events only change status.
func (r *StoredEvent) Apply(event *models.Event, now time.Time) {
	r.Updated = now
	if event.IsDeleted() {
		r.Status = models.StatusDelete
		return
	}
	r.Source = event.Source()
	r.SourceCode = event.SourceCode()
	r.Time = event.Time()
	r.Latitude = event.Latitude()
	r.Longitude = event.Longitude()
	r.Depth = event.Depth()
	r.Magnitude = event.Magnitude()
	r.Status = models.StatusUpdate
}
