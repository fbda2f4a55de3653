package productindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/index"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// summaryRow is a product_summaries row
type summaryRow struct {
	ID              int64                               `db:"id"`
	ProductID       string                              `db:"product_id"`
	Source          string                              `db:"source"`
	Type            string                              `db:"type"`
	Code            string                              `db:"code"`
	UpdateTime      time.Time                           `db:"update_time"`
	Status          string                              `db:"status"`
	EventID         sql.NullInt64                       `db:"event_id"`
	PreferredWeight int64                               `db:"preferred_weight"`
	EventSource     string                              `db:"event_source"`
	EventSourceCode string                              `db:"event_source_code"`
	EventTime       *time.Time                          `db:"event_time"`
	EventLatitude   *float64                            `db:"event_latitude"`
	EventLongitude  *float64                            `db:"event_longitude"`
	EventDepth      *float64                            `db:"event_depth"`
	EventMagnitude  *float64                            `db:"event_magnitude"`
	Version         string                              `db:"version"`
	Properties      database.JSONB[map[string]string]   `db:"properties"`
	Links           database.JSONB[map[string][]string] `db:"links"`
}

func (r summaryRow) toSummary() *models.ProductSummary {
	id := r.ID
	return &models.ProductSummary{
		IndexID:         &id,
		ID:              models.NewProductID(r.Source, r.Type, r.Code, r.UpdateTime),
		Status:          r.Status,
		PreferredWeight: r.PreferredWeight,
		EventSource:     r.EventSource,
		EventSourceCode: r.EventSourceCode,
		EventTime:       r.EventTime,
		EventLatitude:   r.EventLatitude,
		EventLongitude:  r.EventLongitude,
		EventDepth:      r.EventDepth,
		EventMagnitude:  r.EventMagnitude,
		Version:         r.Version,
		Properties:      r.Properties.GetValue(),
		Links:           r.Links.GetValue(),
	}
}

// eventRow is an events row
type eventRow struct {
	ID         int64      `db:"id"`
	Created    time.Time  `db:"created"`
	Updated    time.Time  `db:"updated"`
	Source     string     `db:"source"`
	SourceCode string     `db:"source_code"`
	Time       *time.Time `db:"event_time"`
	Latitude   *float64   `db:"latitude"`
	Longitude  *float64   `db:"longitude"`
	Depth      *float64   `db:"depth"`
	Magnitude  *float64   `db:"magnitude"`
	Status     string     `db:"status"`
}

// Repository is a ProductIndex stored in PostgreSQL. Transactions opened by BeginTransaction are carried in
// the returned context and joined by every other method.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

var _ index.ProductIndex = (*Repository)(nil)

// NewRepository creates a new product index repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func (r *Repository) BeginTransaction(ctx context.Context) (context.Context, error) {
	if database.TxFromContext(ctx) != nil {
		return ctx, fmt.Errorf("begin transaction: transaction already open")
	}
	txCtx, _, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return ctx, err
	}
	return txCtx, nil
}

func (r *Repository) CommitTransaction(ctx context.Context) error {
	tx := database.TxFromContext(ctx)
	if tx == nil {
		return index.ErrNoTransaction
	}
	return tx.Commit(ctx)
}

func (r *Repository) RollbackTransaction(ctx context.Context) error {
	tx := database.TxFromContext(ctx)
	if tx == nil {
		return index.ErrNoTransaction
	}
	return tx.Rollback(ctx)
}

// inTx runs fn inside the transaction carried by ctx, or a new one committed when fn succeeds.
func (r *Repository) inTx(ctx context.Context, fn func(ctx context.Context, q database.Querier) error) error {
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) failed(ctx context.Context, err error, action string, fields map[string]any) error {
	tracing.RecordError(ctx, err)
	r.logger.WithContext(ctx).WithError(err).WithFields(fields).Errorf("failed to %s", action)
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to %s", action)
}

func (r *Repository) GetEvents(ctx context.Context, query *models.ProductIndexQuery) ([]*models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.GetEvents")
	defer span.End()

	conn := r.db.Conn(ctx)
	stmt, args := eventIDsQuery(query).Build()
	var ids []int64
	if err := conn.SelectContext(ctx, &ids, stmt, args...); err != nil {
		return nil, r.failed(ctx, err, "search events", nil)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	stmt, args = eventSummariesQuery(ids).Build()
	var rows []summaryRow
	if err := conn.SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, r.failed(ctx, err, "load event products", map[string]any{"event_count": len(ids)})
	}

	byEvent := make(map[int64][]*models.ProductSummary, len(ids))
	for _, row := range rows {
		byEvent[row.EventID.Int64] = append(byEvent[row.EventID.Int64], row.toSummary())
	}
	events := make([]*models.Event, 0, len(ids))
	for _, id := range ids {
		eventID := id
		events = append(events, models.NewEvent(&eventID, byEvent[id]...))
	}
	return events, nil
}

func (r *Repository) AddEvent(ctx context.Context, event *models.Event) (*models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.AddEvent")
	defer span.End()

	now := r.now().UTC()
	ib := database.NewInsertBuilder()
	ib.InsertInto(eventsTable).
		Cols("created", "updated", "status").
		Values(now, now, models.StatusUpdate).
		Returning("id")

	query, args := ib.Build()
	var id int64
	if err := r.db.Conn(ctx).GetContext(ctx, &id, query, args...); err != nil {
		return nil, r.failed(ctx, err, "create event", nil)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"event_index_id": id}).Debug("created event")
	return event.WithIndexID(id), nil
}

func (r *Repository) RemoveEvent(ctx context.Context, event *models.Event) ([]models.ProductID, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.RemoveEvent")
	defer span.End()

	if event.IndexID == nil {
		return nil, nil
	}
	var removed []models.ProductID
	err := r.inTx(ctx, func(ctx context.Context, q database.Querier) error {
		for _, summary := range event.ProductList() {
			id, err := r.deleteSummary(ctx, q, summary)
			if err != nil {
				return err
			}
			removed = append(removed, id)
		}

		db := database.NewDeleteBuilder()
		db.DeleteFrom(eventsTable)
		db.Where(db.Equal("id", *event.IndexID))
		query, args := db.Build()
		result, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return r.failed(ctx, err, "remove event", map[string]any{"event_index_id": *event.IndexID})
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("remove event %d: %w", *event.IndexID, index.ErrEventNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (r *Repository) GetProducts(ctx context.Context, query *models.ProductIndexQuery) ([]*models.ProductSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.GetProducts")
	defer span.End()
	return r.products(ctx, query, false)
}

func (r *Repository) GetUnassociatedProducts(ctx context.Context, query *models.ProductIndexQuery) ([]*models.ProductSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.GetUnassociatedProducts")
	defer span.End()
	return r.products(ctx, query, true)
}

func (r *Repository) products(ctx context.Context, query *models.ProductIndexQuery, unassociated bool) ([]*models.ProductSummary, error) {
	if query.SearchType() == models.SearchEventPreferred {
		return nil, index.ErrPreferredNotSupported
	}

	stmt, args := productsQuery(query, unassociated).Build()
	var rows []summaryRow
	if err := r.db.Conn(ctx).SelectContext(ctx, &rows, stmt, args...); err != nil {
		return nil, r.failed(ctx, err, "search products", nil)
	}

	summaries := make([]*models.ProductSummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, row.toSummary())
	}
	return summaries, nil
}

func (r *Repository) AddProductSummary(ctx context.Context, summary *models.ProductSummary) (*models.ProductSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.AddProductSummary")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(summariesTable).
		Cols(summaryColumns[1:]...).
		Values(
			summary.ID.String(), summary.ID.Source, summary.ID.Type, summary.ID.Code, summary.ID.UpdateTime.UTC(),
			summary.Status, nil, summary.PreferredWeight,
			summary.EventSource, summary.EventSourceCode, summary.EventTime, summary.EventLatitude,
			summary.EventLongitude, summary.EventDepth, summary.EventMagnitude, summary.Version,
			database.NewJSONB(summary.Properties), database.NewJSONB(summary.Links),
		).
		Returning("id")

	query, args := ib.Build()
	var id int64
	if err := r.db.Conn(ctx).GetContext(ctx, &id, query, args...); err != nil {
		return nil, r.failed(ctx, err, "add product summary", map[string]any{"product_id": summary.ID.String()})
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"product_id":       summary.ID.String(),
		"summary_index_id": id,
	}).Debug("added product summary")
	return summary.WithIndexID(id), nil
}

func (r *Repository) RemoveProductSummary(ctx context.Context, summary *models.ProductSummary) (models.ProductID, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.RemoveProductSummary")
	defer span.End()
	return r.deleteSummary(ctx, r.db.Conn(ctx), summary)
}

func (r *Repository) deleteSummary(ctx context.Context, q database.Querier, summary *models.ProductSummary) (models.ProductID, error) {
	if summary.IndexID == nil {
		return models.ProductID{}, fmt.Errorf("remove summary %s: %w", summary.ID, index.ErrMissingIndexID)
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(summariesTable)
	db.Where(db.Equal("id", *summary.IndexID))
	query, args := db.Build()
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return models.ProductID{}, r.failed(ctx, err, "remove product summary", map[string]any{"product_id": summary.ID.String()})
	}
	return summary.ID, nil
}

func (r *Repository) AddAssociation(ctx context.Context, event *models.Event, summary *models.ProductSummary) (*models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.AddAssociation")
	defer span.End()

	if event.IndexID == nil || summary.IndexID == nil {
		return nil, fmt.Errorf("add association: %w", index.ErrMissingIndexID)
	}
	fields := map[string]any{"event_index_id": *event.IndexID, "product_id": summary.ID.String()}

	err := r.inTx(ctx, func(ctx context.Context, q database.Querier) error {
		if _, err := r.storedEvent(ctx, q, *event.IndexID); err != nil {
			return fmt.Errorf("add association: %w", err)
		}
		query, args := associate(*event.IndexID, summary.ID).Build()
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return r.failed(ctx, err, "add association", fields)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated := event.Copy()
	updated.AddProduct(summary)
	return updated, nil
}

func (r *Repository) RemoveAssociation(ctx context.Context, event *models.Event, summary *models.ProductSummary) (*models.Event, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.RemoveAssociation")
	defer span.End()

	if event.IndexID == nil || summary.IndexID == nil {
		return event, nil
	}

	query, args := associate(0, summary.ID).Build()
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return nil, r.failed(ctx, err, "remove association", map[string]any{
			"event_index_id": *event.IndexID,
			"product_id":     summary.ID.String(),
		})
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("remove association of %s: %w", summary.ID, index.ErrAssociationNotFound)
	}

	updated := event.Copy()
	updated.RemoveAllVersions(summary)
	return updated, nil
}

// associate points every version of the product at eventID, or detaches them when eventID is 0.
func associate(eventID int64, id models.ProductID) *sqlbuilder.UpdateBuilder {
	ub := database.NewUpdateBuilder()
	ub.Update(summariesTable)
	if eventID == 0 {
		ub.Set(ub.Assign("event_id", nil))
	} else {
		ub.Set(ub.Assign("event_id", eventID))
	}
	ub.Where(
		ub.Equal("source", id.Source),
		ub.Equal("type", id.Type),
		ub.Equal("code", id.Code),
	)
	return ub
}

func (r *Repository) EventsUpdated(ctx context.Context, events []*models.Event) error {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.EventsUpdated")
	defer span.End()

	now := r.now().UTC()
	return r.inTx(ctx, func(ctx context.Context, q database.Querier) error {
		for _, event := range events {
			if event == nil || event.IndexID == nil {
				continue
			}
			row := index.StoredEvent{IndexID: *event.IndexID}
			row.Apply(event, now)

			query, args := eventUpdate(&row, event.IsDeleted()).Build()
			result, err := q.ExecContext(ctx, query, args...)
			if err != nil {
				return r.failed(ctx, err, "update event", map[string]any{"event_index_id": row.IndexID})
			}
			if rows, _ := result.RowsAffected(); rows == 0 {
				return fmt.Errorf("update event %d: %w", row.IndexID, index.ErrEventNotFound)
			}
		}
		return nil
	})
}

// eventUpdate writes the row's preferred parameters. Deleted events keep their last known parameters.
func eventUpdate(row *index.StoredEvent, deleted bool) *sqlbuilder.UpdateBuilder {
	ub := database.NewUpdateBuilder()
	ub.Update(eventsTable)
	assignments := []string{
		ub.Assign("updated", row.Updated),
		ub.Assign("status", row.Status),
	}
	if !deleted {
		assignments = append(assignments,
			ub.Assign("source", row.Source),
			ub.Assign("source_code", row.SourceCode),
			ub.Assign("event_time", row.Time),
			ub.Assign("latitude", row.Latitude),
			ub.Assign("longitude", row.Longitude),
			ub.Assign("depth", row.Depth),
			ub.Assign("magnitude", row.Magnitude),
		)
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", row.IndexID))
	return ub
}

// StoredEvent returns the persisted event row.
func (r *Repository) StoredEvent(ctx context.Context, indexID int64) (*index.StoredEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "productindex.Repository.StoredEvent")
	defer span.End()
	return r.storedEvent(ctx, r.db.Conn(ctx), indexID)
}

func (r *Repository) storedEvent(ctx context.Context, q database.Querier, indexID int64) (*index.StoredEvent, error) {
	sb := database.NewSelectBuilder()
	sb.Select("id", "created", "updated", "source", "source_code", "event_time", "latitude", "longitude", "depth", "magnitude", "status")
	sb.From(eventsTable)
	sb.Where(sb.Equal("id", indexID))

	query, args := sb.Build()
	var row eventRow
	err := q.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %d: %w", indexID, index.ErrEventNotFound)
	}
	if err != nil {
		return nil, r.failed(ctx, err, "get event", map[string]any{"event_index_id": indexID})
	}

	return &index.StoredEvent{
		IndexID:    row.ID,
		Created:    row.Created,
		Updated:    row.Updated,
		Source:     row.Source,
		SourceCode: row.SourceCode,
		Time:       row.Time,
		Latitude:   row.Latitude,
		Longitude:  row.Longitude,
		Depth:      row.Depth,
		Magnitude:  row.Magnitude,
		Status:     row.Status,
	}, nil
}
