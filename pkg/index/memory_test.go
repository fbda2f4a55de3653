package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func getTestIndex() *Memory {
	return NewMemory(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func summary(source, code string, update int, lat, lon float64) *models.ProductSummary {
	eventTime := baseTime
	return &models.ProductSummary{
		ID:              models.NewProductID(source, models.OriginProductType, source+code, baseTime.Add(time.Duration(update)*time.Minute)),
		Status:          models.StatusUpdate,
		PreferredWeight: 1,
		EventSource:     source,
		EventSourceCode: code,
		EventTime:       &eventTime,
		EventLatitude:   f(lat),
		EventLongitude:  f(lon),
	}
}

// indexEvent stores the summaries and associates them with a new event.
func indexEvent(t *testing.T, idx *Memory, summaries ...*models.ProductSummary) *models.Event {
	t.Helper()
	ctx := context.Background()
	event, err := idx.AddEvent(ctx, models.NewEvent(nil))
	require.NoError(t, err)
	for _, s := range summaries {
		stored, err := idx.AddProductSummary(ctx, s)
		require.NoError(t, err)
		event, err = idx.AddAssociation(ctx, event, stored)
		require.NoError(t, err)
	}
	require.NoError(t, idx.EventsUpdated(ctx, []*models.Event{event}))
	return event
}

func TestMemory_AddEventAssignsIDs(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()

	first, err := idx.AddEvent(ctx, models.NewEvent(nil))
	require.NoError(t, err)
	second, err := idx.AddEvent(ctx, models.NewEvent(nil))
	require.NoError(t, err)

	require.NotNil(t, first.IndexID)
	require.NotNil(t, second.IndexID)
	assert.NotEqual(t, *first.IndexID, *second.IndexID)
}

func TestMemory_ResultTypes(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()

	v1 := summary("us", "1", 0, 10, 10)
	v2 := summary("us", "1", 1, 10, 10)
	deleted := summary("us", "1", 2, 10, 10)
	deleted.Status = models.StatusDelete
	for _, s := range []*models.ProductSummary{v1, v2, deleted} {
		_, err := idx.AddProductSummary(ctx, s)
		require.NoError(t, err)
	}

	tests := []struct {
		name     string
		query    models.ProductIndexQuery
		expected []time.Time
	}{
		{
			name:     "current ignores newer deletes",
			query:    models.ProductIndexQuery{ResultType: models.ResultCurrent},
			expected: []time.Time{v2.ID.UpdateTime, deleted.ID.UpdateTime},
		},
		{
			name: "current with full identity returns latest non-deleted version",
			query: models.ProductIndexQuery{
				ResultType:    models.ResultCurrent,
				ProductSource: "us",
				ProductType:   models.OriginProductType,
				ProductCode:   "us1",
			},
			expected: []time.Time{v2.ID.UpdateTime},
		},
		{
			name:     "superseded",
			query:    models.ProductIndexQuery{ResultType: models.ResultSuperseded},
			expected: []time.Time{v1.ID.UpdateTime},
		},
		{
			name:     "all",
			query:    models.ProductIndexQuery{ResultType: models.ResultAll},
			expected: []time.Time{v1.ID.UpdateTime, v2.ID.UpdateTime, deleted.ID.UpdateTime},
		},
		{
			name:     "limit",
			query:    models.ProductIndexQuery{ResultType: models.ResultAll, Limit: 1},
			expected: []time.Time{v1.ID.UpdateTime},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			products, err := idx.GetProducts(ctx, &tt.query)
			require.NoError(t, err)
			var times []time.Time
			for _, p := range products {
				times = append(times, p.ID.UpdateTime)
			}
			assert.Equal(t, tt.expected, times)
		})
	}
}

func TestMemory_GetProductsRejectsPreferred(t *testing.T) {
	idx := getTestIndex()

	_, err := idx.GetProducts(context.Background(), &models.ProductIndexQuery{EventSearchType: models.SearchEventPreferred})
	assert.ErrorIs(t, err, ErrPreferredNotSupported)

	_, err = idx.GetUnassociatedProducts(context.Background(), &models.ProductIndexQuery{EventSearchType: models.SearchEventPreferred})
	assert.ErrorIs(t, err, ErrPreferredNotSupported)
}

func TestMemory_UnassociatedProducts(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()

	indexEvent(t, idx, summary("us", "1", 0, 10, 10))
	loose, err := idx.AddProductSummary(ctx, summary("ci", "2", 0, 20, 20))
	require.NoError(t, err)

	products, err := idx.GetUnassociatedProducts(ctx, &models.ProductIndexQuery{})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, *loose.IndexID, *products[0].IndexID)
}

func TestMemory_GetEvents(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()

	preferred := summary("us", "1", 0, 10, 10)
	preferred.PreferredWeight = 5
	near := indexEvent(t, idx, preferred, summary("ci", "1", 0, 10.2, 10.2))
	indexEvent(t, idx, summary("us", "2", 0, -40, 100))

	t.Run("products search returns each event once with all summaries", func(t *testing.T) {
		events, err := idx.GetEvents(ctx, &models.ProductIndexQuery{
			MinEventLatitude: f(9),
			MaxEventLatitude: f(11),
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, *near.IndexID, *events[0].IndexID)
		assert.Len(t, events[0].AllProductList(), 2)
	})

	t.Run("preferred search uses stored event values", func(t *testing.T) {
		events, err := idx.GetEvents(ctx, &models.ProductIndexQuery{
			EventSearchType:  models.SearchEventPreferred,
			MinEventLatitude: f(10.1),
			MaxEventLatitude: f(11),
		})
		require.NoError(t, err)
		// ci1 matches by its own latitude but the event's preferred origin is us1 at 10.0
		assert.Empty(t, events)
	})

	t.Run("event id", func(t *testing.T) {
		events, err := idx.GetEvents(ctx, &models.ProductIndexQuery{EventSource: "US", EventSourceCode: "2"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "us2", events[0].EventID())
	})
}

func TestMemory_AssociationAffectsAllVersions(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()

	v1, err := idx.AddProductSummary(ctx, summary("us", "1", 0, 10, 10))
	require.NoError(t, err)
	v2, err := idx.AddProductSummary(ctx, summary("us", "1", 1, 10, 10))
	require.NoError(t, err)
	event, err := idx.AddEvent(ctx, models.NewEvent(nil))
	require.NoError(t, err)

	associated, err := idx.AddAssociation(ctx, event, v2)
	require.NoError(t, err)
	assert.Empty(t, event.AllProductList(), "input event is not modified")
	assert.Len(t, associated.AllProductList(), 1)

	unassociated, err := idx.GetUnassociatedProducts(ctx, &models.ProductIndexQuery{ResultType: models.ResultAll})
	require.NoError(t, err)
	assert.Empty(t, unassociated)

	loaded, err := idx.GetEvents(ctx, &models.ProductIndexQuery{ResultType: models.ResultAll})
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Len(t, loaded[0].AllProductList(), 2)

	detached, err := idx.RemoveAssociation(ctx, loaded[0], v1)
	require.NoError(t, err)
	assert.Empty(t, detached.AllProductList())

	unassociated, err = idx.GetUnassociatedProducts(ctx, &models.ProductIndexQuery{ResultType: models.ResultAll})
	require.NoError(t, err)
	assert.Len(t, unassociated, 2)

	unknown := summary("ci", "9", 0, 10, 10).WithIndexID(999)
	_, err = idx.RemoveAssociation(ctx, loaded[0], unknown)
	assert.ErrorIs(t, err, ErrAssociationNotFound)
}

func TestMemory_MissingIndexIDs(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()
	unsaved := summary("us", "1", 0, 10, 10)

	_, err := idx.RemoveProductSummary(ctx, unsaved)
	assert.ErrorIs(t, err, ErrMissingIndexID)

	_, err = idx.AddAssociation(ctx, models.NewEvent(nil), unsaved)
	assert.ErrorIs(t, err, ErrMissingIndexID)

	event := models.NewEvent(nil, unsaved)
	unchanged, err := idx.RemoveAssociation(ctx, event, unsaved)
	require.NoError(t, err)
	assert.Same(t, event, unchanged)

	removed, err := idx.RemoveEvent(ctx, event)
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestMemory_RemoveEvent(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()

	event := indexEvent(t, idx, summary("us", "1", 0, 10, 10), summary("us", "1", 1, 10, 10))
	loaded, err := idx.GetEvents(ctx, &models.ProductIndexQuery{ResultType: models.ResultAll})
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	removed, err := idx.RemoveEvent(ctx, loaded[0])
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, baseTime.Add(time.Minute), removed[0].UpdateTime)

	_, err = idx.StoredEvent(ctx, *event.IndexID)
	assert.ErrorIs(t, err, ErrEventNotFound)

	// the superseded version is detached but still indexed
	left, err := idx.GetUnassociatedProducts(ctx, &models.ProductIndexQuery{ResultType: models.ResultAll})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestMemory_EventsUpdated(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()

	origin := summary("us", "1", 0, 10, 20)
	event := indexEvent(t, idx, origin)

	row, err := idx.StoredEvent(ctx, *event.IndexID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUpdate, row.Status)
	assert.Equal(t, "us", row.Source)
	assert.Equal(t, "1", row.SourceCode)
	assert.Equal(t, 20.0, *row.Longitude)

	deleted := summary("us", "1", 1, 0, 0)
	deleted.Status = models.StatusDelete
	deleted.EventLatitude = nil
	deleted.EventLongitude = nil
	stored, err := idx.AddProductSummary(ctx, deleted)
	require.NoError(t, err)
	event, err = idx.AddAssociation(ctx, event, stored)
	require.NoError(t, err)
	require.True(t, event.IsDeleted())

	require.NoError(t, idx.EventsUpdated(ctx, []*models.Event{event}))
	row, err = idx.StoredEvent(ctx, *event.IndexID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelete, row.Status)
	assert.Equal(t, 20.0, *row.Longitude, "deleted events keep their last preferred values")
}

func TestMemory_Transactions(t *testing.T) {
	idx := getTestIndex()
	ctx := context.Background()

	t.Run("rollback discards changes", func(t *testing.T) {
		txCtx, err := idx.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = idx.AddProductSummary(txCtx, summary("us", "1", 0, 10, 10))
		require.NoError(t, err)

		inTx, err := idx.GetProducts(txCtx, &models.ProductIndexQuery{})
		require.NoError(t, err)
		assert.Len(t, inTx, 1)
		outside, err := idx.GetProducts(ctx, &models.ProductIndexQuery{})
		require.NoError(t, err)
		assert.Empty(t, outside)

		require.NoError(t, idx.RollbackTransaction(txCtx))
		after, err := idx.GetProducts(ctx, &models.ProductIndexQuery{})
		require.NoError(t, err)
		assert.Empty(t, after)

		assert.ErrorIs(t, idx.CommitTransaction(txCtx), ErrNoTransaction)
	})

	t.Run("commit publishes changes", func(t *testing.T) {
		txCtx, err := idx.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = idx.AddProductSummary(txCtx, summary("us", "2", 0, 10, 10))
		require.NoError(t, err)
		require.NoError(t, idx.CommitTransaction(txCtx))

		after, err := idx.GetProducts(ctx, &models.ProductIndexQuery{})
		require.NoError(t, err)
		assert.Len(t, after, 1)
	})

	t.Run("concurrent commit conflicts", func(t *testing.T) {
		first, err := idx.BeginTransaction(ctx)
		require.NoError(t, err)
		second, err := idx.BeginTransaction(ctx)
		require.NoError(t, err)

		_, err = idx.AddEvent(first, models.NewEvent(nil))
		require.NoError(t, err)
		_, err = idx.AddEvent(second, models.NewEvent(nil))
		require.NoError(t, err)

		require.NoError(t, idx.CommitTransaction(first))
		err = idx.CommitTransaction(second)
		assert.True(t, errors.Is(err, ErrConflict))
	})

	t.Run("nested begin fails", func(t *testing.T) {
		txCtx, err := idx.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = idx.BeginTransaction(txCtx)
		assert.Error(t, err)
		require.NoError(t, idx.RollbackTransaction(txCtx))
	})
}
