package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/listener"
	"github.com/Ramsey-B/fern/pkg/models"
)

func summary(productType, code string) *models.ProductSummary {
	return models.NewProductSummary(&models.Product{
		ID:     models.NewProductID("us", productType, code, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
		Status: models.StatusUpdate,
		Properties: map[string]string{
			models.EventSourceProperty:     "us",
			models.EventSourceCodeProperty: code,
			models.EventTimeProperty:       "2024-01-02T03:00:00.000Z",
			models.LatitudeProperty:        "34.1",
			models.LongitudeProperty:       "-118.2",
			models.MagnitudeProperty:       "4.2",
		},
	})
}

func event(id int64, summaries ...*models.ProductSummary) *models.Event {
	return models.NewEvent(&id, summaries...)
}

func cyphers(statements []Statement) []string {
	out := make([]string, len(statements))
	for i, s := range statements {
		out[i] = s.Cypher
	}
	return out
}

func TestStatements(t *testing.T) {
	origin := summary("origin", "1234")
	dyfi := summary("dyfi", "1234")

	tests := []struct {
		name         string
		notification func() *models.IndexerEvent
		want         []string
	}{
		{
			name: "event added",
			notification: func() *models.IndexerEvent {
				n := models.NewIndexerEvent(origin)
				n.AddChange(models.NewIndexerChange(models.EventAdded, nil, event(1, origin)))
				return n
			},
			want: []string{upsertEventCypher, upsertEventProductsCypher, pruneEventProductsCypher},
		},
		{
			name: "merge deletes the absorbed event first",
			notification: func() *models.IndexerEvent {
				n := models.NewIndexerEvent(origin)
				n.AddChange(models.NewIndexerChange(models.EventMerged, event(2, dyfi), nil))
				n.AddChange(models.NewIndexerChange(models.EventUpdated, event(1, origin), event(1, origin, dyfi)))
				return n
			},
			want: []string{deleteEventCypher, upsertEventCypher, upsertEventProductsCypher, pruneEventProductsCypher},
		},
		{
			name: "archived event removes its products",
			notification: func() *models.IndexerEvent {
				n := models.NewIndexerEvent(nil)
				n.AddChange(models.NewIndexerChange(models.EventArchived, event(1, origin), nil))
				return n
			},
			want: []string{deleteEventWithProductsCypher},
		},
		{
			name: "archived product",
			notification: func() *models.IndexerEvent {
				n := models.NewIndexerEvent(dyfi)
				n.AddChange(models.NewIndexerChange(models.ProductArchived, event(1, origin, dyfi), event(1, origin)))
				return n
			},
			want: []string{upsertEventCypher, upsertEventProductsCypher, pruneEventProductsCypher, deleteProductCypher},
		},
		{
			name: "unassociated product",
			notification: func() *models.IndexerEvent {
				n := models.NewIndexerEvent(dyfi)
				n.AddChange(models.NewIndexerChange(models.ProductAdded, nil, nil))
				return n
			},
			want: []string{upsertProductCypher},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cyphers(Statements(tt.notification())))
		})
	}
}

func TestStatements_EventParams(t *testing.T) {
	origin := summary("origin", "1234")
	dyfi := summary("dyfi", "1234")
	n := models.NewIndexerEvent(dyfi)
	n.AddChange(models.NewIndexerChange(models.EventUpdated, event(7, origin), event(7, origin, dyfi)))

	statements := Statements(n)
	require.Len(t, statements, 3)

	params := statements[0].Params
	assert.Equal(t, int64(7), params["index_id"])
	assert.Equal(t, "us1234", params["event_id"])
	assert.Equal(t, 4.2, params["magnitude"])
	assert.Nil(t, params["depth"])
	assert.Equal(t, false, params["deleted"])

	assert.Len(t, statements[1].Params["products"], 2)
	assert.ElementsMatch(t, []string{origin.ID.String(), dyfi.ID.String()}, statements[2].Params["product_ids"])
}

type fakeWriter struct {
	calls [][]Statement
	err   error
}

func (w *fakeWriter) ExecuteWrite(_ context.Context, statements []Statement) error {
	w.calls = append(w.calls, statements)
	return w.err
}

func TestMirror_OnIndexerEvent(t *testing.T) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	origin := summary("origin", "1234")

	t.Run("writes one transaction per notification", func(t *testing.T) {
		writer := &fakeWriter{}
		m := NewMirror(writer, listener.TypeFilter{}, logger)
		n := models.NewIndexerEvent(origin)
		n.AddChange(models.NewIndexerChange(models.EventAdded, nil, event(1, origin)))

		require.NoError(t, m.OnIndexerEvent(context.Background(), n))
		assert.Len(t, writer.calls, 1)
	})

	t.Run("nothing to write", func(t *testing.T) {
		writer := &fakeWriter{}
		m := NewMirror(writer, listener.TypeFilter{}, logger)
		require.NoError(t, m.OnIndexerEvent(context.Background(), models.NewIndexerEvent(nil)))
		assert.Empty(t, writer.calls)
	})

	t.Run("returns write errors", func(t *testing.T) {
		errDown := errors.New("graph down")
		m := NewMirror(&fakeWriter{err: errDown}, listener.TypeFilter{}, logger)
		n := models.NewIndexerEvent(origin)
		n.AddChange(models.NewIndexerChange(models.EventAdded, nil, event(1, origin)))
		assert.ErrorIs(t, m.OnIndexerEvent(context.Background(), n), errDown)
	})
}
