package product

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/indexer"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
)

const body = `{
	"id": {"source": "us", "type": "origin", "code": "us1234", "update_time": "2024-01-02T03:04:05.678901Z"},
	"status": "UPDATE",
	"properties": {"eventsource": "us", "eventsourcecode": "1234"}
}`

type fakeIndexer struct {
	products     []*models.Product
	forced       []bool
	notification *models.IndexerEvent
	err          error
	stored       *models.Product
}

func (f *fakeIndexer) OnProduct(_ context.Context, product *models.Product, force bool) (*models.IndexerEvent, error) {
	f.products = append(f.products, product)
	f.forced = append(f.forced, force)
	return f.notification, f.err
}

func (f *fakeIndexer) Product(_ context.Context, _ models.ProductID) (*models.Product, error) {
	if f.stored == nil {
		return nil, storage.ErrNotFound
	}
	return f.stored, nil
}

func newServer(idx *fakeIndexer) *echo.Echo {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	NewHandler(idx, logger).Register(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, path, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Submit(t *testing.T) {
	added := models.NewIndexerEvent(nil)
	added.AddChange(models.NewIndexerChange(models.ProductAdded, nil, nil))

	tests := []struct {
		name         string
		path         string
		payload      string
		notification *models.IndexerEvent
		err          error
		wantStatus   int
		wantForce    bool
	}{
		{name: "indexed", path: "/api/v1/products", payload: body, notification: added, wantStatus: http.StatusCreated},
		{name: "forced", path: "/api/v1/products?force=true", payload: body, notification: added, wantStatus: http.StatusCreated, wantForce: true},
		{name: "already indexed", path: "/api/v1/products", payload: body, wantStatus: http.StatusOK},
		{name: "bad force flag", path: "/api/v1/products?force=maybe", payload: body, wantStatus: http.StatusBadRequest},
		{name: "missing status", path: "/api/v1/products", payload: `{"id": {"source": "us", "type": "origin", "code": "c", "update_time": "2024-01-02T03:04:05Z"}}`, wantStatus: http.StatusBadRequest},
		{name: "no module", path: "/api/v1/products", payload: body, err: indexer.ErrNoModule, wantStatus: http.StatusUnprocessableEntity},
		{name: "index failure", path: "/api/v1/products", payload: body, err: errors.New("rolled back"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &fakeIndexer{notification: tt.notification, err: tt.err}
			rec := do(newServer(idx), http.MethodPost, tt.path, tt.payload)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus >= http.StatusBadRequest && len(idx.products) == 0 {
				return
			}
			require.Len(t, idx.products, 1)
			assert.Equal(t, tt.wantForce, idx.forced[0])
			// submitted ids are truncated to milliseconds
			assert.Equal(t, 678000000, idx.products[0].ID.UpdateTime.Nanosecond())
		})
	}

	t.Run("response carries the change list", func(t *testing.T) {
		rec := do(newServer(&fakeIndexer{notification: added}), http.MethodPost, "/api/v1/products", body)
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp IndexResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Indexed)
		require.NotNil(t, resp.Notification)
		require.Len(t, resp.Notification.Changes, 1)
		assert.Equal(t, models.ProductAdded, resp.Notification.Changes[0].Type)
	})
}

func TestHandler_Get(t *testing.T) {
	id := models.NewProductID("us", "origin", "us1234", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	path := "/api/v1/products/" + url.PathEscape(id.String())

	t.Run("found", func(t *testing.T) {
		rec := do(newServer(&fakeIndexer{stored: &models.Product{ID: id, Status: models.StatusUpdate}}), http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		rec := do(newServer(&fakeIndexer{}), http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := do(newServer(&fakeIndexer{}), http.MethodGet, "/api/v1/products/not-a-urn", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
