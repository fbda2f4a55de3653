package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/indexer"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

const productBody = `{
	"id": {"source": "us", "type": "origin", "code": "us1234", "update_time": "2024-01-02T03:04:05Z"},
	"status": "UPDATE",
	"properties": {
		"eventsource": "us",
		"eventsourcecode": "1234",
		"eventtime": "2024-01-02T03:00:00.000Z",
		"latitude": "34.1",
		"longitude": "-118.2"
	}
}`

func memoryConfig() *config.Config {
	return &config.Config{
		AppName:            "fern-test",
		Version:            "test",
		StartupMaxAttempts: 1,
		IndexBackend:       config.IndexBackendMemory,
		StorageBackend:     config.StorageBackendMemory,
	}
}

func startCore(t *testing.T) *App {
	t.Helper()
	a := New(memoryConfig(), ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	a.registerCore()
	a.registerIndexer()
	require.NoError(t, a.startup.Start(context.Background()))
	t.Cleanup(func() { _ = a.startup.Stop(context.Background()) })
	return a
}

func serve(e *echo.Echo, method, path, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestApp_MemoryBackends(t *testing.T) {
	a := startCore(t)
	require.NotNil(t, a.indexer)
	assert.Nil(t, a.db)
	assert.Nil(t, a.redis)

	e, err := a.newEcho(context.Background())
	require.NoError(t, err)

	t.Run("not ready until started", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/api/v1/health/ready", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("health without checks", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/api/v1/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/metrics", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("submit then fetch", func(t *testing.T) {
		rec := serve(e, http.MethodPost, "/api/v1/products", productBody)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		id := models.NewProductID("us", "origin", "us1234", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
		rec = serve(e, http.MethodGet, "/api/v1/products/"+url.PathEscape(id.String()), "")
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("search finds the event", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/api/v1/events/us/1234", "")
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})
}

func TestApp_HandleMessage(t *testing.T) {
	a := startCore(t)

	product := &models.Product{
		ID:         models.NewProductID("us", "origin", "us99", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
		Status:     models.StatusUpdate,
		Properties: map[string]string{"eventsource": "us", "eventsourcecode": "99"},
	}
	require.NoError(t, a.handleMessage(context.Background(), &kafka.IncomingMessage{Product: product}))

	// without modules nothing can summarize the product
	a.indexer = indexer.NewIndexer(a.logger, a.index, a.storage, a.associator, nil, indexer.Config{})
	unsupported := &models.Product{
		ID:     models.NewProductID("us", "origin", "us100", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)),
		Status: models.StatusUpdate,
	}
	err := a.handleMessage(context.Background(), &kafka.IncomingMessage{Product: unsupported})
	assert.ErrorIs(t, err, kafka.ErrInvalidMessage)
	assert.ErrorIs(t, err, indexer.ErrNoModule)
}

func TestApp_RunArchiveRequiresPolicies(t *testing.T) {
	a := New(memoryConfig(), ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	_, err := a.RunArchive(context.Background())
	assert.Error(t, err)
}

func TestNonEmpty(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   []string
	}{
		{name: "unset list variable", values: []string{""}, want: []string{}},
		{name: "keeps types", values: []string{"origin", " ", "phase-data"}, want: []string{"origin", "phase-data"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, nonEmpty(tt.values))
		})
	}
}
