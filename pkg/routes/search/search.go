package search

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/index"
	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New()

// Searcher runs index searches
type Searcher interface {
	Search(ctx context.Context, request *models.SearchRequest) (*models.SearchResponse, error)
}

// EventQueries builds the query that finds an event by its id
type EventQueries interface {
	EventIDQuery(source, code string) *models.ProductIndexQuery
}

// Handler serves search and event lookup
type Handler struct {
	searcher Searcher
	queries  EventQueries
	logger   ectologger.Logger
}

// NewHandler creates a new search handler
func NewHandler(searcher Searcher, queries EventQueries, logger ectologger.Logger) *Handler {
	return &Handler{searcher: searcher, queries: queries, logger: logger}
}

// Register registers search routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/search", h.Search)
	g.GET("/events/:source/:code", h.GetEvent)
}

// Search runs a search request
func (h *Handler) Search(c echo.Context) error {
	ctx := c.Request().Context()

	var req models.SearchRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid search request: %s", err.Error())
	}

	response, err := h.searcher.Search(ctx, &req)
	if err != nil {
		return h.searchError(ctx, err)
	}
	return c.JSON(http.StatusOK, response)
}

// GetEvent returns the detail of the event with the given source and code
func (h *Handler) GetEvent(c echo.Context) error {
	ctx := c.Request().Context()
	source := c.Param("source")
	code := c.Param("code")

	query := h.queries.EventIDQuery(source, code)
	if query == nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "source and code are required")
	}
	req := &models.SearchRequest{Queries: []models.SearchQuery{{Type: models.SearchEventDetail, Query: *query}}}

	response, err := h.searcher.Search(ctx, req)
	if err != nil {
		return h.searchError(ctx, err)
	}

	events := response.Events()
	if len(events) == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "event %s%s not found", source, code)
	}
	if len(events) > 1 {
		h.logger.WithContext(ctx).WithFields(map[string]any{
			"source": source,
			"code":   code,
			"count":  len(events),
		}).Warn("event id matches more than one event")
	}
	return c.JSON(http.StatusOK, models.DetailOf(events[0]))
}

func (h *Handler) searchError(ctx context.Context, err error) error {
	if errors.Is(err, index.ErrPreferredNotSupported) {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.logger.WithContext(ctx).WithError(err).Error("search failed")
	return httperror.NewHTTPError(http.StatusInternalServerError, "search failed")
}
