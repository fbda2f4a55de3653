package product

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	fernctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/indexer"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
)

var validate = validator.New()

// Indexer is the part of the indexer the product routes use
type Indexer interface {
	OnProduct(ctx context.Context, product *models.Product, force bool) (*models.IndexerEvent, error)
	Product(ctx context.Context, id models.ProductID) (*models.Product, error)
}

// IndexResponse is returned after a product submission
type IndexResponse struct {
	Indexed      bool                     `json:"indexed"`
	Notification *models.IndexerEventView `json:"notification,omitempty"`
}

// Handler serves product submission and lookup
type Handler struct {
	indexer Indexer
	logger  ectologger.Logger
}

// NewHandler creates a new product handler
func NewHandler(indexer Indexer, logger ectologger.Logger) *Handler {
	return &Handler{indexer: indexer, logger: logger}
}

// Register registers product routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/products", h.Submit)
	g.GET("/products/:id", h.Get)
}

// Submit indexes a product. ?force=true reprocesses a product that was already indexed.
func (h *Handler) Submit(c echo.Context) error {
	ctx := c.Request().Context()

	force := false
	if raw := c.QueryParam("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "force must be a boolean")
		}
		force = parsed
	}

	var product models.Product
	if err := c.Bind(&product); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&product); err != nil {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid product: %s", err.Error())
	}
	product.ID = models.NewProductID(product.ID.Source, product.ID.Type, product.ID.Code, product.ID.UpdateTime)
	ctx = fernctx.SetProductID(ctx, product.ID.String())

	notification, err := h.indexer.OnProduct(ctx, &product, force)
	if err != nil {
		if errors.Is(err, indexer.ErrNoModule) {
			return httperror.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		h.logger.WithContext(ctx).WithError(err).Error("failed to index product")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to index product")
	}

	if notification == nil {
		return c.JSON(http.StatusOK, IndexResponse{Indexed: false})
	}
	view := notification.View()
	return c.JSON(http.StatusCreated, IndexResponse{Indexed: true, Notification: &view})
}

// Get returns a stored product by its urn
func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := models.ParseProductID(c.Param("id"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	product, err := h.indexer.Product(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return httperror.NewHTTPErrorf(http.StatusNotFound, "product %s not found", id)
		}
		h.logger.WithContext(ctx).WithError(err).Error("failed to load product")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to load product")
	}
	return c.JSON(http.StatusOK, product)
}
