package storage

import (
	"context"
	"errors"

	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	// ErrAlreadyInStorage is returned by Store when the product id is already stored.
	ErrAlreadyInStorage = errors.New("product already in storage")
	// ErrNotFound is returned by Get when the product id is not stored.
	ErrNotFound = errors.New("product not found in storage")
)

// Storage keeps full products keyed by product id so they can be resummarized and served.
type Storage interface {
	Store(ctx context.Context, product *models.Product) error
	Get(ctx context.Context, id models.ProductID) (*models.Product, error)
	// Remove is a no-op for products that are not stored.
	Remove(ctx context.Context, id models.ProductID) error
}
