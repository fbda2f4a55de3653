package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const redisProductKeyPrefix = "product:"

// Redis stores products as JSON values keyed by product id.
type Redis struct {
	client *redis.Client
	logger ectologger.Logger
}

func NewRedis(client *redis.Client, logger ectologger.Logger) *Redis {
	return &Redis{client: client, logger: logger}
}

func (r *Redis) Store(ctx context.Context, product *models.Product) error {
	ctx, span := tracing.StartSpan(ctx, "storage.Redis.Store")
	defer span.End()

	data, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	key := redisProductKeyPrefix + product.ID.String()
	set, err := r.client.SetNX(ctx, key, data, 0)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to store product")
		return fmt.Errorf("failed to store product %s: %w", product.ID, err)
	}
	if !set {
		return fmt.Errorf("%s: %w", product.ID, ErrAlreadyInStorage)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id models.ProductID) (*models.Product, error) {
	ctx, span := tracing.StartSpan(ctx, "storage.Redis.Get")
	defer span.End()

	data, err := r.client.Get(ctx, redisProductKeyPrefix+id.String())
	if redis.IsNil(err) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %s: %w", id, err)
	}

	var product models.Product
	if err := json.Unmarshal(data, &product); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product %s: %w", id, err)
	}
	return &product, nil
}

func (r *Redis) Remove(ctx context.Context, id models.ProductID) error {
	ctx, span := tracing.StartSpan(ctx, "storage.Redis.Remove")
	defer span.End()

	if _, err := r.client.Del(ctx, redisProductKeyPrefix+id.String()); err != nil {
		return fmt.Errorf("failed to remove product %s: %w", id, err)
	}
	return nil
}
