package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/index"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/storage"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Search runs every query of the request. A product query asking for preferred values reports the error
// on its result; any other failure aborts the search.
func (i *Indexer) Search(ctx context.Context, request *models.SearchRequest) (*models.SearchResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "indexer.Indexer.Search")
	defer span.End()

	response, err := i.search(ctx, request)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}
	return response, nil
}

func (i *Indexer) search(ctx context.Context, request *models.SearchRequest) (*models.SearchResponse, error) {
	response := &models.SearchResponse{Results: make([]models.SearchResult, 0, len(request.Queries))}
	for _, q := range request.Queries {
		query := q.Query
		query.Normalize()
		result := models.SearchResult{Type: q.Type}

		switch q.Type {
		case models.SearchEventSummary, models.SearchEventDetail:
			events, err := i.index.GetEvents(ctx, &query)
			if err != nil {
				return nil, fmt.Errorf("%s search: %w", q.Type, err)
			}
			result.EventList = events
			for _, e := range events {
				if q.Type == models.SearchEventSummary {
					result.EventSummaries = append(result.EventSummaries, e.Summary())
				} else {
					result.Events = append(result.Events, models.DetailOf(e))
				}
			}

		case models.SearchProductSummary:
			summaries, err := i.index.GetProducts(ctx, &query)
			if errors.Is(err, index.ErrPreferredNotSupported) {
				result.Error = err.Error()
			} else if err != nil {
				return nil, fmt.Errorf("%s search: %w", q.Type, err)
			}
			result.ProductSummaries = summaries

		case models.SearchProductDetail:
			products, err := i.productDetails(ctx, &query)
			if errors.Is(err, index.ErrPreferredNotSupported) {
				result.Error = err.Error()
			} else if err != nil {
				return nil, fmt.Errorf("%s search: %w", q.Type, err)
			}
			result.Products = products

		default:
			return nil, fmt.Errorf("unknown search type %q", q.Type)
		}
		response.Results = append(response.Results, result)
	}
	return response, nil
}

// productDetails loads the stored products behind the matching summaries, skipping any missing from
// storage.
func (i *Indexer) productDetails(ctx context.Context, query *models.ProductIndexQuery) ([]*models.Product, error) {
	summaries, err := i.index.GetProducts(ctx, query)
	if err != nil {
		return nil, err
	}
	products := make([]*models.Product, 0, len(summaries))
	for _, s := range summaries {
		product, err := i.storage.Get(ctx, s.ID)
		if errors.Is(err, storage.ErrNotFound) {
			i.logger.WithContext(ctx).WithField("product_id", s.ID.String()).Warn("indexed product missing from storage")
			continue
		}
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, nil
}

// Product returns a stored product.
func (i *Indexer) Product(ctx context.Context, id models.ProductID) (*models.Product, error) {
	return i.storage.Get(ctx, id)
}
