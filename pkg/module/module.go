package module

import (
	"context"
	"strconv"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// LevelUnsupported means the module cannot summarize the product.
	LevelUnsupported = 0
	// LevelDefault is the support level of the default module.
	LevelDefault = 1
	// LevelSupported is used by modules written for specific product types.
	LevelSupported = 2

	DefaultPreferredWeight   int64 = 1
	SameSourceWeight         int64 = 5
	AuthoritativeWeight      int64 = 100
	AuthoritativeEventWeight int64 = 50
)

// IndexerModule turns products into summaries.
type IndexerModule interface {
	SupportLevel(product *models.Product) int
	Summarize(ctx context.Context, product *models.Product) (*models.ProductSummary, error)
}

// Default summarizes any product. Weights come from source and region authority, or from a signed
// preferredWeight property.
type Default struct {
	logger   ectologger.Logger
	regions  Regions
	verifier SignatureVerifier
}

// NewDefault creates a new Default module. A nil regions or verifier disables that weight input.
func NewDefault(logger ectologger.Logger, regions Regions, verifier SignatureVerifier) *Default {
	return &Default{
		logger:   logger,
		regions:  regions,
		verifier: verifier,
	}
}

func (m *Default) SupportLevel(_ *models.Product) int {
	return LevelDefault
}

func (m *Default) Summarize(ctx context.Context, product *models.Product) (*models.ProductSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "module.Default.Summarize")
	defer span.End()

	log := m.logger.WithContext(ctx).WithField("product_id", product.ID.String())
	summary := models.NewProductSummary(product)

	if value := product.Property(models.PreferredWeightProperty); value != "" && m.verifier != nil {
		verified, err := m.verifier.Verify(product)
		if err != nil {
			log.WithError(err).Warn("signature verification failed")
		}
		if verified {
			weight, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err == nil {
				log.Debugf("signature verified, using sender assigned preferred weight %d", weight)
				summary.PreferredWeight = weight
				return summary, nil
			}
			log.WithError(err).Warn("invalid preferredWeight property")
		}
	}

	summary.PreferredWeight = m.PreferredWeight(summary)
	return summary, nil
}

// PreferredWeight computes the natural weight of a summary.
func (m *Default) PreferredWeight(summary *models.ProductSummary) int64 {
	weight := DefaultPreferredWeight
	source := summary.ID.Source
	eventSource := summary.EventSource

	if m.regions != nil && summary.EventLatitude != nil && summary.EventLongitude != nil {
		lat, lon := *summary.EventLatitude, *summary.EventLongitude
		if m.regions.IsAuthor(source, lat, lon) {
			weight += AuthoritativeWeight
		}
		if eventSource != "" && m.regions.IsAuthor(eventSource, lat, lon) {
			weight += AuthoritativeEventWeight
		}
	}

	if eventSource != "" && strings.EqualFold(eventSource, source) {
		weight += SameSourceWeight
	}
	return weight
}

// BaseProductType strips the internal- prefix and -scenario suffix from a product type.
func BaseProductType(productType string) string {
	productType = strings.TrimPrefix(productType, "internal-")
	return strings.TrimSuffix(productType, "-scenario")
}

// Select returns the first module with the strictly highest support level. Nil when no module supports the
// product.
func Select(modules []IndexerModule, product *models.Product) IndexerModule {
	var selected IndexerModule
	level := LevelUnsupported
	for _, m := range modules {
		if l := m.SupportLevel(product); l > level {
			selected, level = m, l
		}
	}
	return selected
}
