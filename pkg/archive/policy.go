package archive

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrInvalidPolicy is returned for policies with conflicting or missing criteria.
var ErrInvalidPolicy = errors.New("invalid archive policy")

// Kind selects what a policy archives.
type Kind string

const (
	KindEvent   Kind = "event"
	KindProduct Kind = "product"
)

var validate = validator.New()

// Policy selects events or products to archive. Ages are measured back from the time the query is built;
// explicit times take precedence over the matching age bound.
type Policy struct {
	Name string `yaml:"name" validate:"required"`
	Kind Kind   `yaml:"kind" validate:"required,oneof=event product"`

	// MinAge and MaxAge are the legacy age bounds. Product policies apply them to product update time.
	MinAge *time.Duration `yaml:"min_age"`
	MaxAge *time.Duration `yaml:"max_age"`

	MinEventAge  *time.Duration `yaml:"min_event_age"`
	MaxEventAge  *time.Duration `yaml:"max_event_age"`
	MinEventTime *time.Time     `yaml:"min_event_time"`
	MaxEventTime *time.Time     `yaml:"max_event_time"`

	MinMagnitude *float64 `yaml:"min_magnitude"`
	MaxMagnitude *float64 `yaml:"max_magnitude"`
	MinLatitude  *float64 `yaml:"min_latitude" validate:"omitempty,gte=-90,lte=90"`
	MaxLatitude  *float64 `yaml:"max_latitude" validate:"omitempty,gte=-90,lte=90"`
	MinLongitude *float64 `yaml:"min_longitude"`
	MaxLongitude *float64 `yaml:"max_longitude"`
	MinDepth     *float64 `yaml:"min_depth"`
	MaxDepth     *float64 `yaml:"max_depth"`
	EventSource  string   `yaml:"event_source"`

	MinProductAge    *time.Duration `yaml:"min_product_age"`
	MaxProductAge    *time.Duration `yaml:"max_product_age"`
	MinProductTime   *time.Time     `yaml:"min_product_time"`
	MaxProductTime   *time.Time     `yaml:"max_product_time"`
	ProductType      string         `yaml:"product_type"`
	ProductSource    string         `yaml:"product_source"`
	ProductStatus    string         `yaml:"product_status"`
	OnlySuperseded   *bool          `yaml:"only_superseded"`
	OnlyUnassociated bool           `yaml:"only_unassociated"`
}

// PolicyFile is the YAML document holding every configured policy.
type PolicyFile struct {
	Policies []Policy `yaml:"policies" validate:"dive"`
}

// LoadPolicies reads and validates a policy file.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive policies %s: %w", path, err)
	}

	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse archive policies %s: %w", path, err)
	}

	names := map[string]bool{}
	for _, p := range file.Policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if names[p.Name] {
			return nil, fmt.Errorf("%w: duplicate policy name %q", ErrInvalidPolicy, p.Name)
		}
		names[p.Name] = true
	}
	return file.Policies, nil
}

// Validate rejects mixed legacy and new age settings, inverted ranges and policies without criteria.
func (p *Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidPolicy, p.Name, err)
	}

	legacy := p.MinAge != nil || p.MaxAge != nil
	if legacy && (p.MinEventAge != nil || p.MaxEventAge != nil || p.MinEventTime != nil || p.MaxEventTime != nil) {
		return p.invalid("min_age/max_age cannot be combined with event age or time bounds")
	}
	if legacy && p.Kind == KindProduct &&
		(p.MinProductAge != nil || p.MaxProductAge != nil || p.MinProductTime != nil || p.MaxProductTime != nil) {
		return p.invalid("min_age/max_age cannot be combined with product age or time bounds")
	}

	if inverted(p.MinEventAge, p.MaxEventAge) {
		return p.invalid("min_event_age greater than max_event_age")
	}
	if p.MinEventTime != nil && p.MaxEventTime != nil && p.MinEventTime.After(*p.MaxEventTime) {
		return p.invalid("min_event_time after max_event_time")
	}
	if inverted(p.MinProductAge, p.MaxProductAge) {
		return p.invalid("min_product_age greater than max_product_age")
	}
	if p.MinProductTime != nil && p.MaxProductTime != nil && p.MinProductTime.After(*p.MaxProductTime) {
		return p.invalid("min_product_time after max_product_time")
	}

	if !p.hasEventCriteria() && !(p.Kind == KindProduct && p.hasProductCriteria()) {
		return p.invalid("no criteria")
	}
	return nil
}

func (p *Policy) invalid(reason string) error {
	return fmt.Errorf("%w %q: %s", ErrInvalidPolicy, p.Name, reason)
}

func inverted(min, max *time.Duration) bool {
	return min != nil && max != nil && *min > *max
}

func (p *Policy) hasEventCriteria() bool {
	return p.MinAge != nil || p.MaxAge != nil ||
		p.MinEventAge != nil || p.MaxEventAge != nil ||
		p.MinEventTime != nil || p.MaxEventTime != nil ||
		p.MinMagnitude != nil || p.MaxMagnitude != nil ||
		p.MinLatitude != nil || p.MaxLatitude != nil ||
		p.MinLongitude != nil || p.MaxLongitude != nil ||
		p.MinDepth != nil || p.MaxDepth != nil ||
		p.EventSource != ""
}

func (p *Policy) hasProductCriteria() bool {
	return p.MinProductAge != nil || p.MaxProductAge != nil ||
		p.MinProductTime != nil || p.MaxProductTime != nil ||
		p.ProductType != "" || p.ProductSource != "" || p.ProductStatus != ""
}

// OnlySupersededVersions defaults to true.
func (p *Policy) OnlySupersededVersions() bool {
	return p.OnlySuperseded == nil || *p.OnlySuperseded
}

// Query builds the index query for the policy relative to now.
func (p *Policy) Query(now time.Time) *models.ProductIndexQuery {
	q := &models.ProductIndexQuery{
		EventSearchType:   models.SearchEventPreferred,
		ResultType:        models.ResultAll,
		MinEventMagnitude: p.MinMagnitude,
		MaxEventMagnitude: p.MaxMagnitude,
		MinEventLatitude:  p.MinLatitude,
		MaxEventLatitude:  p.MaxLatitude,
		MinEventLongitude: p.MinLongitude,
		MaxEventLongitude: p.MaxLongitude,
		MinEventDepth:     p.MinDepth,
		MaxEventDepth:     p.MaxDepth,
		EventSource:       p.EventSource,
	}

	// the older bound is the minimum time
	q.MinEventTime = before(now, p.MaxAge)
	q.MaxEventTime = before(now, p.MinAge)
	if p.MaxEventAge != nil {
		q.MinEventTime = before(now, p.MaxEventAge)
	}
	if p.MinEventAge != nil {
		q.MaxEventTime = before(now, p.MinEventAge)
	}
	if p.MinEventTime != nil {
		q.MinEventTime = p.MinEventTime
	}
	if p.MaxEventTime != nil {
		q.MaxEventTime = p.MaxEventTime
	}

	if p.Kind == KindProduct {
		p.applyProductBounds(q, now)
	}
	q.Normalize()
	return q
}

func (p *Policy) applyProductBounds(q *models.ProductIndexQuery, now time.Time) {
	if p.MaxAge != nil {
		q.MinProductUpdateTime = before(now, p.MaxAge)
		q.MinEventTime = nil
	}
	if p.MinAge != nil {
		q.MaxProductUpdateTime = before(now, p.MinAge)
		q.MaxEventTime = nil
	}
	if p.MaxProductAge != nil {
		q.MinProductUpdateTime = before(now, p.MaxProductAge)
	}
	if p.MinProductAge != nil {
		q.MaxProductUpdateTime = before(now, p.MinProductAge)
	}
	if p.MinProductTime != nil {
		q.MinProductUpdateTime = p.MinProductTime
	}
	if p.MaxProductTime != nil {
		q.MaxProductUpdateTime = p.MaxProductTime
	}

	q.EventSearchType = models.SearchEventProducts
	q.ProductType = p.ProductType
	q.ProductSource = p.ProductSource
	q.ProductStatus = p.ProductStatus
	q.ResultType = models.ResultAll
	if p.OnlySupersededVersions() {
		q.ResultType = models.ResultSuperseded
	}
}

func before(now time.Time, age *time.Duration) *time.Time {
	if age == nil {
		return nil
	}
	t := now.Add(-*age)
	return &t
}
