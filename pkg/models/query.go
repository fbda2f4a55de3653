package models

import (
	"math"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
)

// EventSearchType selects which values event bounds are compared against.
type EventSearchType string

const (
	// SearchEventPreferred compares bounds with each event's preferred parameters.
	SearchEventPreferred EventSearchType = "PREFERRED"
	// SearchEventProducts compares bounds with each product's own values.
	SearchEventProducts EventSearchType = "PRODUCTS"
)

// ResultType scopes which product versions match.
type ResultType string

const (
	ResultCurrent    ResultType = "CURRENT"
	ResultSuperseded ResultType = "SUPERSEDED"
	ResultAll        ResultType = "ALL"
)

// ProductIndexQuery describes a product index search. Nil bounds are unrestricted; min and max are inclusive.
type ProductIndexQuery struct {
	EventSearchType EventSearchType `json:"event_search_type,omitempty" yaml:"event_search_type" validate:"omitempty,oneof=PREFERRED PRODUCTS"`
	ResultType      ResultType      `json:"result_type,omitempty" yaml:"result_type" validate:"omitempty,oneof=CURRENT SUPERSEDED ALL"`

	EventSource     string `json:"event_source,omitempty" yaml:"event_source"`
	EventSourceCode string `json:"event_source_code,omitempty" yaml:"event_source_code"`

	MinEventTime      *time.Time `json:"min_event_time,omitempty" yaml:"min_event_time"`
	MaxEventTime      *time.Time `json:"max_event_time,omitempty" yaml:"max_event_time"`
	MinEventLatitude  *float64   `json:"min_event_latitude,omitempty" yaml:"min_event_latitude" validate:"omitempty,gte=-90,lte=90"`
	MaxEventLatitude  *float64   `json:"max_event_latitude,omitempty" yaml:"max_event_latitude" validate:"omitempty,gte=-90,lte=90"`
	MinEventLongitude *float64   `json:"min_event_longitude,omitempty" yaml:"min_event_longitude"`
	MaxEventLongitude *float64   `json:"max_event_longitude,omitempty" yaml:"max_event_longitude"`
	MinEventDepth     *float64   `json:"min_event_depth,omitempty" yaml:"min_event_depth"`
	MaxEventDepth     *float64   `json:"max_event_depth,omitempty" yaml:"max_event_depth"`
	MinEventMagnitude *float64   `json:"min_event_magnitude,omitempty" yaml:"min_event_magnitude"`
	MaxEventMagnitude *float64   `json:"max_event_magnitude,omitempty" yaml:"max_event_magnitude"`

	MinProductUpdateTime *time.Time `json:"min_product_update_time,omitempty" yaml:"min_product_update_time"`
	MaxProductUpdateTime *time.Time `json:"max_product_update_time,omitempty" yaml:"max_product_update_time"`
	ProductSource        string     `json:"product_source,omitempty" yaml:"product_source"`
	ProductType          string     `json:"product_type,omitempty" yaml:"product_type"`
	ProductCode          string     `json:"product_code,omitempty" yaml:"product_code"`
	ProductVersion       string     `json:"product_version,omitempty" yaml:"product_version"`
	ProductStatus        string     `json:"product_status,omitempty" yaml:"product_status"`
	ProductIDs           []string   `json:"product_ids,omitempty" yaml:"product_ids"`
	MinProductIndexID    *int64     `json:"min_product_index_id,omitempty" yaml:"min_product_index_id"`

	Limit   int    `json:"limit,omitempty" yaml:"limit" validate:"gte=0"`
	OrderBy string `json:"order_by,omitempty" yaml:"order_by"`
}

// Result returns the result type, defaulting to CURRENT.
func (q *ProductIndexQuery) Result() ResultType {
	if q.ResultType == "" {
		return ResultCurrent
	}
	return q.ResultType
}

// SearchType returns the event search type, defaulting to PRODUCTS.
func (q *ProductIndexQuery) SearchType() EventSearchType {
	if q.EventSearchType == "" {
		return SearchEventProducts
	}
	return q.EventSearchType
}

// Normalize lowercases event ids and moves longitude bounds into (-180, 180].
func (q *ProductIndexQuery) Normalize() {
	q.EventSource = strings.ToLower(q.EventSource)
	q.EventSourceCode = strings.ToLower(q.EventSourceCode)
	if q.MinEventLongitude != nil {
		v := NormalizeLongitude(*q.MinEventLongitude)
		q.MinEventLongitude = &v
	}
	if q.MaxEventLongitude != nil {
		v := NormalizeLongitude(*q.MaxEventLongitude)
		q.MaxEventLongitude = &v
	}
}

// Matches tests the event-describing values against the bounds, longitude windows that cross the
// antimeridian included.
func (q *ProductIndexQuery) Matches(eventTime *time.Time, latitude, longitude, depth, magnitude *float64) bool {
	return timeInRange(eventTime, q.MinEventTime, q.MaxEventTime) &&
		floatInRange(latitude, q.MinEventLatitude, q.MaxEventLatitude) &&
		floatInRange(depth, q.MinEventDepth, q.MaxEventDepth) &&
		floatInRange(magnitude, q.MinEventMagnitude, q.MaxEventMagnitude) &&
		LongitudeInRange(longitude, q.MinEventLongitude, q.MaxEventLongitude)
}

// MatchesProduct tests the product identity fields, event id, update time and index id.
// Result type scoping and event bounds are checked separately.
func (q *ProductIndexQuery) MatchesProduct(s *ProductSummary) bool {
	if q.EventSource != "" && s.EventSource != strings.ToLower(q.EventSource) {
		return false
	}
	if q.EventSourceCode != "" && s.EventSourceCode != strings.ToLower(q.EventSourceCode) {
		return false
	}
	if q.ProductSource != "" && s.ID.Source != q.ProductSource {
		return false
	}
	if q.ProductType != "" && s.ID.Type != q.ProductType {
		return false
	}
	if q.ProductCode != "" && s.ID.Code != q.ProductCode {
		return false
	}
	if q.ProductVersion != "" && s.Version != q.ProductVersion {
		return false
	}
	if q.ProductStatus != "" && s.Status != q.ProductStatus {
		return false
	}
	if len(q.ProductIDs) > 0 && !ectolinq.Contains(q.ProductIDs, s.ID.String()) {
		return false
	}
	if q.MinProductIndexID != nil && (s.IndexID == nil || *s.IndexID < *q.MinProductIndexID) {
		return false
	}
	updateTime := s.ID.UpdateTime
	return timeInRange(&updateTime, q.MinProductUpdateTime, q.MaxProductUpdateTime)
}

// NormalizeLongitude maps a longitude into (-180, 180].
func NormalizeLongitude(lon float64) float64 {
	if lon <= 180 && lon > -180 {
		return lon
	}
	wrapped := math.Mod(math.Mod(lon+180, 360)+360, 360) - 180
	if wrapped == -180 {
		return 180
	}
	return wrapped
}

// LongitudeInRange tests lon against normalized bounds, inclusive at both ends. When min > max the window
// wraps the antimeridian.
func LongitudeInRange(lon, min, max *float64) bool {
	if min == nil && max == nil {
		return true
	}
	if lon == nil {
		return false
	}
	if min != nil && max != nil && *min > *max {
		return (*lon >= *min && *lon <= 180) || (*lon <= *max && *lon >= -180)
	}
	return floatInRange(lon, min, max)
}

func floatInRange(value, min, max *float64) bool {
	if min == nil && max == nil {
		return true
	}
	if value == nil {
		return false
	}
	if min != nil && *value < *min {
		return false
	}
	if max != nil && *value > *max {
		return false
	}
	return true
}

func timeInRange(value, min, max *time.Time) bool {
	if min == nil && max == nil {
		return true
	}
	if value == nil {
		return false
	}
	if min != nil && value.Before(*min) {
		return false
	}
	if max != nil && value.After(*max) {
		return false
	}
	return true
}
