package models

import (
	"strings"
	"time"
)

// ProductSummary is the indexed projection of a product. Summaries are never modified after they are
// persisted; re-weighting produces a new summary through the With* methods.
type ProductSummary struct {
	IndexID         *int64              `json:"index_id,omitempty"`
	ID              ProductID           `json:"id"`
	Status          string              `json:"status"`
	PreferredWeight int64               `json:"preferred_weight"`
	EventSource     string              `json:"event_source,omitempty"`
	EventSourceCode string              `json:"event_source_code,omitempty"`
	EventTime       *time.Time          `json:"event_time,omitempty"`
	EventLatitude   *float64            `json:"event_latitude,omitempty"`
	EventLongitude  *float64            `json:"event_longitude,omitempty"`
	EventDepth      *float64            `json:"event_depth,omitempty"`
	EventMagnitude  *float64            `json:"event_magnitude,omitempty"`
	Version         string              `json:"version,omitempty"`
	Properties      map[string]string   `json:"properties,omitempty"`
	Links           map[string][]string `json:"links,omitempty"`
}

// NewProductSummary summarizes a product with the default weight of 1.
func NewProductSummary(product *Product) *ProductSummary {
	s := &ProductSummary{
		ID:              product.ID,
		Status:          product.Status,
		PreferredWeight: 1,
		EventTime:       product.EventTime(),
		EventLatitude:   product.Latitude(),
		EventLongitude:  product.Longitude(),
		EventDepth:      product.Depth(),
		EventMagnitude:  product.Magnitude(),
		Version:         product.Version(),
		Properties:      copyProperties(product.Properties),
		Links:           copyLinks(product.Links),
	}
	s.setEventID(product.EventSource(), product.EventSourceCode())
	return s
}

// setEventID lowercases the event source and code and mirrors them into the properties.
func (s *ProductSummary) setEventID(source, code string) {
	if s.Properties == nil {
		s.Properties = map[string]string{}
	}
	s.EventSource = strings.ToLower(source)
	s.EventSourceCode = strings.ToLower(code)
	if s.EventSource != "" {
		s.Properties[EventSourceProperty] = s.EventSource
	} else {
		delete(s.Properties, EventSourceProperty)
	}
	if s.EventSourceCode != "" {
		s.Properties[EventSourceCodeProperty] = s.EventSourceCode
	} else {
		delete(s.Properties, EventSourceCodeProperty)
	}
}

// Copy returns a deep copy of properties and links.
func (s *ProductSummary) Copy() *ProductSummary {
	c := *s
	c.Properties = copyProperties(s.Properties)
	c.Links = copyLinks(s.Links)
	if s.IndexID != nil {
		id := *s.IndexID
		c.IndexID = &id
	}
	return &c
}

// WithPreferredWeight returns a copy with the given weight and no index id.
func (s *ProductSummary) WithPreferredWeight(weight int64) *ProductSummary {
	c := s.Copy()
	c.PreferredWeight = weight
	c.IndexID = nil
	return c
}

// WithIndexID returns a copy carrying the persistence id.
func (s *ProductSummary) WithIndexID(indexID int64) *ProductSummary {
	c := s.Copy()
	c.IndexID = &indexID
	return c
}

// EventID is the lowercase eventSource+eventSourceCode, or "" if either is missing.
func (s *ProductSummary) EventID() string {
	if s.EventSource == "" || s.EventSourceCode == "" {
		return ""
	}
	return strings.ToLower(s.EventSource + s.EventSourceCode)
}

func (s *ProductSummary) IsDeleted() bool {
	return strings.EqualFold(s.Status, StatusDelete)
}

func (s *ProductSummary) Type() string {
	return s.ID.Type
}

func (s *ProductSummary) Source() string {
	return s.ID.Source
}

func (s *ProductSummary) Code() string {
	return s.ID.Code
}

func (s *ProductSummary) UpdateTime() time.Time {
	return s.ID.UpdateTime
}

// Equal compares identity including update time.
func (s *ProductSummary) Equal(other *ProductSummary) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.ID.Equal(other.ID)
}

func (s *ProductSummary) Property(name string) string {
	if s.Properties == nil {
		return ""
	}
	return s.Properties[name]
}

// Link returns the first link for relation.
func (s *ProductSummary) Link(relation string) string {
	if s.Links == nil || len(s.Links[relation]) == 0 {
		return ""
	}
	return s.Links[relation][0]
}

// HasOriginProperties reports whether the summary can define an event on its own.
func (s *ProductSummary) HasOriginProperties() bool {
	return s.EventSource != "" &&
		s.EventSourceCode != "" &&
		s.EventLatitude != nil &&
		s.EventLongitude != nil &&
		s.EventTime != nil
}

// AssociationFieldsEqual compares every field that can change association or preferred values.
// Types that add new association-relevant fields need to be added here.
func (s *ProductSummary) AssociationFieldsEqual(other *ProductSummary) bool {
	return s.PreferredWeight == other.PreferredWeight &&
		strings.EqualFold(s.Status, other.Status) &&
		floatPtrEqual(s.EventDepth, other.EventDepth) &&
		floatPtrEqual(s.EventLatitude, other.EventLatitude) &&
		floatPtrEqual(s.EventLongitude, other.EventLongitude) &&
		floatPtrEqual(s.EventMagnitude, other.EventMagnitude) &&
		s.EventSource == other.EventSource &&
		s.EventSourceCode == other.EventSourceCode &&
		timePtrEqual(s.EventTime, other.EventTime)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func copyProperties(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyLinks(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}
