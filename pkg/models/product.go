package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ProductIDPrefix = "urn:usgs-product:"

	StatusUpdate = "UPDATE"
	StatusDelete = "DELETE"

	OriginProductType       = "origin"
	AssociateProductType    = "associate"
	DisassociateProductType = "disassociate"
	TrumpProductType        = "trump"
	TrumpTypePrefix         = "trump-"

	EventSourceProperty          = "eventsource"
	EventSourceCodeProperty      = "eventsourcecode"
	EventTimeProperty            = "eventtime"
	LatitudeProperty             = "latitude"
	LongitudeProperty            = "longitude"
	DepthProperty                = "depth"
	MagnitudeProperty            = "magnitude"
	VersionProperty              = "version"
	OtherEventSourceProperty     = "othereventsource"
	OtherEventSourceCodeProperty = "othereventsourcecode"
	TrumpSourceProperty          = "trump-source"
	TrumpCodeProperty            = "trump-code"
	TrumpWeightProperty          = "weight"
	PreferredWeightProperty      = "preferredWeight"

	// ProductLinkRelation names the link a trump product uses to reference its target.
	ProductLinkRelation = "product"
)

// ProductID identifies one version of one product.
type ProductID struct {
	Source     string    `json:"source" validate:"required"`
	Type       string    `json:"type" validate:"required"`
	Code       string    `json:"code" validate:"required"`
	UpdateTime time.Time `json:"update_time" validate:"required"`
}

// NewProductID truncates updateTime to millisecond precision.
func NewProductID(source, productType, code string, updateTime time.Time) ProductID {
	return ProductID{
		Source:     source,
		Type:       productType,
		Code:       code,
		UpdateTime: time.UnixMilli(updateTime.UnixMilli()).UTC(),
	}
}

// ParseProductID parses "urn:usgs-product:source:type:code:updateTimeMillis".
func ParseProductID(urn string) (ProductID, error) {
	if !strings.HasPrefix(urn, ProductIDPrefix) {
		return ProductID{}, fmt.Errorf("invalid product id %q: missing %s prefix", urn, ProductIDPrefix)
	}
	parts := strings.Split(strings.TrimPrefix(urn, ProductIDPrefix), ":")
	if len(parts) < 4 {
		return ProductID{}, fmt.Errorf("invalid product id %q: expected source:type:code:updateTime", urn)
	}
	millis, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return ProductID{}, fmt.Errorf("invalid product id %q: bad update time: %w", urn, err)
	}
	code := strings.Join(parts[2:len(parts)-1], ":")
	return NewProductID(parts[0], parts[1], code, time.UnixMilli(millis)), nil
}

func (id ProductID) String() string {
	return fmt.Sprintf("%s%s:%s:%s:%d", ProductIDPrefix, id.Source, id.Type, id.Code, id.UpdateTime.UnixMilli())
}

// Key identifies the product across versions.
func (id ProductID) Key() string {
	return id.Source + ":" + id.Type + ":" + id.Code
}

// IsSameProduct ignores the update time.
func (id ProductID) IsSameProduct(other ProductID) bool {
	return id.Source == other.Source && id.Type == other.Type && id.Code == other.Code
}

func (id ProductID) Equal(other ProductID) bool {
	return id.IsSameProduct(other) && id.UpdateTime.UnixMilli() == other.UpdateTime.UnixMilli()
}

// Product is a full product as received from a feed. Content payloads are not retained.
type Product struct {
	ID         ProductID           `json:"id" validate:"required"`
	Status     string              `json:"status" validate:"required"`
	Properties map[string]string   `json:"properties,omitempty"`
	Links      map[string][]string `json:"links,omitempty"`
	Signature  string              `json:"signature,omitempty"`
}

func (p *Product) IsDeleted() bool {
	return strings.EqualFold(p.Status, StatusDelete)
}

func (p *Product) Property(name string) string {
	if p.Properties == nil {
		return ""
	}
	return p.Properties[name]
}

func (p *Product) EventSource() string {
	return p.Property(EventSourceProperty)
}

func (p *Product) EventSourceCode() string {
	return p.Property(EventSourceCodeProperty)
}

func (p *Product) EventTime() *time.Time {
	return ParseTimeProperty(p.Property(EventTimeProperty))
}

func (p *Product) Latitude() *float64 {
	return ParseFloatProperty(p.Property(LatitudeProperty))
}

func (p *Product) Longitude() *float64 {
	return ParseFloatProperty(p.Property(LongitudeProperty))
}

func (p *Product) Depth() *float64 {
	return ParseFloatProperty(p.Property(DepthProperty))
}

func (p *Product) Magnitude() *float64 {
	return ParseFloatProperty(p.Property(MagnitudeProperty))
}

func (p *Product) Version() string {
	return p.Property(VersionProperty)
}

// ParseFloatProperty returns nil for empty or unparseable values.
func ParseFloatProperty(value string) *float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &f
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

// ParseTimeProperty accepts ISO-8601 timestamps; values without a zone are UTC.
func ParseTimeProperty(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = time.UnixMilli(t.UnixMilli()).UTC()
			return &t
		}
	}
	return nil
}

// FormatTimeProperty formats t the way ParseTimeProperty reads it.
func FormatTimeProperty(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
