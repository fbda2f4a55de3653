package models

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectolinq"
)

// Event is a cluster of product summaries describing one earthquake. Engine code treats events as values:
// index operations return a new Event instead of mutating the one passed in.
type Event struct {
	IndexID *int64

	mu       sync.Mutex
	products map[string][]*ProductSummary
	summary  *EventSummary
}

// NewEvent creates an event holding the given summaries.
func NewEvent(indexID *int64, summaries ...*ProductSummary) *Event {
	e := &Event{products: map[string][]*ProductSummary{}}
	if indexID != nil {
		id := *indexID
		e.IndexID = &id
	}
	for _, s := range summaries {
		e.AddProduct(s)
	}
	return e
}

// Copy returns an event with its own product lists. Summaries are shared since they are never modified.
func (e *Event) Copy() *Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := &Event{products: make(map[string][]*ProductSummary, len(e.products))}
	if e.IndexID != nil {
		id := *e.IndexID
		c.IndexID = &id
	}
	for t, list := range e.products {
		c.products[t] = append([]*ProductSummary(nil), list...)
	}
	return c
}

// WithIndexID returns a copy carrying the given index id.
func (e *Event) WithIndexID(indexID int64) *Event {
	c := e.Copy()
	c.IndexID = &indexID
	return c
}

// AddProduct adds a summary unless an equal summary is already present.
func (e *Event) AddProduct(summary *ProductSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := summary.ID.Type
	for _, existing := range e.products[t] {
		if existing.Equal(summary) {
			return
		}
	}
	e.products[t] = append(e.products[t], summary)
	e.summary = nil
}

// RemoveProduct removes the summary with the same identity and update time.
func (e *Event) RemoveProduct(summary *ProductSummary) {
	e.removeWhere(summary.ID.Type, func(s *ProductSummary) bool { return s.Equal(summary) })
}

// RemoveAllVersions removes every version of the summary's product.
func (e *Event) RemoveAllVersions(summary *ProductSummary) bool {
	return e.removeWhere(summary.ID.Type, func(s *ProductSummary) bool { return s.ID.IsSameProduct(summary.ID) })
}

func (e *Event) removeWhere(productType string, match func(*ProductSummary) bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	list, ok := e.products[productType]
	if !ok {
		return false
	}
	kept := ectolinq.Filter(list, func(s *ProductSummary) bool { return !match(s) })
	if len(kept) == 0 {
		delete(e.products, productType)
	} else {
		e.products[productType] = kept
	}
	e.summary = nil
	return true
}

// HasProductType reports whether any summary of the type is present, current or not.
func (e *Event) HasProductType(productType string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.products[productType]
	return ok
}

func (e *Event) sortedTypes() []string {
	types := make([]string, 0, len(e.products))
	for t := range e.products {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// AllProducts returns every summary by type, including deleted and superseded versions.
func (e *Event) AllProducts() map[string][]*ProductSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := make(map[string][]*ProductSummary, len(e.products))
	for t, list := range e.products {
		all[t] = append([]*ProductSummary(nil), list...)
	}
	return all
}

// AllProductList flattens AllProducts in type order.
func (e *Event) AllProductList() []*ProductSummary {
	e.mu.Lock()
	defer e.mu.Unlock()

	var all []*ProductSummary
	for _, t := range e.sortedTypes() {
		all = append(all, e.products[t]...)
	}
	return all
}

func (e *Event) allProductsOfType(productType string) []*ProductSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*ProductSummary(nil), e.products[productType]...)
}

// Products returns the current summaries by type: no deleted or superseded versions.
func (e *Event) Products() map[string][]*ProductSummary {
	current := map[string][]*ProductSummary{}
	for t, list := range e.AllProducts() {
		if products := WithoutDeleted(WithoutSuperseded(list)); len(products) > 0 {
			current[t] = products
		}
	}
	return current
}

// ProductsOfType returns the current summaries of one type.
func (e *Event) ProductsOfType(productType string) []*ProductSummary {
	return WithoutDeleted(WithoutSuperseded(e.allProductsOfType(productType)))
}

// ProductList flattens the current summaries in type order.
func (e *Event) ProductList() []*ProductSummary {
	current := e.Products()
	types := make([]string, 0, len(current))
	for t := range current {
		types = append(types, t)
	}
	sort.Strings(types)

	var list []*ProductSummary
	for _, t := range types {
		list = append(list, current[t]...)
	}
	return list
}

// PreferredProduct returns the current summary of the type with the highest weight.
func (e *Event) PreferredProduct(productType string) *ProductSummary {
	return PreferredProduct(e.ProductsOfType(productType))
}

// PreferredProducts returns the preferred summary for every current type.
func (e *Event) PreferredProducts() map[string]*ProductSummary {
	preferred := map[string]*ProductSummary{}
	for t, list := range e.Products() {
		preferred[t] = PreferredProduct(list)
	}
	return preferred
}

// PreferredOriginProduct selects the summary that defines the event id.
func (e *Event) PreferredOriginProduct() *ProductSummary {
	all := e.AllProducts()
	if origins, ok := all[OriginProductType]; ok {
		for _, s := range SortMostPreferredFirst(WithoutDeleted(WithoutSuperseded(origins))) {
			if s.HasOriginProperties() {
				return s
			}
		}
		for _, s := range SortMostPreferredFirst(WithoutSuperseded(origins)) {
			if s.EventSource != "" && s.EventSourceCode != "" {
				return s
			}
		}
		return nil
	}

	list := flatten(all)
	for _, s := range SortMostPreferredFirst(WithoutDeleted(WithoutSuperseded(list))) {
		if s.HasOriginProperties() {
			return s
		}
	}
	for _, s := range SortMostPreferredFirst(WithoutSuperseded(list)) {
		if s.EventSource != "" && s.EventSourceCode != "" {
			return s
		}
	}
	return nil
}

// ProductWithOriginProperties selects the summary that defines the event location. Summaries
// superseded by a delete still qualify so a deleted event keeps its last known location.
func (e *Event) ProductWithOriginProperties() *ProductSummary {
	all := e.AllProducts()
	if origins, ok := all[OriginProductType]; ok {
		if s := firstWithOriginProperties(SortMostPreferredFirst(WithoutDeleted(WithoutSuperseded(origins)))); s != nil {
			return s
		}
		if s := firstWithOriginProperties(SortMostPreferredFirst(WithoutSuperseded(WithoutDeleted(origins)))); s != nil {
			return s
		}
	}

	list := flatten(all)
	if s := firstWithOriginProperties(SortMostPreferredFirst(WithoutDeleted(WithoutSuperseded(list)))); s != nil {
		return s
	}
	return firstWithOriginProperties(SortMostPreferredFirst(WithoutSuperseded(WithoutDeleted(list))))
}

// EventIDProduct is the summary that supplies the event source and code.
func (e *Event) EventIDProduct() *ProductSummary {
	if s := e.PreferredOriginProduct(); s != nil {
		return s
	}
	return e.ProductWithOriginProperties()
}

func (e *Event) EventID() string {
	if s := e.EventIDProduct(); s != nil {
		return s.EventID()
	}
	return ""
}

func (e *Event) Source() string {
	if s := e.EventIDProduct(); s != nil {
		return s.EventSource
	}
	return ""
}

func (e *Event) SourceCode() string {
	if s := e.EventIDProduct(); s != nil {
		return s.EventSourceCode
	}
	return ""
}

func (e *Event) Time() *time.Time {
	if s := e.ProductWithOriginProperties(); s != nil {
		return s.EventTime
	}
	return nil
}

func (e *Event) Latitude() *float64 {
	if s := e.ProductWithOriginProperties(); s != nil {
		return s.EventLatitude
	}
	return nil
}

func (e *Event) Longitude() *float64 {
	if s := e.ProductWithOriginProperties(); s != nil {
		return s.EventLongitude
	}
	return nil
}

func (e *Event) Depth() *float64 {
	if s := e.ProductWithOriginProperties(); s != nil {
		return s.EventDepth
	}
	return nil
}

// Magnitude comes from the preferred origin product.
func (e *Event) Magnitude() *float64 {
	if s := e.PreferredOriginProduct(); s != nil {
		return s.EventMagnitude
	}
	return nil
}

// IsDeleted is false only while a current origin with full origin properties exists.
func (e *Event) IsDeleted() bool {
	preferred := e.PreferredOriginProduct()
	return preferred == nil || preferred.IsDeleted() || !preferred.HasOriginProperties()
}

// EventCodes maps each event source to its code, the most preferred summary winning per source.
func (e *Event) EventCodes() map[string]string {
	return EventCodes(e.AllProductList())
}

// AllEventCodes maps each event source to every code used by a sub-event. Deleted sub-events are
// skipped unless includeDeleted or they still hold current products.
func (e *Event) AllEventCodes(includeDeleted bool) map[string][]string {
	codes := map[string][]string{}
	subEvents := e.SubEvents()
	for _, id := range sortedKeys(subEvents) {
		sub := subEvents[id]
		if !includeDeleted && sub.IsDeleted() && len(WithoutDeleted(WithoutSuperseded(sub.AllProductList()))) == 0 {
			continue
		}
		source, code := sub.Source(), sub.SourceCode()
		if source == "" {
			continue
		}
		if !ectolinq.Contains(codes[source], code) {
			codes[source] = append(codes[source], code)
		}
	}
	return codes
}

// SubEvents partitions the summaries by their own event id. Summaries without an event id join the
// sub-event keyed by this event's id; superseded versions follow their current version.
func (e *Event) SubEvents() map[string]*Event {
	parentID := e.EventID()
	subEvents := map[string]*Event{parentID: NewEvent(nil)}
	byProduct := map[string]*Event{}

	all := e.AllProductList()
	current := WithoutSuperseded(all)
	for _, s := range current {
		id := s.EventID()
		if id == "" {
			id = parentID
		}
		sub, ok := subEvents[id]
		if !ok {
			sub = NewEvent(nil)
			subEvents[id] = sub
		}
		sub.AddProduct(s)
		byProduct[s.ID.Key()] = sub
	}

	for _, s := range all {
		if ectolinq.Contains(current, s) {
			continue
		}
		if sub, ok := byProduct[s.ID.Key()]; ok {
			sub.AddProduct(s)
		}
	}
	return subEvents
}

// HasAssociateProduct reports whether a current associate product references other's id.
func (e *Event) HasAssociateProduct(other *Event) bool {
	return e.referencesEvent(AssociateProductType, other)
}

// HasDisassociateProduct reports whether a current disassociate product references other's id.
func (e *Event) HasDisassociateProduct(other *Event) bool {
	return e.referencesEvent(DisassociateProductType, other)
}

func (e *Event) referencesEvent(productType string, other *Event) bool {
	if other == nil {
		return false
	}
	source, code := other.Source(), other.SourceCode()
	if source == "" || code == "" {
		return false
	}
	for _, s := range e.ProductsOfType(productType) {
		if strings.EqualFold(source, s.Property(OtherEventSourceProperty)) &&
			strings.EqualFold(code, s.Property(OtherEventSourceCodeProperty)) {
			return true
		}
	}
	return false
}

// Summary returns the cached event summary, computing it on first use after a change.
func (e *Event) Summary() *EventSummary {
	e.mu.Lock()
	cached := e.summary
	e.mu.Unlock()
	if cached != nil {
		return cached
	}

	summary := &EventSummary{
		IndexID:       e.IndexID,
		Deleted:       e.IsDeleted(),
		Magnitude:     e.Magnitude(),
		EventCodes:    e.EventCodes(),
		AllEventCodes: e.AllEventCodes(false),
	}
	if s := e.EventIDProduct(); s != nil {
		summary.Source = s.EventSource
		summary.SourceCode = s.EventSourceCode
	}
	if s := e.ProductWithOriginProperties(); s != nil {
		summary.Time = s.EventTime
		summary.Latitude = s.EventLatitude
		summary.Longitude = s.EventLongitude
		summary.Depth = s.EventDepth
	}

	e.mu.Lock()
	e.summary = summary
	e.mu.Unlock()
	return summary
}

// EventSummary is the derived preferred view of an event.
type EventSummary struct {
	IndexID       *int64              `json:"index_id,omitempty"`
	Source        string              `json:"source,omitempty"`
	SourceCode    string              `json:"source_code,omitempty"`
	Time          *time.Time          `json:"time,omitempty"`
	Latitude      *float64            `json:"latitude,omitempty"`
	Longitude     *float64            `json:"longitude,omitempty"`
	Depth         *float64            `json:"depth,omitempty"`
	Magnitude     *float64            `json:"magnitude,omitempty"`
	Deleted       bool                `json:"deleted"`
	EventCodes    map[string]string   `json:"event_codes,omitempty"`
	AllEventCodes map[string][]string `json:"all_event_codes,omitempty"`
}

// EventID is the lowercase source+code, or "".
func (s *EventSummary) EventID() string {
	if s.Source == "" || s.SourceCode == "" {
		return ""
	}
	return strings.ToLower(s.Source + s.SourceCode)
}

// WithoutDeleted drops deleted summaries.
func WithoutDeleted(list []*ProductSummary) []*ProductSummary {
	return ectolinq.Filter(list, func(s *ProductSummary) bool { return !s.IsDeleted() })
}

// WithoutSuperseded keeps only the newest version of each product, in first-seen order.
func WithoutSuperseded(list []*ProductSummary) []*ProductSummary {
	latest := map[string]*ProductSummary{}
	var keys []string
	for _, s := range list {
		key := s.ID.Key()
		existing, ok := latest[key]
		if !ok {
			keys = append(keys, key)
			latest[key] = s
			continue
		}
		if existing.ID.UpdateTime.Before(s.ID.UpdateTime) {
			latest[key] = s
		}
	}
	return ectolinq.Map(keys, func(key string) *ProductSummary { return latest[key] })
}

// SortMostPreferredFirst orders by weight then update time, both descending.
func SortMostPreferredFirst(list []*ProductSummary) []*ProductSummary {
	sorted := append([]*ProductSummary(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return morePreferred(sorted[i], sorted[j])
	})
	return sorted
}

// PreferredProduct returns the highest-weight summary, the most recent update winning ties.
func PreferredProduct(list []*ProductSummary) *ProductSummary {
	var preferred *ProductSummary
	for _, s := range list {
		if preferred == nil || morePreferred(s, preferred) {
			preferred = s
		}
	}
	return preferred
}

func morePreferred(a, b *ProductSummary) bool {
	if a.PreferredWeight != b.PreferredWeight {
		return a.PreferredWeight > b.PreferredWeight
	}
	return a.ID.UpdateTime.After(b.ID.UpdateTime)
}

// EventCodes maps each event source to its code, applying the least preferred summary first.
func EventCodes(list []*ProductSummary) map[string]string {
	codes := map[string]string{}
	sorted := SortMostPreferredFirst(WithoutSuperseded(list))
	for i := len(sorted) - 1; i >= 0; i-- {
		s := sorted[i]
		if s.EventSource != "" && s.EventSourceCode != "" {
			codes[strings.ToLower(s.EventSource)] = strings.ToLower(s.EventSourceCode)
		}
	}
	return codes
}

func firstWithOriginProperties(list []*ProductSummary) *ProductSummary {
	for _, s := range list {
		if s.HasOriginProperties() {
			return s
		}
	}
	return nil
}

func flatten(byType map[string][]*ProductSummary) []*ProductSummary {
	var list []*ProductSummary
	for _, t := range sortedKeys(byType) {
		list = append(list, byType[t]...)
	}
	return list
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
