package models

// SearchType selects the shape of a search result.
type SearchType string

const (
	SearchEventSummary   SearchType = "EVENT_SUMMARY"
	SearchEventDetail    SearchType = "EVENT_DETAIL"
	SearchProductSummary SearchType = "PRODUCT_SUMMARY"
	SearchProductDetail  SearchType = "PRODUCT_DETAIL"
)

type SearchQuery struct {
	Type  SearchType        `json:"type" validate:"required,oneof=EVENT_SUMMARY EVENT_DETAIL PRODUCT_SUMMARY PRODUCT_DETAIL"`
	Query ProductIndexQuery `json:"query"`
}

type SearchRequest struct {
	Queries []SearchQuery `json:"queries" validate:"required,min=1,dive"`
}

// SearchResult holds the result of one query; only the field matching Type is set.
type SearchResult struct {
	Type             SearchType        `json:"type"`
	EventSummaries   []*EventSummary   `json:"event_summaries,omitempty"`
	Events           []*EventDetail    `json:"events,omitempty"`
	ProductSummaries []*ProductSummary `json:"product_summaries,omitempty"`
	Products         []*Product        `json:"products,omitempty"`
	Error            string            `json:"error,omitempty"`

	// EventList holds the loaded events behind EventSummaries or Events.
	EventList []*Event `json:"-"`
}

type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// Events returns the events of every event detail result, each index id once, in result order.
func (r *SearchResponse) Events() []*Event {
	seen := map[int64]bool{}
	var events []*Event
	for _, result := range r.Results {
		if result.Type != SearchEventDetail {
			continue
		}
		for _, e := range result.EventList {
			if e.IndexID != nil {
				if seen[*e.IndexID] {
					continue
				}
				seen[*e.IndexID] = true
			}
			events = append(events, e)
		}
	}
	return events
}

// EventDetail is the serialized form of an event and all its summaries.
type EventDetail struct {
	Summary  *EventSummary                `json:"summary"`
	Products map[string][]*ProductSummary `json:"products"`
}

// DetailOf returns nil for a nil event.
func DetailOf(e *Event) *EventDetail {
	if e == nil {
		return nil
	}
	return &EventDetail{Summary: e.Summary(), Products: e.AllProducts()}
}
