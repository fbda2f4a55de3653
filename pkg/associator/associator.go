package associator

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// TimeDiff is the half-width of the association time window.
	TimeDiff = 16 * time.Second
	// LocationDiffKilometers is the association radius.
	LocationDiffKilometers = 100.0
	// KilometersPerDegree converts the radius to degrees of latitude.
	KilometersPerDegree = 111.12
	// LocationDiffDegrees is the half-width of the latitude window.
	LocationDiffDegrees = LocationDiffKilometers / KilometersPerDegree
	// poleLatitude is the latitude beyond which longitude is not restricted.
	poleLatitude = 89.0
)

// Associator decides which event a product belongs to and whether two events describe the same earthquake.
type Associator interface {
	// SearchRequest builds the candidate-event queries for a summary: event id first, then location.
	SearchRequest(summary *models.ProductSummary) *models.SearchRequest
	// ChooseEvent picks the best candidate for summary, or nil.
	ChooseEvent(ctx context.Context, events []*models.Event, summary *models.ProductSummary) *models.Event
	EventsAssociated(event1, event2 *models.Event) bool
	// EventIDQuery returns nil unless both source and code are set.
	EventIDQuery(source, code string) *models.ProductIndexQuery
	// LocationQuery returns nil unless time, latitude and longitude are all set.
	LocationQuery(eventTime *time.Time, latitude, longitude *float64) *models.ProductIndexQuery
}

type Default struct {
	logger ectologger.Logger
}

// NewDefault creates a new Default associator
func NewDefault(logger ectologger.Logger) *Default {
	return &Default{logger: logger}
}

func (a *Default) SearchRequest(summary *models.ProductSummary) *models.SearchRequest {
	request := &models.SearchRequest{}
	if q := a.EventIDQuery(summary.EventSource, summary.EventSourceCode); q != nil {
		request.Queries = append(request.Queries, models.SearchQuery{Type: models.SearchEventDetail, Query: *q})
	}
	if q := a.LocationQuery(summary.EventTime, summary.EventLatitude, summary.EventLongitude); q != nil {
		request.Queries = append(request.Queries, models.SearchQuery{Type: models.SearchEventDetail, Query: *q})
	}
	return request
}

func (a *Default) ChooseEvent(ctx context.Context, events []*models.Event, summary *models.ProductSummary) *models.Event {
	ctx, span := tracing.StartSpan(ctx, "associator.Default.ChooseEvent")
	defer span.End()

	filtered := events
	if summary.EventSource != "" && summary.EventSourceCode != "" {
		filtered = nil
		for _, event := range events {
			var candidates []*models.ProductSummary
			if event.IsDeleted() {
				candidates = models.WithoutSuperseded(models.WithoutDeleted(event.AllProductList()))
			} else {
				candidates = event.ProductList()
			}

			sameSourceDifferentCode := false
			for _, s := range candidates {
				if !strings.EqualFold(summary.EventSource, s.EventSource) {
					continue
				}
				if strings.EqualFold(summary.EventSourceCode, s.EventSourceCode) {
					return event
				}
				// an associate product may still hold several codes from one source
				sameSourceDifferentCode = true
			}
			if !sameSourceDifferentCode {
				filtered = append(filtered, event)
			}
		}
	}

	switch len(filtered) {
	case 0:
		return nil
	case 1:
		return filtered[0]
	}

	a.logger.WithContext(ctx).WithFields(map[string]any{
		"product_id":    summary.ID.String(),
		"nearby_events": ectolinq.Map(filtered, func(e *models.Event) string { return e.EventID() }),
	}).Warn("Potential merge, choosing closest event")

	return a.chooseMostSimilar(summary, filtered)
}

// chooseMostSimilar picks the event closest in normalized lat/lon/time space.
func (a *Default) chooseMostSimilar(summary *models.ProductSummary, events []*models.Event) *models.Event {
	if summary.EventLatitude == nil || summary.EventLongitude == nil || summary.EventTime == nil {
		return events[0]
	}

	var best *models.Event
	lowest := math.Inf(1)
	for _, event := range events {
		es := event.Summary()
		if es.Latitude == nil || es.Longitude == nil || es.Time == nil {
			if best == nil {
				best = event
			}
			continue
		}
		deltaLat := (*summary.EventLatitude - *es.Latitude) / LocationDiffDegrees
		deltaLon := (*summary.EventLongitude - *es.Longitude) / LocationDiffDegrees
		deltaTime := float64(summary.EventTime.Sub(*es.Time)) / float64(TimeDiff)

		distance := math.Sqrt(deltaLat*deltaLat + deltaLon*deltaLon + deltaTime*deltaTime)
		if distance < lowest {
			lowest = distance
			best = event
		}
	}
	return best
}

func (a *Default) EventsAssociated(event1, event2 *models.Event) bool {
	if event1.HasDisassociateProduct(event2) || event2.HasDisassociateProduct(event1) {
		return false
	}
	if event1.HasAssociateProduct(event2) || event2.HasAssociateProduct(event1) {
		return true
	}

	summary1 := event1.Summary()
	summary2 := event2.Summary()

	// preferred event ids from one source must agree; matching ids still need matching locations
	if summary1.Source != "" && strings.EqualFold(summary1.Source, summary2.Source) &&
		summary1.SourceCode != "" && summary2.SourceCode != "" &&
		!strings.EqualFold(summary1.SourceCode, summary2.SourceCode) {
		return false
	}

	// every event id, ignoring deleted sub-events
	codes1 := event1.AllEventCodes(false)
	codes2 := event2.AllEventCodes(false)
	for source, list1 := range codes1 {
		list2, ok := codes2[source]
		if !ok {
			continue
		}
		if !sameCodes(list1, list2) {
			return false
		}
	}

	return QueryContainsLocation(
		a.LocationQuery(summary1.Time, summary1.Latitude, summary1.Longitude),
		summary2.Time, summary2.Latitude, summary2.Longitude,
	)
}

func sameCodes(list1, list2 []string) bool {
	for _, code := range list1 {
		if !ectolinq.Contains(list2, code) {
			return false
		}
	}
	for _, code := range list2 {
		if !ectolinq.Contains(list1, code) {
			return false
		}
	}
	return true
}

func (a *Default) EventIDQuery(source, code string) *models.ProductIndexQuery {
	if source == "" || code == "" {
		return nil
	}
	// all products and statuses, so an event whose preferred product is a delete is still found
	return &models.ProductIndexQuery{
		EventSearchType: models.SearchEventProducts,
		ResultType:      models.ResultAll,
		EventSource:     strings.ToLower(source),
		EventSourceCode: strings.ToLower(code),
	}
}

func (a *Default) LocationQuery(eventTime *time.Time, latitude, longitude *float64) *models.ProductIndexQuery {
	if eventTime == nil || latitude == nil || longitude == nil {
		return nil
	}

	minTime := eventTime.Add(-TimeDiff)
	maxTime := eventTime.Add(TimeDiff)
	minLat := *latitude - LocationDiffDegrees
	maxLat := *latitude + LocationDiffDegrees

	query := &models.ProductIndexQuery{
		EventSearchType:  models.SearchEventPreferred,
		ResultType:       models.ResultAll,
		MinEventTime:     &minTime,
		MaxEventTime:     &maxTime,
		MinEventLatitude: &minLat,
		MaxEventLatitude: &maxLat,
	}

	if lat := math.Abs(*latitude); lat < poleLatitude {
		lonDiff := LocationDiffDegrees / math.Cos(lat*math.Pi/180)
		minLon := models.NormalizeLongitude(*longitude - lonDiff)
		maxLon := models.NormalizeLongitude(*longitude + lonDiff)
		query.MinEventLongitude = &minLon
		query.MaxEventLongitude = &maxLon
	}
	return query
}

// QueryContainsLocation reports whether a location query window contains the point.
func QueryContainsLocation(query *models.ProductIndexQuery, eventTime *time.Time, latitude, longitude *float64) bool {
	if query == nil || eventTime == nil || latitude == nil || longitude == nil {
		return false
	}
	return query.Matches(eventTime, latitude, longitude, nil, nil)
}
