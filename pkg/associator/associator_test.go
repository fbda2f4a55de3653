package associator

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func f(v float64) *float64 { return &v }

func getTestAssociator() *Default {
	return NewDefault(ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func origin(source, code string, lat, lon float64, offset time.Duration) *models.ProductSummary {
	eventTime := baseTime.Add(offset)
	return &models.ProductSummary{
		ID:              models.NewProductID(source, models.OriginProductType, source+code, baseTime),
		Status:          models.StatusUpdate,
		PreferredWeight: 1,
		EventSource:     source,
		EventSourceCode: code,
		EventTime:       &eventTime,
		EventLatitude:   f(lat),
		EventLongitude:  f(lon),
	}
}

func TestLocationQuery_Antimeridian(t *testing.T) {
	a := getTestAssociator()
	eventTime := baseTime

	query := a.LocationQuery(&eventTime, f(0), f(179.9))
	require.NotNil(t, query)
	require.NotNil(t, query.MinEventLongitude)
	require.NotNil(t, query.MaxEventLongitude)
	assert.Greater(t, *query.MinEventLongitude, *query.MaxEventLongitude)

	assert.True(t, QueryContainsLocation(query, &eventTime, f(0), f(-179.95)))
	assert.True(t, QueryContainsLocation(query, &eventTime, f(0.5), f(179.5)))
	assert.False(t, QueryContainsLocation(query, &eventTime, f(0), f(170)))
}

func TestLocationQuery_Windows(t *testing.T) {
	a := getTestAssociator()
	eventTime := baseTime

	query := a.LocationQuery(&eventTime, f(60), f(10))
	require.NotNil(t, query)
	assert.Equal(t, models.SearchEventPreferred, query.EventSearchType)
	assert.Equal(t, models.ResultAll, query.ResultType)
	assert.InDelta(t, 60-LocationDiffDegrees, *query.MinEventLatitude, 1e-9)
	// cos(60) halves the longitude window
	assert.InDelta(t, 10-2*LocationDiffDegrees, *query.MinEventLongitude, 1e-9)
	assert.True(t, query.MinEventTime.Equal(baseTime.Add(-16*time.Second)))
	assert.True(t, query.MaxEventTime.Equal(baseTime.Add(16*time.Second)))

	polar := a.LocationQuery(&eventTime, f(89.5), f(10))
	require.NotNil(t, polar)
	assert.Nil(t, polar.MinEventLongitude)
	assert.Nil(t, polar.MaxEventLongitude)

	assert.Nil(t, a.LocationQuery(nil, f(1), f(1)))
}

func TestQueryContainsLocation_TimeWindow(t *testing.T) {
	a := getTestAssociator()
	eventTime := baseTime
	query := a.LocationQuery(&eventTime, f(34), f(-118))

	inside := baseTime.Add(16 * time.Second)
	outside := baseTime.Add(17 * time.Second)
	assert.True(t, QueryContainsLocation(query, &inside, f(34), f(-118)))
	assert.False(t, QueryContainsLocation(query, &outside, f(34), f(-118)))
	assert.False(t, QueryContainsLocation(nil, &inside, f(34), f(-118)))
}

func TestEventIDQuery(t *testing.T) {
	a := getTestAssociator()

	q := a.EventIDQuery("US", "1000ABCD")
	require.NotNil(t, q)
	assert.Equal(t, "us", q.EventSource)
	assert.Equal(t, "1000abcd", q.EventSourceCode)
	assert.Equal(t, models.ResultAll, q.ResultType)
	assert.Equal(t, models.SearchEventProducts, q.EventSearchType)

	assert.Nil(t, a.EventIDQuery("us", ""))
}

func TestSearchRequest_EventIDFirst(t *testing.T) {
	a := getTestAssociator()

	request := a.SearchRequest(origin("us", "abcd", 34, -118, 0))
	require.Len(t, request.Queries, 2)
	assert.Equal(t, "us", request.Queries[0].Query.EventSource)
	assert.NotNil(t, request.Queries[1].Query.MinEventLatitude)

	noLocation := &models.ProductSummary{EventSource: "us", EventSourceCode: "abcd"}
	assert.Len(t, a.SearchRequest(noLocation).Queries, 1)
}

func TestChooseEvent(t *testing.T) {
	a := getTestAssociator()
	ctx := context.Background()

	usEvent := models.NewEvent(nil, origin("us", "abcd", 34, -118, 0))
	otherUS := models.NewEvent(nil, origin("us", "zzzz", 34.1, -118, 0))
	ciNear := models.NewEvent(nil, origin("ci", "near", 34.05, -118, time.Second))
	ciFar := models.NewEvent(nil, origin("nc", "far", 34.6, -118.5, 10*time.Second))

	t.Run("matching event id short circuits", func(t *testing.T) {
		got := a.ChooseEvent(ctx, []*models.Event{ciNear, usEvent}, origin("us", "ABCD", 0, 0, 0))
		assert.Same(t, usEvent, got)
	})

	t.Run("same source different code is excluded", func(t *testing.T) {
		got := a.ChooseEvent(ctx, []*models.Event{otherUS}, origin("us", "abcd", 34, -118, 0))
		assert.Nil(t, got)
	})

	t.Run("closest of several", func(t *testing.T) {
		got := a.ChooseEvent(ctx, []*models.Event{ciFar, ciNear}, origin("ak", "x", 34, -118, 0))
		assert.Same(t, ciNear, got)
	})

	t.Run("first when summary has no location", func(t *testing.T) {
		summary := &models.ProductSummary{ID: models.NewProductID("ak", "dyfi", "x", baseTime)}
		got := a.ChooseEvent(ctx, []*models.Event{ciFar, ciNear}, summary)
		assert.Same(t, ciFar, got)
	})

	t.Run("no candidates", func(t *testing.T) {
		assert.Nil(t, a.ChooseEvent(ctx, nil, origin("us", "abcd", 34, -118, 0)))
	})
}

func TestEventsAssociated(t *testing.T) {
	a := getTestAssociator()

	us := origin("us", "abcd", 34, -118, 0)
	ci := origin("ci", "xyz", 34.1, -118.1, 2*time.Second)
	usOther := origin("us", "efgh", 34.1, -118.1, 0)
	farAway := origin("nc", "far", 40, -118, 0)

	directive := func(productType string) *models.ProductSummary {
		return &models.ProductSummary{
			ID:              models.NewProductID("admin", productType, "d1", baseTime),
			Status:          models.StatusUpdate,
			PreferredWeight: 1,
			Properties: map[string]string{
				models.OtherEventSourceProperty:     "nc",
				models.OtherEventSourceCodeProperty: "far",
			},
		}
	}

	tests := []struct {
		name string
		e1   *models.Event
		e2   *models.Event
		want bool
	}{
		{name: "nearby events", e1: models.NewEvent(nil, us), e2: models.NewEvent(nil, ci), want: true},
		{name: "same source different code", e1: models.NewEvent(nil, us), e2: models.NewEvent(nil, usOther), want: false},
		{name: "same event id nearby", e1: models.NewEvent(nil, us), e2: models.NewEvent(nil, origin("us", "abcd", 34.2, -118.2, time.Second)), want: true},
		{name: "same event id far apart", e1: models.NewEvent(nil, origin("us", "1", 0, 10, 0)), e2: models.NewEvent(nil, origin("us", "1", 0, 20, 0)), want: false},
		{name: "far apart", e1: models.NewEvent(nil, us), e2: models.NewEvent(nil, farAway), want: false},
		{name: "associate directive", e1: models.NewEvent(nil, us, directive(models.AssociateProductType)), e2: models.NewEvent(nil, farAway), want: true},
		{name: "disassociate wins", e1: models.NewEvent(nil, us, directive(models.DisassociateProductType), directive(models.AssociateProductType)), e2: models.NewEvent(nil, farAway), want: false},
		{name: "conflicting secondary code", e1: models.NewEvent(nil, us, origin("ci", "one", 34, -118, 0)), e2: models.NewEvent(nil, origin("nc", "n1", 34, -118, 0), origin("ci", "two", 34, -118, 0)), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.EventsAssociated(tt.e1, tt.e2))
			assert.Equal(t, tt.want, a.EventsAssociated(tt.e2, tt.e1))
		})
	}
}
