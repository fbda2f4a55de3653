package productindex

import (
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	eventsTable    = "events"
	summariesTable = "product_summaries"
)

var summaryColumns = []string{
	"id", "product_id", "source", "type", "code", "update_time", "status", "event_id", "preferred_weight",
	"event_source", "event_source_code", "event_time", "event_latitude", "event_longitude", "event_depth",
	"event_magnitude", "version", "properties", "links",
}

// eventColumns maps the bound each query field applies to onto the columns holding the compared value.
type eventColumns struct {
	time      string
	latitude  string
	longitude string
	depth     string
	magnitude string
}

var (
	productEventColumns = eventColumns{
		time:      "ps.event_time",
		latitude:  "ps.event_latitude",
		longitude: "ps.event_longitude",
		depth:     "ps.event_depth",
		magnitude: "ps.event_magnitude",
	}
	preferredEventColumns = eventColumns{
		time:      "e.event_time",
		latitude:  "e.latitude",
		longitude: "e.longitude",
		depth:     "e.depth",
		magnitude: "e.magnitude",
	}
)

func prefixed(alias string, columns []string) []string {
	out := make([]string, len(columns))
	for i, col := range columns {
		out[i] = alias + "." + col
	}
	return out
}

// eventIDsQuery selects the distinct ids of events holding at least one matching summary.
func eventIDsQuery(query *models.ProductIndexQuery) *sqlbuilder.SelectBuilder {
	sb := database.NewSelectBuilder()
	sb.Select("ps.event_id").Distinct()
	sb.From(summariesTable + " ps")
	sb.Join(eventsTable+" e", "e.id = ps.event_id")
	sb.Where(sb.IsNotNull("ps.event_id"))

	columns := productEventColumns
	if query.SearchType() == models.SearchEventPreferred {
		columns = preferredEventColumns
	}
	applyQuery(sb, query, columns)

	sb.OrderBy("ps.event_id").Asc()
	if query.Limit > 0 {
		sb.Limit(query.Limit)
	}
	return sb
}

// productsQuery selects matching summaries in index order. Callers reject PREFERRED queries first.
func productsQuery(query *models.ProductIndexQuery, unassociated bool) *sqlbuilder.SelectBuilder {
	sb := database.NewSelectBuilder()
	sb.Select(prefixed("ps", summaryColumns)...)
	sb.From(summariesTable + " ps")
	if unassociated {
		sb.Where(sb.IsNull("ps.event_id"))
	}
	applyQuery(sb, query, productEventColumns)

	sb.OrderBy("ps.id").Asc()
	if query.Limit > 0 {
		sb.Limit(query.Limit)
	}
	return sb
}

// eventSummariesQuery loads every summary associated with the given events.
func eventSummariesQuery(eventIDs []int64) *sqlbuilder.SelectBuilder {
	sb := database.NewSelectBuilder()
	sb.Select(summaryColumns...)
	sb.From(summariesTable)
	sb.Where(sb.In("event_id", sqlbuilder.Flatten(eventIDs)...))
	sb.OrderBy("id").Asc()
	return sb
}

func applyQuery(sb *sqlbuilder.SelectBuilder, query *models.ProductIndexQuery, columns eventColumns) {
	if query.EventSource != "" {
		sb.Where(sb.Equal("ps.event_source", strings.ToLower(query.EventSource)))
	}
	if query.EventSourceCode != "" {
		sb.Where(sb.Equal("ps.event_source_code", strings.ToLower(query.EventSourceCode)))
	}
	if query.ProductSource != "" {
		sb.Where(sb.Equal("ps.source", query.ProductSource))
	}
	if query.ProductType != "" {
		sb.Where(sb.Equal("ps.type", query.ProductType))
	}
	if query.ProductCode != "" {
		sb.Where(sb.Equal("ps.code", query.ProductCode))
	}
	if query.ProductVersion != "" {
		sb.Where(sb.Equal("ps.version", query.ProductVersion))
	}
	if query.ProductStatus != "" {
		sb.Where(sb.Equal("ps.status", query.ProductStatus))
	}
	if len(query.ProductIDs) > 0 {
		sb.Where("ps.product_id = ANY(" + sb.Var(pq.Array(query.ProductIDs)) + ")")
	}
	if query.MinProductIndexID != nil {
		sb.Where(sb.GreaterEqualThan("ps.id", *query.MinProductIndexID))
	}
	if query.MinProductUpdateTime != nil {
		sb.Where(sb.GreaterEqualThan("ps.update_time", query.MinProductUpdateTime.UTC()))
	}
	if query.MaxProductUpdateTime != nil {
		sb.Where(sb.LessEqualThan("ps.update_time", query.MaxProductUpdateTime.UTC()))
	}

	if query.MinEventTime != nil {
		sb.Where(sb.GreaterEqualThan(columns.time, query.MinEventTime.UTC()))
	}
	if query.MaxEventTime != nil {
		sb.Where(sb.LessEqualThan(columns.time, query.MaxEventTime.UTC()))
	}
	between(sb, columns.latitude, query.MinEventLatitude, query.MaxEventLatitude)
	between(sb, columns.depth, query.MinEventDepth, query.MaxEventDepth)
	between(sb, columns.magnitude, query.MinEventMagnitude, query.MaxEventMagnitude)

	minLon, maxLon := query.MinEventLongitude, query.MaxEventLongitude
	if minLon != nil && maxLon != nil && *minLon > *maxLon {
		// window crosses the antimeridian
		sb.Where(sb.Or(
			sb.And(sb.GreaterEqualThan(columns.longitude, *minLon), sb.LessEqualThan(columns.longitude, 180)),
			sb.And(sb.LessEqualThan(columns.longitude, *maxLon), sb.GreaterEqualThan(columns.longitude, -180)),
		))
	} else {
		between(sb, columns.longitude, minLon, maxLon)
	}

	switch query.Result() {
	case models.ResultCurrent:
		if query.ProductSource != "" && query.ProductType != "" && query.ProductCode != "" {
			sb.Where("UPPER(ps.status) <> " + sb.Var(models.StatusDelete))
		}
		sb.Where(sb.NotExists(newerVersion()))
	case models.ResultSuperseded:
		sb.Where(sb.Exists(newerVersion()))
	}
}

// newerVersion matches a newer non-deleted version of the outer summary's product.
func newerVersion() *sqlbuilder.SelectBuilder {
	sub := database.NewSelectBuilder()
	sub.Select("1")
	sub.From(summariesTable + " newer")
	sub.Where(
		"newer.source = ps.source",
		"newer.type = ps.type",
		"newer.code = ps.code",
		"newer.update_time > ps.update_time",
		"UPPER(newer.status) <> "+sub.Var(models.StatusDelete),
	)
	return sub
}

func between(sb *sqlbuilder.SelectBuilder, column string, min, max *float64) {
	if min != nil {
		sb.Where(sb.GreaterEqualThan(column, *min))
	}
	if max != nil {
		sb.Where(sb.LessEqualThan(column, *max))
	}
}
