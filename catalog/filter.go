// Package catalog builds OData search filters for the Copernicus Dataspace
// catalog and executes paginated product queries against it.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/go-spatial/geom"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
)

const contentDateFormat = "2006-01-02T15:04:05.999Z"

// InvalidQueryError is returned when the caller input cannot be turned into
// a catalog filter. No network call is made.
type InvalidQueryError struct {
	Field  string
	Reason string
}

func (e InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s: %s", e.Field, e.Reason)
}

// Filter is an immutable catalog search filter
type Filter struct {
	footprint   string
	start, end  time.Time
	productType string
	cloudCover  float64
	platform    string
	expression  string
}

// BuildFilter validates the search parameters and builds a Filter.
// The footprint must be a WKT POLYGON or MULTIPOLYGON, the dates must parse
// as calendar dates with startDate <= endDate and the cloud cover ceiling
// must be within [0, 100]. productType and platformName are opaque match
// terms (the catalog is authoritative for acceptable values); empty values
// omit the corresponding predicate.
func BuildFilter(footprint, startDate, endDate, productType string, cloudCoverPercentage float64, platformName string) (Filter, error) {
	start, err := dateparse.ParseAny(startDate)
	if err != nil {
		return Filter{}, InvalidQueryError{Field: "start_date", Reason: err.Error()}
	}
	end, err := dateparse.ParseAny(endDate)
	if err != nil {
		return Filter{}, InvalidQueryError{Field: "end_date", Reason: err.Error()}
	}
	if end.Before(start) {
		return Filter{}, InvalidQueryError{Field: "date range", Reason: "start_date must not be after end_date"}
	}

	g, err := geomwkt.DecodeString(footprint)
	if err != nil {
		return Filter{}, InvalidQueryError{Field: "footprint", Reason: fmt.Sprintf("invalid WKT: %v", err)}
	}
	switch g.(type) {
	case geom.Polygon, *geom.Polygon, geom.MultiPolygon, *geom.MultiPolygon:
	default:
		return Filter{}, InvalidQueryError{Field: "footprint", Reason: "WKT must be a POLYGON or MULTIPOLYGON"}
	}

	if cloudCoverPercentage < 0 || cloudCoverPercentage > 100 {
		return Filter{}, InvalidQueryError{Field: "cloud_cover_percentage", Reason: "must be within [0, 100]"}
	}

	f := Filter{
		footprint:   footprint,
		start:       start,
		end:         end,
		productType: productType,
		cloudCover:  cloudCoverPercentage,
		platform:    platformName,
	}
	f.expression = f.buildExpression()
	return f, nil
}

func (f Filter) buildExpression() string {
	var parameters []string
	if f.platform != "" {
		parameters = append(parameters, fmt.Sprintf("Collection/Name eq '%s'", f.platform))
	}
	parameters = append(parameters, fmt.Sprintf("OData.CSC.Intersects(area=geography'SRID=4326;%s')", f.footprint))

	// Inclusive sensing-date interval
	parameters = append(parameters,
		fmt.Sprintf("ContentDate/Start ge %s", f.start.UTC().Format(contentDateFormat)),
		fmt.Sprintf("ContentDate/Start le %s", f.end.UTC().Format(contentDateFormat)))

	parameters = append(parameters, fmt.Sprintf("Attributes/OData.CSC.DoubleAttribute/any(att:att/Name eq 'cloudCover' and att/OData.CSC.DoubleAttribute/Value le %g)", f.cloudCover))
	if f.productType != "" {
		parameters = append(parameters, fmt.Sprintf("Attributes/OData.CSC.StringAttribute/any(att:att/Name eq 'productType' and att/OData.CSC.StringAttribute/Value eq '%s')", f.productType))
	}
	return strings.Join(parameters, " and ")
}

// Expression returns the OData $filter expression of the filter
func (f Filter) Expression() string {
	return f.expression
}
