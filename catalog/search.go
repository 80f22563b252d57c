package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"time"

	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/go-spatial/geom/encoding/wkt"

	"github.com/Azim-Kenzh/sentinel2-downloader/service"
	"github.com/Azim-Kenzh/sentinel2-downloader/service/log"
	"github.com/Azim-Kenzh/sentinel2-downloader/session"
)

const DefaultCatalogEndpoint = "https://catalogue.dataspace.copernicus.eu/odata/v1/Products"

const (
	defaultPageSize = 100
	searchAttempts  = 3
)

var retryBackoff = time.Second

// SearchError is returned when the catalog rejected or failed a query after
// the bounded retries. It carries the last observed status and response body.
type SearchError struct {
	Status int
	Body   string
	Err    error
}

func (e SearchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("search failed (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("search failed: %v", e.Err)
}

func (e SearchError) Unwrap() error { return e.Err }

// Product is one catalog record. The library only interprets ID (for
// downloads); the remaining fields are read-only metadata.
type Product struct {
	ID            string
	Name          string
	ContentLength int64
	SensingDate   time.Time
	Footprint     string
	CloudCover    float64
	ProductType   string
	Attributes    map[string]string
}

type hits struct {
	Uuid          string           `json:"Id"`
	Identifier    string           `json:"Name"`
	ContentLength int64            `json:"ContentLength"`
	Footprint     geojson.Geometry `json:"GeoFootprint"`
	ContentDate   struct {
		BeginPosition string `json:"Start"`
	} `json:"ContentDate"`
	Attributes []struct {
		Name  string      `json:"Name"`
		Value interface{} `json:"Value"`
	} `json:"Attributes"`
}

// Client executes catalog searches through an authorizing session
type Client struct {
	session  *session.Manager
	endpoint string
	pageSize int
}

// ClientOption configures a catalog Client
type ClientOption func(*Client)

// WithCatalogEndpoint overrides the catalog endpoint
func WithCatalogEndpoint(endpoint string) ClientOption {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithPageSize sets the $top value used for pagination
func WithPageSize(size int) ClientOption {
	return func(c *Client) { c.pageSize = size }
}

// NewClient creates a catalog Client using the given session
func NewClient(s *session.Manager, opts ...ClientOption) *Client {
	c := &Client{
		session:  s,
		endpoint: DefaultCatalogEndpoint,
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search submits the filter to the catalog and follows the @odata.nextLink
// pagination until exhausted, returning the records in service order.
// A page failing after the bounded retries discards the whole result set.
func (c *Client) Search(ctx context.Context, filter Filter) ([]Product, error) {
	url := c.endpoint + "?$filter=" + neturl.QueryEscape(filter.Expression()) +
		fmt.Sprintf("&$orderby=ContentDate/Start&$top=%d&$expand=Attributes", c.pageSize)

	var products []Product
	for page := 1; url != ""; page++ {
		log.Logger(ctx).Sugar().Debugf("search page %d", page)
		body, err := c.getPage(ctx, url)
		if err != nil {
			return nil, searchError(err)
		}

		results := struct {
			Next string `json:"@odata.nextLink"`
			Hits []hits `json:"value"`
		}{}
		if err := json.Unmarshal(body, &results); err != nil {
			return nil, SearchError{Err: fmt.Errorf("unmarshal: %w (response: %s)", err, body)}
		}

		for _, hit := range results.Hits {
			product, err := parseProduct(hit)
			if err != nil {
				return nil, SearchError{Err: err}
			}
			products = append(products, product)
		}
		url = results.Next
	}
	return products, nil
}

// getPage fetches one result page with bounded retries.
// Authentication errors and non-retriable statuses fail immediately.
func (c *Client) getPage(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	err := service.Retriable(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return service.MakeFatal(err)
		}
		b, err := service.DoBody(c.session, req)
		if err != nil {
			var authErr session.AuthenticationError
			if errors.As(err, &authErr) {
				return service.MakeFatal(err)
			}
			var httpErr service.HTTPError
			if errors.As(err, &httpErr) {
				switch httpErr.Status {
				case 408, 429, 500, 501, 502, 503, 504:
					return service.MakeTemporary(err)
				default:
					return service.MakeFatal(err)
				}
			}
			return err
		}
		body = b
		return nil
	}, retryBackoff, searchAttempts)
	return body, err
}

func searchError(err error) error {
	var authErr session.AuthenticationError
	if errors.As(err, &authErr) {
		return authErr
	}
	var httpErr service.HTTPError
	if errors.As(err, &httpErr) {
		return SearchError{Status: httpErr.Status, Body: httpErr.Body, Err: err}
	}
	return SearchError{Err: err}
}

func parseProduct(hit hits) (Product, error) {
	date, err := time.Parse(time.RFC3339Nano, hit.ContentDate.BeginPosition)
	if err != nil {
		return Product{}, fmt.Errorf("parse sensing date of %s: %w", hit.Uuid, err)
	}

	attrs := map[string]string{}
	for _, att := range hit.Attributes {
		attrs[att.Name] = fmt.Sprintf("%v", att.Value)
	}

	product := Product{
		ID:            hit.Uuid,
		Name:          hit.Identifier,
		ContentLength: hit.ContentLength,
		SensingDate:   date,
		ProductType:   attrs["productType"],
		Attributes:    attrs,
	}
	if cc, ok := attrs["cloudCover"]; ok {
		product.CloudCover, _ = strconv.ParseFloat(cc, 64)
	}
	if hit.Footprint.Geometry != nil {
		product.Footprint = wkt.MustEncode(hit.Footprint.Geometry)
	}
	return product, nil
}
