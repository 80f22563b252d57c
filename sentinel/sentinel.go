// Package sentinel is the entry point of the library: it wires a session, a
// catalog client and a download manager behind a single facade for querying
// the Copernicus Dataspace catalog and retrieving product archives.
package sentinel

import (
	"context"
	"net/http"
	"time"

	"github.com/Azim-Kenzh/sentinel2-downloader/catalog"
	"github.com/Azim-Kenzh/sentinel2-downloader/downloader"
	"github.com/Azim-Kenzh/sentinel2-downloader/session"
)

type options struct {
	session    []session.Option
	catalog    []catalog.ClientOption
	downloader []downloader.Option
}

// Option configures the facade and the components behind it
type Option func(*options)

// WithAuthEndpoint overrides the identity endpoint
func WithAuthEndpoint(endpoint string) Option {
	return func(o *options) { o.session = append(o.session, session.WithAuthEndpoint(endpoint)) }
}

// WithHTTPClient overrides the http client used for identity and catalog
// requests
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.session = append(o.session, session.WithHTTPClient(client)) }
}

// WithCatalogEndpoint overrides the catalog endpoint
func WithCatalogEndpoint(endpoint string) Option {
	return func(o *options) { o.catalog = append(o.catalog, catalog.WithCatalogEndpoint(endpoint)) }
}

// WithPageSize sets the page size of catalog searches
func WithPageSize(size int) Option {
	return func(o *options) { o.catalog = append(o.catalog, catalog.WithPageSize(size)) }
}

// WithDownloadEndpoint overrides the download endpoint template
// (one %s placeholder for the product id)
func WithDownloadEndpoint(endpoint string) Option {
	return func(o *options) { o.downloader = append(o.downloader, downloader.WithDownloadEndpoint(endpoint)) }
}

// WithDownloadAttempts sets the number of download attempts on transient
// failure
func WithDownloadAttempts(attempts int) Option {
	return func(o *options) { o.downloader = append(o.downloader, downloader.WithAttempts(attempts)) }
}

// WithProgressInterval sets the period of the download progress updates
func WithProgressInterval(interval time.Duration) Option {
	return func(o *options) { o.downloader = append(o.downloader, downloader.WithProgressInterval(interval)) }
}

// SentinelAPI queries the catalog and downloads products on behalf of one
// account. The three components share the session and its access token.
type SentinelAPI struct {
	Session    *session.Manager
	Catalog    *catalog.Client
	Downloader *downloader.Manager
}

// New creates a SentinelAPI for the given account. No network request is made
// until the first query or download.
func New(username, password string, opts ...Option) *SentinelAPI {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	s := session.NewManager(username, password, o.session...)
	return &SentinelAPI{
		Session:    s,
		Catalog:    catalog.NewClient(s, o.catalog...),
		Downloader: downloader.NewManager(s, o.downloader...),
	}
}

// Query searches the catalog for products intersecting the WKT footprint and
// sensed within [startDate, endDate], returning all matching records in
// sensing-date order. productType and platformName are exact matches and may
// be empty; cloudCoverPercentage is an inclusive upper bound in [0, 100].
func (api *SentinelAPI) Query(ctx context.Context, footprint, startDate, endDate, productType string, cloudCoverPercentage float64, platformName string) ([]catalog.Product, error) {
	filter, err := catalog.BuildFilter(footprint, startDate, endDate, productType, cloudCoverPercentage, platformName)
	if err != nil {
		return nil, err
	}
	return api.Catalog.Search(ctx, filter)
}

// Download streams the product archive into directoryPath and returns the
// written path. See downloader.Manager.Download for the retry and progress
// semantics.
func (api *SentinelAPI) Download(ctx context.Context, productID, directoryPath string, opts ...downloader.RequestOption) (string, error) {
	return api.Downloader.Download(ctx, productID, directoryPath, opts...)
}
