// Package downloader streams product archives from the Copernicus Dataspace
// download endpoint to local storage, with progress reporting and bounded
// retry-with-resume on transient failures.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cavaliercoder/grab"
	"github.com/google/uuid"
	"github.com/mholt/archiver"

	"github.com/Azim-Kenzh/sentinel2-downloader/service"
	"github.com/Azim-Kenzh/sentinel2-downloader/service/log"
	"github.com/Azim-Kenzh/sentinel2-downloader/session"
)

const DefaultDownloadEndpoint = "https://catalogue.dataspace.copernicus.eu/odata/v1/Products(%s)/$value"

const (
	defaultAttempts = 3
	defaultInterval = time.Second
)

// DownloadError is returned when a product does not resolve to a downloadable
// resource or the transfer failed after the bounded retries. BytesWritten
// reports the size of the partial file left in place.
type DownloadError struct {
	Product      string
	Status       int
	BytesWritten int64
	Err          error
}

func (e DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed after %d bytes: %v", e.Product, e.BytesWritten, e.Err)
}

func (e DownloadError) Unwrap() error { return e.Err }

// FilesystemError is returned when the destination directory is not usable
type FilesystemError struct {
	Path string
	Err  error
}

func (e FilesystemError) Error() string {
	return fmt.Sprintf("destination %s: %v", e.Path, e.Err)
}

func (e FilesystemError) Unwrap() error { return e.Err }

// Manager downloads products through an authorizing session
type Manager struct {
	session  *session.Manager
	endpoint string
	attempts int
	interval time.Duration
	backoff  time.Duration
}

// Option configures a Manager
type Option func(*Manager)

// WithDownloadEndpoint overrides the download endpoint template
// (one %s placeholder for the product id)
func WithDownloadEndpoint(endpoint string) Option {
	return func(m *Manager) { m.endpoint = endpoint }
}

// WithAttempts sets the number of download attempts on transient failure
func WithAttempts(attempts int) Option {
	return func(m *Manager) { m.attempts = attempts }
}

// WithProgressInterval sets the period of the progress updates
func WithProgressInterval(interval time.Duration) Option {
	return func(m *Manager) { m.interval = interval }
}

// NewManager creates a download Manager using the given session
func NewManager(s *session.Manager, opts ...Option) *Manager {
	m := &Manager{
		session:  s,
		endpoint: DefaultDownloadEndpoint,
		attempts: defaultAttempts,
		interval: defaultInterval,
		backoff:  time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type requestOptions struct {
	progress ProgressFunc
	extract  bool
}

// RequestOption configures one download
type RequestOption func(*requestOptions)

// WithProgress registers a callback invoked with progress updates during the
// transfer. It is called on the downloading goroutine: the callback must not
// block longer than the progress interval.
func WithProgress(fn ProgressFunc) RequestOption {
	return func(o *requestOptions) { o.progress = fn }
}

// WithExtract unpacks the downloaded archive into the destination directory
// and removes the archive, returning the directory path instead
func WithExtract() RequestOption {
	return func(o *requestOptions) { o.extract = true }
}

// Download streams the product archive to <dir>/<productID>.zip and returns
// the written path. The call blocks until completion or failure. Transient
// failures are retried with backoff, resuming the partial file; on final
// failure the partial file is left in place and its size is reported in the
// DownloadError.
func (m *Manager) Download(ctx context.Context, productID, dir string, opts ...RequestOption) (string, error) {
	ro := requestOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	ctx = log.With(ctx, "download", uuid.New().String(), "product", productID)

	if err := os.MkdirAll(dir, 0766); err != nil {
		return "", FilesystemError{Path: dir, Err: err}
	}

	localZip := productFilePath(dir, productID)
	url := fmt.Sprintf(m.endpoint, productID)

	var bytesWritten int64
	lastStatus := 0
	reauthenticated := false
	err := service.Retriable(ctx, func() error {
		return m.transfer(ctx, url, localZip, &bytesWritten, &lastStatus, &reauthenticated, ro.progress)
	}, m.backoff, m.attempts)
	if err != nil {
		var fsErr FilesystemError
		if errors.As(err, &fsErr) {
			return "", fsErr
		}
		var authErr session.AuthenticationError
		if errors.As(err, &authErr) {
			return "", authErr
		}
		return "", DownloadError{Product: productID, Status: lastStatus, BytesWritten: bytesWritten, Err: err}
	}

	log.Logger(ctx).Sugar().Infof("downloaded %s (%s)", productID, fmtBytes(bytesWritten))
	if ro.extract {
		defer os.Remove(localZip)
		if err := unarchive(localZip, dir); err != nil {
			return "", DownloadError{Product: productID, BytesWritten: bytesWritten, Err: err}
		}
		return dir, nil
	}
	return localZip, nil
}

// transfer performs one download attempt, classifying the outcome as
// temporary (retriable) or fatal
func (m *Manager) transfer(ctx context.Context, url, dst string, written *int64, status *int, reauthenticated *bool, progress ProgressFunc) error {
	token, err := m.session.Token(ctx)
	if err != nil {
		return service.MakeFatal(err)
	}

	req, err := grab.NewRequest(dst, url)
	if err != nil {
		return service.MakeFatal(fmt.Errorf("transfer.NewRequest: %w", err))
	}
	req = req.WithContext(ctx)
	token.SetAuthHeader(req.HTTPRequest)

	client := grab.NewClient()
	client.HTTPClient.CheckRedirect = checkRedirectAndCopyAuth
	resp := client.Do(req)

	monitorProgress(ctx, resp, m.interval, progress)

	*written = resp.BytesComplete()
	if err := resp.Err(); err != nil {
		err = fmt.Errorf("download[%s]: %w", url, err)
		if resp.HTTPResponse == nil {
			var pathErr *os.PathError
			if errors.As(err, &pathErr) {
				return service.MakeFatal(FilesystemError{Path: dst, Err: err})
			}
			return service.MakeTemporary(err)
		}
		*status = resp.HTTPResponse.StatusCode
		switch {
		case resp.HTTPResponse.StatusCode == 401:
			// One-shot re-authentication, the retry gets a fresh token
			if *reauthenticated {
				return service.MakeFatal(session.AuthenticationError{Status: 401, Message: "re-authenticated token rejected"})
			}
			*reauthenticated = true
			if err := m.session.Authenticate(ctx); err != nil {
				return service.MakeFatal(err)
			}
			return service.MakeTemporary(err)
		case resp.HTTPResponse.StatusCode < 300:
			// Interrupted mid-stream, the retry resumes the partial file
			return service.MakeTemporary(err)
		case temporaryStatus(resp.HTTPResponse.StatusCode):
			return service.MakeTemporary(err)
		default:
			return service.MakeFatal(err)
		}
	}

	*status = resp.HTTPResponse.StatusCode
	if resp.Size > 0 && resp.BytesComplete() != resp.Size {
		// Short read without a transport error, subject to the retry policy
		return service.MakeTemporary(fmt.Errorf("download[%s]: short read: %d/%d bytes", url, resp.BytesComplete(), resp.Size))
	}
	return nil
}

func temporaryStatus(status int) bool {
	switch status {
	case 408, 429, 500, 501, 502, 503, 504:
		return true
	}
	return false
}

func checkRedirectAndCopyAuth(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if auth, ok := via[0].Header["Authorization"]; ok {
		req.Header.Add("Authorization", auth[0])
	}
	return nil
}

// unarchive the file with a basic check. All errors are temporary.
func unarchive(localZip, localDir string) error {
	tmpdir, err := os.MkdirTemp(localDir, filepath.Base(localZip))
	if err != nil {
		return service.MakeTemporary(err)
	}
	defer os.RemoveAll(tmpdir)
	if err := archiver.Unarchive(localZip, tmpdir); err != nil {
		return service.MakeTemporary(err)
	}
	files, err := os.ReadDir(tmpdir)
	if err != nil {
		return service.MakeTemporary(err)
	}
	if len(files) == 0 {
		return service.MakeTemporary(fmt.Errorf("empty zip"))
	}
	for _, f := range files {
		os.Rename(filepath.Join(tmpdir, f.Name()), filepath.Join(localDir, f.Name()))
	}
	return nil
}

// productFilePath returns the archive path for a product in the given directory
func productFilePath(dir, productID string) string {
	return path.Join(dir, productID+".zip")
}
