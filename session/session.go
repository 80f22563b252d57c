// Package session holds the Copernicus Dataspace credentials and manages the
// short-lived access token attached to catalog and download requests.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Azim-Kenzh/sentinel2-downloader/service"
	"github.com/Azim-Kenzh/sentinel2-downloader/service/log"
)

const DefaultAuthEndpoint = "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token"

const clientID = "cdse-public"

// AuthenticationError is returned when the identity endpoint rejects the
// credentials or when a re-authenticated request is rejected again.
// It is fatal and never retried.
type AuthenticationError struct {
	Status  int
	Message string
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Message)
}

// Manager owns the credentials and the current access token of one session.
// It holds exactly one live token at a time and is not safe for concurrent
// use without external serialization.
type Manager struct {
	user         string
	pword        string
	authEndpoint string
	httpClient   *http.Client
	token        *oauth2.Token
}

// Option configures a Manager
type Option func(*Manager)

// WithAuthEndpoint overrides the identity endpoint
func WithAuthEndpoint(endpoint string) Option {
	return func(m *Manager) { m.authEndpoint = endpoint }
}

// WithHTTPClient overrides the http client used for all requests
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.httpClient = client }
}

// NewManager creates a session Manager for the given credentials
func NewManager(username, password string, opts ...Option) *Manager {
	m := &Manager{
		user:         username,
		pword:        password,
		authEndpoint: DefaultAuthEndpoint,
		httpClient:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Authenticate asks the identity endpoint for a fresh access token,
// replacing the held one
func (m *Manager) Authenticate(ctx context.Context) error {
	form := url.Values{
		"client_id":  {clientID},
		"username":   {m.user},
		"password":   {m.pword},
		"grant_type": {"password"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.authEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("Authenticate.NewRequest: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := service.DoBody(m.httpClient, req)
	if err != nil {
		var httpErr service.HTTPError
		if errors.As(err, &httpErr) {
			return AuthenticationError{Status: httpErr.Status, Message: httpErr.Body}
		}
		return fmt.Errorf("Authenticate: %w", err)
	}

	token := struct {
		AccessToken string `json:"access_token"`
		Expire      int    `json:"expires_in"`
	}{}
	if err := json.Unmarshal(body, &token); err != nil {
		return fmt.Errorf("Authenticate.Unmarshal: %w", err)
	}
	if token.AccessToken == "" {
		return AuthenticationError{Status: 200, Message: "token not found in " + string(body)}
	}

	m.token = &oauth2.Token{
		AccessToken: token.AccessToken,
		Expiry:      time.Now().Add(time.Duration(token.Expire) * time.Second),
	}
	log.Logger(ctx).Sugar().Debugf("authenticated, token expires in %ds", token.Expire)
	return nil
}

// Token returns a valid access token, authenticating first when none is held
// or the held one is expired
func (m *Manager) Token(ctx context.Context) (*oauth2.Token, error) {
	if !m.token.Valid() {
		if err := m.Authenticate(ctx); err != nil {
			return nil, err
		}
	}
	return m.token, nil
}

// Authorize attaches the current token to the outgoing request,
// authenticating first if needed
func (m *Manager) Authorize(ctx context.Context, req *http.Request) error {
	token, err := m.Token(ctx)
	if err != nil {
		return err
	}
	token.SetAuthHeader(req)
	return nil
}

// Do authorizes and performs the request. A 401 response triggers exactly one
// re-authentication and one retry; a second rejection is surfaced as an
// AuthenticationError.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := m.Authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	resp.Body.Close()

	log.Logger(ctx).Debug("token rejected, re-authenticating")
	m.token = nil
	if err := m.Authenticate(ctx); err != nil {
		return nil, err
	}
	if err := m.Authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err = m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, AuthenticationError{Status: resp.StatusCode, Message: string(body)}
	}
	return resp, nil
}
