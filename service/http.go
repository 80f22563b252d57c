package service

import (
	"fmt"
	"io"
	"net/http"
)

// Doer performs an http request (e.g. *http.Client or an authorizing session)
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPError is returned by DoBody when the server answers with a non-200 status
type HTTPError struct {
	Status int
	Body   string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// DoBody performs the request with the given doer and returns the response body.
// A non-200 status is returned as an HTTPError carrying the response body.
func DoBody(doer Doer, req *http.Request) ([]byte, error) {
	resp, err := doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		return nil, HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	if err != nil {
		return nil, fmt.Errorf("DoBody.ReadAll: %w", err)
	}
	return body, nil
}
