// Package apierr holds the error types shared by the media API clients and
// the request helper that produces them.
package apierr

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// maxBody bounds how much of a response body is read.
const maxBody = 8 << 20

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, body)
}

// DecodeError is returned when a 2xx response cannot be parsed.
type DecodeError struct {
	Service string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Service, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewHTTPClient returns the pooled client the API clients use by default.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Do executes req once and returns the body of a 2xx response. Non-2xx
// responses yield a *StatusError; transport errors are returned unwrapped so
// callers can inspect net and context errors.
func Do(hc *http.Client, service string, req *http.Request) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, eris.Wrapf(err, "%s: read response body", service)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Service: service, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
