package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrorKind is the provider error taxonomy.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindTransient   ErrorKind = "transient"
	KindQuota       ErrorKind = "quota"
	KindAuth        ErrorKind = "auth"
	KindMalformed   ErrorKind = "malformed"
	KindUnavailable ErrorKind = "unavailable"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindTimeout     ErrorKind = "timeout"
	KindCanceled    ErrorKind = "canceled"
	KindPermanent   ErrorKind = "permanent"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// QuotaExceededError means the provider refused the call for this rate window.
type QuotaExceededError struct {
	Provider string
	Err      error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: quota exceeded: %v", e.Provider, e.Err)
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// AuthError means the provider rejected our credentials.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authorization failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// MalformedResponseError means the provider answered with something we could
// not parse.
type MalformedResponseError struct {
	Provider string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: malformed response: %v", e.Provider, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// ProviderUnavailableError is raised when every fallback strategy for a
// provider has failed.
type ProviderUnavailableError struct {
	Provider string
	Tried    []string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("%s: all strategies failed (%s): %v", e.Provider, strings.Join(e.Tried, ", "), e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// CircuitOpenError is returned when a provider's breaker rejects a call.
type CircuitOpenError struct {
	Provider string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, ErrCircuitOpen)
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// Classify maps an error onto the taxonomy. The most specific typed error in
// the chain wins; untyped errors fall back to the transient heuristics.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		coe *CircuitOpenError
		ae  *AuthError
		qe  *QuotaExceededError
		me  *MalformedResponseError
		pu  *ProviderUnavailableError
	)
	switch {
	case errors.As(err, &coe), errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.As(err, &ae):
		return KindAuth
	case errors.As(err, &qe):
		return KindQuota
	case errors.As(err, &me):
		return KindMalformed
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case IsTransient(err):
		return KindTransient
	case errors.As(err, &pu):
		return KindUnavailable
	}
	return KindPermanent
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient error patterns (network
// timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Typed permanent errors are never retried, whatever they wrap.
	var (
		ae *AuthError
		qe *QuotaExceededError
		me *MalformedResponseError
	)
	if errors.As(err, &ae) || errors.As(err, &qe) || errors.As(err, &me) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ClassifyHTTP turns a non-2xx provider response into a taxonomy error.
// Returns nil for 2xx codes.
func ClassifyHTTP(provider string, statusCode int, body string) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	base := eris.Errorf("status %d: %s", statusCode, truncateBody(body))
	lower := strings.ToLower(body)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return &QuotaExceededError{Provider: provider, Err: base}
	case statusCode == http.StatusForbidden && (strings.Contains(lower, "quota") || strings.Contains(lower, "ratelimit")):
		return &QuotaExceededError{Provider: provider, Err: base}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &AuthError{Provider: provider, Err: base}
	case IsTransientHTTPStatus(statusCode):
		return NewTransientError(base, statusCode)
	default:
		return eris.Wrapf(base, "%s: request rejected", provider)
	}
}

func truncateBody(body string) string {
	const max = 200
	if len(body) <= max {
		return body
	}
	return body[:max] + "..."
}
