package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCircuitOpen is wrapped by a GatewayError when the breaker is open.
	ErrCircuitOpen = errors.New("embedding gateway circuit open")

	// ErrProviderClosed indicates a call after Close.
	ErrProviderClosed = errors.New("embedding provider closed")

	// ErrBadResponse indicates a response that does not match the request.
	ErrBadResponse = errors.New("malformed embedding response")
)

// ErrorKind classifies a gateway failure.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindAuth
	KindRateLimit
	KindTimeout
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// GatewayError is the only error type returned by Gateway implementations
// for failures of the remote call itself.
type GatewayError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	// RetryAfter is the server's requested delay for KindRateLimit.
	RetryAfter time.Duration
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("embeddings %s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed. Auth failures
// never are.
func (e *GatewayError) Retryable() bool {
	return e.Kind != KindAuth && !errors.Is(e.Err, ErrBadResponse)
}

// KindOf returns the kind of a GatewayError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// statusError maps an HTTP status to a GatewayError. 2xx returns nil.
func statusError(provider string, code int, header http.Header, body string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	ge := &GatewayError{Provider: provider, StatusCode: code}
	if body != "" {
		ge.Err = errors.New(body)
	}
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		ge.Kind = KindAuth
	case code == http.StatusTooManyRequests:
		ge.Kind = KindRateLimit
		ge.RetryAfter = parseRetryAfter(header)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		ge.Kind = KindTimeout
	case code >= 500:
		ge.Kind = KindServer
	default:
		// Other 4xx mean the request itself is wrong; retrying won't help.
		ge.Kind = KindServer
		ge.Err = fmt.Errorf("%w: %s", ErrBadResponse, body)
	}
	return ge
}

// transportError classifies a failed round trip.
func transportError(provider string, err error) error {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return err
	}
	kind := KindNetwork
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &GatewayError{Kind: kind, Provider: provider, Err: err}
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
