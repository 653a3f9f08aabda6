package backend

import (
	"context"
	"net"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Errors
var (
	ErrConnectionTimeout    = errors.New("connection timeout")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrNotFound             = errors.New("not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrTimeout              = errors.New("request timeout")
	ErrMaxReconnectAttempts = errors.New("max reconnect attempts exceeded")
	ErrNoSession            = errors.New("no valid session")
	ErrClosed               = errors.New("node closed")
)

// RequestError is a non-2xx answer from a node's REST surface.
type RequestError struct {
	Status  int    // HTTP status code
	Method  string // HTTP method
	Path    string // Request path
	Message string // Message reported by the node, if any
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return e.Method + " " + e.Path + ": " + http.StatusText(e.Status) + ": " + e.Message
	}
	return e.Method + " " + e.Path + ": " + http.StatusText(e.Status)
}

// classifyStatus marks a request error with the taxonomy error matching its status.
func classifyStatus(re *RequestError) error {
	switch {
	case re.Status == http.StatusUnauthorized || re.Status == http.StatusForbidden:
		return errors.Mark(re, ErrUnauthorized)
	case re.Status == http.StatusNotFound:
		return errors.Mark(re, ErrNotFound)
	case re.Status == http.StatusTooManyRequests:
		return errors.Mark(re, ErrRateLimited)
	case re.Status >= 500:
		return errors.Mark(re, ErrBackendUnavailable)
	default:
		return re
	}
}

// classifyTransport maps a transport failure to ErrTimeout or ErrBackendUnavailable.
func classifyTransport(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errors.Mark(err, ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return errors.Mark(err, ErrBackendUnavailable)
}
