package datastore

import (
	"context"
	"errors"
	"fmt"
	"net"

	"sensorsync/internal/domain"
)

// StatusError is a non-2xx response from the datastore. It unwraps to
// domain.ErrServer for 5xx statuses and domain.ErrClient otherwise.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 {
		return domain.ErrServer
	}
	return domain.ErrClient
}

// mapHTTPError builds the error for a non-2xx response.
func mapHTTPError(statusCode int, body []byte) error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	return &StatusError{StatusCode: statusCode, Body: string(body)}
}

// mapTransportError classifies a request that got no response at all.
func mapTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", domain.ErrRequestTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
}

// ErrorCategory tells callers whether a failed call may succeed if repeated.
type ErrorCategory int

const (
	CategoryUnknown   ErrorCategory = iota
	CategoryTransient               // 5xx
	CategoryPermanent               // 4xx, no response, malformed response
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classify maps a sync client error to its category. Requests that received
// no response are permanent: the client does not retry them.
func Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryUnknown
	case errors.Is(err, domain.ErrServer):
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// StatusCode extracts the HTTP status from err, or 0 when there was none.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
