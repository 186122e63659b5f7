package providers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
)

// classifyHTTPStatus maps a back end's HTTP status code to the canonical
// error taxonomy. Adapters call this after a non-2xx response so that
// authentication, throttling, and availability failures are reported
// uniformly regardless of which wire dialect produced them.
func classifyHTTPStatus(status int, retryAfterHeader string) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusNotFound:
		return ErrModelNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrInvalidRequest
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrUnavailable
	}
}

// parseRetryAfter parses an RFC 7231 Retry-After header value expressed in
// seconds; it returns 0 if absent or unparseable.
func parseRetryAfter(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// classifyTransportErr maps a transport-level (non-HTTP-status) failure —
// context cancellation, deadline exceeded, DNS/connect failure — to the
// canonical taxonomy.
func classifyTransportErr(ctx context.Context, err error) ErrorKind {
	if ctx.Err() == context.Canceled {
		return ErrCanceled
	}
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrNetwork
}
