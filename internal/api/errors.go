package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrCircuitOpen is returned while the client's breaker refuses calls to a failing backend.
var ErrCircuitOpen = errors.New("import backend unavailable (circuit open)")

// HTTPError is a non-2xx answer from the backend.
type HTTPError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s status %d: %s", e.Op, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s status %d", e.Op, e.StatusCode)
}

// StatusCode extracts the HTTP status from err, or 0 when err is not an HTTPError.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsNotFound reports a 404, which status endpoints return until an execution is known.
func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

// serverSide reports whether err should count against the circuit breaker.
func serverSide(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	code := StatusCode(err)
	return code == 0 || code >= 500
}
