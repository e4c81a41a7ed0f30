package api

import (
	"context"
	"net/http"
	"sync/atomic"
)

// RetryCounters collects the transport retries spent on behalf of one logical
// operation, such as a whole status polling loop.
type RetryCounters struct {
	Total     int64
	Status429 int64
	Status5xx int64
	Net       int64
}

// record counts one retry. status is 0 for a network error.
func (rc *RetryCounters) record(status int) {
	atomic.AddInt64(&rc.Total, 1)
	switch {
	case status == 0:
		atomic.AddInt64(&rc.Net, 1)
	case status == http.StatusTooManyRequests:
		atomic.AddInt64(&rc.Status429, 1)
	case status >= 500:
		atomic.AddInt64(&rc.Status5xx, 1)
	}
}

type retriesKey struct{}

// WithRetryCounters returns a context whose requests report their retries to rc.
func WithRetryCounters(ctx context.Context, rc *RetryCounters) context.Context {
	return context.WithValue(ctx, retriesKey{}, rc)
}

func retriesFrom(ctx context.Context) *RetryCounters {
	rc, _ := ctx.Value(retriesKey{}).(*RetryCounters)
	return rc
}
