package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics counts traffic against the import backend. The transport feeds the
// wire-level counters; the client feeds one observation per logical operation.
type Metrics struct {
	Attempts          atomic.Int64 // requests handed to the transport, retries excluded
	TotalRetries      atomic.Int64
	TotalBackoffNanos atomic.Int64
	BreakerRejected   atomic.Int64

	mu     sync.Mutex
	ops    map[string]*opStats
	status [statusBuckets]int64
}

type opStats struct {
	calls    int64
	failures int64
	latency  time.Duration
	max      time.Duration
}

const (
	bucket2xx = iota
	bucket404
	bucket4xx
	bucket429
	bucket5xx
	statusBuckets
)

func NewMetrics() *Metrics { return &Metrics{ops: make(map[string]*opStats)} }

// IncRequest counts one request entering the transport.
func (m *Metrics) IncRequest() { m.Attempts.Add(1) }

func (m *Metrics) IncRetry() { m.TotalRetries.Add(1) }

func (m *Metrics) AddBackoff(d time.Duration) { m.TotalBackoffNanos.Add(d.Nanoseconds()) }

// IncStatus buckets one wire response. 404 has its own bucket: status polling
// reads it as "not there yet".
func (m *Metrics) IncStatus(code int) {
	b := -1
	switch {
	case code == http.StatusNotFound:
		b = bucket404
	case code == http.StatusTooManyRequests:
		b = bucket429
	case code >= 200 && code < 300:
		b = bucket2xx
	case code >= 400 && code < 500:
		b = bucket4xx
	case code >= 500:
		b = bucket5xx
	}
	if b < 0 {
		return
	}
	m.mu.Lock()
	m.status[b]++
	m.mu.Unlock()
}

// ObserveOp records one client operation ("upload", "validate.status", ...).
func (m *Metrics) ObserveOp(op string, d time.Duration, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		m.BreakerRejected.Add(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.ops[op]
	if s == nil {
		s = &opStats{}
		m.ops[op] = s
	}
	s.calls++
	if err != nil {
		s.failures++
	}
	s.latency += d
	if d > s.max {
		s.max = d
	}
}

// OpSnapshot is the aggregate of one operation.
type OpSnapshot struct {
	Calls    int64
	Failures int64
	Mean     time.Duration
	Max      time.Duration
}

// MetricsSnapshot is a read-only copy of metrics state.
type MetricsSnapshot struct {
	Attempts        int64
	Retries         int64
	Backoff         time.Duration
	BreakerRejected int64
	Ops             map[string]OpSnapshot
	Status2xx       int64
	Status404       int64
	Status4xx       int64
	Status429       int64
	Status5xx       int64
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make(map[string]OpSnapshot, len(m.ops))
	for name, s := range m.ops {
		o := OpSnapshot{Calls: s.calls, Failures: s.failures, Max: s.max}
		if s.calls > 0 {
			o.Mean = s.latency / time.Duration(s.calls)
		}
		ops[name] = o
	}
	return MetricsSnapshot{
		Attempts:        m.Attempts.Load(),
		Retries:         m.TotalRetries.Load(),
		Backoff:         time.Duration(m.TotalBackoffNanos.Load()),
		BreakerRejected: m.BreakerRejected.Load(),
		Ops:             ops,
		Status2xx:       m.status[bucket2xx],
		Status404:       m.status[bucket404],
		Status4xx:       m.status[bucket4xx],
		Status429:       m.status[bucket429],
		Status5xx:       m.status[bucket5xx],
	}
}

// String renders the snapshot on one line, operations sorted by name.
func (s MetricsSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "req=%d retries=%d backoff=%s rejected=%d 2xx=%d 404=%d 4xx=%d 429=%d 5xx=%d",
		s.Attempts, s.Retries, s.Backoff.Round(time.Millisecond), s.BreakerRejected,
		s.Status2xx, s.Status404, s.Status4xx, s.Status429, s.Status5xx)
	names := make([]string, 0, len(s.Ops))
	for n := range s.Ops {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		o := s.Ops[n]
		fmt.Fprintf(&b, " %s=%d/%d~%s", n, o.Calls-o.Failures, o.Calls, o.Mean.Round(time.Millisecond))
	}
	return b.String()
}
