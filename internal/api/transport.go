package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"smartaudit/internal/infra/logx"
)

// Limit is a request rate with a burst allowance.
type Limit struct {
	RPS   float64
	Burst int
}

var defaultLimit = Limit{RPS: 5, Burst: 10}

// TransportOptions tunes pacing and retries towards the import backend.
type TransportOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Jitter returns extra delay for a computed backoff. Nil means none.
	Jitter  func(d time.Duration) time.Duration
	Clock   Clock
	Metrics *Metrics

	Limit      Limit
	HostLimits map[string]Limit
}

// DefaultTransportOptions paces at 5 rps with a burst of 10 and retries three
// times. SMARTAUDIT_RPS, SMARTAUDIT_BURST, SMARTAUDIT_RETRY_MAX,
// SMARTAUDIT_RETRY_BASE_MS and SMARTAUDIT_RETRY_CAP_MS override the defaults.
func DefaultTransportOptions() TransportOptions {
	o := TransportOptions{
		MaxRetries: 3,
		BaseDelay:  300 * time.Millisecond,
		MaxDelay:   8 * time.Second,
		Jitter:     halfJitter,
		Clock:      RealClock{},
		Metrics:    NewMetrics(),
		Limit:      defaultLimit,
	}
	if v, ok := envNumber("SMARTAUDIT_RPS"); ok && v > 0 {
		o.Limit.RPS = v
	}
	if v, ok := envNumber("SMARTAUDIT_BURST"); ok && v >= 1 {
		o.Limit.Burst = int(v)
	}
	if v, ok := envNumber("SMARTAUDIT_RETRY_MAX"); ok && v >= 0 {
		o.MaxRetries = int(v)
	}
	if v, ok := envNumber("SMARTAUDIT_RETRY_BASE_MS"); ok && v >= 0 {
		o.BaseDelay = time.Duration(v * float64(time.Millisecond))
	}
	if v, ok := envNumber("SMARTAUDIT_RETRY_CAP_MS"); ok && v > 0 {
		o.MaxDelay = time.Duration(v * float64(time.Millisecond))
	}
	return o
}

func envNumber(key string) (float64, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	return v, err == nil
}

// halfJitter adds up to half of d.
func halfJitter(d time.Duration) time.Duration {
	if d < 2 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d / 2)))
}

// Transport paces requests per host and retries the failures the import
// backend reports as transient. Request bodies are buffered so uploads can be
// replayed.
type Transport struct {
	Base http.RoundTripper
	Opts TransportOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTransport(opts TransportOptions) *Transport {
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	return &Transport{Opts: opts, limiters: make(map[string]*rate.Limiter)}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}
	ctx := req.Context()
	t.Opts.Metrics.IncRequest()

	for attempt := 0; ; attempt++ {
		if err := t.pace(ctx, req.URL.Host); err != nil {
			return nil, err
		}
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := t.base().RoundTrip(req)
		final := attempt >= t.Opts.MaxRetries

		var wait time.Duration
		if err != nil {
			if final || !retryableNetErr(err) {
				return nil, err
			}
			wait = t.backoff(attempt)
			t.noteRetry(req, 0, err)
		} else {
			t.Opts.Metrics.IncStatus(resp.StatusCode)
			if final || !retryableStatus(req.Method, resp.StatusCode) {
				return resp, nil
			}
			wait = retryAfter(resp.Header.Get("Retry-After"), t.Opts.Clock.Now())
			if wait <= 0 {
				wait = t.backoff(attempt)
			}
			wait = min(wait, t.maxDelay())
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			t.noteRetry(req, resp.StatusCode, nil)
		}

		t.Opts.Metrics.AddBackoff(wait)
		if err := t.Opts.Clock.Sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) limiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.limiters[host]; ok {
		return l
	}
	lim, ok := t.Opts.HostLimits[host]
	if !ok {
		lim = t.Opts.Limit
	}
	if lim.RPS <= 0 {
		lim = defaultLimit
	}
	l := rate.NewLimiter(rate.Limit(lim.RPS), max(1, lim.Burst))
	t.limiters[host] = l
	return l
}

// pace reserves a slot on the host limiter against the transport clock, so a
// fake clock drives the limiter as well as the backoff.
func (t *Transport) pace(ctx context.Context, host string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := t.Opts.Clock.Now()
	r := t.limiter(host).ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("rate limit for %s admits no request", host)
	}
	d := r.DelayFrom(now)
	if d <= 0 {
		return nil
	}
	if err := t.Opts.Clock.Sleep(ctx, d); err != nil {
		r.CancelAt(t.Opts.Clock.Now())
		return err
	}
	return nil
}

func (t *Transport) maxDelay() time.Duration {
	if t.Opts.MaxDelay <= 0 {
		return 8 * time.Second
	}
	return t.Opts.MaxDelay
}

// backoff doubles BaseDelay per attempt, then adds jitter, never exceeding MaxDelay.
func (t *Transport) backoff(attempt int) time.Duration {
	d := t.Opts.BaseDelay
	if d <= 0 {
		d = 300 * time.Millisecond
	}
	for i := 0; i < attempt && d < t.maxDelay(); i++ {
		d *= 2
	}
	d = min(d, t.maxDelay())
	if t.Opts.Jitter != nil {
		d += t.Opts.Jitter(d)
	}
	return min(d, t.maxDelay())
}

// noteRetry feeds the client metrics and, when present, the per-operation
// counters carried by the request context. status 0 is a network error.
func (t *Transport) noteRetry(req *http.Request, status int, cause error) {
	t.Opts.Metrics.IncRetry()
	if rc := retriesFrom(req.Context()); rc != nil {
		rc.record(status)
	}
	e := logx.With(logx.Fields{"method": req.Method, "path": req.URL.Path})
	if cause != nil {
		e = e.WithField("error", cause)
	} else {
		e = e.WithField("status", status)
	}
	e.Debug("retrying request")
}

// bufferBody makes the request body replayable.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	buf, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return err
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(buf)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func retryableNetErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

// retryableStatus never retries 404: status endpoints answer it while a step
// has not been registered yet and polling handles that itself. Requests that
// change state are replayed only when the server refused them outright.
func retryableStatus(method string, code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return method == http.MethodGet || method == http.MethodHead
	}
	return false
}

// retryAfter reads Retry-After as seconds or as an HTTP date.
func retryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(max(secs, 0)) * time.Second
	}
	if when, err := http.ParseTime(h); err == nil && when.After(now) {
		return when.Sub(now)
	}
	return 0
}
