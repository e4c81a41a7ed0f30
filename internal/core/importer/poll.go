package importer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"smartaudit/internal/api"
	"smartaudit/internal/infra/logx"
)

// PollOptions bounds a status polling loop.
type PollOptions struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (o PollOptions) withDefaults(timeout time.Duration) PollOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = timeout
	}
	return o
}

// PollResult is the outcome of a polling loop. Failures are reported here, not as errors.
type PollResult struct {
	Success     bool              `json:"success"`
	FinalStatus api.Status        `json:"final_status"`
	Data        api.StatusPayload `json:"-"`
	Error       string            `json:"error,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	Attempts    int               `json:"attempts"`
	Retries     int64             `json:"retries,omitempty"` // transport retries across all attempts
	Elapsed     time.Duration     `json:"elapsed"`
}

// StatusReport is a single status fetch.
type StatusReport struct {
	ExecutionID string
	Step        api.Step
	Status      api.Status
	Data        api.StatusPayload
}

func (s *Session) status(ctx context.Context, step api.Step, id string) (StatusReport, error) {
	p, err := s.api.StepStatus(ctx, step, id)
	if err != nil {
		return StatusReport{}, err
	}
	return StatusReport{ExecutionID: id, Step: step, Status: p.Status, Data: p}, nil
}

// poll fetches the status of step until it is terminal, a fatal error occurs or
// opts.Timeout elapses. 404 means the backend does not know the execution yet.
func (s *Session) poll(ctx context.Context, step api.Step, id string, opts PollOptions) (PollResult, error) {
	key := cacheKey("poll."+string(step), id)
	if !s.guard.Acquire(key) {
		return PollResult{}, fmt.Errorf("%s %s: %w", step, id, ErrAlreadyPolling)
	}
	defer s.guard.Release(key)

	log := logx.ForExecution(id).WithField("step", step)
	rc := &api.RetryCounters{}
	ctx = api.WithRetryCounters(ctx, rc)
	start := s.clock.Now()
	res := PollResult{}
	finish := func(r PollResult) PollResult {
		r.Attempts = res.Attempts
		r.Retries = atomic.LoadInt64(&rc.Total)
		r.Elapsed = s.clock.Now().Sub(start)
		return r
	}
	for {
		res.Attempts++
		rep, err := s.status(ctx, step, id)
		switch {
		case err == nil && rep.Status.Terminal():
			log.Infof("finished: %s after %d attempts", rep.Status, res.Attempts)
			return finish(PollResult{
				Success:     rep.Status.Succeeded(),
				FinalStatus: rep.Status,
				Data:        rep.Data,
				Error:       rep.Data.Error,
			}), nil
		case err != nil && !api.IsNotFound(err):
			log.WithField("error", err).Warn("status failed")
			return finish(PollResult{
				FinalStatus: api.StatusError,
				Error:       err.Error(),
				StatusCode:  api.StatusCode(err),
			}), nil
		case err != nil:
			log.Debug("not found yet")
		default:
			log.Debugf("status %s", rep.Status)
		}

		if s.clock.Now().Sub(start) >= opts.Timeout {
			log.Warnf("timed out after %s", opts.Timeout)
			return finish(PollResult{
				FinalStatus: api.StatusTimeout,
				Error:       fmt.Sprintf("%s did not finish within %s", step, opts.Timeout),
			}), nil
		}
		if err := s.clock.Sleep(ctx, opts.Interval); err != nil {
			return finish(PollResult{FinalStatus: api.StatusError, Error: err.Error()}), nil
		}
	}
}

// IsAlreadyPolling reports whether err comes from the duplicate-poll guard.
func IsAlreadyPolling(err error) bool { return errors.Is(err, ErrAlreadyPolling) }
