package importer

import (
	"context"
	"net/url"

	"smartaudit/internal/api"
	"smartaudit/internal/infra/logx"
)

// StartResult is the answer to triggering a processing step.
type StartResult struct {
	ExecutionID string         `json:"execution_id"`
	Step        api.Step       `json:"step"`
	Data        map[string]any `json:"data"`
	// Reused is set when the result came from the cache or a concurrent caller.
	Reused bool `json:"-"`
}

func (s *Session) start(ctx context.Context, step api.Step, id string, query url.Values, key string) (StartResult, error) {
	res, reused, err := cached(ctx, s, key, func() (StartResult, error) {
		logx.Infof("starting %s for %s", step, id)
		data, err := s.api.StartStep(ctx, step, id, query)
		if err != nil {
			return StartResult{}, err
		}
		return StartResult{ExecutionID: id, Step: step, Data: data}, nil
	})
	res.Reused = reused
	return res, err
}

// StartValidation triggers validation of id. Repeated calls return the first
// successful answer without contacting the backend again.
func (s *Session) StartValidation(ctx context.Context, id string) (StartResult, error) {
	return s.start(ctx, api.StepValidate, id, nil, cacheKey("validate.start", id))
}

// ValidationStatus fetches the validation state once. A 404 error means "not ready yet".
func (s *Session) ValidationStatus(ctx context.Context, id string) (StatusReport, error) {
	return s.status(ctx, api.StepValidate, id)
}

// PollValidation waits for validation of id to reach a terminal state.
// Zero opts fields take the session defaults.
func (s *Session) PollValidation(ctx context.Context, id string, opts PollOptions) (PollResult, error) {
	return s.poll(ctx, api.StepValidate, id, s.pollOpts(opts, s.opts.Validation))
}

func (s *Session) StartConversion(ctx context.Context, id string) (StartResult, error) {
	return s.start(ctx, api.StepConvert, id, nil, cacheKey("convert.start", id))
}

func (s *Session) ConversionStatus(ctx context.Context, id string) (StatusReport, error) {
	return s.status(ctx, api.StepConvert, id)
}

// PollConversion waits for conversion of id. A successful conversion unlocks Preview.
func (s *Session) PollConversion(ctx context.Context, id string, opts PollOptions) (PollResult, error) {
	res, err := s.poll(ctx, api.StepConvert, id, s.pollOpts(opts, s.opts.Conversion))
	if err == nil && res.Success {
		s.markConverted(id)
	}
	return res, err
}

func (s *Session) pollOpts(o, def PollOptions) PollOptions {
	if o.Interval <= 0 {
		o.Interval = def.Interval
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	return o
}
