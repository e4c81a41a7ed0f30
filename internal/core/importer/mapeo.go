package importer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"smartaudit/internal/api"
	"smartaudit/internal/infra/logx"
)

// ErrInvalidManualMapping is returned before any request when a manual mapping is inconsistent.
var ErrInvalidManualMapping = errors.New("invalid manual mapping")

// StartMapeo triggers automatic field mapping. erpHint names the source system
// ("SAP", "Oracle", ...) and may be empty. Cached per id and hint.
func (s *Session) StartMapeo(ctx context.Context, id, erpHint string) (StartResult, error) {
	var q url.Values
	if erpHint = strings.TrimSpace(erpHint); erpHint != "" {
		q = url.Values{"erp_hint": {erpHint}}
	}
	return s.start(ctx, api.StepMapeo, id, q, cacheKey("mapeo.start", id, erpHint))
}

func (s *Session) MapeoStatus(ctx context.Context, id string) (StatusReport, error) {
	return s.status(ctx, api.StepMapeo, id)
}

// PollMapeo waits for the mapeo of id. manual_mapping_required counts as a
// successful finish: the operator completes the mapping afterwards.
func (s *Session) PollMapeo(ctx context.Context, id string, opts PollOptions) (PollResult, error) {
	return s.poll(ctx, api.StepMapeo, id, s.pollOpts(opts, s.opts.Mapeo))
}

// MapeoOutcome is the result of RunMapeo. Mapping is set once polling succeeded.
type MapeoOutcome struct {
	Start   StartResult
	Poll    PollResult
	Mapping *api.FieldsMapping
}

// RunMapeo starts the mapeo of id, waits for it and fetches the field mapping.
// A failed or timed out poll is reported in Poll with a nil Mapping.
func (s *Session) RunMapeo(ctx context.Context, id, erpHint string, opts PollOptions) (MapeoOutcome, error) {
	var out MapeoOutcome
	start, err := s.StartMapeo(ctx, id, erpHint)
	if err != nil {
		return out, fmt.Errorf("start mapeo %s: %w", id, err)
	}
	out.Start = start
	out.Poll, err = s.PollMapeo(ctx, id, opts)
	if err != nil || !out.Poll.Success {
		return out, err
	}
	fm, err := s.FieldsMapping(ctx, id)
	if err != nil {
		return out, fmt.Errorf("fields mapping %s: %w", id, err)
	}
	out.Mapping = &fm
	return out, nil
}

// FieldsMapping returns the normalized field mapping of id, cached until the next manual change.
func (s *Session) FieldsMapping(ctx context.Context, id string) (api.FieldsMapping, error) {
	fm, _, err := cached(ctx, s, cacheKey("mapeo.fields", id), func() (api.FieldsMapping, error) {
		return s.api.FieldsMapping(ctx, id)
	})
	return fm, err
}

// ApplyManualMapping sends destination -> source column overrides. Each source
// column may feed one destination only. On success the cached field mapping is dropped.
func (s *Session) ApplyManualMapping(ctx context.Context, id string, manual map[string]string) (api.ApplyMappingResult, error) {
	if err := checkManualMapping(manual); err != nil {
		return api.ApplyMappingResult{}, err
	}
	res, err := s.api.ApplyManualMapping(ctx, id, manual)
	if err != nil {
		return res, err
	}
	s.invalidate(ctx, cacheKey("mapeo.fields", id))
	logx.Infof("applied %d manual mappings to %s", len(manual), id)
	return res, nil
}

func checkManualMapping(manual map[string]string) error {
	if len(manual) == 0 {
		return fmt.Errorf("%w: no mappings given", ErrInvalidManualMapping)
	}
	dests := make([]string, 0, len(manual))
	for d := range manual {
		dests = append(dests, d)
	}
	sort.Strings(dests)
	bySource := make(map[string]string, len(manual))
	for _, dest := range dests {
		src := strings.TrimSpace(manual[dest])
		if strings.TrimSpace(dest) == "" || src == "" {
			return fmt.Errorf("%w: empty field or column in %q -> %q", ErrInvalidManualMapping, dest, manual[dest])
		}
		if prev, ok := bySource[src]; ok {
			return fmt.Errorf("%w: column %q assigned to both %q and %q", ErrInvalidManualMapping, src, prev, dest)
		}
		bySource[src] = dest
	}
	return nil
}

func (s *Session) MapeoSummary(ctx context.Context, id string) (api.MapeoSummary, error) {
	return s.api.MapeoSummary(ctx, id)
}

func (s *Session) UnmappedFields(ctx context.Context, id string) (api.UnmappedFields, error) {
	return s.api.UnmappedFields(ctx, id)
}
