package importer

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"smartaudit/internal/api"
	"smartaudit/internal/infra/logx"
)

// ImportAPI is the subset of the backend client the orchestrators need.
type ImportAPI interface {
	Upload(ctx context.Context, in api.UploadRequest) (map[string]any, error)
	UploadInfo(ctx context.Context, executionID string) (map[string]any, error)
	UploadProgress(ctx context.Context, executionID string) (api.UploadProgress, error)
	StartStep(ctx context.Context, step api.Step, executionID string, query url.Values) (map[string]any, error)
	StepStatus(ctx context.Context, step api.Step, executionID string) (api.StatusPayload, error)
	FieldsMapping(ctx context.Context, executionID string) (api.FieldsMapping, error)
	ApplyManualMapping(ctx context.Context, executionID string, manual map[string]string) (api.ApplyMappingResult, error)
	MapeoSummary(ctx context.Context, executionID string) (api.MapeoSummary, error)
	UnmappedFields(ctx context.Context, executionID string) (api.UnmappedFields, error)
	Preview(ctx context.Context, executionID string, rows int) (api.Preview, error)
	DownloadURL(filename string) string
	Download(ctx context.Context, filename string, w io.Writer) (int64, error)
	MapeoDownloadURL(executionID, fileType string) string
	MapeoDownload(ctx context.Context, executionID, fileType string, w io.Writer) (int64, error)
	Project(ctx context.Context, projectID string) (map[string]any, error)
}

// Options tunes a Session. Zero values fall back to the defaults below.
type Options struct {
	Cache       Cache
	Clock       api.Clock
	MaxFileSize int64

	Validation PollOptions
	Conversion PollOptions
	Mapeo      PollOptions
	Upload     PollOptions
}

const (
	DefaultInterval          = 2 * time.Second
	DefaultValidationTimeout = 180 * time.Second
	DefaultConversionTimeout = 300 * time.Second
	DefaultMapeoTimeout      = 300 * time.Second
	DefaultUploadTimeout     = 15 * time.Minute
	DefaultMaxFileSize       = 100 << 20

	defaultCacheTTL     = 30 * time.Minute
	defaultCacheEntries = 512
)

// Session holds the per-operator import state: request cache, in-flight
// deduplication, the active polling set and the conversions seen to succeed.
// It is safe for concurrent use.
type Session struct {
	api   ImportAPI
	cache Cache
	clock api.Clock
	guard *PollGuard
	sf    singleflight.Group
	opts  Options

	mu        sync.Mutex
	converted map[string]bool
	uploaded  map[string]bool
	// gens counts invalidations per cache key; a fetch that started under an
	// older generation does not store its result.
	gens map[string]uint64
}

func NewSession(client ImportAPI, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = api.RealClock{}
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(defaultCacheTTL, defaultCacheEntries, opts.Clock)
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	opts.Validation = opts.Validation.withDefaults(DefaultValidationTimeout)
	opts.Conversion = opts.Conversion.withDefaults(DefaultConversionTimeout)
	opts.Mapeo = opts.Mapeo.withDefaults(DefaultMapeoTimeout)
	opts.Upload = opts.Upload.withDefaults(DefaultUploadTimeout)
	return &Session{
		api:       client,
		cache:     opts.Cache,
		clock:     opts.Clock,
		guard:     NewPollGuard(),
		opts:      opts,
		converted: make(map[string]bool),
		uploaded:  make(map[string]bool),
		gens:      make(map[string]uint64),
	}
}

// Guard exposes the active polling set.
func (s *Session) Guard() *PollGuard { return s.guard }

func (s *Session) markConverted(id string) {
	s.mu.Lock()
	s.converted[id] = true
	s.mu.Unlock()
}

// Converted reports whether this session saw the conversion of id succeed.
func (s *Session) Converted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.converted[id]
}

func (s *Session) markUploaded(id string) {
	s.mu.Lock()
	s.uploaded[id] = true
	s.mu.Unlock()
}

// Uploaded reports whether id came back from an upload made by this session.
func (s *Session) Uploaded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploaded[id]
}

func (s *Session) generation(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[key]
}

// invalidate drops key from the cache and detaches any fetch still in flight
// for it, so the next read goes to the backend.
func (s *Session) invalidate(ctx context.Context, key string) {
	s.mu.Lock()
	s.gens[key]++
	s.mu.Unlock()
	s.sf.Forget(key)
	s.cache.Delete(ctx, key)
}

func cacheKey(op, id string, extra ...string) string {
	k := op + ":" + id
	for _, e := range extra {
		k += ":" + e
	}
	return k
}

// cached returns the stored result for key or runs fetch once, even when many
// goroutines ask at the same time. Only successful results are stored.
func cached[T any](ctx context.Context, s *Session, key string, fetch func() (T, error)) (T, bool, error) {
	var zero T
	if b, ok := s.cache.Get(ctx, key); ok {
		var v T
		if err := json.Unmarshal(b, &v); err == nil {
			logx.Debugf("cache hit %s", key)
			return v, true, nil
		}
		s.cache.Delete(ctx, key)
	}
	v, err, shared := s.sf.Do(key, func() (any, error) {
		// a caller that finished between our Get and Do already stored the result
		if b, ok := s.cache.Get(ctx, key); ok {
			var v T
			if err := json.Unmarshal(b, &v); err == nil {
				return v, nil
			}
		}
		gen := s.generation(key)
		res, err := fetch()
		if err != nil {
			return nil, err
		}
		if s.generation(key) != gen {
			logx.Debugf("%s invalidated during fetch, not cached", key)
			return res, nil
		}
		if b, err := json.Marshal(res); err == nil {
			s.cache.Set(ctx, key, b)
		}
		return res, nil
	})
	if err != nil {
		return zero, false, err
	}
	return v.(T), shared, nil
}
