package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

const (
	defaultPrefix         = "/smau-proto/api/import"
	defaultProjectsPrefix = "/smau-proto/api/projects"
)

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL   string
	APIPrefix string
	Token     string
	// ProjectsPrefix roots the project catalogue, which lives beside the import API.
	ProjectsPrefix string

	// HTTPClient replaces the retrying transport entirely (tests).
	HTTPClient *http.Client
	Transport  *TransportOptions
	Breaker    *gobreaker.Settings
}

// Client talks to the SmartAudit import API.
type Client struct {
	http     *http.Client
	root     string
	projects string
	token    string
	cb       *gobreaker.CircuitBreaker
	metrics  *Metrics
}

// New builds a client for baseURL with the default retrying transport.
func New(baseURL, token string) *Client {
	return NewWithOptions(Options{BaseURL: baseURL, Token: token})
}

func NewWithOptions(opts Options) *Client {
	prefix := opts.APIPrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	projects := opts.ProjectsPrefix
	if projects == "" {
		projects = defaultProjectsPrefix
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	c := &Client{
		root:     base + "/" + strings.Trim(prefix, "/"),
		projects: base + "/" + strings.Trim(projects, "/"),
		token:    opts.Token,
	}
	if opts.HTTPClient != nil {
		c.http = opts.HTTPClient
	} else {
		to := DefaultTransportOptions()
		if opts.Transport != nil {
			to = *opts.Transport
		}
		tr := NewTransport(to)
		c.metrics = tr.Opts.Metrics
		// uploads of large ledgers can take minutes; per-call deadlines come from ctx
		c.http = &http.Client{Transport: tr}
	}
	st := gobreaker.Settings{
		Name:        "smartaudit-import",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	if opts.Breaker != nil {
		st = *opts.Breaker
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	st.IsSuccessful = func(err error) bool { return !serverSide(err) }
	c.cb = gobreaker.NewCircuitBreaker(st)
	return c
}

// Metrics returns the request counters. Wire-level counters stay zero with a custom HTTP client.
func (c *Client) Metrics() *Metrics { return c.metrics }

func (c *Client) endpoint(parts ...string) string {
	esc := make([]string, len(parts))
	for i, p := range parts {
		esc[i] = url.PathEscape(p)
	}
	return c.root + "/" + strings.Join(esc, "/")
}

type request struct {
	op          string
	method      string
	url         string
	query       url.Values
	body        io.Reader
	contentType string
}

// do sends r through the circuit breaker and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, r request, out any) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOp(r.op, time.Since(start), err) }()
	_, err = c.cb.Execute(func() (any, error) {
		return nil, c.send(ctx, r, func(body io.Reader) error {
			if out == nil {
				_, err := io.Copy(io.Discard, body)
				return err
			}
			if err := json.NewDecoder(body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("%s: decode: %w", r.op, err)
			}
			return nil
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", r.op, ErrCircuitOpen)
	}
	return err
}

func (c *Client) send(ctx context.Context, r request, read func(io.Reader) error) error {
	u := r.url
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, r.body)
	if err != nil {
		return fmt.Errorf("%s: %w", r.op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", r.op, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &HTTPError{Op: r.op, StatusCode: res.StatusCode, Detail: readDetail(res.Body)}
	}
	return read(res.Body)
}

// readDetail extracts FastAPI's {"detail": ...} or falls back to the raw text.
func readDetail(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, 4096))
	var payload struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(b, &payload); err == nil && payload.Detail != nil {
		if s, ok := payload.Detail.(string); ok {
			return s
		}
		if enc, err := json.Marshal(payload.Detail); err == nil {
			return string(enc)
		}
	}
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// ---------- Upload ----------

// Upload posts one file as multipart form data and returns the raw response object.
func (c *Client) Upload(ctx context.Context, in UploadRequest) (map[string]any, error) {
	if in.Content == nil {
		return nil, errors.New("upload: no file content")
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"project_id", in.ProjectID},
		{"period", in.Period},
		{"test_type", in.TestType},
		{"parent_execution_id", in.ParentExecutionID},
	}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	part, err := mw.CreateFormFile("file", in.FileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, in.Content); err != nil {
		return nil, fmt.Errorf("upload: read %s: %w", in.FileName, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var out map[string]any
	err = c.do(ctx, request{
		op:          "upload",
		method:      http.MethodPost,
		url:         c.endpoint("upload"),
		body:        bytes.NewReader(buf.Bytes()),
		contentType: mw.FormDataContentType(),
	}, &out)
	return out, err
}

// UploadInfo returns the stored metadata of an upload.
func (c *Client) UploadInfo(ctx context.Context, executionID string) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, request{op: "upload.info", method: http.MethodGet, url: c.endpoint("upload", executionID, "info")}, &out)
	return out, err
}

// UploadProgress reports background transfer progress of a large upload.
func (c *Client) UploadProgress(ctx context.Context, executionID string) (UploadProgress, error) {
	var out UploadProgress
	err := c.do(ctx, request{op: "upload.progress", method: http.MethodGet, url: c.endpoint("upload", executionID, "progress")}, &out)
	return out, err
}

// ---------- Projects ----------

// Project returns the catalogue entry of a project. Unknown ids answer 404.
func (c *Client) Project(ctx context.Context, projectID string) (map[string]any, error) {
	var out struct {
		Project map[string]any `json:"project"`
	}
	err := c.do(ctx, request{op: "project", method: http.MethodGet, url: c.projects + "/" + url.PathEscape(projectID)}, &out)
	return out.Project, err
}

// ---------- Steps (validate / convert / mapeo) ----------

// StartStep triggers a processing step for an execution.
func (c *Client) StartStep(ctx context.Context, step Step, executionID string, query url.Values) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, request{
		op:     string(step) + ".start",
		method: http.MethodPost,
		url:    c.endpoint(string(step), executionID),
		query:  query,
	}, &out)
	return out, err
}

// StepStatus fetches the current state of a processing step.
func (c *Client) StepStatus(ctx context.Context, step Step, executionID string) (StatusPayload, error) {
	var raw map[string]any
	err := c.do(ctx, request{
		op:     string(step) + ".status",
		method: http.MethodGet,
		url:    c.endpoint(string(step), executionID, "status"),
	}, &raw)
	if err != nil {
		return StatusPayload{}, err
	}
	return parseStatusPayload(raw), nil
}

// ---------- Mapeo ----------

// FieldsMapping fetches mapped and missing destination fields.
func (c *Client) FieldsMapping(ctx context.Context, executionID string) (FieldsMapping, error) {
	var out FieldsMapping
	err := c.do(ctx, request{
		op:     "mapeo.fields_mapping",
		method: http.MethodGet,
		url:    c.endpoint("mapeo", executionID, "fields-mapping"),
	}, &out)
	if err != nil {
		return FieldsMapping{}, err
	}
	out.normalize()
	if out.ExecutionID == "" {
		out.ExecutionID = executionID
	}
	return out, nil
}

type mappingDecision struct {
	ColumnName    string  `json:"column_name"`
	SelectedField string  `json:"selected_field"`
	Confidence    float64 `json:"confidence"`
}

// manualDecisionConfidence matches the backend default for operator decisions.
const manualDecisionConfidence = 0.8

// ApplyManualMapping sends destination -> source overrides. Both the map form and the
// backend's list-of-decisions form are sent so either API revision accepts the body.
func (c *Client) ApplyManualMapping(ctx context.Context, executionID string, manual map[string]string) (ApplyMappingResult, error) {
	decisions := make([]mappingDecision, 0, len(manual))
	for dest, src := range manual {
		decisions = append(decisions, mappingDecision{ColumnName: src, SelectedField: dest, Confidence: manualDecisionConfidence})
	}
	body, err := json.Marshal(map[string]any{
		"manual_mappings": manual,
		"mappings":        decisions,
	})
	if err != nil {
		return ApplyMappingResult{}, err
	}
	var out ApplyMappingResult
	err = c.do(ctx, request{
		op:          "mapeo.apply_manual_mapping",
		method:      http.MethodPost,
		url:         c.endpoint("mapeo", executionID, "apply-manual-mapping"),
		body:        bytes.NewReader(body),
		contentType: "application/json",
	}, &out)
	return out, err
}

// MapeoSummary fetches the aggregate statistics of a finished mapeo.
func (c *Client) MapeoSummary(ctx context.Context, executionID string) (MapeoSummary, error) {
	var out MapeoSummary
	err := c.do(ctx, request{op: "mapeo.summary", method: http.MethodGet, url: c.endpoint("mapeo", executionID, "summary")}, &out)
	return out, err
}

// UnmappedFields lists source columns the automatic mapeo left unassigned.
func (c *Client) UnmappedFields(ctx context.Context, executionID string) (UnmappedFields, error) {
	var out UnmappedFields
	err := c.do(ctx, request{op: "mapeo.unmapped_fields", method: http.MethodGet, url: c.endpoint("mapeo", executionID, "unmapped-fields")}, &out)
	if out.UnmappedFields == nil {
		out.UnmappedFields = []UnmappedField{}
	}
	return out, err
}

// ---------- Preview / download ----------

// Preview fetches up to rows sample rows of the current artefact.
func (c *Client) Preview(ctx context.Context, executionID string, rows int) (Preview, error) {
	q := url.Values{}
	if rows > 0 {
		q.Set("rows", strconv.Itoa(rows))
	}
	var out Preview
	err := c.do(ctx, request{op: "preview", method: http.MethodGet, url: c.endpoint("preview", executionID), query: q}, &out)
	if out.Data == nil {
		out.Data = []map[string]any{}
	}
	return out, err
}

// DownloadURL is the browser-navigable URL of a result file.
func (c *Client) DownloadURL(filename string) string {
	return c.endpoint("download", filename)
}

// Download streams a result file into w and returns the bytes written.
func (c *Client) Download(ctx context.Context, filename string, w io.Writer) (int64, error) {
	return c.stream(ctx, "download", c.DownloadURL(filename), w)
}

// MapeoFileTypes are the outputs a finished mapeo can be downloaded as.
var MapeoFileTypes = []string{"header", "detail", "report"}

// ErrUnknownMapeoFile is returned for a mapeo file type outside MapeoFileTypes.
var ErrUnknownMapeoFile = errors.New("unknown mapeo file type")

// ValidMapeoFileType reports whether t names one of MapeoFileTypes.
func ValidMapeoFileType(t string) bool {
	for _, ft := range MapeoFileTypes {
		if t == ft {
			return true
		}
	}
	return false
}

// MapeoFileName is the name the backend gives a mapeo output when serving it.
func MapeoFileName(executionID, fileType string) string {
	if fileType == "report" {
		return "mapeo_report_" + executionID + ".txt"
	}
	return "mapeo_" + fileType + "_" + executionID + ".csv"
}

// MapeoDownloadURL is the browser-navigable URL of a mapeo output.
func (c *Client) MapeoDownloadURL(executionID, fileType string) string {
	return c.endpoint("mapeo", executionID, "download", fileType)
}

// MapeoDownload streams the header, detail or report file produced by the mapeo
// of executionID into w. Applying a manual mapping regenerates these files.
func (c *Client) MapeoDownload(ctx context.Context, executionID, fileType string, w io.Writer) (int64, error) {
	if !ValidMapeoFileType(fileType) {
		return 0, fmt.Errorf("mapeo.download %q: %w (%s)", fileType, ErrUnknownMapeoFile, strings.Join(MapeoFileTypes, ", "))
	}
	return c.stream(ctx, "mapeo.download", c.MapeoDownloadURL(executionID, fileType), w)
}

// stream copies a non-JSON response body into w through the circuit breaker.
func (c *Client) stream(ctx context.Context, op, u string, w io.Writer) (n int64, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveOp(op, time.Since(start), err) }()
	_, err = c.cb.Execute(func() (any, error) {
		return nil, c.send(ctx, request{op: op, method: http.MethodGet, url: u}, func(body io.Reader) error {
			var err error
			n, err = io.Copy(w, body)
			return err
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return n, fmt.Errorf("%s: %w", op, ErrCircuitOpen)
	}
	return n, err
}
