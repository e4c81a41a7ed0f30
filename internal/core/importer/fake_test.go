package importer

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"smartaudit/internal/api"
)

// fakeClock advances instantly on Sleep.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fc.Advance(d)
	return nil
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.slept += d
	fc.mu.Unlock()
}

type statusStep struct {
	status string
	code   int // non-zero: answer with an HTTP error instead
}

// fakeAPI scripts backend answers per step and execution id.
type fakeAPI struct {
	mu sync.Mutex

	uploadResp  []map[string]any
	uploadErr   map[string]error // by file name
	uploads     []api.UploadRequest
	uploaded    map[string]bool // ids known to /upload/{id}/info
	infoErr     error
	statuses    map[string][]statusStep // key step:id, last entry repeats
	statusCalls map[string]int
	starts      map[string]int
	startQuery  []url.Values
	startErr    error

	// progress scripts background upload statuses by id.
	progress      map[string][]string
	progressCalls map[string]int
	// startGate, when set, blocks StartStep until closed.
	startGate    chan struct{}
	startEntered chan struct{}
	// statusGate, when set, blocks StepStatus until closed.
	statusGate    chan struct{}
	statusEntered chan struct{}

	mappingVersion int
	mappingCalls   int
	// mappingGate, when set, blocks FieldsMapping until closed.
	mappingGate    chan struct{}
	mappingEntered chan struct{}
	applied        []map[string]string
	previewCalls   int
	mapeoDownloads []string
	projects       map[string]bool
	projectCalls   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		uploadErr:   map[string]error{},
		uploaded:    map[string]bool{},
		statuses:    map[string][]statusStep{},
		statusCalls: map[string]int{},
		starts:      map[string]int{},

		progress:      map[string][]string{},
		progressCalls: map[string]int{},
		projects:      map[string]bool{},
	}
}

func (f *fakeAPI) script(step api.Step, id string, steps ...statusStep) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[string(step)+":"+id] = steps
}

func (f *fakeAPI) startCount(step api.Step, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[string(step)+":"+id]
}

func (f *fakeAPI) statusCount(step api.Step, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[string(step)+":"+id]
}

func (f *fakeAPI) Upload(_ context.Context, in api.UploadRequest) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, in)
	if err := f.uploadErr[in.FileName]; err != nil {
		return nil, err
	}
	if len(f.uploadResp) == 0 {
		return map[string]any{"message": "ok"}, nil
	}
	r := f.uploadResp[0]
	f.uploadResp = f.uploadResp[1:]
	if id := executionID(r); id != "" {
		f.uploaded[id] = true
	}
	return r, nil
}

func (f *fakeAPI) UploadInfo(_ context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	if !f.uploaded[id] {
		return nil, &api.HTTPError{Op: "upload.info", StatusCode: http.StatusNotFound}
	}
	return map[string]any{"execution_id": id}, nil
}

// UploadProgress walks the scripted statuses of id; past the end, or without a
// script, it answers 404 like a finished transfer.
func (f *fakeAPI) UploadProgress(_ context.Context, id string) (api.UploadProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.progressCalls[id]
	f.progressCalls[id]++
	steps := f.progress[id]
	if n >= len(steps) {
		return api.UploadProgress{}, &api.HTTPError{Op: "upload.progress", StatusCode: http.StatusNotFound}
	}
	return api.UploadProgress{ExecutionID: id, Progress: float64(25 * (n + 1)), Status: steps[n]}, nil
}

func (f *fakeAPI) StartStep(_ context.Context, step api.Step, id string, q url.Values) (map[string]any, error) {
	if f.startEntered != nil {
		f.startEntered <- struct{}{}
	}
	if f.startGate != nil {
		<-f.startGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts[string(step)+":"+id]++
	f.startQuery = append(f.startQuery, q)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return map[string]any{"execution_id": id, "status": "processing", "n": f.starts[string(step)+":"+id]}, nil
}

func (f *fakeAPI) StepStatus(_ context.Context, step api.Step, id string) (api.StatusPayload, error) {
	if f.statusEntered != nil {
		select {
		case f.statusEntered <- struct{}{}:
		default:
		}
	}
	if f.statusGate != nil {
		<-f.statusGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(step) + ":" + id
	n := f.statusCalls[key]
	f.statusCalls[key]++
	steps := f.statuses[key]
	if len(steps) == 0 {
		return api.StatusPayload{}, &api.HTTPError{Op: string(step) + ".status", StatusCode: http.StatusNotFound}
	}
	st := steps[min(n, len(steps)-1)]
	if st.code != 0 {
		return api.StatusPayload{}, &api.HTTPError{Op: string(step) + ".status", StatusCode: st.code, Detail: "scripted"}
	}
	return api.StatusPayload{Status: api.ParseStatus(st.status), Raw: map[string]any{"status": st.status}}, nil
}

func (f *fakeAPI) FieldsMapping(_ context.Context, id string) (api.FieldsMapping, error) {
	f.mu.Lock()
	f.mappingCalls++
	fm := api.FieldsMapping{
		ExecutionID:   id,
		MappedFields:  map[string]api.MappedField{"journal_entry_id": {MappedColumn: "BELNR", Confidence: 0.95, Required: true}},
		MissingFields: []string{"amount", "posting_date"},
	}
	if f.mappingVersion > 0 {
		fm.MappedFields["amount"] = api.MappedField{MappedColumn: "WRBTR", Confidence: 0.8, IsManual: true, Required: true}
		fm.MissingFields = []string{"posting_date"}
	}
	fm.Summary.MappedFieldsCount = len(fm.MappedFields)
	entered, gate := f.mappingEntered, f.mappingGate
	f.mu.Unlock()

	// the answer is read before blocking, like a response already on the wire
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	return fm, nil
}

func (f *fakeAPI) ApplyManualMapping(_ context.Context, id string, manual map[string]string) (api.ApplyMappingResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, manual)
	f.mappingVersion++
	return api.ApplyMappingResult{ExecutionID: id, AppliedMappings: len(manual)}, nil
}

func (f *fakeAPI) MapeoSummary(_ context.Context, id string) (api.MapeoSummary, error) {
	return api.MapeoSummary{ExecutionID: id, Summary: map[string]int{"mapped": 1}}, nil
}

func (f *fakeAPI) UnmappedFields(_ context.Context, id string) (api.UnmappedFields, error) {
	return api.UnmappedFields{ExecutionID: id, UnmappedFields: []api.UnmappedField{{ColumnName: "WRBTR"}}, TotalUnmapped: 1}, nil
}

func (f *fakeAPI) Preview(_ context.Context, id string, rows int) (api.Preview, error) {
	f.mu.Lock()
	f.previewCalls++
	f.mu.Unlock()
	return api.Preview{Data: []map[string]any{{"BELNR": "1", "WRBTR": 10.5}}, Metadata: map[string]any{"rows": rows}}, nil
}

func (f *fakeAPI) DownloadURL(filename string) string {
	return "http://smartaudit.local/smau-proto/api/import/download/" + url.PathEscape(filename)
}

func (f *fakeAPI) Download(_ context.Context, _ string, w io.Writer) (int64, error) {
	n, err := io.WriteString(w, "ok")
	return int64(n), err
}

func (f *fakeAPI) MapeoDownloadURL(id, fileType string) string {
	return "http://smartaudit.local/smau-proto/api/import/mapeo/" + id + "/download/" + fileType
}

func (f *fakeAPI) MapeoDownload(_ context.Context, id, fileType string, w io.Writer) (int64, error) {
	f.mu.Lock()
	f.mapeoDownloads = append(f.mapeoDownloads, id+"/"+fileType)
	f.mu.Unlock()
	n, err := io.WriteString(w, fileType+" of "+id)
	return int64(n), err
}

func (f *fakeAPI) Project(_ context.Context, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectCalls++
	if !f.projects[id] {
		return nil, &api.HTTPError{Op: "project", StatusCode: http.StatusNotFound, Detail: "Project with ID '" + id + "' not found"}
	}
	return map[string]any{"id": id, "name": "Proyecto " + id}, nil
}

func newTestSession(f *fakeAPI, fc *fakeClock) *Session {
	return NewSession(f, Options{
		Clock:      fc,
		Validation: PollOptions{Interval: 10 * time.Millisecond, Timeout: time.Second},
		Conversion: PollOptions{Interval: 10 * time.Millisecond, Timeout: time.Second},
		Mapeo:      PollOptions{Interval: 10 * time.Millisecond, Timeout: time.Second},
	})
}

var _ ImportAPI = (*api.Client)(nil)
