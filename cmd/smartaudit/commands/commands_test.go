package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"smartaudit/internal/config"
	"smartaudit/internal/core/importer"
)

const prefix = "/smau-proto/api/import"

// backend fakes the import API for one ledger e1 without trial balance.
type backend struct {
	requests atomic.Int32
	uploads  atomic.Int32
	starts   atomic.Int32

	mu sync.Mutex
	// progress is served by /upload/e1/progress, one status per call, then 404.
	progress []string
	// files are the mapeo outputs served by /mapeo/e1/download/{type}.
	files map[string]string
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST "+prefix+"/upload", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.uploads.Add(1)
		reply(w, map[string]any{"execution_id": "e1", "file_name": r.MultipartForm.File["file"][0].Filename})
	})
	mux.HandleFunc("GET "+prefix+"/upload/{id}/info", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "e1" {
			w.WriteHeader(http.StatusNotFound)
			reply(w, map[string]any{"detail": "not found"})
			return
		}
		reply(w, map[string]any{"execution_id": "e1", "file_name": "BKPF.csv"})
	})
	mux.HandleFunc("GET "+prefix+"/upload/{id}/progress", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r.PathValue("id") != "e1" || len(b.progress) == 0 {
			w.WriteHeader(http.StatusNotFound)
			reply(w, map[string]any{"detail": "Upload not found or already completed"})
			return
		}
		st := b.progress[0]
		b.progress = b.progress[1:]
		reply(w, map[string]any{"execution_id": "e1", "progress": 50, "status": st})
	})
	mux.HandleFunc("GET "+prefix+"/mapeo/{id}/download/{type}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		body, ok := b.files[r.PathValue("type")]
		b.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			reply(w, map[string]any{"detail": "file not found"})
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("GET /smau-proto/api/projects/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "p1" {
			w.WriteHeader(http.StatusNotFound)
			reply(w, map[string]any{"detail": "Project with ID '" + r.PathValue("id") + "' not found"})
			return
		}
		reply(w, map[string]any{"success": true, "project": map[string]any{"id": "p1"}})
	})
	mux.HandleFunc("POST "+prefix+"/{step}/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.starts.Add(1)
		reply(w, map[string]any{"execution_id": r.PathValue("id"), "status": "processing"})
	})
	mux.HandleFunc("GET "+prefix+"/{step}/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"validate": "validated", "convert": "converted", "mapeo": "mapeo_completed"}[r.PathValue("step")]
		reply(w, map[string]any{"status": status})
	})
	mux.HandleFunc("GET "+prefix+"/mapeo/{id}/fields-mapping", func(w http.ResponseWriter, r *http.Request) {
		reply(w, map[string]any{
			"execution_id":     r.PathValue("id"),
			"mapped_fields":    map[string]any{"journal_entry_id": map[string]any{"mapped_column": "BELNR", "confidence": 0.9}},
			"missing_fields":   []string{"posting_date"},
			"critical_missing": []string{"posting_date"},
		})
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		mux.ServeHTTP(w, r)
	})
}

func newTestApp(t *testing.T, token string) (*app, *backend) {
	t.Helper()
	b := &backend{}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	t.Setenv(config.KeyToken, "")
	t.Setenv("SMARTAUDIT_RPS", "1000")
	rc := filepath.Join(t.TempDir(), ".smartauditrc")
	var lines []string
	if token != "" {
		lines = append(lines, config.KeyToken+"="+token)
	}
	lines = append(lines,
		config.KeyBaseURL+"="+srv.URL,
		config.KeyPollInterval+"=5ms",
	)
	if err := os.WriteFile(rc, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	return &app{rcPath: rc, newClient: defaultClient}, b
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	// registering the flags resets a.rcPath to its default
	rc := a.rcPath
	root := newRootCmd(a)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", rc}, args...))
	err := root.Execute()
	a.close()
	return out.String(), err
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"amount=WRBTR", " posting_date = BUDAT "})
	if err != nil {
		t.Fatal(err)
	}
	if got["amount"] != "WRBTR" || got["posting_date"] != "BUDAT" {
		t.Fatalf("unexpected %v", got)
	}
	for _, bad := range [][]string{{"amount"}, {"=WRBTR"}, {"amount="}, {"amount=A", "amount=B"}} {
		if _, err := parseAssignments(bad); err == nil {
			t.Errorf("%v: expected error", bad)
		}
	}
}

func TestOutcomeErr(t *testing.T) {
	if err := outcomeErr(importer.CoordinatedResult{Success: true}); err != nil {
		t.Fatalf("success: %v", err)
	}
	if err := outcomeErr(importer.CoordinatedResult{Partial: true}); !errors.Is(err, errPartial) {
		t.Fatalf("partial: %v", err)
	}
	err := outcomeErr(importer.CoordinatedResult{Error: "Libro Diario: validación fallida"})
	if !errors.Is(err, errImportFailed) || !strings.Contains(err.Error(), "validación fallida") {
		t.Fatalf("failed: %v", err)
	}
}

func TestMissingToken(t *testing.T) {
	a, b := newTestApp(t, "")
	_, err := execute(t, a, "validate", "e1")
	if !errors.Is(err, errNoToken) {
		t.Fatalf("expected errNoToken, got %v", err)
	}
	if b.requests.Load() != 0 {
		t.Fatalf("no request expected without token")
	}
}

func TestValidateCommand(t *testing.T) {
	a, _ := newTestApp(t, "tok")
	out, err := execute(t, a, "validate", "e1")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	for _, want := range []string{"validating-ledger e1", "converting-ledger e1", "Importación completada", "convertido: sí"} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%s", want, out)
		}
	}
}

func TestValidateCommandJSON(t *testing.T) {
	a, _ := newTestApp(t, "tok")
	out, err := execute(t, a, "--json", "validate", "e1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var res importer.CoordinatedResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("not JSON: %v\n%s", err, out)
	}
	if !res.Success || res.TrialBalance.Attempted || res.State != importer.StateCompleted {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestApplyMappingRejectedLocally(t *testing.T) {
	a, b := newTestApp(t, "tok")
	_, err := execute(t, a, "apply-mapping", "e1", "amount=WRBTR", "debit_amount=WRBTR")
	if !errors.Is(err, importer.ErrInvalidManualMapping) {
		t.Fatalf("expected ErrInvalidManualMapping, got %v", err)
	}
	if b.requests.Load() != 0 {
		t.Fatalf("invalid mapping must not reach the backend")
	}
}

func TestStatusUnknownStep(t *testing.T) {
	a, _ := newTestApp(t, "tok")
	if _, err := execute(t, a, "status", "train", "e1"); err == nil || !strings.Contains(err.Error(), "paso desconocido") {
		t.Fatalf("expected unknown step error, got %v", err)
	}
}

func TestStatusWait(t *testing.T) {
	a, _ := newTestApp(t, "tok")
	out, err := execute(t, a, "status", "convert", "e1", "--start", "--wait")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "convert e1 lanzado") || !strings.Contains(out, "convert e1: converted") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRunPlainEndToEnd(t *testing.T) {
	a, b := newTestApp(t, "tok")
	dir := t.TempDir()
	ledger := filepath.Join(dir, "BKPF.csv")
	if err := os.WriteFile(ledger, []byte("BELNR;BUDAT;WRBTR\n1;2024-01-31;10,5\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	report := filepath.Join(dir, "informe.xlsx")

	out, err := execute(t, a, "run", ledger, "--plain", "--project", "p1", "--period", "2024", "--report", report)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if b.uploads.Load() != 1 {
		t.Fatalf("expected one upload, got %d", b.uploads.Load())
	}
	for _, want := range []string{
		"Libro Diario subido: e1 (BKPF.csv)",
		"Importación completada",
		"journal_entry_id",
		"posting_date [crítico]  sugerencias: BUDAT",
		"Informe guardado en " + report,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("report not written: %v", err)
	}
}

func TestRunRejectsBadMetaBeforeUpload(t *testing.T) {
	a, b := newTestApp(t, "tok")
	ledger := filepath.Join(t.TempDir(), "BKPF.csv")
	if err := os.WriteFile(ledger, []byte("A;B\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, a, "run", ledger, "--plain", "--project", "p1", "--period", "24")
	var verr *importer.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if b.requests.Load() != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestRunStopsOnFailedBackgroundUpload(t *testing.T) {
	a, b := newTestApp(t, "tok")
	b.progress = []string{"uploading", "failed: storage unavailable"}
	ledger := filepath.Join(t.TempDir(), "BKPF.csv")
	if err := os.WriteFile(ledger, []byte("BELNR;WRBTR\n1;2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, a, "run", ledger, "--plain", "--project", "p1", "--period", "2024")
	if !errors.Is(err, importer.ErrUploadFailed) || !strings.Contains(err.Error(), "storage unavailable") {
		t.Fatalf("expected ErrUploadFailed, got %v", err)
	}
	if b.starts.Load() != 0 {
		t.Fatalf("validation started before the file was stored: %d starts", b.starts.Load())
	}
}

func TestDownloadMapeoOutput(t *testing.T) {
	a, b := newTestApp(t, "tok")
	b.files = map[string]string{"detail": "field;column\namount;WRBTR\n"}
	dst := filepath.Join(t.TempDir(), "detail.csv")

	out, err := execute(t, a, "download", "--mapeo", "e1", "--type", "detail", "-o", dst)
	if err != nil {
		t.Fatalf("download: %v\n%s", err, out)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != b.files["detail"] {
		t.Fatalf("unexpected content %q", got)
	}

	out, err = execute(t, a, "download", "--mapeo", "e1", "--type", "report", "--url")
	if err != nil || !strings.HasSuffix(strings.TrimSpace(out), prefix+"/mapeo/e1/download/report") {
		t.Fatalf("url: %v %q", err, out)
	}

	requests := b.requests.Load()
	if _, err := execute(t, a, "download", "--mapeo", "e1", "--type", "summary"); err == nil {
		t.Fatal("expected unknown type to be rejected")
	}
	if _, err := execute(t, a, "download"); err == nil {
		t.Fatal("expected missing target to be rejected")
	}
	if b.requests.Load() != requests {
		t.Fatal("rejected downloads reached the backend")
	}

	missing := filepath.Join(t.TempDir(), "report.txt")
	if _, err := execute(t, a, "download", "--mapeo", "e1", "--type", "report", "-o", missing); err == nil {
		t.Fatal("expected 404 for a missing report")
	}
	if _, err := os.Stat(missing); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind: %v", err)
	}
}

func TestRunCheckProjectStopsBeforeUpload(t *testing.T) {
	a, b := newTestApp(t, "tok")
	ledger := filepath.Join(t.TempDir(), "BKPF.csv")
	if err := os.WriteFile(ledger, []byte("BELNR;WRBTR\n1;2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, a, "run", ledger, "--plain", "--check-project", "--project", "p404", "--period", "2024")
	if !errors.Is(err, importer.ErrUnknownProject) {
		t.Fatalf("expected ErrUnknownProject, got %v", err)
	}
	if b.uploads.Load() != 0 {
		t.Fatalf("uploaded %d files for an unknown project", b.uploads.Load())
	}

	out, err := execute(t, a, "upload", ledger, "--check-project", "--project", "p1", "--period", "2024")
	if err != nil {
		t.Fatalf("upload with known project: %v\n%s", err, out)
	}
	if b.uploads.Load() != 1 {
		t.Fatalf("uploads = %d, want 1", b.uploads.Load())
	}
}
