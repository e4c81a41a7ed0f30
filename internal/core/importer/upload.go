package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"smartaudit/internal/api"
	"smartaudit/internal/infra/logx"
)

var (
	// ErrMissingExecutionID is returned when an upload answer carries no execution id.
	ErrMissingExecutionID = errors.New("upload response has no execution id")
	// ErrUploadFailed is returned when the backend reports a failed background transfer.
	ErrUploadFailed = errors.New("background upload failed")
	// ErrUploadPending is returned when a background transfer outlives the wait timeout.
	ErrUploadPending = errors.New("background upload still running")
)

const (
	TestTypeLibroDiario = "libro_diario"
	TestTypeSumasSaldos = "sumas_saldos"

	trialBalanceSuffix = "-ss"
)

// File is one local file to upload. Size <= 0 means unknown.
type File struct {
	Name    string
	Size    int64
	Content io.Reader
}

// OpenFile opens path for upload. The caller closes the returned file.
func OpenFile(path string) (File, *os.File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, nil, err
	}
	st, err := fh.Stat()
	if err != nil {
		fh.Close()
		return File{}, nil, err
	}
	return File{Name: filepath.Base(path), Size: st.Size(), Content: fh}, fh, nil
}

// UploadResult is a successful upload.
type UploadResult struct {
	ExecutionID string         `json:"execution_id"`
	FileName    string         `json:"file_name"`
	Data        map[string]any `json:"data"`
	// CoordinatedIDMatch is false when a trial balance came back under an id other
	// than {parent}-ss. Always true for ledger uploads.
	CoordinatedIDMatch bool `json:"coordinated_id_match"`
}

// UploadOutcome is the per-file result of a batch upload.
type UploadOutcome struct {
	FileName string
	Result   UploadResult
	Err      error
}

// UploadSetResult is the outcome of uploading a ledger set plus an optional trial balance.
type UploadSetResult struct {
	Pair         CoordinatedPair
	Ledger       UploadResult
	Additional   []UploadOutcome
	TrialBalance *UploadResult
	// TrialBalanceErr is set when the trial balance upload failed; the ledger is still usable.
	TrialBalanceErr error
}

// executionID reads the id under any of the aliases the backend has used.
func executionID(data map[string]any) string {
	for _, k := range []string{"execution_id", "executionId", "id"} {
		switch v := data[k].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func (s *Session) upload(ctx context.Context, f File, meta UploadMeta, parentID string) (UploadResult, error) {
	if err := ValidateMeta(meta); err != nil {
		return UploadResult{}, err
	}
	if err := ValidateFile(f.Name, f.Size, s.opts.MaxFileSize); err != nil {
		return UploadResult{}, err
	}
	logx.Infof("uploading %s (%d bytes) project=%s period=%s type=%s", f.Name, f.Size, meta.ProjectID, meta.Period, meta.TestType)
	data, err := s.api.Upload(ctx, api.UploadRequest{
		FileName:          f.Name,
		Content:           f.Content,
		ProjectID:         meta.ProjectID,
		Period:            meta.Period,
		TestType:          meta.TestType,
		ParentExecutionID: parentID,
	})
	if err != nil {
		return UploadResult{}, fmt.Errorf("upload %s: %w", f.Name, err)
	}
	id := executionID(data)
	if id == "" {
		return UploadResult{}, fmt.Errorf("upload %s: %w", f.Name, ErrMissingExecutionID)
	}
	s.markUploaded(id)
	return UploadResult{ExecutionID: id, FileName: f.Name, Data: data, CoordinatedIDMatch: true}, nil
}

// UploadPrimary uploads the main ledger file.
func (s *Session) UploadPrimary(ctx context.Context, f File, meta UploadMeta) (UploadResult, error) {
	return s.upload(ctx, f, meta, "")
}

// UploadAdditional uploads files one after the other, linked to parentID.
// A failed file does not stop the batch.
func (s *Session) UploadAdditional(ctx context.Context, files []File, parentID string, meta UploadMeta) []UploadOutcome {
	out := make([]UploadOutcome, 0, len(files))
	for _, f := range files {
		res, err := s.upload(ctx, f, meta, parentID)
		if err != nil {
			logx.Warnf("additional upload %s failed: %v", f.Name, err)
		}
		out = append(out, UploadOutcome{FileName: f.Name, Result: res, Err: err})
	}
	return out
}

// UploadSumasSaldos uploads the trial balance linked to parentID. The backend is
// expected to answer with {parentID}-ss; any other id is kept and logged.
func (s *Session) UploadSumasSaldos(ctx context.Context, f File, parentID string, meta UploadMeta) (UploadResult, error) {
	meta.TestType = TestTypeSumasSaldos
	res, err := s.upload(ctx, f, meta, parentID)
	if err != nil {
		return res, err
	}
	if want := parentID + trialBalanceSuffix; res.ExecutionID != want {
		res.CoordinatedIDMatch = false
		logx.ForExecution(res.ExecutionID).WithField("expected", want).Warn("trial balance id does not match its ledger")
	}
	return res, nil
}

// UploadSet uploads the ledger files (the first one is primary) and an optional
// trial balance, and returns the coordinated pair for the later steps.
func (s *Session) UploadSet(ctx context.Context, ledger []File, trialBalance *File, meta UploadMeta) (UploadSetResult, error) {
	if len(ledger) == 0 {
		return UploadSetResult{}, errors.New("no ledger file to upload")
	}
	if meta.TestType == "" {
		meta.TestType = TestTypeLibroDiario
	}
	primary, err := s.UploadPrimary(ctx, ledger[0], meta)
	if err != nil {
		return UploadSetResult{}, err
	}
	out := UploadSetResult{
		Pair:   CoordinatedPair{Ledger: primary.ExecutionID},
		Ledger: primary,
	}
	if len(ledger) > 1 {
		out.Additional = s.UploadAdditional(ctx, ledger[1:], primary.ExecutionID, meta)
	}
	if trialBalance != nil {
		tb, err := s.UploadSumasSaldos(ctx, *trialBalance, primary.ExecutionID, meta)
		if err != nil {
			out.TrialBalanceErr = err
		} else {
			out.TrialBalance = &tb
			out.Pair.TrialBalance = tb.ExecutionID
		}
	}
	return out, nil
}

// UploadInfo is the stored metadata of an upload. Found is false when the backend does not know the id.
type UploadInfo struct {
	ExecutionID string
	Found       bool
	Data        map[string]any
}

func (s *Session) UploadInfo(ctx context.Context, id string) (UploadInfo, error) {
	data, err := s.api.UploadInfo(ctx, id)
	if api.IsNotFound(err) {
		return UploadInfo{ExecutionID: id}, nil
	}
	if err != nil {
		return UploadInfo{ExecutionID: id}, err
	}
	return UploadInfo{ExecutionID: id, Found: true, Data: data}, nil
}

// UploadProgress reports how far a large background upload got.
func (s *Session) UploadProgress(ctx context.Context, id string) (api.UploadProgress, error) {
	return s.api.UploadProgress(ctx, id)
}

// WaitUploaded blocks until the backend finished storing the file of id. Large
// files are moved to storage after the upload request returned; meanwhile the
// progress route reports them, and it answers 404 once the transfer is over or
// when there never was one. The last progress seen is returned.
func (s *Session) WaitUploaded(ctx context.Context, id string, opts PollOptions) (api.UploadProgress, error) {
	opts = s.pollOpts(opts, s.opts.Upload)
	key := cacheKey("poll.upload", id)
	if !s.guard.Acquire(key) {
		return api.UploadProgress{}, fmt.Errorf("upload %s: %w", id, ErrAlreadyPolling)
	}
	defer s.guard.Release(key)

	log := logx.ForExecution(id)
	start := s.clock.Now()
	last := api.UploadProgress{ExecutionID: id}
	for {
		p, err := s.api.UploadProgress(ctx, id)
		switch {
		case api.IsNotFound(err):
			return last, nil
		case err != nil:
			return last, fmt.Errorf("upload progress %s: %w", id, err)
		}
		last = p
		// "failed: <reason>" carries the storage error
		status := strings.TrimSpace(p.Status)
		switch {
		case strings.EqualFold(status, "completed"):
			return last, nil
		case len(status) >= 6 && strings.EqualFold(status[:6], "failed"):
			reason := strings.TrimSpace(strings.TrimPrefix(status[6:], ":"))
			return last, fmt.Errorf("upload %s: %w: %s", id, ErrUploadFailed, reason)
		}
		log.Debugf("background upload %s %.0f%%", p.Status, p.Progress)

		if s.clock.Now().Sub(start) >= opts.Timeout {
			return last, fmt.Errorf("upload %s after %s: %w", id, opts.Timeout, ErrUploadPending)
		}
		if err := s.clock.Sleep(ctx, opts.Interval); err != nil {
			return last, err
		}
	}
}

// AwaitUploadSet waits for both halves of an uploaded pair to be stored, so
// validation does not start on a file still being transferred.
func (s *Session) AwaitUploadSet(ctx context.Context, res UploadSetResult) error {
	for _, id := range []string{res.Pair.Ledger, res.Pair.TrialBalance} {
		if id == "" {
			continue
		}
		if _, err := s.WaitUploaded(ctx, id, PollOptions{}); err != nil {
			return err
		}
	}
	return nil
}
