package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"smartaudit/internal/api"
)

// ErrPreviewNotReady is returned when the ledger conversion has not succeeded in this session.
var ErrPreviewNotReady = errors.New("preview is only available after a successful conversion")

const DefaultPreviewRows = 100

// PreviewResult is a row sample of a converted execution.
type PreviewResult struct {
	ExecutionID string
	Rows        []map[string]any
	Metadata    map[string]any
	Columns     []string
}

// Preview fetches up to rows sample rows of a converted execution.
func (s *Session) Preview(ctx context.Context, id string, rows int) (PreviewResult, error) {
	if !s.Converted(id) {
		return PreviewResult{}, fmt.Errorf("preview %s: %w", id, ErrPreviewNotReady)
	}
	if rows <= 0 {
		rows = DefaultPreviewRows
	}
	p, err := s.api.Preview(ctx, id, rows)
	if err != nil {
		return PreviewResult{}, err
	}
	return PreviewResult{ExecutionID: id, Rows: p.Data, Metadata: p.Metadata, Columns: columnsOf(p.Data)}, nil
}

// columnsOf lists every key seen in rows, sorted.
func columnsOf(rows []map[string]any) []string {
	if len(rows) == 0 {
		return []string{}
	}
	seen := map[string]bool{}
	var cols []string
	for _, r := range rows {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

// RefreshConversion asks the backend whether id was converted, for executions
// processed by an earlier run, and records a success.
func (s *Session) RefreshConversion(ctx context.Context, id string) (bool, error) {
	if s.Converted(id) {
		return true, nil
	}
	rep, err := s.ConversionStatus(ctx, id)
	if err != nil {
		return false, err
	}
	if rep.Status.Succeeded() {
		s.markConverted(id)
		return true, nil
	}
	return false, nil
}

func (s *Session) DownloadURL(filename string) string { return s.api.DownloadURL(filename) }

func (s *Session) Download(ctx context.Context, filename string, w io.Writer) (int64, error) {
	return s.api.Download(ctx, filename, w)
}

// MapeoDownload streams one of the files the mapeo of id produced (see
// api.MapeoFileTypes). Unknown types are rejected without a request.
func (s *Session) MapeoDownload(ctx context.Context, id, fileType string, w io.Writer) (int64, error) {
	if !api.ValidMapeoFileType(fileType) {
		return 0, fmt.Errorf("mapeo %s %q: %w", id, fileType, api.ErrUnknownMapeoFile)
	}
	return s.api.MapeoDownload(ctx, id, fileType, w)
}

func (s *Session) MapeoDownloadURL(id, fileType string) string {
	return s.api.MapeoDownloadURL(id, fileType)
}
