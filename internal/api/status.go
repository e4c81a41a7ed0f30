package api

import "strings"

// Status is the server-reported state of an execution step, normalized to lowercase.
type Status string

const (
	StatusUnknown               Status = "unknown"
	StatusPending               Status = "pending"
	StatusProcessing            Status = "processing"
	StatusSuccess               Status = "success"
	StatusCompleted             Status = "completed"
	StatusValidated             Status = "validated"
	StatusConverted             Status = "converted"
	StatusMapeoCompleted        Status = "mapeo_completed"
	StatusManualMappingRequired Status = "manual_mapping_required"
	StatusError                 Status = "error"
	StatusFailed                Status = "failed"

	// StatusTimeout is never sent by the server; pollers report it when they give up.
	StatusTimeout Status = "timeout"
)

// ParseStatus normalizes a raw status string. Unrecognized values keep their
// lowercase text so they are still visible in logs, and are treated as non-terminal.
func ParseStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return StatusUnknown
	}
	return Status(s)
}

// Terminal reports whether polling should stop on this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusCompleted, StatusValidated, StatusConverted,
		StatusMapeoCompleted, StatusManualMappingRequired,
		StatusError, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Failed reports whether the status is a failing terminal state.
func (s Status) Failed() bool {
	return s == StatusError || s == StatusFailed || s == StatusTimeout
}

// Succeeded reports whether the status is a successful terminal state.
func (s Status) Succeeded() bool { return s.Terminal() && !s.Failed() }

func (s Status) String() string { return string(s) }
