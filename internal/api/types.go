package api

import (
	"encoding/json"
	"io"
)

// Step names a server-side processing stage addressed as /{step}/{executionId}.
type Step string

const (
	StepValidate Step = "validate"
	StepConvert  Step = "convert"
	StepMapeo    Step = "mapeo"
)

// UploadRequest is one multipart upload to /upload.
type UploadRequest struct {
	FileName          string
	Content           io.Reader
	ProjectID         string
	Period            string
	TestType          string
	ParentExecutionID string
}

// UploadProgress mirrors /upload/{id}/progress for large background uploads.
type UploadProgress struct {
	ExecutionID   string  `json:"execution_id"`
	Progress      float64 `json:"progress"`
	UploadedBytes int64   `json:"uploaded_bytes"`
	TotalBytes    int64   `json:"total_bytes"`
	Status        string  `json:"status"`
}

// StatusPayload is a status endpoint answer with the state already normalized.
type StatusPayload struct {
	Status                Status
	Step                  string
	Error                 string
	ManualMappingRequired bool
	Raw                   map[string]any
}

func parseStatusPayload(raw map[string]any) StatusPayload {
	p := StatusPayload{Raw: raw}
	st := stringField(raw, "status")
	if st == "" {
		st = stringField(raw, "state")
	}
	p.Status = ParseStatus(st)
	p.Step = stringField(raw, "step")
	p.Error = stringField(raw, "error")
	if v, ok := raw["manual_mapping_required"].(bool); ok {
		p.ManualMappingRequired = v
	}
	return p
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		b, _ := json.Marshal(v)
		return string(b)
	}
	return ""
}

// MappingSummary is the aggregate block of /mapeo/{id}/fields-mapping.
type MappingSummary struct {
	TotalStandardFields            int     `json:"total_standard_fields"`
	MappedFieldsCount              int     `json:"mapped_fields_count"`
	MissingFieldsCount             int     `json:"missing_fields_count"`
	CompletenessPercentage         float64 `json:"completeness_percentage"`
	CriticalCompletenessPercentage float64 `json:"critical_completeness_percentage"`
	NeedsManualMapping             bool    `json:"needs_manual_mapping"`
}

// MappedField describes which source column feeds a destination field.
type MappedField struct {
	MappedColumn string  `json:"mapped_column"`
	Confidence   float64 `json:"confidence"`
	DecisionType string  `json:"decision_type"`
	IsManual     bool    `json:"is_manual"`
	Required     bool    `json:"required"`
}

// Recommendation is a backend hint on how to complete the mapping.
type Recommendation struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// FieldsMapping is the normalized /mapeo/{id}/fields-mapping answer. Collections are never nil.
type FieldsMapping struct {
	ExecutionID     string                 `json:"execution_id"`
	Summary         MappingSummary         `json:"mapping_summary"`
	MappedFields    map[string]MappedField `json:"mapped_fields"`
	MissingFields   []string               `json:"missing_fields"`
	CriticalMissing []string               `json:"critical_missing"`
	Recommendations []Recommendation       `json:"recommendations"`
}

func (fm *FieldsMapping) normalize() {
	if fm.MappedFields == nil {
		fm.MappedFields = map[string]MappedField{}
	}
	if fm.MissingFields == nil {
		fm.MissingFields = []string{}
	}
	if fm.CriticalMissing == nil {
		fm.CriticalMissing = []string{}
	}
	if fm.Recommendations == nil {
		fm.Recommendations = []Recommendation{}
	}
	for dest, f := range fm.MappedFields {
		f.Required = IsCriticalField(dest)
		if f.Confidence < 0 {
			f.Confidence = 0
		}
		if f.Confidence > 1 {
			f.Confidence = 1
		}
		fm.MappedFields[dest] = f
	}
}

// ApplyMappingResult is the answer of /mapeo/{id}/apply-manual-mapping.
type ApplyMappingResult struct {
	ExecutionID      string            `json:"execution_id"`
	AppliedMappings  int               `json:"applied_mappings"`
	UpdatedDecisions map[string]string `json:"updated_decisions"`
	RegeneratedFiles map[string]string `json:"regenerated_files"`
	Message          string            `json:"message"`
}

// MapeoSummary mirrors /mapeo/{id}/summary.
type MapeoSummary struct {
	ExecutionID           string            `json:"execution_id"`
	TrainerType           string            `json:"trainer_type"`
	Summary               map[string]int    `json:"summary"`
	FilesCreated          map[string]string `json:"files_created"`
	Warning               string            `json:"warning"`
	ManualMappingRequired bool              `json:"manual_mapping_required"`
	UnmappedFieldsCount   int               `json:"unmapped_fields_count"`
}

// FieldSuggestion is a backend-proposed destination for an unmapped column.
type FieldSuggestion struct {
	Field      string  `json:"field"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// UnmappedField is a source column the automatic mapeo could not place.
type UnmappedField struct {
	ColumnName    string            `json:"column_name"`
	SampleData    []string          `json:"sample_data"`
	DataType      string            `json:"data_type"`
	Suggestions   []FieldSuggestion `json:"suggestions"`
	TotalValues   int               `json:"total_values"`
	NonNullValues int               `json:"non_null_values"`
	UniqueValues  int               `json:"unique_values"`
}

// UnmappedFields mirrors /mapeo/{id}/unmapped-fields.
type UnmappedFields struct {
	ExecutionID             string          `json:"execution_id"`
	UnmappedFields          []UnmappedField `json:"unmapped_fields"`
	AvailableStandardFields []string        `json:"available_standard_fields"`
	TotalUnmapped           int             `json:"total_unmapped"`
	Message                 string          `json:"message"`
}

// Preview is a row sample of the current processing artefact.
type Preview struct {
	Data     []map[string]any `json:"data"`
	Metadata map[string]any   `json:"metadata"`
}

// StandardFields is the destination taxonomy the backend maps source columns onto.
var StandardFields = []string{
	"journal_entry_id", "line_number", "description", "line_description",
	"posting_date", "fiscal_year", "period_number", "gl_account_number",
	"amount", "debit_amount", "credit_amount", "debit_credit_indicator",
	"prepared_by", "entry_date", "entry_time", "gl_account_name", "vendor_id",
}

var criticalFields = map[string]bool{
	"journal_entry_id": true,
	"amount":           true,
	"posting_date":     true,
}

// IsCriticalField reports whether a destination field must be mapped for the ledger to be usable.
func IsCriticalField(name string) bool { return criticalFields[name] }
