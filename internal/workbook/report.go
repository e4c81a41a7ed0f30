package workbook

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
	"smartaudit/internal/infra/logx"
)

const (
	SheetSummary = "Resumen"
	SheetMapping = "Mapeo"
	SheetPending = "Pendientes"
)

// Run is everything the audit workbook records about one import.
type Run struct {
	GeneratedAt time.Time
	ProjectID   string
	Period      string
	Pair        importer.CoordinatedPair
	Result      *importer.CoordinatedResult
	Mapping     *api.FieldsMapping
	Suggestions map[string][]importer.ColumnSuggestion
}

// Report builds the workbook in memory. Callers Close it or use Write/Save.
func Report(run Run) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		f.Close()
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}
	w := &sheetWriter{f: f, bold: bold}
	w.summary(run)
	if run.Mapping != nil {
		w.mapping(*run.Mapping)
		w.pending(*run.Mapping, run.Suggestions)
	}
	if w.err != nil {
		f.Close()
		return nil, w.err
	}
	return f, nil
}

// Write renders the workbook of run into w.
func Write(run Run, w io.Writer) error {
	f, err := Report(run)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// Save renders the workbook of run to path.
func Save(run Run, path string) error {
	f, err := Report(run)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(path); err != nil {
		return err
	}
	logx.Infof("%s written to %s", run, path)
	return nil
}

// sheetWriter keeps the first error so the builders read linearly.
type sheetWriter struct {
	f    *excelize.File
	bold int
	err  error
}

func (w *sheetWriter) row(sheet string, n int, values ...any) {
	if w.err != nil {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetSheetRow(sheet, cell, &values)
}

func (w *sheetWriter) header(sheet string, values ...any) {
	w.row(sheet, 1, values...)
	if w.err != nil {
		return
	}
	last, err := excelize.CoordinatesToCellName(len(values), 1)
	if err != nil {
		w.err = err
		return
	}
	w.err = w.f.SetCellStyle(sheet, "A1", last, w.bold)
}

func (w *sheetWriter) newSheet(name string) {
	if w.err != nil {
		return
	}
	_, w.err = w.f.NewSheet(name)
}

func (w *sheetWriter) width(sheet, from, to string, width float64) {
	if w.err != nil {
		return
	}
	w.err = w.f.SetColWidth(sheet, from, to, width)
}

func yesNo(b bool) string {
	if b {
		return "Sí"
	}
	return "No"
}

func (w *sheetWriter) summary(run Run) {
	at := run.GeneratedAt
	if at.IsZero() {
		at = time.Now()
	}
	w.header(SheetSummary, "Concepto", "Valor")
	rows := [][]any{
		{"Generado", at.Format(time.RFC3339)},
		{"Proyecto", run.ProjectID},
		{"Periodo", run.Period},
		{"Libro Diario", run.Pair.Ledger},
		{"Sumas y Saldos", run.Pair.TrialBalance},
	}
	if r := run.Result; r != nil {
		rows = append(rows,
			[]any{"Estado", string(r.State)},
			[]any{"Resultado", resultText(*r)},
			[]any{"Libro Diario validado", yesNo(r.Summary.LibroDiarioValidated)},
			[]any{"Libro Diario convertido", yesNo(r.Summary.LibroDiarioConverted)},
			[]any{"Sumas y Saldos correcto", yesNo(r.Summary.SumasSaldosOK)},
		)
		if r.Error != "" {
			rows = append(rows, []any{"Errores", r.Error})
		}
	}
	if m := run.Mapping; m != nil {
		rows = append(rows,
			[]any{"Campos mapeados", m.Summary.MappedFieldsCount},
			[]any{"Campos faltantes", len(m.MissingFields)},
			[]any{"Completitud (%)", m.Summary.CompletenessPercentage},
			[]any{"Completitud crítica (%)", m.Summary.CriticalCompletenessPercentage},
			[]any{"Requiere mapeo manual", yesNo(m.Summary.NeedsManualMapping || len(m.CriticalMissing) > 0)},
		)
	}
	for i, r := range rows {
		w.row(SheetSummary, i+2, r...)
	}
	w.width(SheetSummary, "A", "A", 28)
	w.width(SheetSummary, "B", "B", 60)
}

func resultText(r importer.CoordinatedResult) string {
	switch {
	case r.Success:
		return "Importación completada"
	case r.Partial:
		return "Éxito parcial"
	default:
		return "Fallida"
	}
}

func (w *sheetWriter) mapping(m api.FieldsMapping) {
	w.newSheet(SheetMapping)
	w.header(SheetMapping, "Campo", "Columna origen", "Confianza", "Decisión", "Manual", "Obligatorio")
	fields := make([]string, 0, len(m.MappedFields))
	for k := range m.MappedFields {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for i, name := range fields {
		mf := m.MappedFields[name]
		w.row(SheetMapping, i+2, name, mf.MappedColumn, mf.Confidence, mf.DecisionType, yesNo(mf.IsManual), yesNo(mf.Required))
	}
	w.width(SheetMapping, "A", "B", 26)
	w.width(SheetMapping, "C", "F", 14)
}

func (w *sheetWriter) pending(m api.FieldsMapping, suggestions map[string][]importer.ColumnSuggestion) {
	w.newSheet(SheetPending)
	w.header(SheetPending, "Campo", "Crítico", "Sugerencias")
	for i, name := range m.MissingFields {
		var sug string
		for j, s := range suggestions[name] {
			if j > 0 {
				sug += ", "
			}
			sug += s.Column
		}
		w.row(SheetPending, i+2, name, yesNo(api.IsCriticalField(name)), sug)
	}
	w.width(SheetPending, "A", "A", 26)
	w.width(SheetPending, "C", "C", 50)
}

// String describes run in one line, for logs.
func (r Run) String() string {
	return fmt.Sprintf("report ledger=%s trial_balance=%s", r.Pair.Ledger, r.Pair.TrialBalance)
}
