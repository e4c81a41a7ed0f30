package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
)

var (
	errImportFailed = errors.New("importación fallida")
	errPartial      = errors.New("éxito parcial: revisa los errores por archivo")
)

// emit prints v as indented JSON with --json, otherwise through human.
func (a *app) emit(w io.Writer, v any, human func(io.Writer)) error {
	if a.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

func siNo(b bool) string {
	if b {
		return "sí"
	}
	return "no"
}

// outcomeErr turns a non-successful coordinated result into the command error.
func outcomeErr(res importer.CoordinatedResult) error {
	switch {
	case res.Success:
		return nil
	case res.Partial:
		return errPartial
	default:
		if res.Error != "" {
			return fmt.Errorf("%w: %s", errImportFailed, res.Error)
		}
		return errImportFailed
	}
}

func printUpload(w io.Writer, res importer.UploadSetResult) {
	fmt.Fprintf(w, "Libro Diario subido: %s (%s)\n", res.Ledger.ExecutionID, res.Ledger.FileName)
	for _, o := range res.Additional {
		if o.Err != nil {
			fmt.Fprintf(w, "  %s: error: %v\n", o.FileName, o.Err)
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", o.FileName, o.Result.ExecutionID)
	}
	switch {
	case res.TrialBalanceErr != nil:
		fmt.Fprintf(w, "Sumas y Saldos no subido: %v\n", res.TrialBalanceErr)
	case res.TrialBalance != nil:
		fmt.Fprintf(w, "Sumas y Saldos subido: %s\n", res.TrialBalance.ExecutionID)
		if !res.TrialBalance.CoordinatedIDMatch {
			fmt.Fprintf(w, "  aviso: id distinto del esperado %s-ss\n", res.Ledger.ExecutionID)
		}
	}
}

func printCoordinated(w io.Writer, res importer.CoordinatedResult) {
	switch {
	case res.Success:
		fmt.Fprintln(w, "Importación completada")
	case res.Partial:
		fmt.Fprintln(w, "Éxito parcial")
	default:
		fmt.Fprintln(w, "Importación fallida")
	}
	fmt.Fprintf(w, "  Libro Diario (%s) validado: %s, convertido: %s\n",
		orDash(res.Pair.Ledger), siNo(res.Summary.LibroDiarioValidated), siNo(res.Summary.LibroDiarioConverted))
	fmt.Fprintf(w, "  Sumas y Saldos (%s) correcto: %s\n", orDash(res.Pair.TrialBalance), siNo(res.Summary.SumasSaldosOK))
	if res.Error != "" {
		fmt.Fprintf(w, "  Errores: %s\n", res.Error)
	}
}

func printPoll(w io.Writer, step api.Step, id string, res importer.PollResult) {
	fmt.Fprintf(w, "%s %s: %s tras %d consultas (%s)\n", step, id, res.FinalStatus, res.Attempts, res.Elapsed.Round(time.Millisecond))
	if res.Retries > 0 {
		fmt.Fprintf(w, "  reintentos de red: %d\n", res.Retries)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", res.Error)
	}
}

func printMapping(w io.Writer, fm api.FieldsMapping, suggestions map[string][]importer.ColumnSuggestion) {
	fmt.Fprintf(w, "Mapeo de %s: %d campos mapeados, completitud %.1f%%\n",
		fm.ExecutionID, len(fm.MappedFields), fm.Summary.CompletenessPercentage)
	fields := make([]string, 0, len(fm.MappedFields))
	for f := range fm.MappedFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		mf := fm.MappedFields[f]
		manual := ""
		if mf.IsManual {
			manual = " (manual)"
		}
		fmt.Fprintf(w, "  %-24s <- %s  %.2f%s\n", f, mf.MappedColumn, mf.Confidence, manual)
	}
	if len(fm.MissingFields) > 0 {
		fmt.Fprintln(w, "Campos sin mapear:")
		for _, f := range fm.MissingFields {
			line := "  " + f
			if api.IsCriticalField(f) {
				line += " [crítico]"
			}
			if s := suggestions[f]; len(s) > 0 {
				cols := make([]string, len(s))
				for i, c := range s {
					cols[i] = c.Column
				}
				line += "  sugerencias: " + strings.Join(cols, ", ")
			}
			fmt.Fprintln(w, line)
		}
	}
	if fm.Summary.NeedsManualMapping || len(fm.CriticalMissing) > 0 {
		fmt.Fprintln(w, "Requiere mapeo manual: smartaudit apply-mapping "+fm.ExecutionID+" campo=COLUMNA ...")
	}
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}
