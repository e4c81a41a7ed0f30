package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
	"smartaudit/internal/workbook"
)

type mapeoOutcome struct {
	Poll        *importer.PollResult                   `json:"poll,omitempty"`
	Mapping     *api.FieldsMapping                     `json:"mapping,omitempty"`
	Summary     *api.MapeoSummary                      `json:"summary,omitempty"`
	Unmapped    *api.UnmappedFields                    `json:"unmapped,omitempty"`
	Suggestions map[string][]importer.ColumnSuggestion `json:"suggestions,omitempty"`
}

func newMapeoCommand(a *app) *cobra.Command {
	var (
		erpHint  string
		columns  string
		detailed bool
	)

	cmd := &cobra.Command{
		Use:   "mapeo ID",
		Args:  cobra.ExactArgs(1),
		Short: "Lanza el mapeo automático de campos y muestra el resultado",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			ctx, id := cmd.Context(), args[0]
			if erpHint == "" {
				erpHint = a.cfg.ERPHint
			}
			run, err := sess.RunMapeo(ctx, id, erpHint, importer.PollOptions{})
			if err != nil {
				return err
			}
			out := mapeoOutcome{Poll: &run.Poll, Mapping: run.Mapping}
			if detailed && run.Mapping != nil {
				sum, err := sess.MapeoSummary(ctx, id)
				if err != nil {
					return err
				}
				unmapped, err := sess.UnmappedFields(ctx, id)
				if err != nil {
					return err
				}
				out.Summary, out.Unmapped = &sum, &unmapped
			}
			if columns != "" && run.Mapping != nil {
				header, err := workbook.Header(columns)
				if err != nil {
					return err
				}
				out.Suggestions = importer.SuggestColumns(*run.Mapping, header, 3)
			}

			if err := a.emit(cmd.OutOrStdout(), out, func(w io.Writer) { printMapeo(w, id, out) }); err != nil {
				return err
			}
			if !run.Poll.Success {
				return fmt.Errorf("mapeo %s: %s", id, run.Poll.FinalStatus)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&erpHint, "erp-hint", "", "sistema de origen (SAP, Oracle, ...)")
	cmd.Flags().StringVar(&columns, "columns", "", "fichero local del que leer la cabecera para sugerir columnas")
	cmd.Flags().BoolVar(&detailed, "detail", false, "incluye resumen y columnas sin asignar")
	return cmd
}

func printMapeo(w io.Writer, id string, out mapeoOutcome) {
	if out.Poll != nil {
		printPoll(w, api.StepMapeo, id, *out.Poll)
	}
	if out.Mapping != nil {
		printMapping(w, *out.Mapping, out.Suggestions)
	}
	if s := out.Summary; s != nil && len(s.Summary) > 0 {
		keys := make([]string, 0, len(s.Summary))
		for k := range s.Summary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "Resumen:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %d\n", k, s.Summary[k])
		}
	}
	if u := out.Unmapped; u != nil && u.TotalUnmapped > 0 {
		cols := make([]string, len(u.UnmappedFields))
		for i, f := range u.UnmappedFields {
			cols[i] = f.ColumnName
		}
		fmt.Fprintf(w, "Columnas sin asignar (%d): %s\n", u.TotalUnmapped, strings.Join(cols, ", "))
	}
}

// parseAssignments reads campo=COLUMNA arguments.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		field, column, ok := strings.Cut(arg, "=")
		field, column = strings.TrimSpace(field), strings.TrimSpace(column)
		if !ok || field == "" || column == "" {
			return nil, fmt.Errorf("asignación inválida %q: usa campo=COLUMNA", arg)
		}
		if _, dup := out[field]; dup {
			return nil, fmt.Errorf("el campo %q aparece dos veces", field)
		}
		out[field] = column
	}
	return out, nil
}

func newApplyMappingCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply-mapping ID campo=COLUMNA...",
		Args:  cobra.MinimumNArgs(2),
		Short: "Aplica asignaciones manuales de columnas a campos",
		RunE: func(cmd *cobra.Command, args []string) error {
			manual, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			ctx, id := cmd.Context(), args[0]
			res, err := sess.ApplyManualMapping(ctx, id, manual)
			if err != nil {
				return err
			}
			fm, err := sess.FieldsMapping(ctx, id)
			if err != nil {
				return err
			}
			out := struct {
				Applied api.ApplyMappingResult `json:"applied"`
				Mapping api.FieldsMapping      `json:"mapping"`
			}{res, fm}
			return a.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "%d asignaciones aplicadas a %s\n", res.AppliedMappings, id)
				printMapping(w, fm, nil)
			})
		},
	}
}

func newSuggestCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "suggest ID FICHERO",
		Args:  cobra.ExactArgs(2),
		Short: "Propone columnas del fichero para los campos sin mapear",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			fm, err := sess.FieldsMapping(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			header, err := workbook.Header(args[1])
			if err != nil {
				return err
			}
			sug := importer.SuggestColumns(fm, header, limit)
			return a.emit(cmd.OutOrStdout(), sug, func(w io.Writer) {
				if len(fm.MissingFields) == 0 {
					fmt.Fprintln(w, "No hay campos sin mapear")
					return
				}
				printMapping(w, fm, sug)
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 3, "sugerencias por campo")
	return cmd
}
