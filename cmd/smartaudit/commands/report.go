package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"smartaudit/internal/core/importer"
	"smartaudit/internal/workbook"
)

func newReportCommand(a *app) *cobra.Command {
	var (
		out      string
		columns  string
		validate bool
	)

	cmd := &cobra.Command{
		Use:   "report ID",
		Args:  cobra.ExactArgs(1),
		Short: "Genera un informe .xlsx con el estado y el mapeo de una importación",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			run := workbook.Run{
				GeneratedAt: time.Now(),
				ProjectID:   a.cfg.ProjectID,
				Period:      a.cfg.Period,
				Pair:        importer.PairFor(args[0]),
			}
			if validate {
				res := sess.ValidateCoordinated(ctx, run.Pair, importer.CoordinatedOptions{})
				run.Result = &res
			}
			fm, err := sess.FieldsMapping(ctx, run.Pair.Ledger)
			if err != nil {
				return err
			}
			run.Mapping = &fm
			if columns != "" {
				header, err := workbook.Header(columns)
				if err != nil {
					return err
				}
				run.Suggestions = importer.SuggestColumns(fm, header, 3)
			}
			if out == "" {
				out = run.Pair.Ledger + ".xlsx"
			}
			if err := workbook.Save(run, out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Informe guardado en %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "ruta del informe (por defecto ID.xlsx)")
	cmd.Flags().StringVar(&columns, "columns", "", "fichero local del que leer la cabecera para sugerir columnas")
	cmd.Flags().BoolVar(&validate, "validate", false, "incluye el resultado de la validación coordinada")
	return cmd
}
