package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
)

// previewCellWidth truncates long values so the table fits a terminal.
const previewCellWidth = 24

func newPreviewCommand(a *app) *cobra.Command {
	var rows int

	cmd := &cobra.Command{
		Use:   "preview ID",
		Args:  cobra.ExactArgs(1),
		Short: "Muestra las primeras filas del Libro Diario convertido",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			ctx, id := cmd.Context(), args[0]
			if _, err := sess.RefreshConversion(ctx, id); err != nil {
				return err
			}
			res, err := sess.Preview(ctx, id, rows)
			if errors.Is(err, importer.ErrPreviewNotReady) {
				return fmt.Errorf("%s todavía no está convertido: ejecuta 'smartaudit validate %s'", id, id)
			}
			if err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), res, func(w io.Writer) { printPreview(w, res) })
		},
	}

	cmd.Flags().IntVarP(&rows, "rows", "n", 20, "número de filas")
	return cmd
}

func printPreview(w io.Writer, res importer.PreviewResult) {
	if len(res.Rows) == 0 {
		fmt.Fprintf(w, "%s: sin filas\n", res.ExecutionID)
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dividerStyle).
		Headers(res.Columns...)
	for _, row := range res.Rows {
		cells := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			cells[i] = cell(row[c])
		}
		t.Row(cells...)
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintf(w, "%d filas de %s\n", len(res.Rows), res.ExecutionID)
}

var dividerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

func cell(v any) string {
	if v == nil {
		return ""
	}
	s := fmt.Sprint(v)
	if r := []rune(s); len(r) > previewCellWidth {
		return string(r[:previewCellWidth-1]) + "…"
	}
	return s
}

func newDownloadCommand(a *app) *cobra.Command {
	var (
		out      string
		urlOnly  bool
		mapeoID  string
		fileType string
	)

	cmd := &cobra.Command{
		Use:   "download [FICHERO]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Descarga un fichero generado por el backend o un resultado del mapeo",
		Example: `  smartaudit download exec-1_libro_diario.csv
  smartaudit download --mapeo exec-1 --type detail`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (mapeoID == "") == (len(args) == 0) {
				return errors.New("indica un FICHERO o --mapeo ID, no ambos")
			}
			if mapeoID != "" && !api.ValidMapeoFileType(fileType) {
				return fmt.Errorf("tipo %q no válido: usa %s", fileType, strings.Join(api.MapeoFileTypes, ", "))
			}
			sess, err := a.importSession()
			if err != nil {
				return err
			}

			var (
				link  string
				name  string
				fetch func(io.Writer) (int64, error)
			)
			if mapeoID != "" {
				link, name = sess.MapeoDownloadURL(mapeoID, fileType), api.MapeoFileName(mapeoID, fileType)
				fetch = func(w io.Writer) (int64, error) { return sess.MapeoDownload(cmd.Context(), mapeoID, fileType, w) }
			} else {
				link, name = sess.DownloadURL(args[0]), filepath.Base(args[0])
				fetch = func(w io.Writer) (int64, error) { return sess.Download(cmd.Context(), args[0], w) }
			}
			if urlOnly {
				fmt.Fprintln(cmd.OutOrStdout(), link)
				return nil
			}
			if out == "" {
				out = name
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			n, err := fetch(f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(out)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", out, n)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "", "ruta de destino")
	cmd.Flags().BoolVar(&urlOnly, "url", false, "solo imprime la URL de descarga")
	cmd.Flags().StringVar(&mapeoID, "mapeo", "", "descarga un resultado del mapeo de esta ejecución")
	cmd.Flags().StringVar(&fileType, "type", "detail", "resultado del mapeo: "+strings.Join(api.MapeoFileTypes, ", "))
	return cmd
}
