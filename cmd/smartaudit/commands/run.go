package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
	"smartaudit/internal/infra/logx"
	"smartaudit/internal/ui"
	"smartaudit/internal/workbook"
)

// metaFlags are the upload metadata flags shared by run and upload.
type metaFlags struct {
	projectID    string
	period       string
	testType     string
	checkProject bool
}

func (f *metaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.projectID, "project", "", "identificador del proyecto")
	cmd.Flags().StringVar(&f.period, "period", "", "periodo auditado (AAAA o AAAA-MM)")
	cmd.Flags().StringVar(&f.testType, "test-type", "", "libro_diario o sumas_saldos")
	cmd.Flags().BoolVar(&f.checkProject, "check-project", false, "comprueba que el proyecto existe antes de subir")
}

// verify looks the project up before any upload when --check-project is set.
func (f metaFlags) verify(ctx context.Context, sess *importer.Session, m importer.UploadMeta) error {
	if !f.checkProject {
		return nil
	}
	return sess.CheckProject(ctx, m.ProjectID)
}

func (a *app) meta(f metaFlags) importer.UploadMeta {
	m := importer.UploadMeta{ProjectID: a.cfg.ProjectID, Period: a.cfg.Period, TestType: a.cfg.TestType}
	if f.projectID != "" {
		m.ProjectID = f.projectID
	}
	if f.period != "" {
		m.Period = f.period
	}
	if f.testType != "" {
		m.TestType = f.testType
	}
	return m
}

// openFiles opens every path for upload. The returned func closes them all.
func openFiles(paths []string) ([]importer.File, func(), error) {
	var handles []*os.File
	closeAll := func() {
		for _, h := range handles {
			h.Close()
		}
	}
	files := make([]importer.File, 0, len(paths))
	for _, p := range paths {
		f, h, err := importer.OpenFile(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		handles = append(handles, h)
		files = append(files, f)
	}
	return files, closeAll, nil
}

type runFlags struct {
	meta         metaFlags
	trialBalance string
	erpHint      string
	noMapeo      bool
	report       string
	concurrent   bool
	plain        bool
}

// runOutcome is what one import produced, for printing and the report.
// Suggestions proposes source columns for fields the mapeo left empty.
type runOutcome struct {
	Upload      *importer.UploadSetResult              `json:"upload,omitempty"`
	Result      *importer.CoordinatedResult            `json:"result,omitempty"`
	Mapping     *api.FieldsMapping                     `json:"mapping,omitempty"`
	Suggestions map[string][]importer.ColumnSuggestion `json:"suggestions,omitempty"`
	Report      string                                 `json:"report,omitempty"`
}

func newRunCommand(a *app) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run LIBRO_DIARIO [ARCHIVO...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "Sube, valida, convierte y mapea una importación completa",
		Long: `Sube el Libro Diario (y opcionalmente Sumas y Saldos), valida y convierte
el Libro Diario, valida Sumas y Saldos y lanza el mapeo de campos.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), args, f)
		},
	}

	f.meta.register(cmd)
	cmd.Flags().StringVarP(&f.trialBalance, "trial-balance", "t", "", "fichero de Sumas y Saldos")
	cmd.Flags().StringVar(&f.erpHint, "erp-hint", "", "sistema de origen (SAP, Oracle, ...)")
	cmd.Flags().BoolVar(&f.noMapeo, "no-mapeo", false, "no lanzar el mapeo de campos")
	cmd.Flags().StringVarP(&f.report, "report", "o", "", "guarda un informe .xlsx en esta ruta")
	cmd.Flags().BoolVar(&f.concurrent, "concurrent", false, "valida Libro Diario y Sumas y Saldos en paralelo")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "sin interfaz interactiva")
	return cmd
}

func (a *app) run(ctx context.Context, w io.Writer, ledgerPaths []string, f runFlags) error {
	sess, err := a.importSession()
	if err != nil {
		return err
	}
	meta := a.meta(f.meta)
	if err := importer.ValidateMeta(meta); err != nil {
		return err
	}
	if err := f.meta.verify(ctx, sess, meta); err != nil {
		return err
	}
	ledger, closeLedger, err := openFiles(ledgerPaths)
	if err != nil {
		return err
	}
	defer closeLedger()
	var tb *importer.File
	if f.trialBalance != "" {
		files, closeTB, err := openFiles([]string{f.trialBalance})
		if err != nil {
			return err
		}
		defer closeTB()
		tb = &files[0]
	}
	erpHint := f.erpHint
	if erpHint == "" {
		erpHint = a.cfg.ERPHint
	}

	pipe := ui.Pipeline{
		Upload: func(ctx context.Context) (importer.UploadSetResult, error) {
			up, err := sess.UploadSet(ctx, ledger, tb, meta)
			if err != nil {
				return up, err
			}
			return up, sess.AwaitUploadSet(ctx, up)
		},
		Validate: func(ctx context.Context, pair importer.CoordinatedPair, on func(importer.State, string)) importer.CoordinatedResult {
			return sess.ValidateCoordinated(ctx, pair, importer.CoordinatedOptions{Concurrent: f.concurrent, OnState: on})
		},
	}
	if !f.noMapeo {
		pipe.Mapeo = func(ctx context.Context, id string) (*api.FieldsMapping, error) {
			out, err := sess.RunMapeo(ctx, id, erpHint, importer.PollOptions{})
			if err != nil {
				return nil, err
			}
			if !out.Poll.Success {
				return nil, fmt.Errorf("mapeo %s: %s", out.Poll.FinalStatus, out.Poll.Error)
			}
			return out.Mapping, nil
		}
	}

	var out runOutcome
	if f.plain || a.asJSON || !isatty.IsTerminal(os.Stdout.Fd()) {
		out, err = runPlain(ctx, w, pipe, !a.asJSON)
	} else {
		out, err = a.runInteractive(ctx, w, pipe)
	}
	if err != nil {
		return err
	}

	if out.Mapping != nil && len(out.Mapping.MissingFields) > 0 {
		if header, err := workbook.Header(ledgerPaths[0]); err != nil {
			logx.Warnf("no header for suggestions: %v", err)
		} else {
			out.Suggestions = importer.SuggestColumns(*out.Mapping, header, 3)
		}
	}
	if f.report != "" && out.Result != nil {
		run := workbook.Run{
			GeneratedAt: time.Now(),
			ProjectID:   meta.ProjectID,
			Period:      meta.Period,
			Pair:        out.Result.Pair,
			Result:      out.Result,
			Mapping:     out.Mapping,
			Suggestions: out.Suggestions,
		}
		if err := workbook.Save(run, f.report); err != nil {
			return fmt.Errorf("informe: %w", err)
		}
		out.Report = f.report
	}

	err = a.emit(w, out, func(w io.Writer) {
		if out.Upload != nil {
			printUpload(w, *out.Upload)
		}
		if out.Result != nil {
			printCoordinated(w, *out.Result)
		}
		if out.Mapping != nil {
			printMapping(w, *out.Mapping, out.Suggestions)
		}
		if out.Report != "" {
			fmt.Fprintf(w, "Informe guardado en %s\n", out.Report)
		}
	})
	if err != nil {
		return err
	}
	if out.Result == nil {
		return errImportFailed
	}
	return outcomeErr(*out.Result)
}

func (a *app) runInteractive(ctx context.Context, w io.Writer, pipe ui.Pipeline) (runOutcome, error) {
	a.quiet()
	final, err := tea.NewProgram(ui.New(ctx, pipe), tea.WithContext(ctx), tea.WithOutput(w)).Run()
	if err != nil {
		return runOutcome{}, err
	}
	m, ok := final.(ui.Model)
	if !ok {
		return runOutcome{}, fmt.Errorf("unexpected model %T", final)
	}
	if m.Aborted() {
		return runOutcome{}, context.Canceled
	}
	if m.Err() != nil {
		return runOutcome{}, m.Err()
	}
	return runOutcome{Upload: m.Uploaded(), Result: m.Result(), Mapping: m.Mapping()}, nil
}

// runPlain runs the same pipeline line by line, for pipes and CI logs.
func runPlain(ctx context.Context, w io.Writer, pipe ui.Pipeline, progress bool) (runOutcome, error) {
	var out runOutcome
	pair := pipe.Pair
	if pipe.Upload != nil {
		up, err := pipe.Upload(ctx)
		if err != nil {
			return out, err
		}
		out.Upload = &up
		pair = up.Pair
	}
	res := pipe.Validate(ctx, pair, func(st importer.State, id string) {
		if progress {
			fmt.Fprintf(w, "· %s %s\n", st, id)
		}
	})
	out.Result = &res
	if pipe.Mapeo != nil && res.Ledger.Attempted && res.Summary.LibroDiarioConverted {
		fm, err := pipe.Mapeo(ctx, pair.Ledger)
		if err != nil {
			logx.Warnf("mapeo %s: %v", pair.Ledger, err)
			if progress {
				fmt.Fprintf(w, "Mapeo no completado: %v\n", err)
			}
		}
		out.Mapping = fm
	}
	return out, nil
}
