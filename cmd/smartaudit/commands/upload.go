package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
)

func newUploadCommand(a *app) *cobra.Command {
	var (
		meta         metaFlags
		trialBalance string
		wait         bool
	)

	cmd := &cobra.Command{
		Use:   "upload LIBRO_DIARIO [ARCHIVO...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "Sube los ficheros y muestra los ids de ejecución",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			m := a.meta(meta)
			if err := meta.verify(cmd.Context(), sess, m); err != nil {
				return err
			}
			ledger, closeLedger, err := openFiles(args)
			if err != nil {
				return err
			}
			defer closeLedger()
			var tb *importer.File
			if trialBalance != "" {
				files, closeTB, err := openFiles([]string{trialBalance})
				if err != nil {
					return err
				}
				defer closeTB()
				tb = &files[0]
			}
			res, err := sess.UploadSet(cmd.Context(), ledger, tb, m)
			if err != nil {
				return err
			}
			if wait {
				if err := sess.AwaitUploadSet(cmd.Context(), res); err != nil {
					return err
				}
			}
			return a.emit(cmd.OutOrStdout(), res, func(w io.Writer) { printUpload(w, res) })
		},
	}

	meta.register(cmd)
	cmd.Flags().StringVarP(&trialBalance, "trial-balance", "t", "", "fichero de Sumas y Saldos")
	cmd.Flags().BoolVar(&wait, "wait", false, "espera a que el backend termine de guardar los ficheros grandes")
	return cmd
}

// infoOutcome is the stored state of both halves of a pair.
type infoOutcome struct {
	Pair         importer.CoordinatedPair `json:"pair"`
	Ledger       *importer.UploadInfo     `json:"ledger,omitempty"`
	TrialBalance *importer.UploadInfo     `json:"trial_balance,omitempty"`
	Progress     *api.UploadProgress      `json:"progress,omitempty"`
}

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info ID",
		Args:  cobra.ExactArgs(1),
		Short: "Muestra qué conoce el backend de una ejecución y su pareja -ss",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			out := infoOutcome{Pair: importer.PairFor(args[0])}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				info, err := sess.UploadInfo(ctx, out.Pair.Ledger)
				out.Ledger = &info
				return err
			})
			g.Go(func() error {
				info, err := sess.UploadInfo(ctx, out.Pair.TrialBalance)
				out.TrialBalance = &info
				return err
			})
			g.Go(func() error {
				p, err := sess.UploadProgress(ctx, out.Pair.Ledger)
				if err != nil {
					if api.IsNotFound(err) {
						return nil
					}
					return err
				}
				out.Progress = &p
				return nil
			})
			if err := g.Wait(); err != nil {
				return err
			}
			return a.emit(cmd.OutOrStdout(), out, func(w io.Writer) { printInfo(w, out) })
		},
	}
}

func printInfo(w io.Writer, out infoOutcome) {
	for _, half := range []struct {
		label string
		info  *importer.UploadInfo
	}{{"Libro Diario", out.Ledger}, {"Sumas y Saldos", out.TrialBalance}} {
		if half.info == nil || !half.info.Found {
			fmt.Fprintf(w, "%s: no encontrado\n", half.label)
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", half.label, half.info.ExecutionID)
		keys := make([]string, 0, len(half.info.Data))
		for k := range half.info.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, half.info.Data[k])
		}
	}
	if p := out.Progress; p != nil {
		fmt.Fprintf(w, "Progreso: %.0f%% (%s)\n", p.Progress, p.Status)
	}
}
