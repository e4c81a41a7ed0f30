package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"smartaudit/internal/api"
	"smartaudit/internal/core/importer"
)

func newValidateCommand(a *app) *cobra.Command {
	var (
		trialBalance string
		concurrent   bool
	)

	cmd := &cobra.Command{
		Use:   "validate ID",
		Args:  cobra.ExactArgs(1),
		Short: "Valida y convierte el Libro Diario y valida su Sumas y Saldos (ID-ss)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			pair := importer.PairFor(args[0])
			if trialBalance != "" {
				pair = importer.CoordinatedPair{Ledger: strings.TrimSpace(args[0]), TrialBalance: trialBalance}
			}
			w := cmd.OutOrStdout()
			opts := importer.CoordinatedOptions{Concurrent: concurrent}
			if !a.asJSON {
				opts.OnState = func(st importer.State, id string) { fmt.Fprintf(w, "· %s %s\n", st, id) }
			}
			res := sess.ValidateCoordinated(cmd.Context(), pair, opts)
			if err := a.emit(w, res, func(w io.Writer) { printCoordinated(w, res) }); err != nil {
				return err
			}
			return outcomeErr(res)
		},
	}

	cmd.Flags().StringVarP(&trialBalance, "trial-balance", "t", "", "id de Sumas y Saldos si no sigue la convención ID-ss")
	cmd.Flags().BoolVar(&concurrent, "concurrent", false, "valida ambas mitades en paralelo")
	return cmd
}

var stepNames = map[string]api.Step{
	"validate":   api.StepValidate,
	"validation": api.StepValidate,
	"convert":    api.StepConvert,
	"conversion": api.StepConvert,
	"mapeo":      api.StepMapeo,
}

// stepOutcome is printed by status; Poll is set with --wait.
type stepOutcome struct {
	Start  *importer.StartResult  `json:"start,omitempty"`
	Status *importer.StatusReport `json:"status,omitempty"`
	Poll   *importer.PollResult   `json:"poll,omitempty"`
}

func newStatusCommand(a *app) *cobra.Command {
	var start, wait bool

	cmd := &cobra.Command{
		Use:   "status PASO ID",
		Args:  cobra.ExactArgs(2),
		Short: "Consulta (o lanza y espera) un paso: validate, convert o mapeo",
		RunE: func(cmd *cobra.Command, args []string) error {
			step, ok := stepNames[strings.ToLower(args[0])]
			if !ok {
				return fmt.Errorf("paso desconocido %q: usa validate, convert o mapeo", args[0])
			}
			sess, err := a.importSession()
			if err != nil {
				return err
			}
			out, err := a.step(cmd.Context(), sess, step, args[1], start, wait)
			if err != nil {
				return err
			}
			if err := a.emit(cmd.OutOrStdout(), out, func(w io.Writer) {
				if out.Start != nil {
					reused := ""
					if out.Start.Reused {
						reused = " (reutilizado)"
					}
					fmt.Fprintf(w, "%s %s lanzado%s\n", step, args[1], reused)
				}
				if out.Status != nil {
					fmt.Fprintf(w, "%s %s: %s\n", step, args[1], out.Status.Status)
				}
				if out.Poll != nil {
					printPoll(w, step, args[1], *out.Poll)
				}
			}); err != nil {
				return err
			}
			if out.Poll != nil && !out.Poll.Success {
				return fmt.Errorf("%s %s: %s", step, args[1], out.Poll.FinalStatus)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&start, "start", false, "lanza el paso antes de consultarlo")
	cmd.Flags().BoolVar(&wait, "wait", false, "espera hasta un estado final")
	return cmd
}

func (a *app) step(ctx context.Context, sess *importer.Session, step api.Step, id string, start, wait bool) (stepOutcome, error) {
	var out stepOutcome
	if start {
		var (
			res importer.StartResult
			err error
		)
		switch step {
		case api.StepValidate:
			res, err = sess.StartValidation(ctx, id)
		case api.StepConvert:
			res, err = sess.StartConversion(ctx, id)
		case api.StepMapeo:
			res, err = sess.StartMapeo(ctx, id, a.cfg.ERPHint)
		}
		if err != nil {
			return out, err
		}
		out.Start = &res
	}
	if !wait {
		var (
			rep importer.StatusReport
			err error
		)
		switch step {
		case api.StepValidate:
			rep, err = sess.ValidationStatus(ctx, id)
		case api.StepConvert:
			rep, err = sess.ConversionStatus(ctx, id)
		case api.StepMapeo:
			rep, err = sess.MapeoStatus(ctx, id)
		}
		if err != nil {
			if api.IsNotFound(err) {
				return out, fmt.Errorf("%s %s: no iniciado o desconocido", step, id)
			}
			return out, err
		}
		out.Status = &rep
		return out, nil
	}

	var (
		res importer.PollResult
		err error
	)
	switch step {
	case api.StepValidate:
		res, err = sess.PollValidation(ctx, id, importer.PollOptions{})
	case api.StepConvert:
		res, err = sess.PollConversion(ctx, id, importer.PollOptions{})
	case api.StepMapeo:
		res, err = sess.PollMapeo(ctx, id, importer.PollOptions{})
	}
	if importer.IsAlreadyPolling(err) {
		return out, fmt.Errorf("ya hay una espera activa para %s %s", step, id)
	}
	if err != nil {
		return out, err
	}
	out.Poll = &res
	return out, nil
}
