package commands

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"smartaudit/internal/config"
)

func newLoginCommand(a *app) *cobra.Command {
	var projectID, period string

	cmd := &cobra.Command{
		Use:   "login",
		Args:  cobra.NoArgs,
		Short: "Guarda el token (leído de stdin) en el fichero rc",
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("leer token: %w", err)
			}
			values := map[string]string{
				config.KeyToken:     strings.TrimSpace(line),
				config.KeyProjectID: projectID,
				config.KeyPeriod:    period,
			}
			if err := config.Save(a.rcPath, values); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token guardado en %s\n", a.rcPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "proyecto por defecto")
	cmd.Flags().StringVar(&period, "period", "", "periodo por defecto (AAAA o AAAA-MM)")
	return cmd
}
