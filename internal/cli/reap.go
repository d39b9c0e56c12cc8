package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/fsbatch/internal/engine"
)

func newReapCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Kill leftover engine processes",
		Long: `Reap kills every process matching the configured engine fingerprint. Use it
after a supervisor crash left engines running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, closeLog := newLogger(cfg, cmd.ErrOrStderr())
			defer closeLog()

			n, err := engine.NewProcReaper(cfg.Engine, logger).Reap(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d engine process(es)\n", n)
			return err
		},
	}
}
