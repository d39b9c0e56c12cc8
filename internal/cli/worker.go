package cli

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/fsbatch/internal/config"
	"github.com/seantiz/fsbatch/internal/engine"
	"github.com/seantiz/fsbatch/internal/exchange"
	"github.com/seantiz/fsbatch/internal/lotworker"
)

func newWorkerCmd(g *globalOptions) *cobra.Command {
	var lotPath, resultPath string

	cmd := &cobra.Command{
		Use:    "worker --lot <file> --result <file>",
		Short:  "Run one lot (started by fsbatch run)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if lotPath == "" || resultPath == "" {
				return errors.New("--lot and --result are required")
			}

			// The worker never reads the config file: the lot artifact
			// carries every setting it runs under.
			logger := config.NewLogger(cmd.ErrOrStderr(), config.ParseLogLevel(g.logLevel))

			art, err := exchange.ReadLot(lotPath)
			if err != nil {
				return err
			}
			lot := art.Lot()
			logger = logger.With("lot_id", lot.ID)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			mgr := engine.NewManager(
				engine.NewProcessFactory(art.Engine, logger),
				engine.NewProcReaper(art.Engine, logger),
				art.Engine.Setup,
				logger,
			).WithStartTimeout(art.Engine.StartTimeout)

			res := lotworker.New(art.Worker, mgr, logger).Process(ctx, lot)
			return exchange.WriteResult(resultPath, res)
		},
	}

	cmd.Flags().StringVar(&lotPath, "lot", "", "lot artifact to run")
	cmd.Flags().StringVar(&resultPath, "result", "", "where to write the lot result")
	return cmd
}
