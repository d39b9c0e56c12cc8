package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/fsbatch/internal/model"
	"github.com/seantiz/fsbatch/internal/store"
	"github.com/seantiz/fsbatch/internal/sweep"
)

// batchRunner runs a list of requests to one consolidated result.
type batchRunner interface {
	Run(ctx context.Context, requests []model.Request) (model.ConsolidatedResult, error)
}

type dimOptions struct {
	*globalOptions

	loads     []float64
	diameters []float64
	counts    []int
	out       string
}

func newDimCmd(g *globalOptions) *cobra.Command {
	opts := &dimOptions{globalOptions: g}

	cmd := &cobra.Command{
		Use:   "dim",
		Short: "Sweep bar diameters and counts for one load case",
		Long: `Dim computes one load case for every combination of bar diameter and bar
count, in isolated worker lots like run, and writes a table of the minimum
safety factor per layout. Layouts where no section converged read "N conver.".`,
		Example: `  fsbatch dim --loads=-425.73,-8.64,32.52,18.53,-79.61 --out sweep.xlsx

  # Only 16 and 20 mm bars, 8 to 12 of them
  fsbatch dim --loads=-425.73,-8.64,32.52,18.53,-79.61 --diameters 16,20 --counts 8,10,12 --out sweep.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd)
		},
	}

	f := cmd.Flags()
	f.Float64SliceVar(&opts.loads, "loads", nil, "N, Mx top, My top, Mx base, My base (tf, tf·m)")
	f.Float64SliceVar(&opts.diameters, "diameters", sweep.DefaultDiameters, "bar diameters in mm")
	f.IntSliceVar(&opts.counts, "counts", sweep.DefaultCounts, "bar counts")
	f.StringVarP(&opts.out, "out", "o", "", "write the sweep table to this xlsx file")
	_ = cmd.MarkFlagRequired("loads")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

// plan checks the flags and returns the grid and the requests it expands to.
func (o *dimOptions) plan() (sweep.Grid, []model.Request, error) {
	if len(o.loads) != len(model.LoadCase{}) {
		return sweep.Grid{}, nil, fmt.Errorf("--loads needs %d values, got %d", len(model.LoadCase{}), len(o.loads))
	}
	grid := sweep.Grid{Diameters: o.diameters, Counts: o.counts}
	if err := grid.Validate(); err != nil {
		return sweep.Grid{}, nil, err
	}
	var loads model.LoadCase
	copy(loads[:], o.loads)
	return grid, grid.Requests(loads), nil
}

func (o *dimOptions) run(cmd *cobra.Command) error {
	grid, requests, err := o.plan()
	if err != nil {
		return err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog := newLogger(cfg, cmd.ErrOrStderr())
	defer closeLog()

	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	orch, err := newOrchestrator(cfg, logger, db, "dim")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := o.sweep(ctx, orch, grid, requests, logger)
	if err != nil {
		return err
	}
	printTotals(cmd.OutOrStdout(), result)
	return nil
}

// sweep runs the requests and writes the table.
func (o *dimOptions) sweep(ctx context.Context, runner batchRunner, grid sweep.Grid, requests []model.Request, logger *slog.Logger) (model.ConsolidatedResult, error) {
	logger.Info("sweep started",
		"diameters", len(grid.Diameters),
		"counts", len(grid.Counts),
		"requests", len(requests),
	)
	result, err := runner.Run(ctx, requests)
	if err != nil {
		return model.ConsolidatedResult{}, err
	}
	if err := sweep.WriteXLSX(o.out, grid, result.Outcomes); err != nil {
		return result, fmt.Errorf("write sweep: %w", err)
	}
	logger.Info("sweep written", "path", o.out)
	return result, nil
}
