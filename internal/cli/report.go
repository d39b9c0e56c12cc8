package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/seantiz/fsbatch/internal/consolidate"
	"github.com/seantiz/fsbatch/internal/loadcase"
	"github.com/seantiz/fsbatch/internal/model"
	"github.com/seantiz/fsbatch/internal/report"
	"github.com/seantiz/fsbatch/internal/store"
)

type reportOptions struct {
	*globalOptions

	input   string
	out     string
	jsonOut string
}

func newReportCmd(g *globalOptions) *cobra.Command {
	opts := &reportOptions{globalOptions: g}

	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Export a stored run again",
		Long: `Report rebuilds the consolidated result of a finished run from the store
and writes it out again. The input file must be the one the run was started
with; it supplies the frame, output case and forces of every row and is
rejected when its request count differs from the run's.`,
		Example: `  fsbatch report 01J9Z3K4M5N6P7Q8R9S0T1V2W3 --input forces.xlsx --out results.xlsx`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "", "load case file the run was started with")
	f.StringVarP(&opts.out, "out", "o", "", "write the xlsx report to this file")
	f.StringVar(&opts.jsonOut, "json", "", "write the consolidated result as JSON to this file (- for stdout)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func (o *reportOptions) run(cmd *cobra.Command, runID string) error {
	if o.out == "" && o.jsonOut == "" {
		return errors.New("nothing to write: pass --out or --json")
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	result, err := loadRun(cmd.Context(), db, runID)
	if err != nil {
		return err
	}

	requests, err := loadcase.Read(o.input)
	if err != nil {
		return fmt.Errorf("read %s: %w", o.input, err)
	}
	if err := consolidate.CheckCoverage(result, requests); err != nil {
		return fmt.Errorf("%s does not match run %s: %w", o.input, runID, err)
	}

	return o.write(cmd.OutOrStdout(), requests, result)
}

// loadRun rebuilds the consolidated result of a finished run.
func loadRun(ctx context.Context, db store.Store, runID string) (model.ConsolidatedResult, error) {
	run, err := db.GetRun(ctx, runID)
	if err != nil {
		return model.ConsolidatedResult{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if run.Status == model.RunStatusRunning {
		return model.ConsolidatedResult{}, fmt.Errorf("run %s is still running", runID)
	}
	lots, err := db.ListLots(ctx, runID)
	if err != nil {
		return model.ConsolidatedResult{}, err
	}
	outcomes, _, err := db.ListOutcomes(ctx, runID, max(run.Requests, 1), 0)
	if err != nil {
		return model.ConsolidatedResult{}, err
	}

	result, err := consolidate.Rebuild(lots, outcomes)
	if err != nil {
		return model.ConsolidatedResult{}, fmt.Errorf("run %s: %w", runID, err)
	}
	result.RunID = runID
	return result, nil
}

func (o *reportOptions) write(stdout io.Writer, requests []model.Request, result model.ConsolidatedResult) error {
	var errs []error
	if o.out != "" {
		if err := report.WriteXLSX(o.out, requests, result); err != nil {
			errs = append(errs, fmt.Errorf("write report: %w", err))
		}
	}
	if o.jsonOut != "" {
		if err := writeJSONFile(o.jsonOut, stdout, result); err != nil {
			errs = append(errs, fmt.Errorf("write json: %w", err))
		}
	}
	return errors.Join(errs...)
}
