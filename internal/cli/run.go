package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/fsbatch/internal/api"
	"github.com/seantiz/fsbatch/internal/config"
	"github.com/seantiz/fsbatch/internal/consolidate"
	"github.com/seantiz/fsbatch/internal/loadcase"
	"github.com/seantiz/fsbatch/internal/model"
	"github.com/seantiz/fsbatch/internal/orchestrator"
	"github.com/seantiz/fsbatch/internal/report"
	"github.com/seantiz/fsbatch/internal/store"
)

var _ orchestrator.Recorder = (*store.SQLiteStore)(nil)

type runOptions struct {
	*globalOptions

	lotSize     int
	lotTimeout  time.Duration
	itemTimeout time.Duration
	out         string
	jsonOut     string
	listen      string
	watchConfig bool

	// changed records which batch flags were set explicitly, so they also
	// win over a reloaded config file.
	changed map[string]bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{globalOptions: g}

	cmd := &cobra.Command{
		Use:   "run <input.xlsx|input.json>",
		Short: "Run a batch of load cases",
		Long: `Run reads the load cases, splits them into lots and runs every lot in an
isolated worker process. The command succeeds whenever the run completes, even
if some requests failed; it only fails when the run cannot start.`,
		Example: `  # Run a spreadsheet and write the report
  fsbatch run forces.xlsx --out results.xlsx

  # Smaller lots, stricter item timeout, live API on :8080
  fsbatch run forces.xlsx --lot-size 20 --item-timeout 10s --listen :8080`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.changed = map[string]bool{}
			for _, name := range []string{"lot-size", "lot-timeout", "item-timeout"} {
				opts.changed[name] = cmd.Flags().Changed(name)
			}
			return opts.run(cmd, args[0])
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.lotSize, "lot-size", 0, "requests per lot (overrides batch.lot_size)")
	f.DurationVar(&opts.lotTimeout, "lot-timeout", 0, "wall-clock budget per lot (overrides batch.lot_timeout)")
	f.DurationVar(&opts.itemTimeout, "item-timeout", 0, "per-request compute budget (overrides worker.item_timeout)")
	f.StringVarP(&opts.out, "out", "o", "", "write the xlsx report to this file")
	f.StringVar(&opts.jsonOut, "json", "", "write the consolidated result as JSON to this file (- for stdout)")
	f.StringVar(&opts.listen, "listen", "", "serve the HTTP API on this address during the run")
	f.BoolVar(&opts.watchConfig, "watch-config", false, "reload batch settings when the config file changes")
	return cmd
}

// applyOverrides puts explicitly set flags on top of cfg.
func (o *runOptions) applyOverrides(cfg *config.Config) error {
	if o.changed["lot-size"] {
		cfg.Batch.LotSize = o.lotSize
	}
	if o.changed["lot-timeout"] {
		cfg.Batch.LotTimeout = o.lotTimeout
	}
	if o.changed["item-timeout"] {
		cfg.Worker.ItemTimeout = o.itemTimeout
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (o *runOptions) run(cmd *cobra.Command, input string) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := o.applyOverrides(cfg); err != nil {
		return err
	}
	if o.watchConfig && o.configPath == "" {
		return errors.New("--watch-config requires --config")
	}

	logger, closeLog := newLogger(cfg, cmd.ErrOrStderr())
	defer closeLog()

	requests, err := loadcase.Read(input)
	if err != nil {
		return fmt.Errorf("read %s: %w", input, err)
	}
	logger.Info("load cases read", "input", input, "requests", len(requests))

	db, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	orch, err := newOrchestrator(cfg, logger, db, filepath.Base(input))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The API and the config watcher outlive a cancelled run long enough to
	// report it, so they get their own context.
	bgCtx, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	defer func() {
		cancelBg()
		wg.Wait()
	}()

	if o.listen != "" {
		srv := api.NewServer(o.listen, db, orch.Broker(), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(bgCtx); err != nil {
				logger.Error("api server stopped", "error", err)
			}
		}()
	}

	if o.watchConfig {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(bgCtx, o.configPath, logger, func(next *config.Config) {
				o.reload(orch, next, logger)
			})
			if err != nil {
				logger.Error("config watch stopped", "error", err)
			}
		}()
	}

	result, err := orch.Run(ctx, requests)
	if err != nil {
		return err
	}
	if err := consolidate.CheckCoverage(result, requests); err != nil {
		// Never expected; the result is still written so nothing is lost.
		logger.Error("result does not cover every request", "error", err)
	}

	printTotals(cmd.OutOrStdout(), result)
	return o.writeOutputs(cmd.OutOrStdout(), cfg, requests, result, logger)
}

// newOrchestrator builds an orchestrator that launches this binary's worker
// command and records the run in db.
func newOrchestrator(cfg *config.Config, logger *slog.Logger, db *store.SQLiteStore, source string) (*orchestrator.Orchestrator, error) {
	launcher, err := orchestrator.NewProcessLauncher(logger, "worker", "--log-level", cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	launcher.KillGrace = cfg.Batch.KillGrace

	return orchestrator.New(cfg.Settings(), launcher, logger,
		orchestrator.WithRecorder(db),
		orchestrator.WithSource(source),
	)
}

// reload applies a changed config file to lots that have not started.
// The lot size of the running batch is kept.
func (o *runOptions) reload(orch *orchestrator.Orchestrator, next *config.Config, logger *slog.Logger) {
	if err := o.applyOverrides(next); err != nil {
		logger.Error("reloaded config rejected", "error", err)
		return
	}
	s := next.Settings()
	s.Batch.LotSize = orch.Settings().Batch.LotSize
	if err := orch.Update(s); err != nil {
		logger.Error("reloaded config rejected", "error", err)
		return
	}
	logger.Info("batch settings updated",
		"lot_timeout", s.Batch.LotTimeout,
		"item_timeout", s.Worker.ItemTimeout,
	)
}

func (o *runOptions) writeOutputs(stdout io.Writer, cfg *config.Config, requests []model.Request, result model.ConsolidatedResult, logger *slog.Logger) error {
	var errs []error
	if o.out != "" {
		if err := report.WriteXLSX(o.out, requests, result); err != nil {
			errs = append(errs, fmt.Errorf("write report: %w", err))
		} else {
			logger.Info("report written", "path", o.out)
		}
	}
	if o.jsonOut != "" {
		if err := writeJSONFile(o.jsonOut, stdout, result); err != nil {
			errs = append(errs, fmt.Errorf("write json: %w", err))
		}
	}
	if cfg.Metrics.Textfile != "" {
		if err := writeMetricsTextfile(cfg.Metrics.Textfile); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

func writeJSONFile(path string, stdout io.Writer, result model.ConsolidatedResult) error {
	if path == "-" {
		return report.WriteJSON(stdout, result)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteJSON(f, result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// printTotals writes the human summary of a run.
func printTotals(w io.Writer, result model.ConsolidatedResult) {
	t := result.Totals
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", result.RunID)
	fmt.Fprintf(tw, "requests\t%d\n", t.Requests)
	fmt.Fprintf(tw, "succeeded\t%d\n", t.Succeeded)
	// Lost items are crash failures; they are counted here and broken out
	// again on the lots line.
	fmt.Fprintf(tw, "failed (incl. lost)\t%d\n", t.Failed)
	for _, reason := range model.Reasons {
		if n := t.ByReason[reason]; n > 0 {
			fmt.Fprintf(tw, "  %s\t%d\n", reason, n)
		}
	}
	fmt.Fprintf(tw, "lots\t%d (%d lost, %d items)\n", t.Lots, t.LostLots, t.LostItems)
	fmt.Fprintf(tw, "latency\tp50 %dms  p95 %dms  p99 %dms  max %dms\n",
		t.Latency.P50MS, t.Latency.P95MS, t.Latency.P99MS, t.Latency.MaxMS)
	_ = tw.Flush()
}
