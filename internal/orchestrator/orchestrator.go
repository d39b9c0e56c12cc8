package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/fsbatch/internal/consolidate"
	"github.com/seantiz/fsbatch/internal/engine"
	"github.com/seantiz/fsbatch/internal/exchange"
	"github.com/seantiz/fsbatch/internal/lotworker"
	"github.com/seantiz/fsbatch/internal/model"
)

// Default batch settings.
const (
	DefaultLotSize    = 100
	DefaultLotTimeout = 500 * time.Second
	DefaultLotPause   = 500 * time.Millisecond
)

// Lost-lot causes.
const (
	CauseTimeout   = "timeout"
	CauseCancelled = "cancelled"
)

// Config holds the lot-level settings.
type Config struct {
	LotSize    int           `yaml:"lot_size" json:"lot_size"`
	LotTimeout time.Duration `yaml:"lot_timeout" json:"lot_timeout"`
	LotPause   time.Duration `yaml:"lot_pause" json:"lot_pause"`
	KillGrace  time.Duration `yaml:"kill_grace" json:"kill_grace"`

	// WorkDir is where per-lot temp dirs are created; empty means os.TempDir.
	WorkDir string `yaml:"work_dir" json:"work_dir,omitempty"`
}

// DefaultConfig returns the default batch settings.
func DefaultConfig() Config {
	return Config{
		LotSize:    DefaultLotSize,
		LotTimeout: DefaultLotTimeout,
		LotPause:   DefaultLotPause,
		KillGrace:  DefaultKillGrace,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.LotSize < 1 {
		return fmt.Errorf("batch.lot_size must be at least 1")
	}
	if c.LotTimeout <= 0 {
		return fmt.Errorf("batch.lot_timeout must be positive")
	}
	if c.LotPause < 0 || c.KillGrace < 0 {
		return fmt.Errorf("batch durations must not be negative")
	}
	return nil
}

// Settings is everything a run needs besides its requests. Batch timings and
// worker settings may change between lots; LotSize is fixed when a run starts.
type Settings struct {
	Batch  Config
	Worker lotworker.Config
	Engine engine.Config
}

// Validate checks every part of the settings.
func (s Settings) Validate() error {
	return errors.Join(s.Batch.Validate(), s.Worker.Validate(), s.Engine.Validate())
}

// Recorder persists run progress. Recording errors are logged and never
// affect the run.
type Recorder interface {
	CreateRun(ctx context.Context, run *model.Run) error
	RecordLot(ctx context.Context, rec *model.LotRecord) error
	FinishRun(ctx context.Context, run *model.Run, outcomes []model.Outcome) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder persists runs through r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithBroker publishes progress events to b.
func WithBroker(b *EventBroker) Option {
	return func(o *Orchestrator) { o.broker = b }
}

// WithSource labels runs with the name of their input.
func WithSource(source string) Option {
	return func(o *Orchestrator) { o.source = source }
}

// Orchestrator runs lots one at a time, each in a fresh worker process.
type Orchestrator struct {
	mu       sync.RWMutex
	settings Settings

	launcher Launcher
	recorder Recorder
	broker   *EventBroker
	source   string
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(s Settings, l Launcher, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	o := &Orchestrator{
		settings: s,
		launcher: l,
		broker:   NewEventBroker(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Broker returns the progress event broker.
func (o *Orchestrator) Broker() *EventBroker {
	return o.broker
}

// Settings returns the current settings.
func (o *Orchestrator) Settings() Settings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// Update replaces the settings used for lots that have not started yet.
// Invalid settings are rejected and the current ones kept.
func (o *Orchestrator) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = s
	return nil
}

// Run executes every request and returns one outcome per request, in input
// order. Lot failures never abort the run. The only errors are an invalid
// batch and a lot that cannot be serialized. If ctx is cancelled, the
// remaining lots are recorded as lost and the complete result is still
// returned.
func (o *Orchestrator) Run(ctx context.Context, requests []model.Request) (model.ConsolidatedResult, error) {
	lotSize := o.Settings().Batch.LotSize
	lots, err := Split(requests, lotSize)
	if err != nil {
		return model.ConsolidatedResult{}, err
	}

	run := &model.Run{
		ID:        model.NewID(),
		Status:    model.RunStatusRunning,
		Source:    o.source,
		Requests:  len(requests),
		LotSize:   lotSize,
		Lots:      len(lots),
		CreatedAt: time.Now().UTC(),
	}
	logger := o.logger.With("run_id", run.ID)
	defer o.broker.Close(run.ID)

	if o.recorder != nil {
		if err := o.recorder.CreateRun(ctx, run); err != nil {
			logger.Error("failed to record run", "error", err)
		}
	}
	logger.Info("run started", "requests", len(requests), "lots", len(lots), "lot_size", lotSize)

	results := make([]model.LotResult, 0, len(lots))
	for i, lot := range lots {
		s := o.Settings()
		start := time.Now()

		var res model.LotResult
		if ctx.Err() != nil {
			res = model.LostLot(lot, CauseCancelled)
		} else {
			o.broker.Publish(Event{Type: EventLotStarted, RunID: run.ID, LotID: lot.ID, Lots: len(lots)})
			res, err = o.runLot(ctx, lot, s)
			if err != nil {
				o.abort(run, logger)
				return model.ConsolidatedResult{}, err
			}
		}
		elapsed := time.Since(start)
		results = append(results, res)
		o.lotDone(ctx, run, lot, res, elapsed, logger)

		if i < len(lots)-1 && ctx.Err() == nil {
			pause(ctx, s.Batch.LotPause)
		}
	}

	out := consolidate.Consolidate(results)
	out.RunID = run.ID

	now := time.Now().UTC()
	run.Status = model.RunStatusCompleted
	if ctx.Err() != nil {
		run.Status = model.RunStatusAborted
	}
	run.Succeeded = out.Totals.Succeeded
	run.Failed = out.Totals.Failed
	run.LostItems = out.Totals.LostItems
	run.FinishedAt = &now
	if o.recorder != nil {
		if err := o.recorder.FinishRun(context.WithoutCancel(ctx), run, out.Outcomes); err != nil {
			logger.Error("failed to record run result", "error", err)
		}
	}
	o.broker.Publish(Event{
		Type:      EventRunFinished,
		RunID:     run.ID,
		Lots:      len(lots),
		Status:    run.Status,
		Succeeded: out.Totals.Succeeded,
		Failed:    out.Totals.Failed,
	})
	logger.Info("run finished",
		"status", run.Status,
		"succeeded", out.Totals.Succeeded,
		"failed", out.Totals.Failed,
		"lost_lots", out.Totals.LostLots,
		"lost_items", out.Totals.LostItems,
	)
	return out, nil
}

// runLot executes one lot in a fresh worker process. Only a failure to hand
// the lot over is returned as an error; every worker failure becomes a lost
// lot. The lot's temp dir is always removed.
func (o *Orchestrator) runLot(ctx context.Context, lot model.Lot, s Settings) (model.LotResult, error) {
	dir, err := os.MkdirTemp(s.Batch.WorkDir, fmt.Sprintf("fsbatch-lot-%d-*", lot.ID))
	if err != nil {
		return model.LotResult{}, fmt.Errorf("create lot dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			o.logger.Warn("failed to remove lot dir", "dir", dir, "error", err)
		}
	}()

	lotPath := filepath.Join(dir, "lot.json")
	resultPath := filepath.Join(dir, "result.json")
	if err := exchange.WriteLot(lotPath, exchange.NewLotArtifact(lot, s.Worker, s.Engine)); err != nil {
		return model.LotResult{}, fmt.Errorf("serialize lot %d: %w", lot.ID, err)
	}

	lotCtx, cancel := context.WithTimeout(ctx, s.Batch.LotTimeout)
	activeLots.Inc()
	err = o.launcher.Launch(lotCtx, lotPath, resultPath)
	activeLots.Dec()
	cancel()

	// A worker that finished before the run was cancelled still counts.
	switch {
	case err != nil && ctx.Err() != nil:
		return model.LostLot(lot, CauseCancelled), nil
	case errors.Is(err, ErrLotTimeout):
		return model.LostLot(lot, CauseTimeout), nil
	case err != nil:
		return model.LostLot(lot, err.Error()), nil
	}

	res, err := exchange.ReadResult(resultPath, lot)
	if err != nil {
		return model.LostLot(lot, fmt.Sprintf("unusable result: %v", err)), nil
	}
	return res, nil
}

// lotDone records, publishes and logs a resolved lot.
func (o *Orchestrator) lotDone(ctx context.Context, run *model.Run, lot model.Lot, res model.LotResult, elapsed time.Duration, logger *slog.Logger) {
	observeLot(res, elapsed.Seconds())

	rec := &model.LotRecord{
		RunID:      run.ID,
		LotID:      lot.ID,
		FirstIndex: lot.Indices[0],
		LastIndex:  lot.Indices[len(lot.Indices)-1],
		Size:       len(lot.Indices),
		Status:     model.LotStatusCompleted,
		Cause:      res.Cause,
		Succeeded:  len(res.Succeeded),
		Failed:     len(res.Failed),
		Recoveries: res.Recoveries,
		DurationMS: elapsed.Milliseconds(),
	}
	if res.Lost {
		rec.Status = model.LotStatusLost
		rec.Succeeded = 0
		rec.Failed = rec.Size
	}

	if o.recorder != nil {
		if err := o.recorder.RecordLot(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("failed to record lot", "lot_id", lot.ID, "error", err)
		}
	}
	o.broker.Publish(Event{
		Type:       EventLotFinished,
		RunID:      run.ID,
		LotID:      lot.ID,
		Lots:       run.Lots,
		Status:     rec.Status,
		Cause:      rec.Cause,
		Succeeded:  rec.Succeeded,
		Failed:     rec.Failed,
		Recoveries: rec.Recoveries,
		DurationMS: rec.DurationMS,
	})

	if res.Lost {
		logger.Warn("lot lost",
			"lot_id", lot.ID,
			"first_index", rec.FirstIndex,
			"last_index", rec.LastIndex,
			"cause", res.Cause,
			"duration_ms", rec.DurationMS,
		)
		return
	}
	logger.Info("lot completed",
		"lot_id", lot.ID,
		"succeeded", rec.Succeeded,
		"failed", rec.Failed,
		"recoveries", rec.Recoveries,
		"duration_ms", rec.DurationMS,
	)
}

// abort marks a run that could not continue.
func (o *Orchestrator) abort(run *model.Run, logger *slog.Logger) {
	if o.recorder == nil {
		return
	}
	now := time.Now().UTC()
	run.Status = model.RunStatusAborted
	run.FinishedAt = &now
	if err := o.recorder.FinishRun(context.Background(), run, nil); err != nil {
		logger.Error("failed to record aborted run", "error", err)
	}
}

func pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
