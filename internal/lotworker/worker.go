// Package lotworker processes one lot of requests against a single engine
// session, replacing the session after every failure.
//
// A Worker is meant to run inside an isolated child process: it assumes it
// owns every engine process matching its fingerprint on the host.
package lotworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/fsbatch/internal/engine"
	"github.com/seantiz/fsbatch/internal/model"
	"github.com/seantiz/fsbatch/internal/watchdog"
)

// Default worker settings.
const (
	DefaultItemTimeout      = 30 * time.Second
	DefaultBackoffShort     = 500 * time.Millisecond
	DefaultBackoffLong      = 5 * time.Second
	DefaultFailureThreshold = 3
)

// errNoEngine is the item error when no session could be acquired.
var errNoEngine = errors.New("no engine session available")

// Config holds the per-item timing policy.
type Config struct {
	ItemTimeout      time.Duration `yaml:"item_timeout" json:"item_timeout"`
	BackoffShort     time.Duration `yaml:"backoff_short" json:"backoff_short"`
	BackoffLong      time.Duration `yaml:"backoff_long" json:"backoff_long"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
}

// DefaultConfig returns the default worker settings.
func DefaultConfig() Config {
	return Config{
		ItemTimeout:      DefaultItemTimeout,
		BackoffShort:     DefaultBackoffShort,
		BackoffLong:      DefaultBackoffLong,
		FailureThreshold: DefaultFailureThreshold,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.ItemTimeout <= 0 {
		return fmt.Errorf("worker.item_timeout must be positive")
	}
	if c.BackoffShort < 0 || c.BackoffLong < 0 {
		return fmt.Errorf("worker backoff durations must not be negative")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("worker.failure_threshold must be at least 1")
	}
	return nil
}

// Lifecycle is the slice of engine.Manager the worker depends on.
type Lifecycle interface {
	Acquire(ctx context.Context) (engine.Handle, error)
	Discard(h engine.Handle)
	ReapStuckProcesses(ctx context.Context) int
	Recover(ctx context.Context, h engine.Handle) (engine.Handle, error)
}

var _ Lifecycle = (*engine.Manager)(nil)

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration)

// Option configures a Worker.
type Option func(*Worker)

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(w *Worker) { w.sleep = s }
}

// Worker runs the requests of a lot strictly in order.
type Worker struct {
	cfg    Config
	lc     Lifecycle
	sleep  Sleeper
	logger *slog.Logger
}

// New creates a Worker.
func New(cfg Config, lc Lifecycle, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		cfg:    cfg,
		lc:     lc,
		sleep:  sleepCtx,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Process computes every request of the lot and returns one outcome per
// request, in lot order. It never returns early: when ctx ends, the
// remaining requests are recorded as timeouts without touching the engine.
// Before returning it discards the last session and reaps once more.
func (w *Worker) Process(ctx context.Context, lot model.Lot) model.LotResult {
	logger := w.logger.With("lot_id", lot.ID)
	res := model.LotResult{
		LotID:     lot.ID,
		Indices:   append([]int(nil), lot.Indices...),
		Outcomes:  make([]model.Outcome, 0, len(lot.Requests)),
		Succeeded: []int{},
		Failed:    []int{},
	}

	h, err := w.lc.Acquire(ctx)
	if err != nil {
		logger.Warn("initial engine acquire failed", "error", err)
		h = nil
	}

	consecutive := 0
	for i, req := range lot.Requests {
		if ctx.Err() != nil {
			out := model.Failure(req.Index, model.ReasonTimeout, 0)
			res.Outcomes = append(res.Outcomes, out)
			res.Failed = append(res.Failed, req.Index)
			continue
		}

		r := w.compute(ctx, h, req)
		res.Outcomes = append(res.Outcomes, r.Outcome(req.Index))

		if r.OK() {
			res.Succeeded = append(res.Succeeded, req.Index)
			consecutive = 0
			logger.Debug("item computed", "index", req.Index, "duration_ms", r.Elapsed.Milliseconds())
			continue
		}

		res.Failed = append(res.Failed, req.Index)
		consecutive++
		logger.Warn("item failed",
			"index", req.Index,
			"reason", r.Reason,
			"error", r.Err,
			"duration_ms", r.Elapsed.Milliseconds(),
			"consecutive", consecutive,
		)

		h, err = w.lc.Recover(ctx, h)
		res.Recoveries++
		if err != nil {
			logger.Warn("engine recovery failed", "index", req.Index, "error", err)
			h = nil
		}

		if i == len(lot.Requests)-1 {
			break
		}
		if consecutive >= w.cfg.FailureThreshold {
			logger.Info("consecutive failure threshold reached, backing off",
				"consecutive", consecutive, "pause", w.cfg.BackoffLong)
			w.sleep(ctx, w.cfg.BackoffLong)
			consecutive = 0
		} else {
			w.sleep(ctx, w.cfg.BackoffShort)
		}
	}

	cleanupCtx := context.WithoutCancel(ctx)
	w.lc.Discard(h)
	w.lc.ReapStuckProcesses(cleanupCtx)

	logger.Info("lot processed",
		"succeeded", len(res.Succeeded),
		"failed", len(res.Failed),
		"recoveries", res.Recoveries,
	)
	return res
}

// compute runs one request under the watchdog and classifies the failure.
func (w *Worker) compute(ctx context.Context, h engine.Handle, req model.Request) watchdog.Result {
	if h == nil {
		return watchdog.Result{Reason: model.ReasonEngineError, Err: errNoEngine}
	}
	r := watchdog.Run(ctx, w.cfg.ItemTimeout, func() ([]float64, error) {
		return h.Compute(req)
	})
	if r.Reason == model.ReasonEngineError && errors.Is(r.Err, engine.ErrEngineExited) {
		r.Reason = model.ReasonCrash
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) {
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
