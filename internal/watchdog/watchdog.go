// Package watchdog runs a single engine call under a hard wall-clock bound.
//
// The engine call is not cancellable, so the only cancellation the watchdog
// offers is to stop waiting. A task that overruns its bound keeps running on
// its own goroutine until it returns or its process is killed; whatever it was
// using must be treated as poisoned by the caller.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/fsbatch/internal/model"
)

// ErrTimeout is reported in Result.Err when the bound elapsed first.
var ErrTimeout = errors.New("watchdog: task exceeded timeout")

// Task is a single blocking computation.
type Task func() ([]float64, error)

// Result is the verdict for one task run. A zero Reason means success.
type Result struct {
	Values  []float64
	Reason  model.Reason
	Err     error
	Elapsed time.Duration
}

// OK reports whether the task completed in time without error.
func (r Result) OK() bool {
	return r.Reason == ""
}

// Outcome converts the verdict into the outcome for the request at index.
func (r Result) Outcome(index int) model.Outcome {
	if r.OK() {
		return model.Success(index, r.Values, r.Elapsed)
	}
	return model.Failure(index, r.Reason, r.Elapsed)
}

type reply struct {
	values []float64
	err    error
}

// Run starts task on a new goroutine and waits at most timeout for it. A
// task error or panic yields engine_error; an elapsed bound or a cancelled
// ctx yields timeout, leaving the goroutine behind.
func Run(ctx context.Context, timeout time.Duration, task Task) Result {
	start := time.Now()

	// Buffered so an abandoned task can still deliver and exit.
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- reply{err: fmt.Errorf("task panic: %v", p)}
			}
		}()
		values, err := task()
		done <- reply{values: values, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		elapsed := time.Since(start)
		if r.err != nil {
			return Result{Reason: model.ReasonEngineError, Err: r.err, Elapsed: elapsed}
		}
		return Result{Values: r.values, Elapsed: elapsed}
	case <-timer.C:
		return Result{Reason: model.ReasonTimeout, Err: ErrTimeout, Elapsed: time.Since(start)}
	case <-ctx.Done():
		return Result{Reason: model.ReasonTimeout, Err: ctx.Err(), Elapsed: time.Since(start)}
	}
}
