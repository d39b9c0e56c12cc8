package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/fsbatch/internal/model"
)

func TestRunSuccess(t *testing.T) {
	res := Run(context.Background(), time.Second, func() ([]float64, error) {
		return []float64{1.2, 3.4}, nil
	})

	if !res.OK() {
		t.Fatalf("Run = %+v, want success", res)
	}
	if len(res.Values) != 2 || res.Values[1] != 3.4 {
		t.Errorf("Values = %v, want [1.2 3.4]", res.Values)
	}

	out := res.Outcome(7)
	if out.Index != 7 || !out.OK() {
		t.Errorf("Outcome = %+v, want success at index 7", out)
	}
}

func TestRunTaskError(t *testing.T) {
	boom := errors.New("engine refused")
	res := Run(context.Background(), time.Second, func() ([]float64, error) {
		return nil, boom
	})

	if res.Reason != model.ReasonEngineError {
		t.Errorf("Reason = %q, want %q", res.Reason, model.ReasonEngineError)
	}
	if !errors.Is(res.Err, boom) {
		t.Errorf("Err = %v, want %v", res.Err, boom)
	}
}

func TestRunTaskPanic(t *testing.T) {
	res := Run(context.Background(), time.Second, func() ([]float64, error) {
		panic("native runtime blew up")
	})

	if res.Reason != model.ReasonEngineError {
		t.Errorf("Reason = %q, want %q", res.Reason, model.ReasonEngineError)
	}
	if res.Err == nil {
		t.Error("Err = nil, want panic error")
	}
}

func TestRunTimeoutAbandonsTask(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	defer close(release)

	start := time.Now()
	res := Run(context.Background(), 50*time.Millisecond, func() ([]float64, error) {
		defer close(finished)
		<-release
		return []float64{1}, nil
	})

	if res.Reason != model.ReasonTimeout {
		t.Fatalf("Reason = %q, want %q", res.Reason, model.ReasonTimeout)
	}
	if !errors.Is(res.Err, ErrTimeout) {
		t.Errorf("Err = %v, want ErrTimeout", res.Err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run blocked for %v, want about 50ms", elapsed)
	}

	// The task is still running: the watchdog stopped waiting, not executing.
	select {
	case <-finished:
		t.Error("task finished before release, want it still blocked")
	default:
	}
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, time.Minute, func() ([]float64, error) {
		select {}
	})

	if res.Reason != model.ReasonTimeout {
		t.Errorf("Reason = %q, want %q", res.Reason, model.ReasonTimeout)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
}
