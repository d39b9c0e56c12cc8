package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultKillGrace is how long a timed-out worker gets between SIGTERM and
// SIGKILL.
const DefaultKillGrace = 5 * time.Second

// ErrLotTimeout is returned by a Launcher when the worker outlived its lot
// deadline and was killed.
var ErrLotTimeout = errors.New("lot timed out")

// Launcher runs one worker process for a lot and waits for it to exit.
// It returns nil only if the worker exited successfully; the caller decides
// whether the result artifact is usable.
type Launcher interface {
	Launch(ctx context.Context, lotPath, resultPath string) error
}

// ProcessLauncher starts `<Command> --lot <lotPath> --result <resultPath>` in
// its own process group, so that killing the group also reclaims the engine
// processes the worker started.
type ProcessLauncher struct {
	Command   []string
	Env       []string
	KillGrace time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    *slog.Logger
}

// NewProcessLauncher returns a launcher that re-executes the running binary
// with the given worker subcommand arguments.
func NewProcessLauncher(logger *slog.Logger, args ...string) (*ProcessLauncher, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ProcessLauncher{
		Command:   append([]string{exe}, args...),
		KillGrace: DefaultKillGrace,
		Stdout:    os.Stderr,
		Stderr:    os.Stderr,
		Logger:    logger,
	}, nil
}

var _ Launcher = (*ProcessLauncher)(nil)

// Launch starts the worker and waits until it exits or ctx ends. When ctx
// ends the whole process group is terminated: SIGTERM, then SIGKILL after
// KillGrace. A deadline yields ErrLotTimeout; a cancellation yields ctx.Err().
func (l *ProcessLauncher) Launch(ctx context.Context, lotPath, resultPath string) error {
	if len(l.Command) == 0 {
		return errors.New("worker command is empty")
	}
	args := append(append([]string{}, l.Command[1:]...), "--lot", lotPath, "--result", resultPath)
	cmd := exec.Command(l.Command[0], args...)
	if l.Env != nil {
		cmd.Env = l.Env
	}
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Bounds Wait if a grandchild keeps an output pipe open.
	cmd.WaitDelay = l.grace()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	pgid := cmd.Process.Pid
	logger := l.Logger.With("worker_pid", pgid)
	logger.Debug("worker started", "lot", lotPath)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		// Sweep anything the worker left behind in its group.
		l.signalGroup(pgid, unix.SIGKILL)
		if err != nil {
			return fmt.Errorf("worker exited: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Warn("terminating worker process group", "cause", context.Cause(ctx))
	l.signalGroup(pgid, unix.SIGTERM)
	exited := false
	select {
	case <-done:
		exited = true
	case <-time.After(l.grace()):
		logger.Warn("worker ignored SIGTERM, killing", "grace", l.grace())
	}
	// Also reaps grandchildren of a worker that exited on SIGTERM.
	l.signalGroup(pgid, unix.SIGKILL)
	if !exited {
		<-done
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrLotTimeout
	}
	return ctx.Err()
}

func (l *ProcessLauncher) signalGroup(pgid int, sig unix.Signal) {
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		l.Logger.Warn("signal worker process group", "pgid", pgid, "signal", sig.String(), "error", err)
	}
}

func (l *ProcessLauncher) grace() time.Duration {
	if l.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return l.KillGrace
}
