package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// DefaultProcRoot is where the process table is mounted.
const DefaultProcRoot = procfs.DefaultMountPoint

// reapPoll is how often a killed process is checked for disappearance.
const reapPoll = 25 * time.Millisecond

// ProcReaper kills engine processes found in the process table by
// fingerprint. It never touches the calling process.
type ProcReaper struct {
	Fingerprint Fingerprint
	Grace       time.Duration
	ProcRoot    string
	Logger      *slog.Logger
}

// NewProcReaper builds a reaper from the engine configuration.
func NewProcReaper(cfg Config, logger *slog.Logger) *ProcReaper {
	return &ProcReaper{
		Fingerprint: cfg.Fingerprint,
		Grace:       cfg.ReapGrace,
		ProcRoot:    DefaultProcRoot,
		Logger:      logger,
	}
}

var _ Reaper = (*ProcReaper)(nil)

// Reap sends SIGKILL to every matching process, then waits up to Grace for
// each to disappear. It returns the number of processes signalled.
func (r *ProcReaper) Reap(ctx context.Context) (int, error) {
	if r.Fingerprint.Empty() {
		return 0, nil
	}

	pids, err := r.find()
	if err != nil {
		return 0, err
	}

	var killed []int
	var errs []error
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			if errors.Is(err, unix.ESRCH) {
				continue
			}
			errs = append(errs, fmt.Errorf("kill pid %d: %w", pid, err))
			continue
		}
		r.Logger.Debug("killed engine process", "pid", pid)
		killed = append(killed, pid)
	}

	for _, pid := range killed {
		if !r.waitGone(ctx, pid) {
			r.Logger.Warn("engine process still present after kill", "pid", pid, "grace", r.Grace)
		}
	}

	return len(killed), errors.Join(errs...)
}

func (r *ProcReaper) find() ([]int, error) {
	fs, err := procfs.NewFS(r.procRoot())
	if err != nil {
		return nil, fmt.Errorf("open process table: %w", err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := os.Getpid()
	var pids []int
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		// Processes can vanish between listing and inspection.
		comm, err := p.Comm()
		if err != nil {
			continue
		}
		cmdline, err := p.CmdLine()
		if err != nil {
			continue
		}
		if r.Fingerprint.Matches(comm, cmdline) {
			pids = append(pids, p.PID)
		}
	}
	return pids, nil
}

// waitGone polls until pid is gone or a zombie, the grace period runs out,
// or ctx ends.
func (r *ProcReaper) waitGone(ctx context.Context, pid int) bool {
	fs, err := procfs.NewFS(r.procRoot())
	if err != nil {
		return false
	}
	deadline := time.Now().Add(r.Grace)
	for {
		p, err := fs.Proc(pid)
		if err != nil {
			return true
		}
		if st, err := p.Stat(); err != nil || st.State == "Z" || st.State == "X" {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(reapPoll):
		}
	}
}

func (r *ProcReaper) procRoot() string {
	if r.ProcRoot == "" {
		return DefaultProcRoot
	}
	return r.ProcRoot
}
