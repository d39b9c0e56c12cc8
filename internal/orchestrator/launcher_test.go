package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/procfs"

	"github.com/seantiz/fsbatch/internal/orchestrator"
)

// TestHelperWorkerProcess is not a real test: it stands in for the worker
// subcommand launched by ProcessLauncher.
func TestHelperWorkerProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_WORKER") != "1" {
		return
	}
	resultPath := argAfter(os.Args, "--result")

	switch os.Getenv("HELPER_WORKER_MODE") {
	case "ok":
		_ = os.WriteFile(resultPath, []byte("{}"), 0o644)
		os.Exit(0)
	case "fail":
		os.Exit(2)
	case "hang":
		time.Sleep(time.Hour)
	case "graceful":
		// Exits cleanly on SIGTERM, like the worker subcommand.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		os.Exit(0)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Hour)
	case "spawn":
		// A grandchild standing in for the engine, in the worker's group.
		child := exec.Command(os.Args[0], "-test.run=TestHelperWorkerProcess", "--")
		child.Env = append(os.Environ(), "HELPER_WORKER_MODE=hang")
		if err := child.Start(); err != nil {
			os.Exit(3)
		}
		_ = os.WriteFile(resultPath, []byte(strconv.Itoa(child.Process.Pid)), 0o644)
		time.Sleep(time.Hour)
	}
	os.Exit(0)
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func helperLauncher(t *testing.T, mode string) *orchestrator.ProcessLauncher {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("process groups require a unix host")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	return &orchestrator.ProcessLauncher{
		Command:   []string{exe, "-test.run=TestHelperWorkerProcess", "--"},
		Env:       append(os.Environ(), "GO_WANT_HELPER_WORKER=1", "HELPER_WORKER_MODE="+mode),
		KillGrace: 200 * time.Millisecond,
		Stdout:    io.Discard,
		Stderr:    io.Discard,
		Logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

// waitUntil polls cond until it returns true or timeout elapses.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestProcessLauncherSuccess(t *testing.T) {
	l := helperLauncher(t, "ok")
	dir := t.TempDir()
	resultPath := filepath.Join(dir, "result.json")

	if err := l.Launch(context.Background(), filepath.Join(dir, "lot.json"), resultPath); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if _, err := os.Stat(resultPath); err != nil {
		t.Errorf("worker did not receive the result path: %v", err)
	}
}

func TestProcessLauncherExitFailure(t *testing.T) {
	l := helperLauncher(t, "fail")
	dir := t.TempDir()

	err := l.Launch(context.Background(), filepath.Join(dir, "lot.json"), filepath.Join(dir, "result.json"))
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 2 {
		t.Fatalf("Launch error = %v, want exit status 2", err)
	}
}

func TestProcessLauncherTimeout(t *testing.T) {
	for _, mode := range []string{"hang", "graceful", "stubborn"} {
		t.Run(mode, func(t *testing.T) {
			l := helperLauncher(t, mode)
			dir := t.TempDir()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			start := time.Now()
			err := l.Launch(ctx, filepath.Join(dir, "lot.json"), filepath.Join(dir, "result.json"))
			if !errors.Is(err, orchestrator.ErrLotTimeout) {
				t.Fatalf("Launch error = %v, want ErrLotTimeout", err)
			}
			if elapsed := time.Since(start); elapsed > 5*time.Second {
				t.Errorf("Launch took %v after timeout", elapsed)
			}
		})
	}
}

func TestProcessLauncherCancelled(t *testing.T) {
	l := helperLauncher(t, "graceful")
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	err := l.Launch(ctx, filepath.Join(dir, "lot.json"), filepath.Join(dir, "result.json"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Launch error = %v, want context.Canceled", err)
	}
}

func TestProcessLauncherKillsGrandchildren(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("inspecting the process table requires /proc")
	}
	l := helperLauncher(t, "spawn")
	dir := t.TempDir()
	resultPath := filepath.Join(dir, "result.json")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	if err := l.Launch(ctx, filepath.Join(dir, "lot.json"), resultPath); !errors.Is(err, orchestrator.ErrLotTimeout) {
		t.Fatalf("Launch error = %v, want ErrLotTimeout", err)
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatalf("grandchild pid not recorded: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse pid: %v", err)
	}

	fs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err != nil {
		t.Fatalf("procfs: %v", err)
	}
	gone := waitUntil(t, 5*time.Second, func() bool {
		p, err := fs.Proc(pid)
		if err != nil {
			return true
		}
		st, err := p.Stat()
		return err != nil || st.State == "Z"
	})
	if !gone {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		t.Fatalf("grandchild %d survived the worker's timeout", pid)
	}
}
