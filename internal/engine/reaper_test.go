package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/procfs"
)

// TestHelperStuckEngine is not a real test: it stands in for a native engine
// process that never returns.
func TestHelperStuckEngine(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_STUCK") != "1" {
		return
	}
	time.Sleep(time.Hour)
	os.Exit(0)
}

func startStuckEngine(t *testing.T, marker string) *exec.Cmd {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	cmd := exec.Command(exe, "-test.run=TestHelperStuckEngine", "--", marker)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_STUCK=1")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

func testReaper(fp Fingerprint) *ProcReaper {
	return &ProcReaper{
		Fingerprint: fp,
		Grace:       2 * time.Second,
		Logger:      slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
}

func TestProcReaperKillsMatchingProcesses(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process table reaping requires /proc")
	}

	marker := "fsbatch-reap-" + strconv.FormatInt(time.Now().UnixNano(), 36) + ".jar"
	first := startStuckEngine(t, marker)
	second := startStuckEngine(t, marker)
	other := startStuckEngine(t, marker+"-other")

	// Give the children time to exec so their cmdline is visible.
	time.Sleep(100 * time.Millisecond)

	r := testReaper(Fingerprint{Artifact: marker})
	n, err := r.Reap(context.Background())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	// "-other" contains the marker as a prefix, so three processes match.
	if n != 3 {
		t.Fatalf("Reap killed %d processes, want 3", n)
	}

	for _, cmd := range []*exec.Cmd{first, second, other} {
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("pid %d still running after reap", cmd.Process.Pid)
		}
	}
}

func TestProcReaperIgnoresUnrelatedProcesses(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process table reaping requires /proc")
	}

	cmd := startStuckEngine(t, "fsbatch-unrelated-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	time.Sleep(100 * time.Millisecond)

	r := testReaper(Fingerprint{Artifact: "fsbatch-never-launched-" + strconv.FormatInt(time.Now().UnixNano(), 36)})
	n, err := r.Reap(context.Background())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 0 {
		t.Fatalf("Reap killed %d processes, want 0", n)
	}
	fs, err := procfs.NewFS(DefaultProcRoot)
	if err != nil {
		t.Fatalf("procfs: %v", err)
	}
	p, err := fs.Proc(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("unrelated process vanished: %v", err)
	}
	if st, err := p.Stat(); err != nil || st.State == "Z" {
		t.Fatalf("unrelated process was killed (state %q, err %v)", st.State, err)
	}
}

func TestProcReaperEmptyFingerprint(t *testing.T) {
	r := testReaper(Fingerprint{Name: "java"})
	n, err := r.Reap(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Reap = %d, %v; want 0, nil", n, err)
	}
}
