package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/seantiz/fsbatch/internal/model"
)

// ErrEngineExited is wrapped by handle errors caused by the engine process
// going away mid-session.
var ErrEngineExited = errors.New("engine process exited")

// Default lifecycle settings.
const (
	DefaultReapGrace    = 2 * time.Second
	DefaultStartTimeout = 30 * time.Second
)

// Handle is a live session with the calculation engine. A handle is not safe
// for concurrent use and must not be reused after a failed Compute.
type Handle interface {
	// Compute runs one load case and returns its safety-factor vector.
	// It may block forever.
	Compute(req model.Request) ([]float64, error)

	// Close releases the local side of the session. It never waits for the
	// native process to exit.
	Close() error
}

// Factory creates fully initialized handles.
type Factory interface {
	Open(ctx context.Context, setup Setup) (Handle, error)
}

// Reaper forcibly terminates stuck native engine processes.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Fingerprint identifies engine processes in the OS process table: the
// process name must contain Name and its command line must contain Artifact.
type Fingerprint struct {
	Name     string `yaml:"name" json:"name"`
	Artifact string `yaml:"artifact" json:"artifact"`
}

// Empty reports whether the fingerprint cannot safely identify anything.
// Without an artifact path every process of the interpreter would match.
func (f Fingerprint) Empty() bool {
	return strings.TrimSpace(f.Artifact) == ""
}

// Matches reports whether a process with the given name and argv belongs to
// the engine.
func (f Fingerprint) Matches(name string, cmdline []string) bool {
	if f.Empty() {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(name), strings.ToLower(f.Name)) {
		return false
	}
	return strings.Contains(strings.Join(cmdline, " "), f.Artifact)
}

// Config describes how to launch and recognize the engine. It travels inside
// every lot artifact so worker processes need nothing else.
type Config struct {
	// Command is the engine launch command, e.g. ["java", "-jar", "engine/pcalc.jar"].
	Command []string `yaml:"command" json:"command"`

	// Dir is the engine's working directory; empty means the worker's.
	Dir string `yaml:"dir" json:"dir,omitempty"`

	Fingerprint Fingerprint `yaml:"fingerprint" json:"fingerprint"`

	// ReapGrace bounds how long the reaper waits for each killed process.
	ReapGrace time.Duration `yaml:"reap_grace" json:"reap_grace"`

	// StartTimeout bounds launch plus the setup handshake.
	StartTimeout time.Duration `yaml:"start_timeout" json:"start_timeout"`

	Setup Setup `yaml:"setup" json:"setup"`
}

// Validate checks the fields a worker needs before it can acquire a handle.
func (c Config) Validate() error {
	if len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return fmt.Errorf("engine.command is required")
	}
	if c.Fingerprint.Empty() {
		return fmt.Errorf("engine.fingerprint.artifact is required")
	}
	if c.ReapGrace < 0 {
		return fmt.Errorf("engine.reap_grace must not be negative")
	}
	if c.StartTimeout <= 0 {
		return fmt.Errorf("engine.start_timeout must be positive")
	}
	return c.Setup.Validate()
}

// Manager owns the engine lifecycle for one worker: acquire, discard, reap.
type Manager struct {
	factory      Factory
	reaper       Reaper
	setup        Setup
	startTimeout time.Duration
	logger       *slog.Logger
}

// NewManager creates a lifecycle manager. reaper may be nil, in which case
// reaping is a no-op.
func NewManager(f Factory, r Reaper, setup Setup, logger *slog.Logger) *Manager {
	return &Manager{
		factory:      f,
		reaper:       r,
		setup:        setup,
		startTimeout: DefaultStartTimeout,
		logger:       logger,
	}
}

// WithStartTimeout overrides the bound on a single Acquire.
func (m *Manager) WithStartTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.startTimeout = d
	}
	return m
}

// Acquire creates and initializes a fresh handle.
func (m *Manager) Acquire(ctx context.Context) (Handle, error) {
	ctx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()

	start := time.Now()
	h, err := m.factory.Open(ctx, m.setup)
	if err != nil {
		return nil, fmt.Errorf("acquire engine: %w", err)
	}
	m.logger.Debug("engine acquired", "duration_ms", time.Since(start).Milliseconds())
	return h, nil
}

// Discard drops the handle. The native process may still be running; only
// ReapStuckProcesses deals with that.
func (m *Manager) Discard(h Handle) {
	if h == nil {
		return
	}
	if err := h.Close(); err != nil {
		m.logger.Debug("close engine handle", "error", err)
	}
}

// ReapStuckProcesses kills native engine processes matching the fingerprint
// and returns how many were killed. Failures are logged, never returned.
func (m *Manager) ReapStuckProcesses(ctx context.Context) int {
	if m.reaper == nil {
		return 0
	}
	n, err := m.reaper.Reap(ctx)
	if err != nil {
		m.logger.Warn("reap engine processes", "error", err)
	}
	if n > 0 {
		m.logger.Info("reaped engine processes", "count", n)
	}
	return n
}

// Recover replaces a poisoned handle: discard, reap, then acquire.
func (m *Manager) Recover(ctx context.Context, h Handle) (Handle, error) {
	m.Discard(h)
	m.ReapStuckProcesses(ctx)
	return m.Acquire(ctx)
}
