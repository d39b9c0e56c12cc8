package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/seantiz/fsbatch/internal/model"
)

// ProcessFactory launches one engine process per handle and talks to it over
// the bridge protocol on stdin/stdout. Engine stderr is forwarded to the
// logger at debug level.
type ProcessFactory struct {
	Command []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

// NewProcessFactory builds a factory from the engine configuration.
func NewProcessFactory(cfg Config, logger *slog.Logger) *ProcessFactory {
	return &ProcessFactory{
		Command: cfg.Command,
		Dir:     cfg.Dir,
		Logger:  logger,
	}
}

// processHandle is a session with one engine process.
type processHandle struct {
	cmd    *exec.Cmd
	in     *os.File
	out    *bufio.Reader
	outF   *os.File
	logger *slog.Logger

	closeOnce sync.Once
	exited    chan struct{}
}

// Open starts the engine, sends the setup message and waits for its
// acknowledgement. If ctx ends first, the process is killed.
func (f *ProcessFactory) Open(ctx context.Context, setup Setup) (Handle, error) {
	if len(f.Command) == 0 {
		return nil, errors.New("engine command is empty")
	}

	// Plain os.Pipe files instead of cmd.*Pipe: Wait must not close the read
	// side under an abandoned Compute, and stderr must not hold Wait hostage.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW)
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd := exec.Command(f.Command[0], f.Command[1:]...)
	cmd.Dir = f.Dir
	if f.Env != nil {
		cmd.Env = f.Env
	}
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW, errR, errW)
		return nil, fmt.Errorf("start engine %s: %w", f.Command[0], err)
	}
	// The child owns its ends now.
	closeAll(inR, outW, errW)

	logger := f.Logger.With("engine_pid", cmd.Process.Pid)
	h := &processHandle{
		cmd:    cmd,
		in:     inW,
		out:    bufio.NewReader(outR),
		outF:   outR,
		logger: logger,
		exited: make(chan struct{}),
	}
	go h.forwardStderr(errR)
	go func() {
		err := cmd.Wait()
		logger.Debug("engine process exited", "error", err)
		close(h.exited)
	}()

	ack := make(chan error, 1)
	go func() {
		ack <- h.roundTrip(Message{Type: MsgTypeSetup, Setup: &setup}, nil)
	}()

	select {
	case err := <-ack:
		if err != nil {
			h.kill()
			h.Close()
			return nil, fmt.Errorf("engine setup: %w", err)
		}
	case <-ctx.Done():
		h.kill()
		h.Close()
		return nil, fmt.Errorf("engine setup: %w", ctx.Err())
	}

	return h, nil
}

// Compute sends one load case and blocks until the engine replies.
func (h *processHandle) Compute(req model.Request) ([]float64, error) {
	var values []float64
	if err := h.roundTrip(Message{Type: MsgTypeCompute, Loads: req.Loads, Rebar: req.Rebar}, &values); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.New("engine returned no values")
	}
	return values, nil
}

// Close closes both pipe ends held by the host. An abandoned Compute blocked
// on the stdout pipe wakes up with an error.
func (h *processHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = errors.Join(h.in.Close(), h.outF.Close())
	})
	return err
}

func (h *processHandle) roundTrip(msg Message, values *[]float64) error {
	if err := WriteFrame(h.in, msg); err != nil {
		return pipeError(err)
	}
	var reply Reply
	if err := ReadFrame(h.out, &reply); err != nil {
		return pipeError(err)
	}
	if !reply.OK {
		if reply.Error == "" {
			reply.Error = "unspecified failure"
		}
		return fmt.Errorf("engine: %s", reply.Error)
	}
	if values != nil {
		*values = reply.Values
	}
	return nil
}

// kill terminates the process this handle started. Used only when a session
// never became usable; poisoned sessions are left to the reaper.
func (h *processHandle) kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

func (h *processHandle) forwardStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.logger.Debug("engine stderr", "line", scanner.Text())
	}
}

// pipeError marks errors caused by the peer disappearing.
func pipeError(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrEngineExited, err)
	}
	return err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
