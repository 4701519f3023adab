package acp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// terminalGracePeriod force-releases a terminal the agent never
	// released. Renewed on every output poll.
	terminalGracePeriod = 30 * time.Second
	// terminalOutputLimit caps how much output is retained per terminal.
	terminalOutputLimit = 1 << 20
)

// ErrTerminalNotFound is returned for operations on unknown terminal ids.
var ErrTerminalNotFound = errors.New("terminal not found")

// TerminalHost runs shell commands on the agent's behalf and tracks them by
// terminal id. The agent is expected to release terminals explicitly; the
// grace timer cleans up after agents that never do.
type TerminalHost struct {
	mu        sync.Mutex
	terminals map[string]*terminalProc
	grace     time.Duration
}

// NewTerminalHost creates an empty terminal host.
func NewTerminalHost() *TerminalHost {
	return &TerminalHost{
		terminals: make(map[string]*terminalProc),
		grace:     terminalGracePeriod,
	}
}

type terminalProc struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	output    bytes.Buffer
	truncated bool
	exit      *TerminalExitStatus
	timer     *time.Timer
}

// Create starts the command and returns its terminal id.
func (h *TerminalHost) Create(params TerminalCreateParams) (string, error) {
	cmd := exec.Command(params.Command, params.Args...)
	cmd.Dir = params.Cwd

	t := &terminalProc{id: uuid.NewString(), cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = terminalWriter{t}
	cmd.Stderr = terminalWriter{t}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("terminal start: %w", err)
	}

	go func() {
		err := cmd.Wait()
		status := TerminalExitStatus{}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			status.ExitCode = &code
			if code == -1 {
				sig := exitErr.String()
				status.Signal = &sig
			}
		} else {
			code := 0
			status.ExitCode = &code
		}
		t.mu.Lock()
		t.exit = &status
		t.mu.Unlock()
		close(t.done)
	}()

	h.mu.Lock()
	h.terminals[t.id] = t
	h.mu.Unlock()
	t.mu.Lock()
	t.timer = time.AfterFunc(h.grace, func() { h.forceRelease(t.id) })
	t.mu.Unlock()

	return t.id, nil
}

// Output returns the accumulated output snapshot and renews the grace timer.
func (h *TerminalHost) Output(terminalID string) (TerminalOutputResult, error) {
	t, err := h.get(terminalID)
	if err != nil {
		return TerminalOutputResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Reset(h.grace)
	}
	return TerminalOutputResult{
		Output:     t.output.String(),
		Truncated:  t.truncated,
		ExitStatus: t.exit,
	}, nil
}

// WaitForExit blocks until the terminal's process exits or ctx expires.
func (h *TerminalHost) WaitForExit(ctx context.Context, terminalID string) (TerminalWaitResult, error) {
	t, err := h.get(terminalID)
	if err != nil {
		return TerminalWaitResult{}, err
	}

	select {
	case <-ctx.Done():
		return TerminalWaitResult{}, ctx.Err()
	case <-t.done:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return TerminalWaitResult{ExitStatus: *t.exit}, nil
}

// Kill terminates the terminal's process but keeps its output readable.
func (h *TerminalHost) Kill(terminalID string) error {
	t, err := h.get(terminalID)
	if err != nil {
		return err
	}
	t.kill()
	return nil
}

// Release kills the process, clears the grace timer and forgets the id.
func (h *TerminalHost) Release(terminalID string) error {
	h.mu.Lock()
	t, ok := h.terminals[terminalID]
	delete(h.terminals, terminalID)
	h.mu.Unlock()
	if !ok {
		return ErrTerminalNotFound
	}
	t.release()
	return nil
}

// ReleaseAll tears down every live terminal. Called on disconnect so no
// process or timer outlives the session.
func (h *TerminalHost) ReleaseAll() {
	h.mu.Lock()
	terminals := h.terminals
	h.terminals = make(map[string]*terminalProc)
	h.mu.Unlock()
	for _, t := range terminals {
		t.release()
	}
}

func (h *TerminalHost) forceRelease(terminalID string) {
	_ = h.Release(terminalID)
}

func (h *TerminalHost) get(terminalID string) (*terminalProc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.terminals[terminalID]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	return t, nil
}

func (t *terminalProc) kill() {
	select {
	case <-t.done:
		return
	default:
	}
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

func (t *terminalProc) release() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.kill()
}

type terminalWriter struct{ t *terminalProc }

func (w terminalWriter) Write(p []byte) (int, error) {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	if w.t.output.Len()+len(p) > terminalOutputLimit {
		w.t.truncated = true
		keep := terminalOutputLimit - w.t.output.Len()
		if keep > 0 {
			w.t.output.Write(p[:keep])
		}
		return len(p), nil
	}
	w.t.output.Write(p)
	return len(p), nil
}
