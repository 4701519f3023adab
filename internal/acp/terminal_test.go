package acp

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"
)

func TestTerminalHostRunAndOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/echo")
	}
	h := NewTerminalHost()
	defer h.ReleaseAll()

	id, err := h.Create(TerminalCreateParams{Command: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wait, err := h.WaitForExit(ctx, id)
	if err != nil {
		t.Fatalf("WaitForExit failed: %v", err)
	}
	if wait.ExitStatus.ExitCode == nil || *wait.ExitStatus.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %+v", wait.ExitStatus)
	}

	out, err := h.Output(id)
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if out.Output != "hello\n" {
		t.Errorf("unexpected output %q", out.Output)
	}

	if err := h.Release(id); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := h.Output(id); !errors.Is(err, ErrTerminalNotFound) {
		t.Errorf("released terminal must be forgotten, got %v", err)
	}
}

func TestTerminalHostGraceTimerForceReleases(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep")
	}
	h := NewTerminalHost()
	h.grace = 50 * time.Millisecond
	defer h.ReleaseAll()

	id, err := h.Create(TerminalCreateParams{Command: "sleep", Args: []string{"60"}})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := h.Output(id); errors.Is(err, ErrTerminalNotFound) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("grace timer never released the abandoned terminal")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestTerminalHostUnknownID(t *testing.T) {
	h := NewTerminalHost()
	if err := h.Kill("nope"); !errors.Is(err, ErrTerminalNotFound) {
		t.Errorf("expected ErrTerminalNotFound, got %v", err)
	}
	if err := h.Release("nope"); !errors.Is(err, ErrTerminalNotFound) {
		t.Errorf("expected ErrTerminalNotFound, got %v", err)
	}
}
