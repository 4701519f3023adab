package launcher

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
)

// Spec describes the subprocess to start: resolved executable, arguments,
// merged environment entries ("KEY=value") and working directory.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Handle is an owned subprocess. Every code path that obtains a Handle and
// fails before handing it off must call Terminate; the bridge never relies on
// ambient process-table lifetime.
type Handle interface {
	// Stdin is the subprocess's standard input.
	Stdin() io.Writer
	// Stdout is the subprocess's standard output.
	Stdout() io.Reader
	// Terminate kills the subprocess. Safe to call multiple times and after
	// the process has already exited.
	Terminate() error
	// IsAlive reports whether the process is still running.
	IsAlive() bool
	// Wait blocks until the process exits and returns its exit error, if any.
	Wait() error
	// OnExit registers a listener invoked exactly once when the process
	// exits, with the exit error (nil for a clean exit). Registering after
	// exit invokes the listener immediately.
	OnExit(func(error))
}

// Launcher starts agent subprocesses.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// Spawn failure classes. The caller distinguishes a missing binary (install
// guidance can be offered) from a generic spawn failure.
var (
	ErrExecutableNotFound = errors.New("executable not found")
	ErrPermissionDenied   = errors.New("permission denied")
)

// ClassifySpawnError maps a raw start error onto the spawn failure classes,
// wrapping so errors.Is still matches the sentinel.
func ClassifySpawnError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return errors.Join(ErrExecutableNotFound, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "eacces") {
		return errors.Join(ErrPermissionDenied, err)
	}
	if strings.Contains(msg, "no such file") || strings.Contains(msg, "not found") {
		return errors.Join(ErrExecutableNotFound, err)
	}
	return err
}
