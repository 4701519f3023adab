package launcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// HostLauncher runs agents directly on the host machine.
type HostLauncher struct {
	cfg Config
}

// NewHostLauncher creates a host launcher with the given configuration.
func NewHostLauncher(cfg Config) *HostLauncher {
	return &HostLauncher{cfg: cfg}
}

// Launch starts the agent subprocess with augmented PATH and merged
// environment. The returned handle owns the process.
func (l *HostLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	name, args := resolveInterpreter(spec.Path, spec.Args)

	env := append(os.Environ(), spec.Env...)
	env = augmentPath(env, l.cfg.RuntimeBinDir)

	// Resolve against the augmented PATH, not the inherited one, so agents
	// installed into the runtime dir are found.
	if resolved, err := lookPathIn(name, env); err == nil {
		name = resolved
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = spec.Dir
	cmd.Env = env
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, ClassifySpawnError(err)
	}

	h := &hostHandle{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}

	// Agent diagnostics go to stderr; drain to the log so the pipe never
	// fills up and blocks the agent.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := stderr.Read(buf)
			if n > 0 {
				log.Printf("agent stderr: %s", strings.TrimRight(string(buf[:n]), "\n"))
			}
			if rerr != nil {
				return
			}
		}
	}()

	// Single waiter goroutine. Exit listeners hang off the done channel so
	// repeated launches of the same logical session never stack listeners
	// on the process itself.
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

type hostHandle struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	done    chan struct{}
	waitErr error

	mu         sync.Mutex
	terminated bool
	exitFns    []func(error)
	exitFired  bool
}

func (h *hostHandle) Stdin() io.Writer  { return h.stdin }
func (h *hostHandle) Stdout() io.Reader { return h.stdout }

func (h *hostHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *hostHandle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *hostHandle) Terminate() error {
	h.mu.Lock()
	already := h.terminated
	h.terminated = true
	h.mu.Unlock()
	if already || !h.IsAlive() {
		return nil
	}
	_ = h.stdin.Close()
	killProcessGroup(h.cmd)
	return nil
}

func (h *hostHandle) OnExit(fn func(error)) {
	h.mu.Lock()
	if h.exitFired {
		h.mu.Unlock()
		fn(h.waitErr)
		return
	}
	first := len(h.exitFns) == 0
	h.exitFns = append(h.exitFns, fn)
	h.mu.Unlock()

	if !first {
		return
	}
	go func() {
		<-h.done
		h.mu.Lock()
		fns := h.exitFns
		h.exitFns = nil
		h.exitFired = true
		err := h.waitErr
		h.mu.Unlock()
		for _, f := range fns {
			f(err)
		}
	}()
}

// resolveInterpreter derives the shell/interpreter to run for the configured
// executable. Script agents distributed as .js entry points run under node;
// on Windows, .cmd/.bat shims run under cmd.
func resolveInterpreter(path string, args []string) (string, []string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".mjs":
		return "node", append([]string{path}, args...)
	case ".cmd", ".bat":
		return "cmd", append([]string{"/C", path}, args...)
	default:
		return path, args
	}
}

// augmentPath prepends dir to the PATH entry of env, adding one if absent.
func augmentPath(env []string, dir string) []string {
	if dir == "" {
		return env
	}
	for i, entry := range env {
		if strings.HasPrefix(entry, "PATH=") {
			env[i] = "PATH=" + dir + string(os.PathListSeparator) + entry[len("PATH="):]
			return env
		}
	}
	return append(env, "PATH="+dir)
}

// lookPathIn resolves name against the PATH entry of env.
func lookPathIn(name string, env []string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		return name, nil
	}
	for _, entry := range env {
		if !strings.HasPrefix(entry, "PATH=") {
			continue
		}
		for _, dir := range filepath.SplitList(entry[len("PATH="):]) {
			if dir == "" {
				continue
			}
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}
		return "", exec.ErrNotFound
	}
	return exec.LookPath(name)
}
