package launcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
)

const defaultContainerImage = "node:22-bookworm-slim"

// ContainerLauncher dispatches the agent command into a container instead of
// the host: a secondary OS layer with its own executable resolution. The
// logical command is unchanged; only where it runs differs.
type ContainerLauncher struct {
	client *client.Client
	cfg    Config
}

// NewContainerLauncher creates a container-backed launcher. It fails fast if
// no daemon is reachable so callers can fall back to host execution.
func NewContainerLauncher(cfg Config) (*ContainerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create container client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container daemon not accessible: %w", err)
	}

	return &ContainerLauncher{client: cli, cfg: cfg}, nil
}

// Launch starts the agent inside a container with the working directory bind
// mounted, attaching to its stdio for the wire protocol.
func (l *ContainerLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	img := l.cfg.Image
	if img == "" {
		img = defaultContainerImage
	}
	if err := l.ensureImage(ctx, img); err != nil {
		return nil, fmt.Errorf("failed to ensure image %s: %w", img, err)
	}

	containerConfig := &container.Config{
		Image:        img,
		Cmd:          append([]string{spec.Path}, spec.Args...),
		WorkingDir:   "/workspace",
		Env:          spec.Env,
		OpenStdin:    true,
		StdinOnce:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.Dir, Target: "/workspace"},
		},
		Resources: container.Resources{
			Memory:   parseMemory(l.cfg.Memory),
			NanoCPUs: parseCPU(l.cfg.CPU) * 1e9,
			Ulimits:  []*units.Ulimit{{Name: "nofile", Soft: 1024, Hard: 1024}},
		},
		SecurityOpt: []string{"no-new-privileges"},
		AutoRemove:  true,
	}

	createResp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, ClassifySpawnError(fmt.Errorf("failed to create container: %w", err))
	}
	containerID := createResp.ID

	attach, err := l.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.remove(containerID)
		return nil, fmt.Errorf("failed to attach container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		attach.Close()
		l.remove(containerID)
		return nil, ClassifySpawnError(fmt.Errorf("failed to start container: %w", err))
	}

	stdout, stdoutW := io.Pipe()
	go demuxStreams(attach.Reader, stdoutW)

	h := &containerHandle{
		launcher:    l,
		containerID: containerID,
		stdin:       attach.Conn,
		stdout:      stdout,
		done:        make(chan struct{}),
	}

	go func() {
		statusCh, errCh := l.client.ContainerWait(context.Background(), containerID, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			h.waitErr = err
		case status := <-statusCh:
			if status.StatusCode != 0 {
				h.waitErr = fmt.Errorf("agent container exited with code %d", status.StatusCode)
			}
		}
		attach.Close()
		close(h.done)
	}()

	return h, nil
}

func (l *ContainerLauncher) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := l.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}
	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (l *ContainerLauncher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

type containerHandle struct {
	launcher    *ContainerLauncher
	containerID string
	stdin       io.Writer
	stdout      io.Reader
	done        chan struct{}
	waitErr     error

	mu         sync.Mutex
	terminated bool
	exitFns    []func(error)
	exitFired  bool
}

func (h *containerHandle) Stdin() io.Writer  { return h.stdin }
func (h *containerHandle) Stdout() io.Reader { return h.stdout }

func (h *containerHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *containerHandle) Wait() error {
	<-h.done
	return h.waitErr
}

func (h *containerHandle) Terminate() error {
	h.mu.Lock()
	already := h.terminated
	h.terminated = true
	h.mu.Unlock()
	if already || !h.IsAlive() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.launcher.client.ContainerKill(ctx, h.containerID, "SIGKILL")
	h.launcher.remove(h.containerID)
	return nil
}

func (h *containerHandle) OnExit(fn func(error)) {
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

// demuxStreams splits the attach stream into protocol output and diagnostics.
// The daemon frames each chunk with an 8-byte header:
// [STREAM_TYPE (1 byte)][RESERVED (3 bytes)][SIZE (4 bytes, big-endian)].
// Stream 1 (stdout) carries the wire protocol; stream 2 (stderr) is logged.
func demuxStreams(reader io.Reader, stdout *io.PipeWriter) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			stdout.CloseWithError(err)
			return
		}

		streamType := header[0]
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size <= 0 || size > 10*1024*1024 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			stdout.CloseWithError(err)
			return
		}

		switch streamType {
		case 1:
			if _, err := stdout.Write(payload); err != nil {
				return
			}
		case 2:
			log.Printf("agent stderr: %s", strings.TrimRight(string(payload), "\n"))
		}
	}
}

// parseMemory parses a memory string (e.g. "1g", "512m") to bytes.
func parseMemory(memStr string) int64 {
	memStr = strings.ToLower(strings.TrimSpace(memStr))
	if memStr == "" {
		return 1024 * 1024 * 1024
	}

	var multiplier int64 = 1
	if strings.HasSuffix(memStr, "g") {
		multiplier = 1024 * 1024 * 1024
		memStr = strings.TrimSuffix(memStr, "g")
	} else if strings.HasSuffix(memStr, "m") {
		multiplier = 1024 * 1024
		memStr = strings.TrimSuffix(memStr, "m")
	} else if strings.HasSuffix(memStr, "k") {
		multiplier = 1024
		memStr = strings.TrimSuffix(memStr, "k")
	}

	var value int64
	fmt.Sscanf(memStr, "%d", &value)
	return value * multiplier
}

// parseCPU parses a CPU count string (e.g. "2") to an integer count.
func parseCPU(cpuStr string) int64 {
	cpuStr = strings.TrimSpace(cpuStr)
	if cpuStr == "" {
		return 2
	}

	var value float64
	fmt.Sscanf(cpuStr, "%f", &value)
	if value <= 0 {
		return 2
	}
	return int64(value)
}
