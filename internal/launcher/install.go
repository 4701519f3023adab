package launcher

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	installRetries = 2
	installBackoff = 3 * time.Second
)

// Installer installs agent packages through the system package manager.
// Installs run before session creation, never concurrently with it.
type Installer struct {
	cfg Config
}

// NewInstaller creates an installer with the given launcher configuration.
func NewInstaller(cfg Config) *Installer {
	return &Installer{cfg: cfg}
}

// Install installs the given npm package globally, retrying a bounded number
// of times with a fixed backoff. It returns the resolved executable path for
// binName once the install succeeds.
func (i *Installer) Install(ctx context.Context, pkg, binName string) (string, error) {
	timeout := i.cfg.InstallTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	var lastErr error
	for attempt := 0; attempt <= installRetries; attempt++ {
		if attempt > 0 {
			log.Printf("install attempt %d/%d for %s after error: %v", attempt+1, installRetries+1, pkg, lastErr)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("install cancelled: %w", ctx.Err())
			case <-time.After(installBackoff):
			}
		}

		if err := i.runInstall(ctx, pkg, timeout); err != nil {
			lastErr = err
			continue
		}

		path, err := i.DetectExecutable(binName)
		if err != nil {
			lastErr = fmt.Errorf("installed %s but executable %s not found: %w", pkg, binName, err)
			continue
		}
		return path, nil
	}

	return "", fmt.Errorf("failed to install %s after %d attempts: %w", pkg, installRetries+1, lastErr)
}

func (i *Installer) runInstall(ctx context.Context, pkg string, timeout time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"install", "-g", pkg}
	cmd := exec.CommandContext(cctx, "npm", args...)
	if i.cfg.RuntimeBinDir != "" {
		// Install into the bridge-managed runtime prefix so no shell
		// profile changes are needed.
		cmd.Env = append(os.Environ(), "npm_config_prefix="+filepath.Dir(i.cfg.RuntimeBinDir))
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("install of %s timed out after %s", pkg, timeout)
		}
		return fmt.Errorf("npm install %s failed: %w (%s)", pkg, err, truncateOutput(output.String()))
	}
	return nil
}

// DetectExecutable resolves an agent binary by name, checking the runtime
// bin directory first and then the ambient PATH.
func (i *Installer) DetectExecutable(name string) (string, error) {
	if i.cfg.RuntimeBinDir != "" {
		candidate := filepath.Join(i.cfg.RuntimeBinDir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", ClassifySpawnError(err)
	}
	return path, nil
}

func truncateOutput(s string) string {
	const max = 256
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
