package launcher

import (
	"log"
	"os"
	"strings"
	"time"
)

// Mode represents the launch execution mode.
type Mode string

const (
	// ModeHost runs the agent directly on the host machine.
	ModeHost Mode = "host"
	// ModeContainer dispatches the same logical command into a container
	// with its own executable resolution.
	ModeContainer Mode = "container"
	// ModeAuto selects the container backend if a daemon is reachable,
	// otherwise falls back to host execution.
	ModeAuto Mode = "auto"
)

// Config holds launcher configuration.
type Config struct {
	Mode Mode
	// RuntimeBinDir is prepended to PATH so agents installed into the
	// bridge-managed runtime directory resolve without shell profile setup.
	RuntimeBinDir string
	// Image overrides the container image used in container mode.
	Image  string
	CPU    string
	Memory string
	// InstallTimeout bounds one package-manager install attempt.
	InstallTimeout time.Duration
}

// DefaultConfig returns the configuration derived from environment variables.
func DefaultConfig() Config {
	modeStr := strings.ToLower(os.Getenv("AGENTBRIDGE_LAUNCH_MODE"))
	if modeStr == "" {
		modeStr = "host"
	}

	var mode Mode
	switch modeStr {
	case "host":
		mode = ModeHost
	case "container":
		mode = ModeContainer
	case "auto":
		mode = ModeAuto
	default:
		log.Printf("WARNING: Unknown AGENTBRIDGE_LAUNCH_MODE value '%s', defaulting to 'host'", modeStr)
		mode = ModeHost
	}

	installTimeout := 2 * time.Minute
	if timeoutStr := os.Getenv("AGENTBRIDGE_INSTALL_TIMEOUT"); timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil && d > 0 {
			installTimeout = d
		} else {
			log.Printf("WARNING: Invalid AGENTBRIDGE_INSTALL_TIMEOUT value '%s', using default 2m", timeoutStr)
		}
	}

	return Config{
		Mode:           mode,
		RuntimeBinDir:  os.Getenv("AGENTBRIDGE_RUNTIME_BIN"),
		Image:          os.Getenv("AGENTBRIDGE_CONTAINER_IMAGE"),
		CPU:            getEnvOrDefault("AGENTBRIDGE_CONTAINER_CPU", "2"),
		Memory:         getEnvOrDefault("AGENTBRIDGE_CONTAINER_MEMORY", "1g"),
		InstallTimeout: installTimeout,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// NewDefaultLauncher creates a launcher based on the configuration.
// Container mode falls back to host execution when no daemon is reachable,
// with a warning, so a missing daemon never blocks a session.
func NewDefaultLauncher(cfg Config) Launcher {
	switch cfg.Mode {
	case ModeContainer:
		cl, err := NewContainerLauncher(cfg)
		if err != nil {
			log.Printf("WARNING: Container mode requested but unavailable: %v. Falling back to host.", err)
			return &HostLauncher{cfg: cfg}
		}
		return cl
	case ModeAuto:
		if cl, err := NewContainerLauncher(cfg); err == nil {
			return cl
		}
		return &HostLauncher{cfg: cfg}
	default:
		return &HostLauncher{cfg: cfg}
	}
}
