package settings

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"agentbridge/internal/agent"
)

// Settings holds the user's persistent preferences. Credentials live here
// and nowhere else; they are injected into the agent's environment at launch
// and never written into transcripts or the metadata index.
type Settings struct {
	ActiveAgentID   string            `json:"active_agent_id,omitempty"`
	Credentials     map[string]string `json:"credentials,omitempty"`      // agent id -> API key
	PreferredModes  map[string]string `json:"preferred_modes,omitempty"`  // agent id -> mode id
	PreferredModels map[string]string `json:"preferred_models,omitempty"` // agent id -> model id
	LaunchMode      string            `json:"launch_mode,omitempty"`      // host, container, auto
	CustomAgents    []agent.Profile   `json:"custom_agents,omitempty"`
}

// Credential returns the stored credential for an agent, or "".
func (s *Settings) Credential(agentID string) string {
	return s.Credentials[agentID]
}

// Manager handles loading and saving the settings file.
type Manager struct {
	configDir string
	mu        sync.Mutex
}

// NewManager creates a settings manager rooted at the user config dir.
func NewManager() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user config dir: %w", err)
	}
	return &Manager{configDir: filepath.Join(configDir, "agentbridge")}, nil
}

// NewManagerAt creates a settings manager rooted at an explicit directory.
func NewManagerAt(dir string) *Manager {
	return &Manager{configDir: dir}
}

// Path returns the absolute path to the settings file.
func (m *Manager) Path() string {
	return filepath.Join(m.configDir, "settings.json")
}

// Load reads the settings from disk. A missing file yields zero settings
// and no error.
func (m *Manager) Load() (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (*Settings, error) {
	data, err := os.ReadFile(m.Path())
	if os.IsNotExist(err) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings json: %w", err)
	}
	return &s, nil
}

// Save writes the settings with owner-only permissions; the file holds
// credentials.
func (m *Manager) Save(s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(s)
}

func (m *Manager) saveLocked(s *Settings) error {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(m.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

// Update applies fn to the current settings under the manager's lock and
// persists the result.
func (m *Manager) Update(fn func(*Settings)) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.loadLocked()
	if err != nil {
		return nil, err
	}
	fn(s)
	if err := m.saveLocked(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe watches the settings file and invokes fn with fresh settings on
// every external change. The returned function stops the watcher.
func (m *Manager) Subscribe(fn func(*Settings)) (func(), error) {
	if err := os.MkdirAll(m.configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create settings dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create settings watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(m.configDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch settings dir: %w", err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(m.Path()) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s, err := m.Load()
				if err != nil {
					log.Printf("WARNING: reload settings: %v", err)
					continue
				}
				fn(s)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("WARNING: settings watcher: %v", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}
