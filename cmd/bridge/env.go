package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"agentbridge/internal/acp"
	"agentbridge/internal/agent"
	"agentbridge/internal/bridge"
	"agentbridge/internal/history"
	"agentbridge/internal/launcher"
	"agentbridge/internal/router"
	"agentbridge/internal/settings"
	"agentbridge/internal/titler"
	"agentbridge/internal/vault"
)

// runtimeEnv wires the bridge's long-lived collaborators together for one
// process.
type runtimeEnv struct {
	Registry *agent.Registry
	Settings *settings.Manager
	Store    *history.Store
	Router   *router.Router
	Session  *bridge.Session

	adapter      *acp.Adapter
	stopSettings func()
	sinkMu       sync.Mutex
	sink         func(router.Event)
	vaultMu      sync.Mutex
	activeVault  *vault.Vault
}

// prepareRuntimeEnv builds everything the stdio runner needs: settings,
// agent registry, launcher, adapter, history store (with a repair pass) and
// the session driving them.
func prepareRuntimeEnv(ctx context.Context, dataDir string, autoInstall bool) (*runtimeEnv, error) {
	env := &runtimeEnv{}

	settingsMgr, err := settings.NewManager()
	if err != nil {
		return nil, fmt.Errorf("settings manager: %w", err)
	}
	env.Settings = settingsMgr

	st, err := settingsMgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	registry, err := agent.NewRegistry(st.CustomAgents...)
	if err != nil {
		return nil, fmt.Errorf("agent registry: %w", err)
	}
	env.Registry = registry

	launchCfg := launcher.DefaultConfig()
	if st.LaunchMode != "" {
		launchCfg.Mode = launcher.Mode(st.LaunchMode)
	}
	l := launcher.NewDefaultLauncher(launchCfg)
	installer := launcher.NewInstaller(launchCfg)

	env.adapter = acp.NewAdapter(l)

	if dataDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("user config dir: %w", err)
		}
		dataDir = filepath.Join(configDir, "agentbridge", "history")
	}
	store, err := history.NewStore(ctx, dataDir)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	env.Store = store

	// Recover sessions whose metadata write failed before the last exit.
	defaultCwd, _ := os.Getwd()
	if repaired, err := store.RepairMetadata(ctx, defaultCwd); err != nil {
		log.Printf("WARNING: history repair: %v", err)
	} else if repaired > 0 {
		log.Printf("history repair: reconciled %d session(s)", repaired)
	}

	titleGen, err := titler.NewFromEnv()
	if err != nil {
		log.Printf("WARNING: title generation disabled: %v", err)
	}

	env.Router = router.NewRouter(env.dispatch)
	env.Session = bridge.NewSession(bridge.Options{
		Client:      env.adapter,
		Registry:    registry,
		Installer:   installer,
		Settings:    settingsMgr,
		Store:       store,
		Router:      env.Router,
		Titler:      titleGen,
		AutoInstall: autoInstall,
	})

	stop, err := settingsMgr.Subscribe(func(s *settings.Settings) {
		log.Printf("settings changed on disk, active agent is now %q", s.ActiveAgentID)
	})
	if err != nil {
		log.Printf("WARNING: settings watcher unavailable: %v", err)
	} else {
		env.stopSettings = stop
	}

	return env, nil
}

// SetEventSink registers the consumer for router events.
func (e *runtimeEnv) SetEventSink(fn func(router.Event)) {
	e.sinkMu.Lock()
	e.sink = fn
	e.sinkMu.Unlock()
}

func (e *runtimeEnv) dispatch(ev router.Event) {
	e.sinkMu.Lock()
	fn := e.sink
	e.sinkMu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// OpenVault points the mention/file port at the session's working
// directory.
func (e *runtimeEnv) OpenVault(dir string) {
	v, err := vault.Open(dir)
	if err != nil {
		log.Printf("WARNING: workspace unavailable for mentions: %v", err)
		return
	}
	e.vaultMu.Lock()
	e.activeVault = v
	e.vaultMu.Unlock()
}

// Vault returns the active workspace port, or nil before a session opens.
func (e *runtimeEnv) Vault() *vault.Vault {
	e.vaultMu.Lock()
	defer e.vaultMu.Unlock()
	return e.activeVault
}

// Close tears the environment down: the agent subprocess first, then the
// store.
func (e *runtimeEnv) Close() {
	if e.stopSettings != nil {
		e.stopSettings()
	}
	e.adapter.Disconnect()
	if err := e.Store.Close(); err != nil {
		log.Printf("WARNING: close history store: %v", err)
	}
}
