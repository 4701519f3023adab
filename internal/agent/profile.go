package agent

import (
	"fmt"
	"sort"
)

// Profile describes one launchable agent: which executable to run, with
// which arguments and environment, and how to hand it a credential.
// Profiles are immutable once a session is created against them.
type Profile struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Executable string            `json:"executable"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	// InstallPackage is the package-manager package that provides the
	// executable, used by auto-install when the binary is missing.
	InstallPackage string `json:"install_package,omitempty"`
	// Builtin marks profiles shipped with the bridge (not user-defined).
	Builtin bool `json:"-"`
}

// Builtins returns the agent profiles shipped with the bridge.
func Builtins() []Profile {
	return []Profile{
		{
			ID:             "claude-code",
			Name:           "Claude Code",
			Executable:     "claude-code-acp",
			InstallPackage: "@zed-industries/claude-code-acp",
			Builtin:        true,
		},
		{
			ID:             "gemini",
			Name:           "Gemini CLI",
			Executable:     "gemini",
			Args:           []string{"--experimental-acp"},
			InstallPackage: "@google/gemini-cli",
			Builtin:        true,
		},
		{
			ID:             "codex",
			Name:           "Codex CLI",
			Executable:     "codex-acp",
			InstallPackage: "@zed-industries/codex-acp",
			Builtin:        true,
		},
	}
}

// Registry holds all known profiles keyed by id.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry from the built-in profiles plus any custom
// user-defined entries. Duplicate ids are rejected: custom entries may not
// shadow builtins or each other.
func NewRegistry(custom ...Profile) (*Registry, error) {
	profiles := make(map[string]Profile)
	for _, p := range Builtins() {
		profiles[p.ID] = p
	}
	for _, p := range custom {
		if p.ID == "" {
			return nil, fmt.Errorf("custom agent profile missing id (name=%q)", p.Name)
		}
		if _, exists := profiles[p.ID]; exists {
			return nil, fmt.Errorf("duplicate agent profile id: %s", p.ID)
		}
		if p.Executable == "" {
			return nil, fmt.Errorf("agent profile %s missing executable", p.ID)
		}
		profiles[p.ID] = p
	}
	return &Registry{profiles: profiles}, nil
}

// Get returns the profile for the given id.
func (r *Registry) Get(id string) (Profile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("unknown agent id: %s", id)
	}
	return p, nil
}

// List returns all profiles sorted by display name.
func (r *Registry) List() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
