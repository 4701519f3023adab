package settings

import (
	"os"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir, err := os.MkdirTemp("", "settings-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return NewManagerAt(dir)
}

func TestLoadMissingFileReturnsZeroSettings(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.ActiveAgentID != "" || len(s.Credentials) != 0 {
		t.Errorf("expected zero settings, got %+v", s)
	}
}

func TestSaveLoadRoundTripWithOwnerOnlyPerms(t *testing.T) {
	m := newTestManager(t)
	in := &Settings{
		ActiveAgentID: "claude-code",
		Credentials:   map[string]string{"claude-code": "sk-test"},
		LaunchMode:    "host",
	}
	if err := m.Save(in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(m.Path())
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("settings file must be owner-only, got %o", perm)
	}

	out, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.Credential("claude-code") != "sk-test" || out.ActiveAgentID != "claude-code" {
		t.Errorf("round trip lost data: %+v", out)
	}
}

func TestUpdateAppliesAndPersists(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Update(func(s *Settings) {
		s.ActiveAgentID = "gemini"
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	out, err := m.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.ActiveAgentID != "gemini" {
		t.Errorf("update not persisted: %+v", out)
	}
}

func TestSubscribeSeesExternalChange(t *testing.T) {
	m := newTestManager(t)
	if err := m.Save(&Settings{ActiveAgentID: "claude-code"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	changed := make(chan *Settings, 4)
	stop, err := m.Subscribe(func(s *Settings) { changed <- s })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stop()

	if err := m.Save(&Settings{ActiveAgentID: "codex"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-changed:
			if s.ActiveAgentID == "codex" {
				return
			}
		case <-deadline:
			t.Fatal("subscriber never saw the settings change")
		}
	}
}
