package agent

import (
	"strings"
	"testing"
)

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	_, err := NewRegistry(Profile{ID: "claude-code", Name: "Shadow", Executable: "x"})
	if err == nil {
		t.Fatal("expected error for custom profile shadowing a builtin id")
	}

	_, err = NewRegistry(
		Profile{ID: "mine", Name: "Mine", Executable: "mine"},
		Profile{ID: "mine", Name: "Mine Again", Executable: "mine2"},
	)
	if err == nil {
		t.Fatal("expected error for duplicate custom ids")
	}
}

func TestRegistryGet(t *testing.T) {
	reg, err := NewRegistry(Profile{ID: "custom", Name: "Custom", Executable: "custom-agent"})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	p, err := reg.Get("custom")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.Executable != "custom-agent" {
		t.Errorf("expected executable custom-agent, got %s", p.Executable)
	}

	if _, err := reg.Get("nope"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestCredentialEnv(t *testing.T) {
	entries := CredentialEnv("claude-code", "sk-test")
	if len(entries) != 1 || entries[0] != "ANTHROPIC_API_KEY=sk-test" {
		t.Errorf("unexpected entries: %v", entries)
	}

	if got := CredentialEnv("gemini", "key"); len(got) != 2 {
		t.Errorf("expected both gemini var names, got %v", got)
	}

	if got := CredentialEnv("unknown", "key"); got != nil {
		t.Errorf("expected no injection for unknown agent, got %v", got)
	}

	if got := CredentialEnv("claude-code", ""); got != nil {
		t.Errorf("expected no injection for empty credential, got %v", got)
	}

	for _, e := range CredentialEnv("codex", "abc") {
		if !strings.HasSuffix(e, "=abc") {
			t.Errorf("malformed entry: %s", e)
		}
	}
}
