package acp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateCommandInput(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)
	cmd := CommandDescriptor{Name: "review", InputSchema: schema}

	if err := ValidateCommandInput(cmd, map[string]any{"path": "main.go"}); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}

	err := ValidateCommandInput(cmd, map[string]any{"path": 7})
	if err == nil {
		t.Fatal("expected validation failure for wrong type")
	}
	if !strings.Contains(err.Error(), "/review") {
		t.Errorf("error should name the command: %v", err)
	}

	// No schema means anything goes.
	if err := ValidateCommandInput(CommandDescriptor{Name: "clear"}, map[string]any{"x": 1}); err != nil {
		t.Errorf("schemaless command rejected input: %v", err)
	}
}

func TestFindCommand(t *testing.T) {
	cmds := []CommandDescriptor{{Name: "clear"}, {Name: "review"}}
	if _, ok := FindCommand(cmds, "review"); !ok {
		t.Error("known command not found")
	}
	if _, ok := FindCommand(cmds, "missing"); ok {
		t.Error("unknown command reported found")
	}
}
