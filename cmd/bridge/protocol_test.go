package main

import (
	"testing"
)

func TestDecodeCommandTypes(t *testing.T) {
	cases := []struct {
		name string
		line string
		want CommandType
	}{
		{"create", `{"type":"create_session","agent_id":"claude-code","cwd":"/tmp/w"}`, CommandCreateSession},
		{"load", `{"type":"load_session","session_id":"s1"}`, CommandLoadSession},
		{"message", `{"type":"user_message","message":"hi","mentions":["notes/a.md"]}`, CommandUserMessage},
		{"cancel", `{"type":"cancel"}`, CommandCancel},
		{"mode", `{"type":"set_mode","mode_id":"plan"}`, CommandSetMode},
		{"permission", `{"type":"resolve_permission","request_id":"r1","outcome":"selected","option_id":"allow"}`, CommandResolvePermission},
		{"search", `{"type":"search_sessions","query":"refactor"}`, CommandSearchSessions},
	}
	for _, tc := range cases {
		cmd, err := DecodeCommand([]byte(tc.line))
		if err != nil {
			t.Fatalf("%s: DecodeCommand failed: %v", tc.name, err)
		}
		if cmd.GetType() != tc.want {
			t.Errorf("%s: got type %s, want %s", tc.name, cmd.GetType(), tc.want)
		}
	}
}

func TestDecodeCommandRejectsMissingFields(t *testing.T) {
	bad := []string{
		`{"type":"create_session"}`,
		`{"type":"load_session"}`,
		`{"type":"user_message"}`,
		`{"type":"set_mode"}`,
		`{"type":"resolve_permission"}`,
		`{"type":"teleport"}`,
		`not json`,
	}
	for _, line := range bad {
		if _, err := DecodeCommand([]byte(line)); err == nil {
			t.Errorf("expected error for %q", line)
		}
	}
}

func TestDecodeUserMessageArgs(t *testing.T) {
	cmd, err := DecodeCommand([]byte(`{"type":"user_message","message":"/review","args":{"depth":"full"}}`))
	if err != nil {
		t.Fatalf("DecodeCommand failed: %v", err)
	}
	msg, ok := cmd.(UserMessageCommand)
	if !ok {
		t.Fatalf("unexpected command type %T", cmd)
	}
	if msg.Args["depth"] != "full" {
		t.Errorf("args not carried: %v", msg.Args)
	}
}

func TestSlashCommandName(t *testing.T) {
	cases := []struct {
		in   string
		name string
		ok   bool
	}{
		{"/review the auth flow", "review", true},
		{"/compact", "compact", true},
		{"plain message", "", false},
		{"/", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		name, ok := slashCommandName(tc.in)
		if name != tc.name || ok != tc.ok {
			t.Errorf("slashCommandName(%q) = %q, %v; want %q, %v", tc.in, name, ok, tc.name, tc.ok)
		}
	}
}
