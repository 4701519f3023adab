package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"agentbridge/internal/router"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "history-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := NewStore(context.Background(), dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dir
}

func userMessage(text string) *router.ChatMessage {
	msg := router.NewChatMessage(router.RoleUser)
	msg.Blocks = []router.Block{{Kind: router.BlockText, Text: text}}
	return msg
}

func assistantMessage(text string) *router.ChatMessage {
	msg := router.NewChatMessage(router.RoleAssistant)
	msg.Blocks = []router.Block{{Kind: router.BlockText, Text: text}}
	return msg
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	messages := []*router.ChatMessage{
		userMessage("fix the flaky test in the launcher package"),
		assistantMessage("Looking at it now."),
	}
	meta := Meta{SessionID: "sess-1", AgentID: "claude-code", Cwd: "/work"}
	if err := store.SaveSession(ctx, meta, messages); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	loaded, err := store.LoadMessages("sess-1")
	if err != nil {
		t.Fatalf("LoadMessages failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].Text() != messages[0].Text() {
		t.Errorf("transcript round trip lost data: %+v", loaded)
	}

	got, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Title != "fix the flaky test in the launcher package" {
		t.Errorf("title not derived from first user message: %q", got.Title)
	}
	if got.AgentID != "claude-code" || got.Cwd != "/work" {
		t.Errorf("metadata lost: %+v", got)
	}
}

func TestStoreUnknownLogVersionRejected(t *testing.T) {
	store, dir := newTestStore(t)

	logPath := filepath.Join(dir, "logs", "future.json")
	payload := `{"version": 99, "session_id": "future", "messages": []}`
	if err := os.WriteFile(logPath, []byte(payload), 0644); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}

	_, err := store.LoadMessages("future")
	if !errors.Is(err, ErrUnknownLogVersion) {
		t.Errorf("expected ErrUnknownLogVersion, got %v", err)
	}
}

func TestStoreDeleteSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := Meta{SessionID: "doomed", AgentID: "gemini", Cwd: "/work"}
	if err := store.SaveSession(ctx, meta, []*router.ChatMessage{userMessage("hello")}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := store.DeleteSession(ctx, "doomed"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := store.GetSession(ctx, "doomed"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("metadata survived delete: %v", err)
	}
	if _, err := store.LoadMessages("doomed"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("transcript survived delete: %v", err)
	}

	// Deleting again is not an error.
	if err := store.DeleteSession(ctx, "doomed"); err != nil {
		t.Errorf("repeat delete failed: %v", err)
	}
}

func TestStoreRenameSession(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := Meta{SessionID: "sess-r", AgentID: "codex", Cwd: "/work"}
	if err := store.SaveSession(ctx, meta, []*router.ChatMessage{userMessage("initial question")}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	if err := store.RenameSession(ctx, "sess-r", "billing investigation"); err != nil {
		t.Fatalf("RenameSession failed: %v", err)
	}
	got, err := store.GetSession(ctx, "sess-r")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Title != "billing investigation" {
		t.Errorf("title not updated: %q", got.Title)
	}

	// The search index follows the new title.
	hits, err := store.SearchSessions(ctx, "billing")
	if err != nil {
		t.Fatalf("SearchSessions failed: %v", err)
	}
	if len(hits) != 1 || hits[0].SessionID != "sess-r" {
		t.Errorf("renamed session not searchable by new title: %+v", hits)
	}

	if err := store.RenameSession(ctx, "missing", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestStoreRepairReRegistersOrphanedLog(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Simulate the metadata write failing after the log write succeeded.
	if err := store.writeLog(Meta{SessionID: "S1", AgentID: "claude-code"}, []*router.ChatMessage{
		userMessage("refactor the config loader to support env overrides"),
	}); err != nil {
		t.Fatalf("writeLog failed: %v", err)
	}

	if _, err := store.GetSession(ctx, "S1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("precondition: S1 must be orphaned, got %v", err)
	}

	repaired, err := store.RepairMetadata(ctx, "/default/cwd")
	if err != nil {
		t.Fatalf("RepairMetadata failed: %v", err)
	}
	if repaired != 1 {
		t.Errorf("expected 1 repair, got %d", repaired)
	}

	got, err := store.GetSession(ctx, "S1")
	if err != nil {
		t.Fatalf("S1 not re-registered: %v", err)
	}
	if got.Title != "refactor the config loader to support env override" {
		t.Errorf("recovered title wrong: %q", got.Title)
	}
	if got.Cwd != "/default/cwd" {
		t.Errorf("recovered cwd wrong: %q", got.Cwd)
	}

	// Idempotent: a second pass finds nothing to do.
	repaired, err = store.RepairMetadata(ctx, "/default/cwd")
	if err != nil {
		t.Fatalf("second RepairMetadata failed: %v", err)
	}
	if repaired != 0 {
		t.Errorf("repair not idempotent, repaired %d again", repaired)
	}
}

func TestStoreRepairKeepsRowWithoutLog(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	// Simulate the log write failing after the metadata write succeeded. The
	// index entry stays valid on its own and must survive repair.
	if err := store.SaveSession(ctx, Meta{SessionID: "logless", AgentID: "codex"}, []*router.ChatMessage{userMessage("hi")}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "logs", "logless.json")); err != nil {
		t.Fatalf("failed to remove log: %v", err)
	}

	repaired, err := store.RepairMetadata(ctx, "/work")
	if err != nil {
		t.Fatalf("RepairMetadata failed: %v", err)
	}
	if repaired != 0 {
		t.Errorf("expected nothing to repair, got %d", repaired)
	}
	if _, err := store.GetSession(ctx, "logless"); err != nil {
		t.Errorf("metadata row without a log erased by repair: %v", err)
	}
}

func TestStoreEvictsOldestBeyondCap(t *testing.T) {
	store, _ := newTestStore(t)
	store.maxSessions = 3
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		err := store.SaveSession(ctx, Meta{SessionID: id, AgentID: "claude-code"}, []*router.ChatMessage{userMessage("session " + id)})
		if err != nil {
			t.Fatalf("SaveSession %s failed: %v", id, err)
		}
	}

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(sessions))
	}
	for _, m := range sessions {
		if m.SessionID == "a" {
			t.Error("oldest session survived eviction")
		}
	}
	if _, err := store.LoadMessages("a"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("evicted transcript still on disk: %v", err)
	}
}

func TestStoreSearchSessions(t *testing.T) {
	store, _ := newTestStore(t)
	if store.search == nil {
		t.Skip("search index unavailable")
	}
	ctx := context.Background()

	if err := store.SaveSession(ctx, Meta{SessionID: "s1", AgentID: "claude-code"}, []*router.ChatMessage{
		userMessage("debug the websocket reconnect loop"),
	}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}
	if err := store.SaveSession(ctx, Meta{SessionID: "s2", AgentID: "claude-code"}, []*router.ChatMessage{
		userMessage("write release notes"),
	}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	hits, err := store.SearchSessions(ctx, "websocket")
	if err != nil {
		t.Fatalf("SearchSessions failed: %v", err)
	}
	if len(hits) != 1 || hits[0].SessionID != "s1" {
		t.Errorf("unexpected search hits: %+v", hits)
	}
}

func TestDeriveTitle(t *testing.T) {
	if got := DeriveTitle(nil); got != "Recovered session" {
		t.Errorf("empty transcript should fall back, got %q", got)
	}

	msgs := []*router.ChatMessage{
		assistantMessage("ignored"),
		userMessage("first line\nsecond line"),
	}
	if got := DeriveTitle(msgs); got != "first line" {
		t.Errorf("title should be first line of first user message, got %q", got)
	}

	// Truncation counts runes, never splitting a multi-byte character.
	long := strings.Repeat("ü", titleLimit+10)
	got := DeriveTitle([]*router.ChatMessage{userMessage(long)})
	if !utf8.ValidString(got) {
		t.Errorf("truncated title is not valid UTF-8: %q", got)
	}
	if n := len([]rune(got)); n != titleLimit {
		t.Errorf("expected %d runes, got %d", titleLimit, n)
	}
}
