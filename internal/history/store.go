package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentbridge/internal/router"
)

// logVersion is the message log format revision. Logs written by a future
// format are rejected rather than misread.
const logVersion = 1

// DefaultMaxSessions caps how many sessions are retained. When exceeded,
// the least recently updated sessions are evicted.
const DefaultMaxSessions = 100

// titleLimit bounds titles derived from the first user message.
const titleLimit = 50

// ErrUnknownLogVersion is returned for message logs written by a newer
// format revision.
var ErrUnknownLogVersion = errors.New("unknown message log version")

// ErrSessionNotFound is returned when no session with the given id exists.
var ErrSessionNotFound = errors.New("session not found")

// Meta is the lightweight session listing entry kept in the metadata index.
type Meta struct {
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// messageLog is the on-disk transcript format, one JSON file per session.
type messageLog struct {
	Version   int                   `json:"version"`
	SessionID string                `json:"session_id"`
	AgentID   string                `json:"agent_id"`
	Messages  []*router.ChatMessage `json:"messages"`
	SavedAt   time.Time             `json:"saved_at"`
}

// Store persists session transcripts and their metadata index. Transcripts
// live as one JSON log per session under <base>/logs; the listing lives in a
// SQLite index so the session picker never has to read every log.
type Store struct {
	db          *sql.DB
	logDir      string
	maxSessions int
	search      *SearchIndex
}

// NewStore opens (or creates) the store rooted at baseDir.
func NewStore(ctx context.Context, baseDir string) (*Store, error) {
	logDir := filepath.Join(baseDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	// WAL mode allows a reader during writes; single connection because
	// SQLite doesn't support multiple writers well.
	dsn := filepath.Join(baseDir, "history.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping metadata index: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		title      TEXT NOT NULL,
		cwd        TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	search, err := NewSearchIndex(filepath.Join(baseDir, "search"))
	if err != nil {
		// Search is an enhancement; the store works without it.
		log.Printf("WARNING: transcript search unavailable: %v", err)
	}

	return &Store{db: db, logDir: logDir, maxSessions: DefaultMaxSessions, search: search}, nil
}

// Close releases the index handles.
func (s *Store) Close() error {
	if s.search != nil {
		if err := s.search.Close(); err != nil {
			log.Printf("WARNING: close search index: %v", err)
		}
	}
	return s.db.Close()
}

// SaveSession persists the transcript and upserts its metadata row. The two
// writes fail independently; a partially persisted session is repairable via
// RepairMetadata, so both are always attempted.
func (s *Store) SaveSession(ctx context.Context, meta Meta, messages []*router.ChatMessage) error {
	if meta.Title == "" {
		meta.Title = DeriveTitle(messages)
	}
	now := time.Now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	logErr := s.writeLog(meta, messages)
	metaErr := s.upsertMeta(ctx, meta)

	if logErr == nil && metaErr == nil {
		s.indexTranscript(meta, messages)
		if err := s.evictOldest(ctx); err != nil {
			log.Printf("WARNING: history eviction failed: %v", err)
		}
		return nil
	}
	return errors.Join(logErr, metaErr)
}

// LoadMessages reads a session's transcript from its log file.
func (s *Store) LoadMessages(sessionID string) ([]*router.ChatMessage, error) {
	data, err := os.ReadFile(s.logPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read message log: %w", err)
	}

	var ml messageLog
	if err := json.Unmarshal(data, &ml); err != nil {
		return nil, fmt.Errorf("decode message log: %w", err)
	}
	if ml.Version != logVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLogVersion, ml.Version)
	}
	return ml.Messages, nil
}

// GetSession returns one session's metadata.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Meta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, agent_id, title, cwd, created_at, updated_at FROM sessions WHERE session_id = ?`, sessionID)
	return scanMeta(row)
}

// ListSessions returns session metadata newest-first.
func (s *Store) ListSessions(ctx context.Context) ([]Meta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, agent_id, title, cwd, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Meta
	for rows.Next() {
		m, err := scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteSession removes the transcript, its metadata row and its search
// entry as one operation from the caller's perspective.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session metadata: %w", err)
	}
	if err := os.Remove(s.logPath(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete message log: %w", err)
	}
	if s.search != nil {
		if err := s.search.Delete(sessionID); err != nil {
			log.Printf("WARNING: remove session from search index: %v", err)
		}
	}
	return nil
}

// RenameSession updates a session's title.
func (s *Store) RenameSession(ctx context.Context, sessionID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, updated_at = ? WHERE session_id = ?`,
		title, time.Now().Unix(), sessionID)
	if err != nil {
		return fmt.Errorf("rename session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	if s.search != nil {
		if messages, err := s.LoadMessages(sessionID); err == nil {
			if err := s.search.Index(sessionID, title, messages); err != nil {
				log.Printf("WARNING: reindex renamed session: %v", err)
			}
		}
	}
	return nil
}

// SearchSessions runs a full-text query over indexed transcripts and
// resolves the hits to metadata, newest-first among matches.
func (s *Store) SearchSessions(ctx context.Context, query string) ([]Meta, error) {
	if s.search == nil {
		return nil, errors.New("transcript search unavailable")
	}
	ids, err := s.search.Search(query, s.maxSessions)
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, id := range ids {
		m, err := s.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue // stale index entry
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// RepairMetadata re-registers logs that lost their metadata row in a partial
// write: the title is recovered from the transcript and the cwd defaulted.
// Rows without a log are left alone; an index entry is valid on its own, and
// the missing log is the other half of the same partial-write failure.
// Idempotent; returns how many sessions were repaired.
func (s *Store) RepairMetadata(ctx context.Context, defaultCwd string) (int, error) {
	known := make(map[string]bool)
	metas, err := s.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, m := range metas {
		known[m.SessionID] = true
	}

	repaired := 0

	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		return 0, fmt.Errorf("scan log directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		if known[sessionID] {
			continue
		}

		meta, ok := s.recoverMeta(sessionID, defaultCwd)
		if !ok {
			continue
		}
		if err := s.upsertMeta(ctx, meta); err != nil {
			log.Printf("WARNING: re-register session %s: %v", sessionID, err)
			continue
		}
		repaired++
	}

	return repaired, nil
}

// DeriveTitle builds a session title from the first user message.
func DeriveTitle(messages []*router.ChatMessage) string {
	for _, m := range messages {
		if m.Role != router.RoleUser {
			continue
		}
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		if line, _, found := strings.Cut(text, "\n"); found {
			text = line
		}
		if runes := []rune(text); len(runes) > titleLimit {
			text = string(runes[:titleLimit])
		}
		return text
	}
	return "Recovered session"
}

func (s *Store) recoverMeta(sessionID, defaultCwd string) (Meta, bool) {
	data, err := os.ReadFile(s.logPath(sessionID))
	if err != nil {
		log.Printf("WARNING: read log for recovery of %s: %v", sessionID, err)
		return Meta{}, false
	}
	var ml messageLog
	if err := json.Unmarshal(data, &ml); err != nil || ml.Version != logVersion {
		log.Printf("WARNING: unreadable log for %s, skipping recovery", sessionID)
		return Meta{}, false
	}
	created := ml.SavedAt
	if created.IsZero() {
		created = time.Now()
	}
	return Meta{
		SessionID: sessionID,
		AgentID:   ml.AgentID,
		Title:     DeriveTitle(ml.Messages),
		Cwd:       defaultCwd,
		CreatedAt: created,
		UpdatedAt: created,
	}, true
}

func (s *Store) writeLog(meta Meta, messages []*router.ChatMessage) error {
	ml := messageLog{
		Version:   logVersion,
		SessionID: meta.SessionID,
		AgentID:   meta.AgentID,
		Messages:  messages,
		SavedAt:   meta.UpdatedAt,
	}
	data, err := json.MarshalIndent(ml, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal message log: %w", err)
	}
	if err := os.WriteFile(s.logPath(meta.SessionID), data, 0644); err != nil {
		return fmt.Errorf("write message log: %w", err)
	}
	return nil
}

func (s *Store) upsertMeta(ctx context.Context, meta Meta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, title, cwd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			title = excluded.title,
			cwd = excluded.cwd,
			updated_at = excluded.updated_at`,
		meta.SessionID, meta.AgentID, meta.Title, meta.Cwd,
		meta.CreatedAt.Unix(), meta.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert session metadata: %w", err)
	}
	return nil
}

// evictOldest removes least-recently-updated sessions beyond the cap.
func (s *Store) evictOldest(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions
		ORDER BY updated_at DESC
		LIMIT -1 OFFSET ?`, s.maxSessions)
	if err != nil {
		return err
	}
	var victims []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		victims = append(victims, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range victims {
		if err := s.DeleteSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) indexTranscript(meta Meta, messages []*router.ChatMessage) {
	if s.search == nil {
		return
	}
	if err := s.search.Index(meta.SessionID, meta.Title, messages); err != nil {
		log.Printf("WARNING: index transcript for %s: %v", meta.SessionID, err)
	}
}

func (s *Store) logPath(sessionID string) string {
	return filepath.Join(s.logDir, sessionID+".json")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeta(row rowScanner) (Meta, error) {
	var m Meta
	var created, updated int64
	err := row.Scan(&m.SessionID, &m.AgentID, &m.Title, &m.Cwd, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, ErrSessionNotFound
	}
	if err != nil {
		return Meta{}, fmt.Errorf("scan session metadata: %w", err)
	}
	m.CreatedAt = time.Unix(created, 0)
	m.UpdatedAt = time.Unix(updated, 0)
	return m, nil
}
