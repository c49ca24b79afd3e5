// Package memory provides the SQLite-backed working memory that
// carries CI context across sessions: typed items, breadcrumbs,
// sunset/sunrise notes, and a token-budgeted digest assembled from
// them.
package memory

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"argo/pkg/cierrors"
	"argo/pkg/logx"
)

// Item limits per CI per session.
const (
	MaxItems       = 100
	MaxBreadcrumbs = 20

	// DigestPercentage is the share of the model context a digest may
	// occupy, in percent.
	DigestPercentage = 50
)

// ItemType classifies a memory item.
type ItemType string

const (
	TypeFact         ItemType = "fact"
	TypeDecision     ItemType = "decision"
	TypeApproach     ItemType = "approach"
	TypeError        ItemType = "error"
	TypeSuccess      ItemType = "success"
	TypeRelationship ItemType = "relationship"
)

// ValidType reports whether t is a known item type.
func ValidType(t ItemType) bool {
	switch t {
	case TypeFact, TypeDecision, TypeApproach, TypeError, TypeSuccess, TypeRelationship:
		return true
	}
	return false
}

// Item is one remembered fact, decision, or observation.
type Item struct {
	ID           int64
	SessionID    string
	CIName       string
	Type         ItemType
	Content      string
	Important    bool
	AccessCount  int
	LastAccessed time.Time
	Created      time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS memory_items (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT NOT NULL,
	ci_name       TEXT NOT NULL,
	type          TEXT NOT NULL,
	content       TEXT NOT NULL,
	important     INTEGER NOT NULL DEFAULT 0,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed INTEGER NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_scope ON memory_items(session_id, ci_name);

CREATE TABLE IF NOT EXISTS breadcrumbs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	ci_name    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crumbs_scope ON breadcrumbs(session_id, ci_name);

CREATE TABLE IF NOT EXISTS session_notes (
	session_id    TEXT NOT NULL,
	ci_name       TEXT NOT NULL,
	sunset_notes  TEXT NOT NULL DEFAULT '',
	sunrise_brief TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, ci_name)
);
`

// Store is the working-memory database.
type Store struct {
	db  *sql.DB
	log *logx.Logger
}

// Open opens (or creates) the memory database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping memory database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: logx.NewLogger("memory")}
	s.log.Info("Memory store opened: %s", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddItem records one memory item for a CI in a session. The per-scope
// item count is capped at MaxItems.
func (s *Store) AddItem(sessionID, ciName string, typ ItemType, content string) (int64, error) {
	const op = "memory.Store.AddItem"
	if sessionID == "" || ciName == "" || content == "" {
		return 0, cierrors.New(cierrors.KindInput, op, "session, CI name and content are required")
	}
	if !ValidType(typ) {
		return 0, cierrors.Newf(cierrors.KindInput, op, "unknown item type %q", typ)
	}

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM memory_items WHERE session_id = ? AND ci_name = ?`,
		sessionID, ciName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count memory items: %w", err)
	}
	if count >= MaxItems {
		return 0, cierrors.Newf(cierrors.KindResourceExhausted, op,
			"memory full for %s/%s (%d items)", sessionID, ciName, count)
	}

	now := time.Now().Unix()
	res, err := s.db.Exec(
		`INSERT INTO memory_items (session_id, ci_name, type, content, last_accessed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, ciName, string(typ), content, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert memory item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read item id: %w", err)
	}
	s.log.Debug("Added %s item %d for %s/%s", typ, id, sessionID, ciName)
	return id, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	var items []Item
	for rows.Next() {
		var it Item
		var typ string
		var important int
		var accessed, created int64
		if err := rows.Scan(&it.ID, &it.SessionID, &it.CIName, &typ, &it.Content,
			&important, &it.AccessCount, &accessed, &created); err != nil {
			return nil, fmt.Errorf("failed to scan memory item: %w", err)
		}
		it.Type = ItemType(typ)
		it.Important = important != 0
		it.LastAccessed = time.Unix(accessed, 0)
		it.Created = time.Unix(created, 0)
		items = append(items, it)
	}
	return items, rows.Err()
}

const itemColumns = `id, session_id, ci_name, type, content, important, access_count, last_accessed, created_at`

// Items returns every item for a CI in a session, oldest first.
func (s *Store) Items(sessionID, ciName string) ([]Item, error) {
	rows, err := s.db.Query(
		`SELECT `+itemColumns+` FROM memory_items
		 WHERE session_id = ? AND ci_name = ? ORDER BY id`,
		sessionID, ciName)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory items: %w", err)
	}
	return scanItems(rows)
}

// ItemsByType returns up to limit items of one type, oldest first.
func (s *Store) ItemsByType(sessionID, ciName string, typ ItemType, limit int) ([]Item, error) {
	rows, err := s.db.Query(
		`SELECT `+itemColumns+` FROM memory_items
		 WHERE session_id = ? AND ci_name = ? AND type = ? ORDER BY id LIMIT ?`,
		sessionID, ciName, string(typ), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query memory items: %w", err)
	}
	return scanItems(rows)
}

// Touch bumps an item's access count and timestamp.
func (s *Store) Touch(id int64) error {
	const op = "memory.Store.Touch"
	res, err := s.db.Exec(
		`UPDATE memory_items SET access_count = access_count + 1, last_accessed = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch memory item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cierrors.Newf(cierrors.KindNotFound, op, "item %d", id)
	}
	return nil
}

// MarkImportant flags an item so digests always include it.
func (s *Store) MarkImportant(id int64) error {
	const op = "memory.Store.MarkImportant"
	res, err := s.db.Exec(`UPDATE memory_items SET important = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark memory item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cierrors.Newf(cierrors.KindNotFound, op, "item %d", id)
	}
	return nil
}

// AddBreadcrumb leaves a short marker for the next session. Capped at
// MaxBreadcrumbs per scope.
func (s *Store) AddBreadcrumb(sessionID, ciName, content string) error {
	const op = "memory.Store.AddBreadcrumb"
	if content == "" {
		return cierrors.New(cierrors.KindInput, op, "content is required")
	}

	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM breadcrumbs WHERE session_id = ? AND ci_name = ?`,
		sessionID, ciName).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count breadcrumbs: %w", err)
	}
	if count >= MaxBreadcrumbs {
		return cierrors.Newf(cierrors.KindResourceExhausted, op,
			"breadcrumb limit reached for %s/%s", sessionID, ciName)
	}

	_, err = s.db.Exec(
		`INSERT INTO breadcrumbs (session_id, ci_name, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, ciName, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert breadcrumb: %w", err)
	}
	return nil
}

// Breadcrumbs returns the markers for a scope, oldest first.
func (s *Store) Breadcrumbs(sessionID, ciName string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT content FROM breadcrumbs WHERE session_id = ? AND ci_name = ? ORDER BY id`,
		sessionID, ciName)
	if err != nil {
		return nil, fmt.Errorf("failed to query breadcrumbs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan breadcrumb: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) setNote(sessionID, ciName, column, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_notes (session_id, ci_name, `+column+`) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, ci_name) DO UPDATE SET `+column+` = excluded.`+column,
		sessionID, ciName, value)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	return nil
}

// SetSunsetNotes stores the CI's end-of-session notes.
func (s *Store) SetSunsetNotes(sessionID, ciName, notes string) error {
	return s.setNote(sessionID, ciName, "sunset_notes", notes)
}

// SetSunriseBrief stores the brief presented at next session start.
func (s *Store) SetSunriseBrief(sessionID, ciName, brief string) error {
	return s.setNote(sessionID, ciName, "sunrise_brief", brief)
}

// Notes returns the sunset notes and sunrise brief for a scope. Both
// are empty strings when never set.
func (s *Store) Notes(sessionID, ciName string) (sunset, sunrise string, err error) {
	err = s.db.QueryRow(
		`SELECT sunset_notes, sunrise_brief FROM session_notes WHERE session_id = ? AND ci_name = ?`,
		sessionID, ciName).Scan(&sunset, &sunrise)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query session notes: %w", err)
	}
	return sunset, sunrise, nil
}
