// Package store implements the durable session store on SQLite: turn
// records keyed by conversation, a text-search index over inputs and
// replies, the memory item hierarchy, and token usage accounting.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/zivhm/yacb/internal/logging"
)

// Store is the SQLite-backed session store. It is the one resource
// shared across all conversation workers: a single write connection
// guarded by the mutex, readers multiplexed through RLock.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	dbPath     string
	ftsEnabled bool
}

// Open initializes the SQLite database at the given path, creating
// parent directories and the schema as needed.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening session store at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// NORMAL is safe under WAL and much faster than the FULL default.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Session store schema initialized")
	return s, nil
}

func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			turn_number INTEGER NOT NULL,
			channel TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			reply TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			error_detail TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			completed_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (conversation_id, turn_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_status ON turns(status)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_channel ON turns(channel)`,

		`CREATE TABLE IF NOT EXISTS memory_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT 'uncategorized',
			source TEXT NOT NULL DEFAULT 'conversation',
			confidence REAL NOT NULL DEFAULT 1.0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS memory_categories (
			name TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			item_count INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS token_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			model TEXT NOT NULL,
			tier TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0.0,
			timestamp TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.initFTS()
	return nil
}

// initFTS creates the full-text indexes. FTS5 is optional in some
// SQLite builds; when unavailable the search queries fall back to LIKE.
func (s *Store) initFTS() {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts USING fts5(
			input, reply, conversation_id, channel,
			content='turns',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS turns_ai AFTER INSERT ON turns BEGIN
			INSERT INTO turns_fts(rowid, input, reply, conversation_id, channel)
			VALUES (new.rowid, new.input, new.reply, new.conversation_id, new.channel);
		END`,
		`CREATE TRIGGER IF NOT EXISTS turns_au AFTER UPDATE ON turns BEGIN
			INSERT INTO turns_fts(turns_fts, rowid, input, reply, conversation_id, channel)
			VALUES ('delete', old.rowid, old.input, old.reply, old.conversation_id, old.channel);
			INSERT INTO turns_fts(rowid, input, reply, conversation_id, channel)
			VALUES (new.rowid, new.input, new.reply, new.conversation_id, new.channel);
		END`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS items_fts USING fts5(
			content, category,
			content='memory_items',
			content_rowid='id'
		)`,
		`CREATE TRIGGER IF NOT EXISTS items_ai AFTER INSERT ON memory_items BEGIN
			INSERT INTO items_fts(rowid, content, category)
			VALUES (new.id, new.content, new.category);
		END`,
		`CREATE TRIGGER IF NOT EXISTS items_au AFTER UPDATE ON memory_items BEGIN
			INSERT INTO items_fts(items_fts, rowid, content, category)
			VALUES ('delete', old.id, old.content, old.category);
			INSERT INTO items_fts(rowid, content, category)
			VALUES (new.id, new.content, new.category);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			logging.StoreWarn("FTS unavailable, search falls back to LIKE: %v", err)
			s.ftsEnabled = false
			return
		}
	}
	s.ftsEnabled = true
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	logging.StoreDebug("Closing session store: %s", s.dbPath)
	return s.db.Close()
}

// escapeFTSQuery quotes each term so user input cannot inject FTS5
// query syntax (NEAR, column filters, unbalanced quotes).
func escapeFTSQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return `""`
	}
	quoted := make([]string, len(terms))
	for i, term := range terms {
		quoted[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}
