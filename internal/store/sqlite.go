package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"loreweave/internal/compiler"
	"loreweave/internal/logging"
)

// SQLiteCache persists compiled contexts in a SQLite database so they
// survive process restarts. Payloads are stored as JSON blobs; the persona
// hash is kept in its own column so staleness checks never deserialize.
type SQLiteCache struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteCache opens (creating if needed) the cache database at path.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteCache")
	defer timer.Stop()

	logging.Store("Initializing SQLiteCache at path: %s", path)

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

	c := &SQLiteCache{db: db, dbPath: path}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS compiled_contexts (
			conversation_id TEXT PRIMARY KEY,
			persona_hash    TEXT NOT NULL,
			payload         BLOB NOT NULL,
			updated_at      INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Get(conversationID string) (*compiler.CompiledContext, bool, error) {
	var payload []byte
	err := c.db.QueryRow(
		`SELECT payload FROM compiled_contexts WHERE conversation_id = ?`,
		conversationID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read compiled context: %w", err)
	}

	var cc compiler.CompiledContext
	if err := json.Unmarshal(payload, &cc); err != nil {
		// A corrupt row is treated as a miss; the caller recompiles and
		// the next Put overwrites it.
		logging.StoreDebug("discarding corrupt compiled context for %s: %v", conversationID, err)
		return nil, false, nil
	}
	return &cc, true, nil
}

func (c *SQLiteCache) Put(conversationID string, cc *compiler.CompiledContext) error {
	if cc == nil {
		return fmt.Errorf("compiled context is required")
	}
	payload, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("failed to marshal compiled context: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT INTO compiled_contexts (conversation_id, persona_hash, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			persona_hash = excluded.persona_hash,
			payload      = excluded.payload,
			updated_at   = excluded.updated_at`,
		conversationID, cc.PersonaHash, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write compiled context: %w", err)
	}
	return nil
}

func (c *SQLiteCache) Delete(conversationID string) error {
	_, err := c.db.Exec(`DELETE FROM compiled_contexts WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete compiled context: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
