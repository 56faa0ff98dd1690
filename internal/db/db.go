// Package db provides the structured (SQLite) backend for journal entries.
//
// This is the primary local store. The document store in internal/kv holds
// a mirror of the same collection; internal/dualstore keeps the two aligned.
//
// Architecture:
//   - Database file: <data_dir>/diary.db
//   - WAL mode: concurrent readers while a sync rewrites the table
//   - Schema: one entries table, tags and comments stored as JSON arrays
//
// The whole collection is always written as a unit (ReplaceAll), so a
// reader never observes a half-applied merge.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/diary/internal/journal"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
// LastModified ordering depends on the nanoseconds.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection holding journal entries.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode with a busy timeout. The schema is
// not created; call InitSchema.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',      -- JSON array
		comments TEXT NOT NULL DEFAULT '[]',  -- JSON array
		created_at TEXT NOT NULL,
		last_modified TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ReplaceAll clears the entries table and writes c in one transaction.
// On any error the previous contents are left intact.
func (db *DB) ReplaceAll(ctx context.Context, c journal.Collection) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("failed to clear entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO entries (id, title, content, tags, comments, created_at, last_modified)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		content = excluded.content,
		tags = excluded.tags,
		comments = excluded.comments,
		created_at = excluded.created_at,
		last_modified = excluded.last_modified
	WHERE excluded.last_modified > entries.last_modified
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range c {
		e := c[i]
		e.SetDefaults()

		tagsJSON, err := json.Marshal(e.Tags)
		if err != nil {
			return fmt.Errorf("failed to marshal tags for %s: %w", e.ID, err)
		}
		commentsJSON, err := json.Marshal(e.Comments)
		if err != nil {
			return fmt.Errorf("failed to marshal comments for %s: %w", e.ID, err)
		}

		_, err = stmt.ExecContext(ctx,
			e.ID,
			e.Title,
			e.Content,
			string(tagsJSON),
			string(commentsJSON),
			e.CreatedAt.UTC().Format(timeLayout),
			e.LastModified.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// All returns every entry, newest first.
func (db *DB) All(ctx context.Context) (journal.Collection, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, title, content, tags, comments, created_at, last_modified
		FROM entries
		ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Get returns one entry by id. The boolean is false when it does not exist.
func (db *DB) Get(ctx context.Context, id string) (journal.Entry, bool, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, title, content, tags, comments, created_at, last_modified
		FROM entries WHERE id = ?
	`, id)
	if err != nil {
		return journal.Entry{}, false, fmt.Errorf("failed to query entry %s: %w", id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return journal.Entry{}, false, err
	}
	if len(entries) == 0 {
		return journal.Entry{}, false, nil
	}
	return entries[0], true, nil
}

// Count returns the number of stored entries.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

func scanEntries(rows *sql.Rows) (journal.Collection, error) {
	out := journal.Collection{}

	for rows.Next() {
		var e journal.Entry
		var tagsJSON, commentsJSON string
		var createdAt, lastModified string

		if err := rows.Scan(&e.ID, &e.Title, &e.Content, &tagsJSON, &commentsJSON, &createdAt, &lastModified); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		var err error
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("entry %s: bad created_at %q: %w", e.ID, createdAt, err)
		}
		if e.LastModified, err = time.Parse(timeLayout, lastModified); err != nil {
			return nil, fmt.Errorf("entry %s: bad last_modified %q: %w", e.ID, lastModified, err)
		}

		if err := json.Unmarshal([]byte(tagsJSON), &e.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags for %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(commentsJSON), &e.Comments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal comments for %s: %w", e.ID, err)
		}
		e.SetDefaults()

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return out, nil
}
