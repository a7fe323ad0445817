// Package index is the SQLite ingestion index: one row per ingested task,
// keyed by content hash, so duplicate arrivals are caught across process
// restarts. The filesystem remains the source of truth for lifecycle state;
// the index is a rebuildable cache over it.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/quillworks/majordomo/internal/vault"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingestions (
	content_hash  TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL,
	source        TEXT NOT NULL,
	original_name TEXT NOT NULL,
	queued_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingestions_source ON ingestions(source);
CREATE INDEX IF NOT EXISTS idx_ingestions_queued_at ON ingestions(queued_at);
`

// Entry is one ingestion record.
type Entry struct {
	ContentHash  string
	TaskID       string
	Source       string
	OriginalName string
	QueuedAt     time.Time
}

// ErrDuplicate is returned by Record when the content hash is already
// indexed. The wrapping error names the task that ingested it first.
var ErrDuplicate = errors.New("content already ingested")

// Index is the SQLite-backed ingestion index.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index database with WAL journaling.
func Open(path string) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("index path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging index database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error { return ix.db.Close() }

// Record inserts one ingestion. A hash collision returns ErrDuplicate with
// the original task named.
func (ix *Index) Record(ctx context.Context, e Entry) error {
	if e.ContentHash == "" || e.TaskID == "" {
		return fmt.Errorf("content hash and task ID are required")
	}
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO ingestions (content_hash, task_id, source, original_name, queued_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ContentHash, e.TaskID, e.Source, e.OriginalName, e.QueuedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if prior, lookupErr := ix.Lookup(ctx, e.ContentHash); lookupErr == nil && prior != nil {
			return fmt.Errorf("hash %s already ingested as %s: %w", e.ContentHash, prior.TaskID, ErrDuplicate)
		}
		return fmt.Errorf("recording ingestion of %s: %w", e.TaskID, err)
	}
	return nil
}

// Lookup returns the entry for a content hash, or nil when unseen.
func (ix *Index) Lookup(ctx context.Context, contentHash string) (*Entry, error) {
	row := ix.db.QueryRowContext(ctx,
		`SELECT content_hash, task_id, source, original_name, queued_at
		 FROM ingestions WHERE content_hash = ?`, contentHash)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up hash %s: %w", contentHash, err)
	}
	return e, nil
}

// IsDuplicate reports whether the hash is already indexed and by which task.
func (ix *Index) IsDuplicate(ctx context.Context, contentHash string) (bool, string, error) {
	e, err := ix.Lookup(ctx, contentHash)
	if err != nil {
		return false, "", err
	}
	if e == nil {
		return false, "", nil
	}
	return true, e.TaskID, nil
}

// Recent returns the most recently queued entries, newest first.
func (ix *Index) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit < 1 {
		limit = 10
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT content_hash, task_id, source, original_name, queued_at
		 FROM ingestions ORDER BY queued_at DESC, task_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent ingestions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ingestion row: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// CountBySource returns ingestion totals per source channel.
func (ix *Index) CountBySource(ctx context.Context) (map[string]int, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM ingestions GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("counting ingestions by source: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("scanning source count: %w", err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

// Rebuild repopulates the index by scanning every state directory of the
// vault. Existing rows are dropped first; the descriptor filesystem is the
// source of truth. Returns the number of rows indexed.
func (ix *Index) Rebuild(ctx context.Context, v *vault.Vault) (int, error) {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ingestions`); err != nil {
		return 0, fmt.Errorf("clearing index: %w", err)
	}

	indexed := 0
	for _, state := range vault.AllStates {
		tasks, err := v.List(state)
		if err != nil {
			return 0, fmt.Errorf("scanning %s for rebuild: %w", state, err)
		}
		for _, t := range tasks {
			// First ingestion wins on duplicate hashes, matching Record.
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO ingestions (content_hash, task_id, source, original_name, queued_at)
				 VALUES (?, ?, ?, ?, ?)`,
				t.ContentHash, t.ID, t.Source, t.OriginalName, t.QueuedAt.UTC().Format(time.RFC3339))
			if err != nil {
				return 0, fmt.Errorf("indexing %s during rebuild: %w", t.ID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				indexed++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing rebuild: %w", err)
	}
	return indexed, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var queuedAt string
	if err := row.Scan(&e.ContentHash, &e.TaskID, &e.Source, &e.OriginalName, &queuedAt); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339, queuedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid queued_at %q: %w", queuedAt, err)
	}
	e.QueuedAt = ts.UTC()
	return &e, nil
}
