package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteQueueSchema = `CREATE TABLE IF NOT EXISTS listsync_pending_ops (
	seq INTEGER PRIMARY KEY,
	op_id TEXT NOT NULL UNIQUE,
	body TEXT NOT NULL
)`

// SQLiteQueueStore keeps the queue in a local SQLite database, one row per
// operation in submission order.
type SQLiteQueueStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewSQLiteQueueStore(path string) (*SQLiteQueueStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite queue path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	q := &SQLiteQueueStore{db: db, timeout: 5 * time.Second}
	ctx, cancel := q.context()
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteQueueSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueueStore) Load() ([]PendingOperation, error) {
	ctx, cancel := q.context()
	defer cancel()
	rows, err := q.db.QueryContext(ctx, `SELECT body FROM listsync_pending_ops ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ops []PendingOperation
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var op PendingOperation
		if err := json.Unmarshal([]byte(body), &op); err != nil {
			return nil, fmt.Errorf("decode pending operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (q *SQLiteQueueStore) Save(ops []PendingOperation) error {
	ctx, cancel := q.context()
	defer cancel()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM listsync_pending_ops`); err != nil {
		return err
	}
	for i, op := range ops {
		body, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO listsync_pending_ops (seq, op_id, body) VALUES (?, ?, ?)`, i, op.ID, string(body)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (q *SQLiteQueueStore) Close() error {
	return q.db.Close()
}

func (q *SQLiteQueueStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), q.timeout)
}
