package records

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node durable store. One open connection makes
// every transaction exclusive, which stands in for the list lock.
type SQLiteStore struct {
	*sqlStore
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	core, err := newSQLStore(sqliteDialect(), path, sql.Open)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore: core, path: path}, nil
}

func (s *SQLiteStore) Path() string {
	return s.path
}

func sqliteDialect() sqlDialect {
	return sqlDialect{
		driver:   "sqlite",
		boolType: "INTEGER",
		configurePool: func(db *sql.DB) {
			db.SetMaxOpenConns(1)
		},
		setup: func(ctx context.Context, db *sql.DB) error {
			for _, pragma := range []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			} {
				if _, err := db.ExecContext(ctx, pragma); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
