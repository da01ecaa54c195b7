package records

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

// PostgresStore shares the item table between any number of server
// processes. Per-list shifts serialize on a transaction-scoped advisory lock.
type PostgresStore struct {
	*sqlStore
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	core, err := newSQLStore(postgresDialect(), dsn, sql.Open)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore: core}, nil
}

func postgresDialect() sqlDialect {
	return sqlDialect{
		driver:   "postgres",
		numbered: true,
		boolType: "BOOLEAN",
		lockList: func(ctx context.Context, tx *sql.Tx, table, listID string) error {
			_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", listLockKey(table, listID))
			return err
		},
	}
}
