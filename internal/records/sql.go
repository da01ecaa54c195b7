package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	itemsTableName          = "listsync_items"
	sqlOperationTimeout     = 5 * time.Second
	sqlMaxLastWriteAttempts = 3
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect carries what differs between the Postgres and SQLite stores.
// Queries are written with ? placeholders and rebound per dialect.
type sqlDialect struct {
	driver        string
	numbered      bool
	boolType      string
	setup         func(ctx context.Context, db *sql.DB) error
	lockList      func(ctx context.Context, tx *sql.Tx, table, listID string) error
	configurePool func(db *sql.DB)
}

// sqlStore implements Store on database/sql. Conditional writes use
// UPDATE ... WHERE version = ? so the row version is the only arbiter of
// concurrent edits; list-wide shifts run inside a transaction holding the
// dialect's list lock.
type sqlStore struct {
	dialect sqlDialect
	dsn     string
	table   string
	openDB  sqlOpenFunc
	now     func() time.Time
	newID   func() string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dialect sqlDialect, dsn string, open sqlOpenFunc) (*sqlStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: dsn is required", ErrInvalidInput)
	}
	if open == nil {
		open = sql.Open
	}
	return &sqlStore{
		dialect: dialect,
		dsn:     dsn,
		table:   itemsTableName,
		openDB:  open,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}, nil
}

func (s *sqlStore) ensureReady(ctx context.Context) error {
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.configurePool != nil {
			s.dialect.configurePool(db)
		}
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()
		if s.dialect.setup != nil {
			if err := s.dialect.setup(ctx, db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		for _, stmt := range s.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("migrate %s: %w", s.table, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlStore) schema() []string {
	table := quoteIdentifier(s.table)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				list_id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT,
				completed %s NOT NULL DEFAULT FALSE,
				priority TEXT NOT NULL,
				status TEXT NOT NULL,
				due_date_unixms BIGINT,
				assignee_id TEXT,
				position INTEGER NOT NULL,
				created_by TEXT NOT NULL,
				last_edited_by TEXT,
				version BIGINT NOT NULL,
				created_unixms BIGINT NOT NULL,
				updated_unixms BIGINT NOT NULL
			)`, table, s.dialect.boolType),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (list_id, position)",
			quoteIdentifier(s.table+"_list_position_idx"), table),
	}
}

const itemColumns = "id, list_id, title, description, completed, priority, status, due_date_unixms, assignee_id, position, created_by, last_edited_by, version, created_unixms, updated_unixms"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) CreateItem(ctx context.Context, input NewItem) (Item, error) {
	input, err := input.normalize()
	if err != nil {
		return Item{}, err
	}
	var created Item
	err = s.inListTx(ctx, input.ListID, func(ctx context.Context, tx *sql.Tx) error {
		var next int
		query := s.rebind(fmt.Sprintf("SELECT COALESCE(MAX(position), -1) + 1 FROM %s WHERE list_id = ?", quoteIdentifier(s.table)))
		if err := tx.QueryRowContext(ctx, query, input.ListID).Scan(&next); err != nil {
			return err
		}
		created = input.build(s.newID(), next, s.now())
		return s.insert(ctx, tx, created)
	})
	if err != nil {
		return Item{}, err
	}
	return created, nil
}

func (s *sqlStore) GetItem(ctx context.Context, itemID string) (Item, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Item{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return s.get(ctx, s.db, strings.TrimSpace(itemID))
}

func (s *sqlStore) ListItems(ctx context.Context, listID string) ([]Item, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE list_id = ? ORDER BY position ASC", itemColumns, quoteIdentifier(s.table)))
	rows, err := s.db.QueryContext(ctx, query, strings.TrimSpace(listID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *sqlStore) ConditionalUpdate(ctx context.Context, req UpdateRequest) (Item, error) {
	if err := req.Delta.Validate(); err != nil {
		return Item{}, err
	}
	return s.mutate(ctx, req.ItemID, req.ExpectedVersion, req.EditedBy, req.Delta.Apply)
}

func (s *sqlStore) ToggleItem(ctx context.Context, req ToggleRequest) (Item, error) {
	return s.mutate(ctx, req.ItemID, req.ExpectedVersion, req.EditedBy, toggle)
}

func (s *sqlStore) DeleteItem(ctx context.Context, req DeleteRequest) (Item, error) {
	itemID := strings.TrimSpace(req.ItemID)
	listID, err := s.listOf(ctx, itemID)
	if err != nil {
		return Item{}, err
	}
	var deleted Item
	err = s.inListTx(ctx, listID, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.get(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if err := checkExpected(current, req.ExpectedVersion); err != nil {
			return err
		}
		table := quoteIdentifier(s.table)
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ? AND version = ?", table)
		args := []any{itemID, current.Version}
		if req.ExpectedVersion == nil {
			query = fmt.Sprintf("DELETE FROM %s WHERE id = ?", table)
			args = args[:1]
		}
		res, err := tx.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			latest, err := s.get(ctx, tx, itemID)
			if err != nil {
				return err
			}
			if err := checkExpected(latest, req.ExpectedVersion); err != nil {
				return err
			}
			return fmt.Errorf("delete of %s matched no rows", itemID)
		}
		shift := fmt.Sprintf("UPDATE %s SET position = position - 1 WHERE list_id = ? AND position > ?", table)
		if _, err := tx.ExecContext(ctx, s.rebind(shift), current.ListID, current.Position); err != nil {
			return err
		}
		deleted = current
		return nil
	})
	if err != nil {
		return Item{}, err
	}
	return deleted, nil
}

func (s *sqlStore) Reorder(ctx context.Context, req ReorderRequest) (Item, bool, error) {
	itemID := strings.TrimSpace(req.ItemID)
	listID, err := s.listOf(ctx, itemID)
	if err != nil {
		return Item{}, false, err
	}
	var (
		result Item
		moved  bool
	)
	err = s.inListTx(ctx, listID, func(ctx context.Context, tx *sql.Tx) error {
		current, err := s.get(ctx, tx, itemID)
		if err != nil {
			return err
		}
		table := quoteIdentifier(s.table)
		var count int
		if err := tx.QueryRowContext(ctx, s.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE list_id = ?", table)), current.ListID).Scan(&count); err != nil {
			return err
		}
		target := clampPosition(req.NewPosition, count)
		from := current.Position
		if target == from {
			result = current
			return nil
		}
		var shift string
		var lo, hi int
		if target > from {
			shift = "UPDATE %s SET position = position - 1 WHERE list_id = ? AND position > ? AND position <= ?"
			lo, hi = from, target
		} else {
			shift = "UPDATE %s SET position = position + 1 WHERE list_id = ? AND position >= ? AND position < ?"
			lo, hi = target, from
		}
		if _, err := tx.ExecContext(ctx, s.rebind(fmt.Sprintf(shift, table)), current.ListID, lo, hi); err != nil {
			return err
		}
		move := fmt.Sprintf(`
			UPDATE %s SET position = ?, version = version + 1, updated_unixms = ?,
				last_edited_by = COALESCE(?, last_edited_by)
			WHERE id = ?`, table)
		if _, err := tx.ExecContext(ctx, s.rebind(move), target, s.now().UnixMilli(), nullString(editedByPtr(req.EditedBy)), itemID); err != nil {
			return err
		}
		next, err := s.get(ctx, tx, itemID)
		if err != nil {
			return err
		}
		result, moved = next, true
		return nil
	})
	if err != nil {
		return Item{}, false, err
	}
	return result, moved, nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// mutate performs a read-modify-write guarded by the row version. Position is
// never written here so a stale read cannot undo a concurrent shift. Without an
// expected version the write is last-write-wins, retried a bounded number of
// times when another writer slips in between the read and the write.
func (s *sqlStore) mutate(ctx context.Context, itemID string, expected *int64, editedBy string, apply func(*Item)) (Item, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Item{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	itemID = strings.TrimSpace(itemID)
	for attempt := 0; attempt < sqlMaxLastWriteAttempts; attempt++ {
		current, err := s.get(ctx, s.db, itemID)
		if err != nil {
			return Item{}, err
		}
		if err := checkExpected(current, expected); err != nil {
			return Item{}, err
		}
		next := current.Clone()
		apply(&next)
		next.Version = current.Version + 1
		next.UpdatedAt = s.now()
		if editor := editedByPtr(editedBy); editor != nil {
			next.LastEditedBy = editor
		}
		applied, err := s.writeIfVersion(ctx, s.db, next, current.Version)
		if err != nil {
			return Item{}, err
		}
		if applied {
			return next, nil
		}
		if expected != nil {
			latest, err := s.get(ctx, s.db, itemID)
			if err != nil {
				return Item{}, err
			}
			return Item{}, &ConflictError{
				ItemID:          itemID,
				ExpectedVersion: *expected,
				CurrentVersion:  latest.Version,
				Current:         latest,
			}
		}
	}
	return Item{}, fmt.Errorf("update of %s kept racing after %d attempts", itemID, sqlMaxLastWriteAttempts)
}

func (s *sqlStore) writeIfVersion(ctx context.Context, q queryer, item Item, version int64) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET title = ?, description = ?, completed = ?, priority = ?, status = ?,
			due_date_unixms = ?, assignee_id = ?, last_edited_by = ?,
			version = ?, updated_unixms = ?
		WHERE id = ? AND version = ?`, quoteIdentifier(s.table))
	res, err := q.ExecContext(ctx, s.rebind(query),
		item.Title, nullString(item.Description), item.Completed, string(item.Priority), string(item.Status),
		nullUnixMs(item.DueDate), nullString(item.AssigneeID), nullString(item.LastEditedBy),
		item.Version, item.UpdatedAt.UnixMilli(),
		item.ID, version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) insert(ctx context.Context, q queryer, item Item) error {
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", quoteIdentifier(s.table), itemColumns)
	_, err := q.ExecContext(ctx, s.rebind(query),
		item.ID, item.ListID, item.Title, nullString(item.Description), item.Completed,
		string(item.Priority), string(item.Status), nullUnixMs(item.DueDate), nullString(item.AssigneeID),
		item.Position, item.CreatedBy, nullString(item.LastEditedBy), item.Version,
		item.CreatedAt.UnixMilli(), item.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) get(ctx context.Context, q queryer, itemID string) (Item, error) {
	query := s.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", itemColumns, quoteIdentifier(s.table)))
	item, err := scanItem(q.QueryRowContext(ctx, query, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return item, err
}

func (s *sqlStore) listOf(ctx context.Context, itemID string) (string, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return "", err
	}
	return item.ListID, nil
}

func (s *sqlStore) inListTx(ctx context.Context, listID string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if s.dialect.lockList != nil {
		if err := s.dialect.lockList(ctx, tx, s.table, listID); err != nil {
			return err
		}
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item                          Item
		priority, status              string
		description, assignee, editor sql.NullString
		due                           sql.NullInt64
		createdMs, updatedMs          int64
	)
	err := row.Scan(
		&item.ID, &item.ListID, &item.Title, &description, &item.Completed, &priority, &status,
		&due, &assignee, &item.Position, &item.CreatedBy, &editor, &item.Version, &createdMs, &updatedMs,
	)
	if err != nil {
		return Item{}, err
	}
	item.Priority = Priority(priority)
	item.Status = Status(status)
	item.Description = fromNullString(description)
	item.AssigneeID = fromNullString(assignee)
	item.LastEditedBy = fromNullString(editor)
	if due.Valid {
		t := time.UnixMilli(due.Int64).UTC()
		item.DueDate = &t
	}
	item.CreatedAt = time.UnixMilli(createdMs).UTC()
	item.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return item, nil
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullUnixMs(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func listLockKey(table, listID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(table)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(listID)))
	return int64(hasher.Sum64())
}
