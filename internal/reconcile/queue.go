package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
)

// QueueStore persists the pending operation queue. Save replaces the whole
// queue; the engine calls it after every change.
type QueueStore interface {
	Load() ([]PendingOperation, error)
	Save(ops []PendingOperation) error
	Close() error
}

type MemoryQueueStore struct {
	mu  sync.Mutex
	ops []PendingOperation
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

func (q *MemoryQueueStore) Load() ([]PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingOperation(nil), q.ops...), nil
}

func (q *MemoryQueueStore) Save(ops []PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append([]PendingOperation(nil), ops...)
	return nil
}

func (q *MemoryQueueStore) Close() error {
	return nil
}

// FileQueueStore keeps the queue in a JSON file that is rewritten atomically
// on every save.
type FileQueueStore struct {
	path string
	mu   sync.Mutex
}

type fileQueueState struct {
	Items []PendingOperation `json:"items"`
}

func NewFileQueueStore(path string) (*FileQueueStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, records.ErrInvalidInput
	}
	return &FileQueueStore{path: path}, nil
}

func (q *FileQueueStore) Path() string {
	return q.path
}

func (q *FileQueueStore) Load() ([]PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state fileQueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode %s: %w", q.path, err)
	}
	return state.Items, nil
}

func (q *FileQueueStore) Save(ops []PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := json.Marshal(fileQueueState{Items: append([]PendingOperation{}, ops...)})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

func (q *FileQueueStore) Close() error {
	return nil
}

// BuildQueueStoreFromDSN picks a queue store from the DSN scheme: empty or
// memory keeps the queue in memory, sqlite uses a database file, and a bare
// path or file DSN uses a JSON file.
func BuildQueueStoreFromDSN(dsn string) (QueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryQueueStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryQueueStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := records.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteQueueStore(path)
	case "", "file":
		path, pathErr := records.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueueStore(path)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}
