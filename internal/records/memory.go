package records

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps items in process memory. A single mutex linearizes every
// mutation, which gives the same guarantees the SQL stores get from their
// transactions.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]*Item
	now    func() time.Time
	newID  func() string
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[string]*Item{},
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

func (s *MemoryStore) CreateItem(_ context.Context, input NewItem) (Item, error) {
	input, err := input.normalize()
	if err != nil {
		return Item{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Item{}, ErrClosed
	}
	position := len(s.listLocked(input.ListID))
	item := input.build(s.newID(), position, s.now())
	s.items[item.ID] = &item
	return item.Clone(), nil
}

func (s *MemoryStore) GetItem(_ context.Context, itemID string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[strings.TrimSpace(itemID)]
	if !ok {
		return Item{}, ErrNotFound
	}
	return item.Clone(), nil
}

func (s *MemoryStore) ListItems(_ context.Context, listID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.listLocked(strings.TrimSpace(listID))
	out := make([]Item, 0, len(list))
	for _, item := range list {
		out = append(out, item.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ConditionalUpdate(_ context.Context, req UpdateRequest) (Item, error) {
	if err := req.Delta.Validate(); err != nil {
		return Item{}, err
	}
	return s.mutate(req.ItemID, req.ExpectedVersion, req.EditedBy, req.Delta.Apply)
}

func (s *MemoryStore) ToggleItem(_ context.Context, req ToggleRequest) (Item, error) {
	return s.mutate(req.ItemID, req.ExpectedVersion, req.EditedBy, toggle)
}

func (s *MemoryStore) DeleteItem(_ context.Context, req DeleteRequest) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[strings.TrimSpace(req.ItemID)]
	if !ok {
		return Item{}, ErrNotFound
	}
	if err := checkExpected(*item, req.ExpectedVersion); err != nil {
		return Item{}, err
	}
	delete(s.items, item.ID)
	for _, other := range s.items {
		if other.ListID == item.ListID && other.Position > item.Position {
			other.Position--
		}
	}
	return item.Clone(), nil
}

func (s *MemoryStore) Reorder(_ context.Context, req ReorderRequest) (Item, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[strings.TrimSpace(req.ItemID)]
	if !ok {
		return Item{}, false, ErrNotFound
	}
	list := s.listLocked(item.ListID)
	target := clampPosition(req.NewPosition, len(list))
	from := item.Position
	if target == from {
		return item.Clone(), false, nil
	}
	for _, other := range list {
		switch {
		case target > from && other.Position > from && other.Position <= target:
			other.Position--
		case target < from && other.Position >= target && other.Position < from:
			other.Position++
		}
	}
	item.Position = target
	item.Version++
	item.UpdatedAt = s.now()
	if editor := editedByPtr(req.EditedBy); editor != nil {
		item.LastEditedBy = editor
	}
	return item.Clone(), true, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) mutate(itemID string, expected *int64, editedBy string, apply func(*Item)) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[strings.TrimSpace(itemID)]
	if !ok {
		return Item{}, ErrNotFound
	}
	if err := checkExpected(*item, expected); err != nil {
		return Item{}, err
	}
	apply(item)
	item.Version++
	item.UpdatedAt = s.now()
	if editor := editedByPtr(editedBy); editor != nil {
		item.LastEditedBy = editor
	}
	return item.Clone(), nil
}

// listLocked returns live pointers ordered by position.
func (s *MemoryStore) listLocked(listID string) []*Item {
	out := make([]*Item, 0)
	for _, item := range s.items {
		if item.ListID == listID {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out
}

func toggle(item *Item) {
	completed := !item.Completed
	FieldDelta{Completed: &completed}.Apply(item)
}
