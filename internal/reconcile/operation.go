package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
)

type Kind string

const (
	KindCreate  Kind = "create"
	KindUpdate  Kind = "update"
	KindToggle  Kind = "toggle"
	KindDelete  Kind = "delete"
	KindReorder Kind = "reorder"
)

const tempIDPrefix = "tmp-"

// Intent is a local change requested by the user.
type Intent struct {
	Kind   Kind
	ItemID string

	// Create
	Title       string
	Priority    records.Priority
	Description *string
	DueDate     *time.Time
	AssigneeID  *string

	// Update
	Delta records.FieldDelta

	// Reorder
	NewPosition int
}

// PendingOperation is a submitted intent that the server has not yet
// acknowledged. It is persisted as JSON so the queue survives restarts.
type PendingOperation struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"type"`
	ListID string `json:"listId"`
	ItemID string `json:"itemId,omitempty"`
	// Version is the item version the change was made against. Zero means
	// the operation is unconditional.
	Version     int64                `json:"version,omitempty"`
	Create      *protocol.CreateItem `json:"create,omitempty"`
	Delta       *records.FieldDelta  `json:"delta,omitempty"`
	NewPosition int                  `json:"newPosition,omitempty"`
	ActorID     string               `json:"actorId,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
	RetryCount  int                  `json:"retryCount"`
}

func tempItemID(opID string) string {
	return tempIDPrefix + opID
}

// IsTempID reports whether id names an item whose create is not yet
// acknowledged.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

func (op PendingOperation) expected() *int64 {
	if op.Version <= 0 {
		return nil
	}
	v := op.Version
	return &v
}

// message renders the operation as the intent sent to the server.
func (op PendingOperation) message() (protocol.Message, error) {
	switch op.Kind {
	case KindCreate:
		if op.Create == nil {
			return protocol.Message{}, fmt.Errorf("create operation %s has no payload", op.ID)
		}
		return protocol.NewMessage(protocol.TypeCreateItem, op.ID, *op.Create), nil
	case KindUpdate:
		if op.Delta == nil {
			return protocol.Message{}, fmt.Errorf("update operation %s has no delta", op.ID)
		}
		return protocol.NewMessage(protocol.TypeUpdateItem, op.ID, protocol.UpdateItem{
			ItemID:          op.ItemID,
			FieldDelta:      *op.Delta,
			ExpectedVersion: op.expected(),
			EditedBy:        op.ActorID,
		}), nil
	case KindToggle:
		return protocol.NewMessage(protocol.TypeToggleItem, op.ID, protocol.ToggleItem{
			ItemID:          op.ItemID,
			ExpectedVersion: op.expected(),
			EditedBy:        op.ActorID,
		}), nil
	case KindDelete:
		return protocol.NewMessage(protocol.TypeDeleteItem, op.ID, protocol.DeleteItem{
			ItemID:          op.ItemID,
			ListID:          op.ListID,
			ExpectedVersion: op.expected(),
		}), nil
	case KindReorder:
		return protocol.NewMessage(protocol.TypeReorderItem, op.ID, protocol.ReorderItem{
			ItemID:      op.ItemID,
			ListID:      op.ListID,
			NewPosition: op.NewPosition,
			EditedBy:    op.ActorID,
		}), nil
	default:
		return protocol.Message{}, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// applyTo replays the operation's optimistic effect on an ordered list.
// Versions are left alone: only the server assigns them.
func (op PendingOperation) applyTo(items []records.Item, now time.Time) []records.Item {
	switch op.Kind {
	case KindCreate:
		if op.Create == nil {
			return items
		}
		item := records.Item{
			ID:          tempItemID(op.ID),
			ListID:      op.ListID,
			Title:       strings.TrimSpace(op.Create.Title),
			Description: op.Create.Description,
			Priority:    op.Create.Priority,
			Status:      records.StatusPending,
			DueDate:     op.Create.DueDate,
			AssigneeID:  op.Create.AssigneeID,
			Position:    len(items),
			CreatedBy:   op.Create.CreatedBy,
			Version:     1,
			CreatedAt:   op.Timestamp,
			UpdatedAt:   op.Timestamp,
		}
		if item.Priority == "" {
			item.Priority = records.PriorityMedium
		}
		return append(items, item)
	case KindUpdate, KindToggle:
		idx := indexOf(items, op.ItemID)
		if idx < 0 {
			return items
		}
		if op.Kind == KindToggle {
			completed := !items[idx].Completed
			records.FieldDelta{Completed: &completed}.Apply(&items[idx])
		} else if op.Delta != nil {
			op.Delta.Apply(&items[idx])
		}
		items[idx].UpdatedAt = now
		return items
	case KindDelete:
		idx := indexOf(items, op.ItemID)
		if idx < 0 {
			return items
		}
		return renumber(append(items[:idx], items[idx+1:]...))
	case KindReorder:
		idx := indexOf(items, op.ItemID)
		if idx < 0 {
			return items
		}
		return moveTo(items, idx, op.NewPosition)
	default:
		return items
	}
}

func indexOf(items []records.Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// moveTo moves items[idx] to target, clamped to the list, and renumbers.
func moveTo(items []records.Item, idx, target int) []records.Item {
	if target < 0 {
		target = 0
	}
	if target > len(items)-1 {
		target = len(items) - 1
	}
	moving := items[idx]
	rest := append(append([]records.Item(nil), items[:idx]...), items[idx+1:]...)
	out := make([]records.Item, 0, len(items))
	out = append(out, rest[:target]...)
	out = append(out, moving)
	out = append(out, rest[target:]...)
	return renumber(out)
}

func renumber(items []records.Item) []records.Item {
	for i := range items {
		items[i].Position = i
	}
	return items
}

func sortByPosition(items []records.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Position != items[j].Position {
			return items[i].Position < items[j].Position
		}
		return items[i].ID < items[j].ID
	})
}
