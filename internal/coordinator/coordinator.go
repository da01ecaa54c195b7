// Package coordinator applies client mutation intents to the record store
// and turns each result into the events the gateway delivers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
)

const defaultDedupeSize = 4096

type Options struct {
	Logger *slog.Logger
	// DedupeSize bounds how many recent operation ids are remembered so a
	// resent operation is acknowledged again instead of applied twice.
	DedupeSize int
}

// Outcome is what one intent produced. Broadcast goes to every session in
// ListID including the sender; Replies go to the sender only.
type Outcome struct {
	ListID    string
	Broadcast *protocol.Message
	Replies   []protocol.Message
}

type Coordinator struct {
	store  records.Store
	logger *slog.Logger
	acks   *lru.Cache[string, protocol.Message]

	mu      sync.Mutex
	running map[string]chan struct{}
}

func New(store records.Store, opts Options) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := opts.DedupeSize
	if size <= 0 {
		size = defaultDedupeSize
	}
	acks, err := lru.New[string, protocol.Message](size)
	if err != nil {
		return nil, err
	}
	return &Coordinator{store: store, logger: logger, acks: acks, running: map[string]chan struct{}{}}, nil
}

// Store is the record store intents are applied to.
func (c *Coordinator) Store() records.Store {
	return c.store
}

func (c *Coordinator) Create(ctx context.Context, roomListID, opID string, in protocol.CreateItem) Outcome {
	replayed, done, dup := c.begin(roomListID, opID)
	if dup {
		return replayed
	}
	defer done()
	if strings.TrimSpace(in.ListID) != roomListID {
		return c.invalid(roomListID, opID, "", fmt.Sprintf("list %q does not match joined list %q", in.ListID, roomListID))
	}
	item, err := c.store.CreateItem(ctx, records.NewItem{
		ListID:      roomListID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		AssigneeID:  in.AssigneeID,
		CreatedBy:   in.CreatedBy,
	})
	if err != nil {
		return c.failure(roomListID, opID, "", 0, "create", err)
	}
	c.logger.Info("item created", "list_id", item.ListID, "item_id", item.ID, "op_id", opID)
	return c.success(opID, protocol.TypeItemCreated, item, item)
}

func (c *Coordinator) Update(ctx context.Context, roomListID, opID string, in protocol.UpdateItem) Outcome {
	replayed, done, dup := c.begin(roomListID, opID)
	if dup {
		return replayed
	}
	defer done()
	if in.FieldDelta.IsEmpty() {
		return c.invalid(roomListID, opID, in.ItemID, "field delta is empty")
	}
	if out, ok := c.checkRoom(ctx, roomListID, opID, in.ItemID); !ok {
		return out
	}
	item, err := c.store.ConditionalUpdate(ctx, records.UpdateRequest{
		ItemID:          in.ItemID,
		Delta:           in.FieldDelta,
		ExpectedVersion: in.ExpectedVersion,
		EditedBy:        in.EditedBy,
	})
	if err != nil {
		return c.failure(roomListID, opID, in.ItemID, derefVersion(in.ExpectedVersion), "update", err)
	}
	c.logger.Info("item updated", "list_id", item.ListID, "item_id", item.ID, "version", item.Version, "op_id", opID)
	return c.success(opID, protocol.TypeItemUpdated, item, item)
}

func (c *Coordinator) Toggle(ctx context.Context, roomListID, opID string, in protocol.ToggleItem) Outcome {
	replayed, done, dup := c.begin(roomListID, opID)
	if dup {
		return replayed
	}
	defer done()
	if out, ok := c.checkRoom(ctx, roomListID, opID, in.ItemID); !ok {
		return out
	}
	item, err := c.store.ToggleItem(ctx, records.ToggleRequest{
		ItemID:          in.ItemID,
		ExpectedVersion: in.ExpectedVersion,
		EditedBy:        in.EditedBy,
	})
	if err != nil {
		return c.failure(roomListID, opID, in.ItemID, derefVersion(in.ExpectedVersion), "toggle", err)
	}
	c.logger.Info("item toggled", "list_id", item.ListID, "item_id", item.ID, "completed", item.Completed, "op_id", opID)
	return c.success(opID, protocol.TypeItemUpdated, item, item)
}

func (c *Coordinator) Delete(ctx context.Context, roomListID, opID string, in protocol.DeleteItem) Outcome {
	replayed, done, dup := c.begin(roomListID, opID)
	if dup {
		return replayed
	}
	defer done()
	if strings.TrimSpace(in.ListID) != roomListID {
		return c.invalid(roomListID, opID, in.ItemID, fmt.Sprintf("list %q does not match joined list %q", in.ListID, roomListID))
	}
	if out, ok := c.checkRoom(ctx, roomListID, opID, in.ItemID); !ok {
		return out
	}
	item, err := c.store.DeleteItem(ctx, records.DeleteRequest{
		ItemID:          in.ItemID,
		ExpectedVersion: in.ExpectedVersion,
	})
	if err != nil {
		return c.failure(roomListID, opID, in.ItemID, derefVersion(in.ExpectedVersion), "delete", err)
	}
	c.logger.Info("item deleted", "list_id", item.ListID, "item_id", item.ID, "op_id", opID)
	return c.success(opID, protocol.TypeItemDeleted, protocol.ItemDeleted{ItemID: item.ID, ListID: item.ListID}, item)
}

// Reorder carries no version check. Moving an item onto its current position
// is acknowledged and echoed to the sender only.
func (c *Coordinator) Reorder(ctx context.Context, roomListID, opID string, in protocol.ReorderItem) Outcome {
	replayed, done, dup := c.begin(roomListID, opID)
	if dup {
		return replayed
	}
	defer done()
	if strings.TrimSpace(in.ListID) != roomListID {
		return c.invalid(roomListID, opID, in.ItemID, fmt.Sprintf("list %q does not match joined list %q", in.ListID, roomListID))
	}
	if in.NewPosition < 0 {
		return c.invalid(roomListID, opID, in.ItemID, "new position must not be negative")
	}
	if out, ok := c.checkRoom(ctx, roomListID, opID, in.ItemID); !ok {
		return out
	}
	item, moved, err := c.store.Reorder(ctx, records.ReorderRequest{
		ItemID:      in.ItemID,
		NewPosition: in.NewPosition,
		EditedBy:    in.EditedBy,
	})
	if err != nil {
		return c.failure(roomListID, opID, in.ItemID, 0, "reorder", err)
	}
	if !moved {
		out := Outcome{ListID: item.ListID}
		out.Replies = append(out.Replies, protocol.NewMessage(protocol.TypeItemReordered, opID, item))
		if ack, ok := c.ack(opID, protocol.OperationAck{Success: true, ItemID: item.ID, Version: item.Version}); ok {
			out.Replies = append(out.Replies, ack)
		}
		return out
	}
	c.logger.Info("item reordered", "list_id", item.ListID, "item_id", item.ID, "position", item.Position, "op_id", opID)
	return c.success(opID, protocol.TypeItemReordered, item, item)
}

// checkRoom rejects intents that target an item outside the sender's room.
// Such items are reported as missing.
func (c *Coordinator) checkRoom(ctx context.Context, roomListID, opID, itemID string) (Outcome, bool) {
	current, err := c.store.GetItem(ctx, itemID)
	if err != nil {
		return c.failure(roomListID, opID, itemID, 0, "lookup", err), false
	}
	if current.ListID != roomListID {
		return c.failure(roomListID, opID, itemID, 0, "lookup", records.ErrNotFound), false
	}
	return Outcome{}, true
}

func (c *Coordinator) success(opID string, eventType protocol.Type, payload any, item records.Item) Outcome {
	broadcast := protocol.NewMessage(eventType, opID, payload)
	out := Outcome{ListID: item.ListID, Broadcast: &broadcast}
	if ack, ok := c.ack(opID, protocol.OperationAck{Success: true, ItemID: item.ID, Version: item.Version}); ok {
		out.Replies = append(out.Replies, ack)
	}
	return out
}

func (c *Coordinator) failure(roomListID, opID, itemID string, clientVersion int64, op string, err error) Outcome {
	out := Outcome{ListID: roomListID}
	var conflict *records.ConflictError
	switch {
	case errors.As(err, &conflict):
		if clientVersion == 0 {
			clientVersion = conflict.ExpectedVersion
		}
		record := protocol.ConflictRecord{
			ItemID:        conflict.ItemID,
			ClientVersion: clientVersion,
			ServerVersion: conflict.CurrentVersion,
			ServerData:    conflict.Current,
			Message:       fmt.Sprintf("item was changed by someone else (you had version %d, current is %d)", clientVersion, conflict.CurrentVersion),
		}
		broadcast := protocol.NewMessage(protocol.TypeItemConflict, opID, record)
		out.Broadcast = &broadcast
		c.logger.Info("version conflict", "op", op, "item_id", conflict.ItemID, "expected", clientVersion, "current", conflict.CurrentVersion, "op_id", opID)
		if ack, ok := c.ack(opID, protocol.OperationAck{ItemID: conflict.ItemID, Version: conflict.CurrentVersion, Code: protocol.CodeVersionConflict}); ok {
			out.Replies = append(out.Replies, ack)
		}
	case errors.Is(err, records.ErrNotFound):
		out.Replies = append(out.Replies, protocol.NewMessage(protocol.TypeError, opID, protocol.Error{
			Code:        protocol.CodeNotFound,
			Message:     fmt.Sprintf("item %s not found", itemID),
			OperationID: opID,
		}))
		if ack, ok := c.ack(opID, protocol.OperationAck{ItemID: itemID, Code: protocol.CodeNotFound}); ok {
			out.Replies = append(out.Replies, ack)
		}
	case errors.Is(err, records.ErrInvalidInput):
		return c.invalid(roomListID, opID, itemID, err.Error())
	default:
		c.logger.Error("store operation failed", "op", op, "list_id", roomListID, "item_id", itemID, "op_id", opID, "error", err)
		out.Replies = append(out.Replies, protocol.NewMessage(protocol.TypeError, opID, protocol.Error{
			Code:        protocol.CodeStorageError,
			Message:     fmt.Sprintf("failed to %s item", op),
			OperationID: opID,
		}))
		// Storage faults are not remembered: a resend should be applied.
		if opID != "" {
			out.Replies = append(out.Replies, protocol.NewMessage(protocol.TypeOperationAck, opID, protocol.OperationAck{
				OperationID: opID,
				ItemID:      itemID,
				Code:        protocol.CodeStorageError,
				Retryable:   true,
			}))
		}
	}
	return out
}

func (c *Coordinator) invalid(roomListID, opID, itemID, reason string) Outcome {
	out := Outcome{ListID: roomListID}
	out.Replies = append(out.Replies, protocol.NewMessage(protocol.TypeError, opID, protocol.Error{
		Code:        protocol.CodeInvalidIntent,
		Message:     reason,
		OperationID: opID,
	}))
	if ack, ok := c.ack(opID, protocol.OperationAck{ItemID: itemID, Code: protocol.CodeInvalidIntent}); ok {
		out.Replies = append(out.Replies, ack)
	}
	return out
}

// ack builds and remembers the final acknowledgment for opID.
func (c *Coordinator) ack(opID string, ack protocol.OperationAck) (protocol.Message, bool) {
	if opID == "" {
		return protocol.Message{}, false
	}
	ack.OperationID = opID
	msg := protocol.NewMessage(protocol.TypeOperationAck, opID, ack)
	c.acks.Add(opID, msg)
	return msg, true
}

// begin claims opID for one caller. A duplicate of a finished operation gets
// its remembered acknowledgment; a duplicate of one still being applied
// waits for it and then does the same. done must be called once the
// acknowledgment has been recorded.
func (c *Coordinator) begin(roomListID, opID string) (replayed Outcome, done func(), dup bool) {
	if opID == "" {
		return Outcome{}, func() {}, false
	}
	for {
		c.mu.Lock()
		if msg, ok := c.acks.Get(opID); ok {
			c.mu.Unlock()
			c.logger.Debug("replaying acknowledgment for duplicate operation", "op_id", opID, "list_id", roomListID)
			return Outcome{ListID: roomListID, Replies: []protocol.Message{msg}}, nil, true
		}
		wait, busy := c.running[opID]
		if !busy {
			finished := make(chan struct{})
			c.running[opID] = finished
			c.mu.Unlock()
			return Outcome{}, func() {
				c.mu.Lock()
				delete(c.running, opID)
				c.mu.Unlock()
				close(finished)
			}, false
		}
		c.mu.Unlock()
		// A storage fault is not remembered, so the waiter may end up
		// applying the operation itself.
		<-wait
	}
}

func derefVersion(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
