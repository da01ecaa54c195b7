// Package reconcile keeps a client's view of a list responsive while the
// server is slow or unreachable. Local changes are applied optimistically,
// queued durably and sent one at a time until acknowledged.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/clock"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
)

const (
	DefaultAckTimeout = 10 * time.Second
	DefaultRetryDelay = 2 * time.Second
	DefaultMaxRetries = 3
)

var (
	ErrClosed      = errors.New("engine closed")
	ErrNotJoined   = errors.New("no list joined")
	ErrUnknownItem = errors.New("unknown item")
	ErrOffline     = errors.New("not connected")
)

// CodePersistFailed is reported through Listener.ErrorReceived when queued
// operations can no longer be saved.
const CodePersistFailed = "persist_failed"

// Transport carries intents to the server.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
}

type Options struct {
	Queue      QueueStore
	Listener   Listener
	Clock      clock.Clock
	AckTimeout time.Duration
	RetryDelay time.Duration
	MaxRetries int
	Logger     *slog.Logger
	NewID      func() string
}

type conflictEntry struct {
	record  protocol.ConflictRecord
	dropped []PendingOperation
}

// heldConflict is a conflict on an item whose own in-flight operation has
// not been acknowledged yet. It is settled once that operation leaves the
// queue, so a write that won is never reported as lost.
type heldConflict struct {
	record protocol.ConflictRecord
	opID   string
}

type Engine struct {
	queue      QueueStore
	listener   Listener
	clock      clock.Clock
	ackTimeout time.Duration
	retryDelay time.Duration
	maxRetries int
	logger     *slog.Logger
	newID      func() string

	mu          sync.Mutex
	closed      bool
	transport   Transport
	online      bool
	listID      string
	userID      string
	displayName string
	canonical   map[string]records.Item
	pending     []PendingOperation
	conflicts   map[string]*conflictEntry
	held        map[string]heldConflict

	inFlight   string
	ackTimer   clock.Timer
	ackGen     uint64
	backoff    clock.Timer
	backoffGen uint64

	persistFailing bool

	// effects run in order after the lock is released.
	effects []func()
}

// NewEngine restores any persisted queue. The engine starts offline.
func NewEngine(opts Options) (*Engine, error) {
	e := &Engine{
		queue:      opts.Queue,
		listener:   opts.Listener,
		clock:      opts.Clock,
		ackTimeout: opts.AckTimeout,
		retryDelay: opts.RetryDelay,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
		newID:      opts.NewID,
		canonical:  map[string]records.Item{},
		conflicts:  map[string]*conflictEntry{},
		held:       map[string]heldConflict{},
	}
	if e.queue == nil {
		e.queue = NewMemoryQueueStore()
	}
	if e.listener == nil {
		e.listener = NopListener{}
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.ackTimeout <= 0 {
		e.ackTimeout = DefaultAckTimeout
	}
	if e.retryDelay <= 0 {
		e.retryDelay = DefaultRetryDelay
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	restored, err := e.queue.Load()
	if err != nil {
		return nil, fmt.Errorf("load pending operations: %w", err)
	}
	e.pending = restored
	if len(restored) > 0 {
		e.logger.Info("restored pending operations", "count", len(restored))
	}
	return e, nil
}

// Join subscribes to a list. Switching lists discards the canonical state of
// the previous one; queued operations are kept and drained when their list
// is joined again.
func (e *Engine) Join(listID, userID, displayName string) error {
	listID = strings.TrimSpace(listID)
	userID = strings.TrimSpace(userID)
	if listID == "" || userID == "" {
		return fmt.Errorf("%w: list id and user id are required", records.ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return ErrClosed
	}
	if listID != e.listID {
		e.canonical = map[string]records.Item{}
		e.conflicts = map[string]*conflictEntry{}
		e.held = map[string]heldConflict{}
	}
	e.listID, e.userID, e.displayName = listID, userID, displayName
	e.sendJoinLocked()
	e.notifyItemsLocked()
	e.notifyPendingLocked()
	e.drainLocked()
	return nil
}

// Resync replaces the canonical state, for example with a list fetched over
// HTTP after reconnecting.
func (e *Engine) Resync(items []records.Item) {
	e.mu.Lock()
	defer e.unlock()
	e.canonical = map[string]records.Item{}
	for _, item := range items {
		if item.ListID == e.listID {
			e.canonical[item.ID] = item.Clone()
		}
	}
	e.notifyItemsLocked()
}

// Attach hands the engine a connected transport. The last joined list is
// joined again and draining resumes.
func (e *Engine) Attach(t Transport) {
	e.mu.Lock()
	defer e.unlock()
	if e.closed || t == nil {
		return
	}
	e.transport = t
	e.online = true
	e.effects = append(e.effects, func() { e.listener.ConnectionChanged(true) })
	e.sendJoinLocked()
	e.drainLocked()
}

// Detach drops the transport. An operation awaiting acknowledgment goes back
// to waiting without using up a retry.
func (e *Engine) Detach() {
	e.mu.Lock()
	defer e.unlock()
	if e.transport == nil && !e.online {
		return
	}
	e.transport = nil
	e.online = false
	e.clearInFlightLocked()
	e.effects = append(e.effects, func() { e.listener.ConnectionChanged(false) })
}

// SetOnline pauses or resumes draining without touching the transport.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	defer e.unlock()
	if e.online == online {
		return
	}
	e.online = online
	e.effects = append(e.effects, func() { e.listener.ConnectionChanged(online) })
	e.drainLocked()
}

func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online && e.transport != nil
}

// SetTyping reports the local user's typing state to the room. Presence
// signals are not queued: offline they are dropped.
func (e *Engine) SetTyping(isTyping bool) error {
	e.mu.Lock()
	defer e.unlock()
	if err := e.presenceReadyLocked(); err != nil {
		return err
	}
	e.sendLocked(protocol.NewMessage(protocol.TypeSetTyping, "", protocol.SetTyping{
		ListID:   e.listID,
		UserID:   e.userID,
		IsTyping: isTyping,
	}))
	return nil
}

// SetSelecting reports which item the local user has selected; nil clears
// the selection.
func (e *Engine) SetSelecting(itemID *string) error {
	e.mu.Lock()
	defer e.unlock()
	if err := e.presenceReadyLocked(); err != nil {
		return err
	}
	e.sendLocked(protocol.NewMessage(protocol.TypeSetSelecting, "", protocol.SetSelecting{
		ListID: e.listID,
		UserID: e.userID,
		ItemID: itemID,
	}))
	return nil
}

func (e *Engine) presenceReadyLocked() error {
	if e.closed {
		return ErrClosed
	}
	if e.listID == "" {
		return ErrNotJoined
	}
	if e.transport == nil || !e.online {
		return ErrOffline
	}
	return nil
}

// Submit applies intent optimistically and queues it for the server. It
// returns the operation id.
func (e *Engine) Submit(intent Intent) (string, error) {
	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return "", ErrClosed
	}
	if e.listID == "" {
		return "", ErrNotJoined
	}
	op := PendingOperation{
		ID:        e.newID(),
		Kind:      intent.Kind,
		ListID:    e.listID,
		ItemID:    strings.TrimSpace(intent.ItemID),
		ActorID:   e.userID,
		Timestamp: e.clock.Now().UTC(),
	}
	if op.Kind == KindCreate {
		title := strings.TrimSpace(intent.Title)
		if title == "" {
			return "", fmt.Errorf("%w: title is required", records.ErrInvalidInput)
		}
		if intent.Priority != "" && !intent.Priority.Valid() {
			return "", fmt.Errorf("%w: invalid priority %q", records.ErrInvalidInput, intent.Priority)
		}
		op.ItemID = ""
		op.Create = &protocol.CreateItem{
			ListID:      e.listID,
			Title:       title,
			Priority:    intent.Priority,
			Description: intent.Description,
			DueDate:     intent.DueDate,
			AssigneeID:  intent.AssigneeID,
			CreatedBy:   e.userID,
		}
	} else {
		current, ok := e.visibleLocked(op.ItemID)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownItem, op.ItemID)
		}
		switch op.Kind {
		case KindUpdate:
			if intent.Delta.IsEmpty() {
				return "", fmt.Errorf("%w: nothing to update", records.ErrInvalidInput)
			}
			if err := intent.Delta.Validate(); err != nil {
				return "", err
			}
			delta := intent.Delta
			op.Delta = &delta
			op.Version = current.Version
		case KindToggle, KindDelete:
			op.Version = current.Version
		case KindReorder:
			if intent.NewPosition < 0 {
				return "", fmt.Errorf("%w: position must not be negative", records.ErrInvalidInput)
			}
			op.NewPosition = intent.NewPosition
		default:
			return "", fmt.Errorf("%w: unknown operation %q", records.ErrInvalidInput, intent.Kind)
		}
	}
	e.pending = append(e.pending, op)
	e.persistLocked()
	e.notifyItemsLocked()
	e.notifyPendingLocked()
	e.drainLocked()
	return op.ID, nil
}

// HandleMessage applies one server event.
func (e *Engine) HandleMessage(msg protocol.Message) {
	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return
	}
	switch msg.Type {
	case protocol.TypeItemCreated, protocol.TypeItemUpdated:
		if item, ok := decodeEvent[records.Item](e, msg); ok {
			e.putCanonicalLocked(item)
		}
	case protocol.TypeItemReordered:
		if item, ok := decodeEvent[records.Item](e, msg); ok {
			e.moveCanonicalLocked(item)
		}
	case protocol.TypeItemDeleted:
		if deleted, ok := decodeEvent[protocol.ItemDeleted](e, msg); ok {
			e.removeCanonicalLocked(deleted)
		}
	case protocol.TypeItemConflict:
		if record, ok := decodeEvent[protocol.ConflictRecord](e, msg); ok {
			e.handleConflictLocked(msg.OperationID, record)
		}
	case protocol.TypeOperationAck:
		if ack, ok := decodeEvent[protocol.OperationAck](e, msg); ok {
			e.handleAckLocked(ack)
		}
	case protocol.TypePresenceSnapshot:
		if snapshot, ok := decodeEvent[protocol.PresenceSnapshot](e, msg); ok && snapshot.ListID == e.listID {
			e.effects = append(e.effects, func() { e.listener.PresenceChanged(snapshot.Users) })
		}
	case protocol.TypeTypingChanged:
		if typing, ok := decodeEvent[protocol.TypingChanged](e, msg); ok && typing.ListID == e.listID {
			e.effects = append(e.effects, func() { e.listener.TypingChanged(typing.UserID, typing.IsTyping) })
		}
	case protocol.TypeError:
		if payload, ok := decodeEvent[protocol.Error](e, msg); ok {
			e.effects = append(e.effects, func() { e.listener.ErrorReceived(payload) })
		}
	case protocol.TypePresenceJoined, protocol.TypePresenceLeft, protocol.TypeSelectingChanged:
		// The snapshot that follows carries the full picture.
	default:
		e.logger.Debug("ignoring unknown event", "type", msg.Type)
	}
}

// Items returns the visible list: canonical state with every pending
// operation replayed on top.
func (e *Engine) Items() []records.Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) Pending() []PendingOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]PendingOperation(nil), e.pending...)
}

func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Conflicts returns the unresolved conflicts ordered by item id.
func (e *Engine) Conflicts() []protocol.ConflictRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.ConflictRecord, 0, len(e.conflicts))
	for _, entry := range e.conflicts {
		out = append(out, entry.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// DismissConflict accepts the server's state for itemID.
func (e *Engine) DismissConflict(itemID string) bool {
	e.mu.Lock()
	defer e.unlock()
	if _, ok := e.conflicts[itemID]; !ok {
		return false
	}
	delete(e.conflicts, itemID)
	return true
}

// RetryConflict re-applies the discarded changes on top of the server's
// version of the item and queues them again under new operation ids.
func (e *Engine) RetryConflict(itemID string) ([]string, error) {
	e.mu.Lock()
	defer e.unlock()
	if e.closed {
		return nil, ErrClosed
	}
	entry, ok := e.conflicts[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: no conflict for %s", ErrUnknownItem, itemID)
	}
	delete(e.conflicts, itemID)
	version := entry.record.ServerVersion
	if current, ok := e.canonical[itemID]; ok && current.Version > version {
		version = current.Version
	}
	ids := make([]string, 0, len(entry.dropped))
	for _, op := range entry.dropped {
		op.ID = e.newID()
		op.Version = version
		op.RetryCount = 0
		op.Timestamp = e.clock.Now().UTC()
		e.pending = append(e.pending, op)
		ids = append(ids, op.ID)
	}
	e.persistLocked()
	e.notifyItemsLocked()
	e.notifyPendingLocked()
	e.drainLocked()
	return ids, nil
}

// RetryFailed resets every retry count and resumes draining immediately.
func (e *Engine) RetryFailed() {
	e.mu.Lock()
	defer e.unlock()
	for i := range e.pending {
		e.pending[i].RetryCount = 0
	}
	e.cancelBackoffLocked()
	e.persistLocked()
	e.drainLocked()
}

// ClearQueue discards every pending operation.
func (e *Engine) ClearQueue() {
	e.mu.Lock()
	defer e.unlock()
	e.clearInFlightLocked()
	e.cancelBackoffLocked()
	e.pending = nil
	e.held = map[string]heldConflict{}
	e.persistLocked()
	e.notifyItemsLocked()
	e.notifyPendingLocked()
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.clearInFlightLocked()
	e.cancelBackoffLocked()
	e.transport = nil
	e.online = false
	e.mu.Unlock()
	return e.queue.Close()
}

func (e *Engine) unlock() {
	effects := e.effects
	e.effects = nil
	e.mu.Unlock()
	for _, effect := range effects {
		effect()
	}
}

// drainLocked sends the oldest pending operation of the joined list when
// nothing is in flight.
func (e *Engine) drainLocked() {
	for {
		if e.closed || !e.online || e.transport == nil || e.inFlight != "" || e.backoff != nil || e.listID == "" {
			return
		}
		idx := -1
		for i := range e.pending {
			if e.pending[i].ListID == e.listID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		op := e.pending[idx]
		msg, err := op.message()
		if err != nil {
			e.dropLocked(idx, err.Error())
			e.persistLocked()
			e.notifyPendingLocked()
			continue
		}
		e.inFlight = op.ID
		e.ackGen++
		gen := e.ackGen
		e.ackTimer = e.clock.AfterFunc(e.ackTimeout, func() { e.ackTimedOut(op.ID, gen) })
		e.sendLocked(msg)
		return
	}
}

func (e *Engine) sendJoinLocked() {
	if e.transport == nil || e.listID == "" {
		return
	}
	e.sendLocked(protocol.NewMessage(protocol.TypeJoinList, "", protocol.JoinList{
		ListID:      e.listID,
		UserID:      e.userID,
		DisplayName: e.displayName,
	}))
}

func (e *Engine) sendLocked(msg protocol.Message) {
	t := e.transport
	e.effects = append(e.effects, func() {
		if err := t.Send(context.Background(), msg); err != nil {
			e.logger.Warn("send failed", "type", msg.Type, "op_id", msg.OperationID, "error", err)
			if msg.OperationID != "" {
				e.sendFailed(msg.OperationID)
			}
		}
	})
}

// sendFailed counts a transport error against the in-flight operation.
func (e *Engine) sendFailed(opID string) {
	e.mu.Lock()
	defer e.unlock()
	if e.inFlight != opID {
		return
	}
	e.failInFlightLocked("send failed")
}

func (e *Engine) ackTimedOut(opID string, gen uint64) {
	e.mu.Lock()
	defer e.unlock()
	if e.closed || gen != e.ackGen || e.inFlight != opID {
		return
	}
	e.ackTimer = nil
	e.logger.Warn("acknowledgment timed out", "op_id", opID, "timeout", e.ackTimeout)
	e.failInFlightLocked("acknowledgment timed out")
}

func (e *Engine) failInFlightLocked(reason string) {
	idx := e.indexLocked(e.inFlight)
	e.clearInFlightLocked()
	if idx < 0 {
		e.drainLocked()
		return
	}
	e.retryLocked(idx, reason)
	e.persistLocked()
	e.notifyPendingLocked()
	e.drainLocked()
}

func (e *Engine) handleAckLocked(ack protocol.OperationAck) {
	if ack.OperationID == "" || ack.OperationID != e.inFlight {
		e.logger.Debug("ignoring acknowledgment", "op_id", ack.OperationID, "in_flight", e.inFlight)
		return
	}
	idx := e.indexLocked(ack.OperationID)
	e.clearInFlightLocked()
	if idx < 0 {
		e.drainLocked()
		return
	}
	op := e.pending[idx]
	switch {
	case ack.Success:
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		itemID := op.ItemID
		if op.Kind == KindCreate && ack.ItemID != "" {
			itemID = ack.ItemID
			e.renameLocked(tempItemID(op.ID), itemID)
		}
		if ack.Version > 0 {
			e.rebaseLocked(itemID, ack.Version)
		}
		e.releaseHeldLocked(op)
	case ack.Retryable:
		e.retryLocked(idx, ack.Code)
	default:
		e.dropLocked(idx, ack.Code)
	}
	e.persistLocked()
	e.notifyItemsLocked()
	e.notifyPendingLocked()
	e.drainLocked()
}

// retryLocked counts a failed attempt and either schedules the next one with
// linear backoff or gives up.
func (e *Engine) retryLocked(idx int, reason string) {
	e.pending[idx].RetryCount++
	op := e.pending[idx]
	if op.RetryCount >= e.maxRetries {
		e.logger.Warn("dropping operation after retries", "op_id", op.ID, "attempts", op.RetryCount, "reason", reason)
		e.dropLocked(idx, fmt.Sprintf("%s after %d attempts", reason, op.RetryCount))
		return
	}
	delay := e.retryDelay * time.Duration(op.RetryCount)
	e.backoffGen++
	gen := e.backoffGen
	e.backoff = e.clock.AfterFunc(delay, func() { e.backoffElapsed(gen) })
	e.logger.Info("retrying operation", "op_id", op.ID, "attempt", op.RetryCount, "delay", delay, "reason", reason)
}

func (e *Engine) backoffElapsed(gen uint64) {
	e.mu.Lock()
	defer e.unlock()
	if gen != e.backoffGen {
		return
	}
	e.backoff = nil
	e.drainLocked()
}

// dropLocked removes pending[idx] for good. Dropping a create also drops the
// operations that refer to its temporary item.
func (e *Engine) dropLocked(idx int, reason string) {
	op := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	dropped := []PendingOperation{op}
	if op.Kind == KindCreate {
		tmp := tempItemID(op.ID)
		kept := e.pending[:0]
		for _, other := range e.pending {
			if other.ItemID == tmp {
				dropped = append(dropped, other)
				continue
			}
			kept = append(kept, other)
		}
		e.pending = kept
	}
	e.releaseHeldLocked(op)
	for i, d := range dropped {
		why := reason
		if i > 0 {
			why = "item was never created"
		}
		e.effects = append(e.effects, func() { e.listener.OperationDropped(d, why) })
	}
}

func (e *Engine) renameLocked(from, to string) {
	for i := range e.pending {
		if e.pending[i].ItemID == from {
			e.pending[i].ItemID = to
		}
	}
}

// rebaseLocked moves later operations on itemID onto the acknowledged
// version so they do not conflict with our own earlier change.
func (e *Engine) rebaseLocked(itemID string, version int64) {
	for i := range e.pending {
		op := &e.pending[i]
		if op.ItemID == itemID && op.Version > 0 && op.Version < version {
			op.Version = version
		}
	}
}

// handleConflictLocked applies a room-wide conflict. opID names the write
// that lost; only when it is our in-flight operation is that operation ours
// to give up. Any other conflict on an item we are still waiting to hear
// about is held until our own acknowledgment arrives.
func (e *Engine) handleConflictLocked(opID string, record protocol.ConflictRecord) {
	if record.ServerData.ID != "" && record.ServerData.ListID == e.listID {
		e.putCanonicalLocked(record.ServerData)
	}
	if opID != "" && opID == e.inFlight {
		delete(e.held, record.ItemID)
		var lost []PendingOperation
		if idx := e.indexLocked(opID); idx >= 0 {
			lost = append(lost, e.pending[idx])
			e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		}
		e.clearInFlightLocked()
		e.raiseConflictLocked(record, lost)
		e.drainLocked()
		return
	}
	if waiting := e.awaitingAckLocked(record.ItemID); waiting != "" {
		if prev, ok := e.held[record.ItemID]; !ok || record.ServerVersion >= prev.record.ServerVersion {
			e.held[record.ItemID] = heldConflict{record: record, opID: waiting}
		}
		return
	}
	e.raiseConflictLocked(record, nil)
	e.drainLocked()
}

// awaitingAckLocked returns the operation on itemID whose outcome is still
// unknown, or "".
func (e *Engine) awaitingAckLocked(itemID string) string {
	if h, ok := e.held[itemID]; ok && e.indexLocked(h.opID) >= 0 {
		return h.opID
	}
	if e.inFlight == "" {
		return ""
	}
	if idx := e.indexLocked(e.inFlight); idx >= 0 && e.pending[idx].ItemID == itemID {
		return e.inFlight
	}
	return ""
}

// releaseHeldLocked settles a held conflict once op, the operation it was
// waiting on, has left the queue. Later operations have been rebased by then
// and are dropped only if they are still behind the server.
func (e *Engine) releaseHeldLocked(op PendingOperation) {
	h, ok := e.held[op.ItemID]
	if !ok || h.opID != op.ID {
		return
	}
	delete(e.held, op.ItemID)
	e.raiseConflictLocked(h.record, nil)
}

// raiseConflictLocked moves lost and every queued operation on the item that
// is behind the server version into a conflict entry.
func (e *Engine) raiseConflictLocked(record protocol.ConflictRecord, lost []PendingOperation) {
	dropped := lost
	kept := make([]PendingOperation, 0, len(e.pending))
	for _, op := range e.pending {
		if op.ID != e.inFlight && op.ItemID == record.ItemID && op.Version > 0 && op.Version < record.ServerVersion {
			dropped = append(dropped, op)
			continue
		}
		kept = append(kept, op)
	}
	if len(dropped) == 0 {
		return
	}
	e.pending = kept
	if prev, ok := e.conflicts[record.ItemID]; ok {
		dropped = append(prev.dropped, dropped...)
	}
	e.conflicts[record.ItemID] = &conflictEntry{record: record, dropped: dropped}
	e.logger.Info("conflict discarded queued operations", "item_id", record.ItemID, "count", len(dropped), "server_version", record.ServerVersion)
	e.effects = append(e.effects, func() { e.listener.ConflictRaised(record) })
	e.persistLocked()
	e.notifyItemsLocked()
	e.notifyPendingLocked()
}

func (e *Engine) putCanonicalLocked(item records.Item) {
	if item.ListID != e.listID {
		return
	}
	if current, ok := e.canonical[item.ID]; ok && current.Version > item.Version {
		return
	}
	e.canonical[item.ID] = item.Clone()
	e.notifyItemsLocked()
}

// moveCanonicalLocked applies a reorder event. Neighbors shift exactly as
// they did on the server.
func (e *Engine) moveCanonicalLocked(item records.Item) {
	if item.ListID != e.listID {
		return
	}
	ordered := e.orderedCanonicalLocked()
	idx := indexOf(ordered, item.ID)
	if idx < 0 {
		ordered = append(ordered, item.Clone())
		idx = len(ordered) - 1
	} else {
		ordered[idx] = item.Clone()
	}
	e.replaceCanonicalLocked(moveTo(ordered, idx, item.Position))
}

func (e *Engine) removeCanonicalLocked(deleted protocol.ItemDeleted) {
	if deleted.ListID != e.listID {
		return
	}
	ordered := e.orderedCanonicalLocked()
	idx := indexOf(ordered, deleted.ItemID)
	if idx < 0 {
		return
	}
	e.replaceCanonicalLocked(renumber(append(ordered[:idx], ordered[idx+1:]...)))
	delete(e.conflicts, deleted.ItemID)
}

func (e *Engine) orderedCanonicalLocked() []records.Item {
	out := make([]records.Item, 0, len(e.canonical))
	for _, item := range e.canonical {
		out = append(out, item.Clone())
	}
	sortByPosition(out)
	return out
}

func (e *Engine) replaceCanonicalLocked(items []records.Item) {
	e.canonical = make(map[string]records.Item, len(items))
	for _, item := range items {
		e.canonical[item.ID] = item
	}
	e.notifyItemsLocked()
}

func (e *Engine) viewLocked() []records.Item {
	items := e.orderedCanonicalLocked()
	for _, op := range e.pending {
		if op.ListID == e.listID {
			items = op.applyTo(items, op.Timestamp)
		}
	}
	return items
}

func (e *Engine) visibleLocked(itemID string) (records.Item, bool) {
	for _, item := range e.viewLocked() {
		if item.ID == itemID {
			return item, true
		}
	}
	return records.Item{}, false
}

func (e *Engine) indexLocked(opID string) int {
	for i := range e.pending {
		if e.pending[i].ID == opID {
			return i
		}
	}
	return -1
}

func (e *Engine) clearInFlightLocked() {
	if e.ackTimer != nil {
		e.ackTimer.Stop()
		e.ackTimer = nil
	}
	e.ackGen++
	e.inFlight = ""
}

func (e *Engine) cancelBackoffLocked() {
	if e.backoff != nil {
		e.backoff.Stop()
		e.backoff = nil
	}
	e.backoffGen++
}

// persistLocked saves the queue. The listener hears about the first failure
// of a run; unsent changes then only live in memory.
func (e *Engine) persistLocked() {
	err := e.queue.Save(e.pending)
	if err == nil {
		if e.persistFailing {
			e.persistFailing = false
			e.logger.Info("persisting pending operations again", "count", len(e.pending))
		}
		return
	}
	e.logger.Warn("persist pending operations failed", "count", len(e.pending), "error", err)
	if e.persistFailing {
		return
	}
	e.persistFailing = true
	report := protocol.Error{Code: CodePersistFailed, Message: fmt.Sprintf("unsent changes are not being saved: %v", err)}
	e.effects = append(e.effects, func() { e.listener.ErrorReceived(report) })
}

func (e *Engine) notifyItemsLocked() {
	items := e.viewLocked()
	e.effects = append(e.effects, func() { e.listener.ItemsChanged(items) })
}

func (e *Engine) notifyPendingLocked() {
	n := len(e.pending)
	e.effects = append(e.effects, func() { e.listener.PendingChanged(n) })
}

func decodeEvent[T any](e *Engine, msg protocol.Message) (T, bool) {
	v, err := protocol.DecodePayload[T](msg)
	if err != nil {
		e.logger.Warn("malformed event", "type", msg.Type, "error", err)
		return v, false
	}
	return v, true
}
