package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/coordinator"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in-room"
	default:
		return "disconnected"
	}
}

// Session is the per-connection state machine. Handle must be called from a
// single goroutine; Close may be called from any goroutine.
type Session struct {
	id  string
	hub *Hub
	out chan protocol.Message

	// membership serializes joining and leaving a room, including the leave
	// that Close runs from another goroutine.
	membership sync.Mutex

	mu     sync.Mutex
	state  State
	listID string
	userID string

	done      chan struct{}
	closeOnce sync.Once
	overflow  sync.Once
	slow      atomic.Bool
}

func (s *Session) ID() string {
	return s.id
}

// Outbound yields messages for the transport writer.
func (s *Session) Outbound() <-chan protocol.Message {
	return s.out
}

// Done is closed once the session has disconnected.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Overflowed reports whether the session was closed for falling behind.
func (s *Session) Overflowed() bool {
	return s.slow.Load()
}

func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.listID
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Handle decodes, validates and dispatches one inbound frame.
func (s *Session) Handle(ctx context.Context, raw []byte) {
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		s.reject("", protocol.CodeInvalidIntent, err.Error(), false)
		return
	}
	s.HandleMessage(ctx, msg)
}

func (s *Session) HandleMessage(ctx context.Context, msg protocol.Message) {
	if err := s.hub.validator.Validate(msg); err != nil {
		s.reject(msg.OperationID, protocol.CodeInvalidIntent, err.Error(), false)
		return
	}
	switch msg.Type {
	case protocol.TypeJoinList:
		s.handleJoin(msg)
	case protocol.TypeLeaveList:
		s.handleLeave(msg)
	case protocol.TypeSetTyping:
		s.handleTyping(msg)
	case protocol.TypeSetSelecting:
		s.handleSelecting(msg)
	default:
		s.handleMutation(ctx, msg)
	}
}

// Close runs the leave side effects and moves the session to Disconnected.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.membership.Lock()
		s.leaveRoomLocked()
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.membership.Unlock()
		close(s.done)
	})
}

func (s *Session) handleJoin(msg protocol.Message) {
	in, err := protocol.DecodePayload[protocol.JoinList](msg)
	if err != nil {
		s.reject(msg.OperationID, protocol.CodeInvalidIntent, err.Error(), false)
		return
	}
	listID := strings.TrimSpace(in.ListID)
	userID := strings.TrimSpace(in.UserID)

	s.membership.Lock()
	defer s.membership.Unlock()
	s.leaveRoomLocked()
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.state = StateInRoom
	s.listID = listID
	s.userID = userID
	s.mu.Unlock()

	s.hub.subscribe(listID, s)
	presence, first := s.hub.registry.Join(listID, userID, in.DisplayName)
	s.hub.logger.Info("session joined list", "session_id", s.id, "list_id", listID, "user_id", userID)
	if first {
		s.hub.Broadcast(listID, protocol.NewMessage(protocol.TypePresenceJoined, "", protocol.PresenceJoined{
			ListID:    listID,
			Presence:  presence,
			UserCount: s.hub.registry.Count(listID),
		}), s)
	}
	s.hub.broadcastSnapshot(listID)
}

func (s *Session) handleLeave(msg protocol.Message) {
	in, err := protocol.DecodePayload[protocol.LeaveList](msg)
	if err != nil {
		s.reject(msg.OperationID, protocol.CodeInvalidIntent, err.Error(), false)
		return
	}
	state, listID := s.State()
	if state != StateInRoom || listID != strings.TrimSpace(in.ListID) {
		s.reject(msg.OperationID, protocol.CodeNotInRoom, fmt.Sprintf("not a member of list %s", in.ListID), false)
		return
	}
	s.leaveRoom()
}

func (s *Session) leaveRoom() {
	s.membership.Lock()
	defer s.membership.Unlock()
	s.leaveRoomLocked()
}

// leaveRoomLocked is idempotent: it only acts while the session is InRoom.
// The caller holds s.membership.
func (s *Session) leaveRoomLocked() {
	s.mu.Lock()
	if s.state != StateInRoom {
		s.mu.Unlock()
		return
	}
	listID, userID := s.listID, s.userID
	s.state = StateConnected
	s.listID = ""
	s.mu.Unlock()

	s.hub.unsubscribe(listID, s)
	removed, remaining := s.hub.registry.Leave(listID, userID)
	s.hub.logger.Info("session left list", "session_id", s.id, "list_id", listID, "user_id", userID)
	if !removed {
		return
	}
	s.hub.Broadcast(listID, protocol.NewMessage(protocol.TypePresenceLeft, "", protocol.PresenceLeft{
		ListID:    listID,
		UserID:    userID,
		UserCount: remaining,
	}))
	if remaining > 0 {
		s.hub.broadcastSnapshot(listID)
	}
}

func (s *Session) handleTyping(msg protocol.Message) {
	in, err := protocol.DecodePayload[protocol.SetTyping](msg)
	if err != nil {
		s.reject(msg.OperationID, protocol.CodeInvalidIntent, err.Error(), false)
		return
	}
	listID, userID, ok := s.roomFor(msg, in.ListID)
	if !ok {
		return
	}
	if _, err := s.hub.registry.SetTyping(listID, userID, in.IsTyping); err != nil {
		s.presenceError(msg, err)
		return
	}
	s.hub.Broadcast(listID, protocol.NewMessage(protocol.TypeTypingChanged, "", protocol.TypingChanged{
		ListID:   listID,
		UserID:   userID,
		IsTyping: in.IsTyping,
	}), s)
	s.hub.broadcastSnapshot(listID)
}

func (s *Session) handleSelecting(msg protocol.Message) {
	in, err := protocol.DecodePayload[protocol.SetSelecting](msg)
	if err != nil {
		s.reject(msg.OperationID, protocol.CodeInvalidIntent, err.Error(), false)
		return
	}
	listID, userID, ok := s.roomFor(msg, in.ListID)
	if !ok {
		return
	}
	presence, err := s.hub.registry.SetSelecting(listID, userID, in.ItemID)
	if err != nil {
		s.presenceError(msg, err)
		return
	}
	s.hub.Broadcast(listID, protocol.NewMessage(protocol.TypeSelectingChanged, "", protocol.SelectingChanged{
		ListID: listID,
		UserID: userID,
		ItemID: presence.SelectedItemID,
	}), s)
	s.hub.broadcastSnapshot(listID)
}

func (s *Session) handleMutation(ctx context.Context, msg protocol.Message) {
	state, listID := s.State()
	if state != StateInRoom {
		s.reject(msg.OperationID, protocol.CodeNotInRoom, "join a list before sending "+string(msg.Type), true)
		return
	}
	// Results of an intent are delivered even if the client goes away
	// while the store call is in flight.
	ctx = context.WithoutCancel(ctx)

	var out coordinator.Outcome
	var err error
	switch msg.Type {
	case protocol.TypeCreateItem:
		var in protocol.CreateItem
		if in, err = protocol.DecodePayload[protocol.CreateItem](msg); err == nil {
			out = s.hub.coord.Create(ctx, listID, msg.OperationID, in)
		}
	case protocol.TypeUpdateItem:
		var in protocol.UpdateItem
		if in, err = protocol.DecodePayload[protocol.UpdateItem](msg); err == nil {
			out = s.hub.coord.Update(ctx, listID, msg.OperationID, in)
		}
	case protocol.TypeToggleItem:
		var in protocol.ToggleItem
		if in, err = protocol.DecodePayload[protocol.ToggleItem](msg); err == nil {
			out = s.hub.coord.Toggle(ctx, listID, msg.OperationID, in)
		}
	case protocol.TypeDeleteItem:
		var in protocol.DeleteItem
		if in, err = protocol.DecodePayload[protocol.DeleteItem](msg); err == nil {
			out = s.hub.coord.Delete(ctx, listID, msg.OperationID, in)
		}
	case protocol.TypeReorderItem:
		var in protocol.ReorderItem
		if in, err = protocol.DecodePayload[protocol.ReorderItem](msg); err == nil {
			out = s.hub.coord.Reorder(ctx, listID, msg.OperationID, in)
		}
	default:
		err = fmt.Errorf("unsupported message type %q", msg.Type)
	}
	if err != nil {
		s.reject(msg.OperationID, protocol.CodeInvalidIntent, err.Error(), false)
		return
	}
	s.deliver(out)
}

// deliver sends the room broadcast before the sender's replies so the
// canonical item is applied before the acknowledgment arrives.
func (s *Session) deliver(out coordinator.Outcome) {
	if out.Broadcast != nil {
		s.hub.Broadcast(out.ListID, *out.Broadcast)
	}
	for _, reply := range out.Replies {
		s.send(reply)
	}
}

func (s *Session) roomFor(msg protocol.Message, listID string) (string, string, bool) {
	state, current := s.State()
	if state != StateInRoom || current != strings.TrimSpace(listID) {
		s.reject(msg.OperationID, protocol.CodeNotInRoom, fmt.Sprintf("not a member of list %s", listID), false)
		return "", "", false
	}
	return current, s.UserID(), true
}

func (s *Session) presenceError(msg protocol.Message, err error) {
	if errors.Is(err, rooms.ErrNotMember) {
		s.reject(msg.OperationID, protocol.CodeNotInRoom, err.Error(), false)
		return
	}
	s.reject(msg.OperationID, protocol.CodeInvalidIntent, err.Error(), false)
}

// reject sends an error frame, plus a failed acknowledgment when the intent
// carried an operation id.
func (s *Session) reject(opID, code, message string, retryable bool) {
	s.send(protocol.NewMessage(protocol.TypeError, opID, protocol.Error{Code: code, Message: message, OperationID: opID}))
	if opID == "" {
		return
	}
	s.send(protocol.NewMessage(protocol.TypeOperationAck, opID, protocol.OperationAck{
		OperationID: opID,
		Code:        code,
		Retryable:   retryable,
	}))
}

// send never blocks. A session that cannot keep up is disconnected rather
// than stalling the room.
func (s *Session) send(msg protocol.Message) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- msg:
	default:
		s.overflow.Do(func() {
			s.slow.Store(true)
			s.hub.logger.Warn("closing slow session", "session_id", s.id, "buffer", cap(s.out))
			go s.Close()
		})
	}
}
