// Package gateway binds client connections to list rooms. It relays mutation
// intents to the coordinator and fans the results out to room members.
package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/coordinator"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

const defaultSendBuffer = 256

type HubOptions struct {
	Coordinator *coordinator.Coordinator
	Validator   *protocol.Validator
	Rooms       rooms.Options
	Logger      *slog.Logger
	// SendBuffer is the per-session outbound queue length. A session whose
	// queue fills up is disconnected.
	SendBuffer int
}

// Hub owns the room registry and the set of sessions subscribed to each
// list.
type Hub struct {
	coord      *coordinator.Coordinator
	validator  *protocol.Validator
	registry   *rooms.Registry
	logger     *slog.Logger
	sendBuffer int
	nextID     atomic.Uint64

	mu      sync.RWMutex
	members map[string]map[*Session]struct{}
}

func NewHub(opts HubOptions) (*Hub, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	validator := opts.Validator
	if validator == nil {
		v, err := protocol.NewValidator()
		if err != nil {
			return nil, err
		}
		validator = v
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	h := &Hub{
		coord:      opts.Coordinator,
		validator:  validator,
		logger:     logger,
		sendBuffer: sendBuffer,
		members:    map[string]map[*Session]struct{}{},
	}
	roomOpts := opts.Rooms
	roomOpts.OnTypingExpired = h.typingExpired
	h.registry = rooms.NewRegistry(roomOpts)
	return h, nil
}

func (h *Hub) Registry() *rooms.Registry {
	return h.registry
}

// Connect creates a session in the Connected state.
func (h *Hub) Connect() *Session {
	id := h.nextID.Add(1)
	return &Session{
		id:    fmt.Sprintf("s%d", id),
		hub:   h,
		out:   make(chan protocol.Message, h.sendBuffer),
		done:  make(chan struct{}),
		state: StateConnected,
	}
}

// Broadcast delivers msg to every session subscribed to listID except the
// given sessions.
func (h *Hub) Broadcast(listID string, msg protocol.Message, except ...*Session) {
	for _, s := range h.subscribers(listID) {
		if containsSession(except, s) {
			continue
		}
		s.send(msg)
	}
}

// broadcastExceptUser skips every session that belongs to userID.
func (h *Hub) broadcastExceptUser(listID, userID string, msg protocol.Message) {
	for _, s := range h.subscribers(listID) {
		if s.UserID() == userID {
			continue
		}
		s.send(msg)
	}
}

func (h *Hub) SessionCount(listID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members[listID])
}

func (h *Hub) subscribers(listID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.members[listID]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (h *Hub) subscribe(listID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.members[listID]
	if !ok {
		set = map[*Session]struct{}{}
		h.members[listID] = set
	}
	set[s] = struct{}{}
}

func (h *Hub) unsubscribe(listID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.members[listID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.members, listID)
	}
}

func (h *Hub) broadcastSnapshot(listID string) {
	h.Broadcast(listID, protocol.NewMessage(protocol.TypePresenceSnapshot, "", protocol.PresenceSnapshot{
		ListID: listID,
		Users:  h.registry.Snapshot(listID),
	}))
}

func (h *Hub) typingExpired(listID, userID string) {
	h.logger.Debug("typing flag expired", "list_id", listID, "user_id", userID)
	h.broadcastExceptUser(listID, userID, protocol.NewMessage(protocol.TypeTypingChanged, "", protocol.TypingChanged{
		ListID:   listID,
		UserID:   userID,
		IsTyping: false,
	}))
	h.broadcastSnapshot(listID)
}

func containsSession(list []*Session, s *Session) bool {
	for _, candidate := range list {
		if candidate == s {
			return true
		}
	}
	return false
}
