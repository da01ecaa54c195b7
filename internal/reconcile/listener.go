package reconcile

import (
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

// Listener receives engine state changes. Calls are made without the engine
// lock held, so a listener may call back into the engine.
type Listener interface {
	ItemsChanged(items []records.Item)
	PendingChanged(pending int)
	ConflictRaised(record protocol.ConflictRecord)
	ConnectionChanged(online bool)
	PresenceChanged(users []rooms.Presence)
	TypingChanged(userID string, isTyping bool)
	ErrorReceived(err protocol.Error)
	OperationDropped(op PendingOperation, reason string)
}

// NopListener ignores every event. Embed it to implement only some methods.
type NopListener struct{}

func (NopListener) ItemsChanged([]records.Item) {}
func (NopListener) PendingChanged(int) {}
func (NopListener) ConflictRaised(protocol.ConflictRecord) {}
func (NopListener) ConnectionChanged(bool) {}
func (NopListener) PresenceChanged([]rooms.Presence) {}
func (NopListener) TypingChanged(string, bool) {}
func (NopListener) ErrorReceived(protocol.Error) {}
func (NopListener) OperationDropped(PendingOperation, string) {}
