package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/clock"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/coordinator"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, opts HubOptions) *Hub {
	t.Helper()
	coord, err := coordinator.New(records.NewMemoryStore(), coordinator.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	opts.Coordinator = coord
	opts.Logger = quietLogger()
	if opts.Rooms.Clock == nil {
		opts.Rooms.Clock = clock.NewFake(time.Time{})
	}
	hub, err := NewHub(opts)
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	return hub
}

func send(t *testing.T, s *Session, typ protocol.Type, opID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(protocol.NewMessage(typ, opID, payload))
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	s.Handle(context.Background(), raw)
}

// drain returns everything currently queued for s.
func drain(s *Session) []protocol.Message {
	var out []protocol.Message
	for {
		select {
		case msg := <-s.Outbound():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func types(msgs []protocol.Message) []protocol.Type {
	out := make([]protocol.Type, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Type)
	}
	return out
}

func expectTypes(t *testing.T, got []protocol.Message, want ...protocol.Type) {
	t.Helper()
	gotTypes := types(got)
	if len(gotTypes) != len(want) {
		t.Fatalf("expected %v, got %v", want, gotTypes)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, gotTypes)
		}
	}
}

func decode[T any](t *testing.T, msg protocol.Message) T {
	t.Helper()
	v, err := protocol.DecodePayload[T](msg)
	if err != nil {
		t.Fatalf("decode %s: %v", msg.Type, err)
	}
	return v
}

func join(t *testing.T, s *Session, listID, userID string) {
	t.Helper()
	send(t, s, protocol.TypeJoinList, "", protocol.JoinList{ListID: listID, UserID: userID, DisplayName: userID})
}

func TestJoinBroadcastsPresence(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	a := hub.Connect()
	b := hub.Connect()

	join(t, a, "L1", "alice")
	expectTypes(t, drain(a), protocol.TypePresenceSnapshot)
	if state, listID := a.State(); state != StateInRoom || listID != "L1" {
		t.Fatalf("expected in-room L1, got %s %q", state, listID)
	}

	join(t, b, "L1", "bob")
	toA := drain(a)
	expectTypes(t, toA, protocol.TypePresenceJoined, protocol.TypePresenceSnapshot)
	joined := decode[protocol.PresenceJoined](t, toA[0])
	if joined.Presence.UserID != "bob" || joined.UserCount != 2 {
		t.Fatalf("unexpected presence-joined %+v", joined)
	}
	snapshot := decode[protocol.PresenceSnapshot](t, toA[1])
	if len(snapshot.Users) != 2 || snapshot.Users[0].Color == snapshot.Users[1].Color {
		t.Fatalf("expected two users with distinct colors, got %+v", snapshot.Users)
	}
	expectTypes(t, drain(b), protocol.TypePresenceSnapshot)
}

func TestIntentBeforeJoinIsRejected(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	s := hub.Connect()
	send(t, s, protocol.TypeCreateItem, "op-1", protocol.CreateItem{ListID: "L1", Title: "x", CreatedBy: "u1"})
	got := drain(s)
	expectTypes(t, got, protocol.TypeError, protocol.TypeOperationAck)
	if e := decode[protocol.Error](t, got[0]); e.Code != protocol.CodeNotInRoom {
		t.Fatalf("expected not_in_room, got %+v", e)
	}
	if ack := decode[protocol.OperationAck](t, got[1]); ack.Success || ack.OperationID != "op-1" {
		t.Fatalf("expected failed ack for op-1, got %+v", ack)
	}
}

func TestMutationFansOutToRoomOnly(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	a, b, c := hub.Connect(), hub.Connect(), hub.Connect()
	join(t, a, "L1", "alice")
	join(t, b, "L1", "bob")
	join(t, c, "L2", "carol")
	drain(a)
	drain(b)
	drain(c)

	send(t, a, protocol.TypeCreateItem, "op-1", protocol.CreateItem{ListID: "L1", Title: "Buy milk", CreatedBy: "alice"})
	toA := drain(a)
	expectTypes(t, toA, protocol.TypeItemCreated, protocol.TypeOperationAck)
	item := decode[records.Item](t, toA[0])
	if ack := decode[protocol.OperationAck](t, toA[1]); !ack.Success || ack.ItemID != item.ID || ack.Version != 1 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	expectTypes(t, drain(b), protocol.TypeItemCreated)
	if got := drain(c); len(got) != 0 {
		t.Fatalf("expected nothing for another list, got %v", types(got))
	}
}

func TestLeaveSideEffectsRunOnce(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	a, b := hub.Connect(), hub.Connect()
	join(t, a, "L1", "alice")
	join(t, b, "L1", "bob")
	drain(a)
	drain(b)

	send(t, b, protocol.TypeLeaveList, "", protocol.LeaveList{ListID: "L1"})
	toA := drain(a)
	expectTypes(t, toA, protocol.TypePresenceLeft, protocol.TypePresenceSnapshot)
	if left := decode[protocol.PresenceLeft](t, toA[0]); left.UserID != "bob" || left.UserCount != 1 {
		t.Fatalf("unexpected presence-left %+v", left)
	}

	b.Close()
	if got := drain(a); len(got) != 0 {
		t.Fatalf("expected no second leave broadcast, got %v", types(got))
	}
	if state, _ := b.State(); state != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", state)
	}
	if hub.SessionCount("L1") != 1 || hub.Registry().Count("L1") != 1 {
		t.Fatalf("expected one member left, got sessions=%d users=%d", hub.SessionCount("L1"), hub.Registry().Count("L1"))
	}
}

func TestJoinLeavesPreviousRoom(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	a, b := hub.Connect(), hub.Connect()
	join(t, a, "L1", "alice")
	join(t, b, "L1", "bob")
	drain(a)

	join(t, b, "L2", "bob")
	expectTypes(t, drain(a), protocol.TypePresenceLeft, protocol.TypePresenceSnapshot)
	if hub.Registry().Count("L2") != 1 {
		t.Fatalf("expected bob in L2")
	}
}

func TestSecondConnectionOfSameUserKeepsPresence(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	a, tab1, tab2 := hub.Connect(), hub.Connect(), hub.Connect()
	join(t, a, "L1", "alice")
	join(t, tab1, "L1", "bob")
	join(t, tab2, "L1", "bob")
	drain(a)

	tab1.Close()
	if got := drain(a); len(got) != 0 {
		t.Fatalf("expected bob to stay present, got %v", types(got))
	}
	tab2.Close()
	expectTypes(t, drain(a), protocol.TypePresenceLeft, protocol.TypePresenceSnapshot)
}

func TestTypingExpiresAfterTimeout(t *testing.T) {
	fake := clock.NewFake(time.Time{})
	hub := newTestHub(t, HubOptions{Rooms: rooms.Options{Clock: fake}})
	a, b := hub.Connect(), hub.Connect()
	join(t, a, "L1", "alice")
	join(t, b, "L1", "bob")
	drain(a)
	drain(b)

	send(t, a, protocol.TypeSetTyping, "", protocol.SetTyping{ListID: "L1", IsTyping: true})
	toB := drain(b)
	expectTypes(t, toB, protocol.TypeTypingChanged, protocol.TypePresenceSnapshot)
	if typing := decode[protocol.TypingChanged](t, toB[0]); !typing.IsTyping || typing.UserID != "alice" {
		t.Fatalf("unexpected typing event %+v", typing)
	}
	expectTypes(t, drain(a), protocol.TypePresenceSnapshot)

	fake.Advance(rooms.DefaultTypingTimeout)
	toB = drain(b)
	expectTypes(t, toB, protocol.TypeTypingChanged, protocol.TypePresenceSnapshot)
	if typing := decode[protocol.TypingChanged](t, toB[0]); typing.IsTyping {
		t.Fatalf("expected typing to expire, got %+v", typing)
	}
	snapshot := decode[protocol.PresenceSnapshot](t, toB[1])
	for _, user := range snapshot.Users {
		if user.IsTyping {
			t.Fatalf("expected nobody typing, got %+v", user)
		}
	}
}

func TestSelectingIsRelayed(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	a, b := hub.Connect(), hub.Connect()
	join(t, a, "L1", "alice")
	join(t, b, "L1", "bob")
	drain(a)
	drain(b)

	itemID := "I1"
	send(t, a, protocol.TypeSetSelecting, "", protocol.SetSelecting{ListID: "L1", ItemID: &itemID})
	toB := drain(b)
	expectTypes(t, toB, protocol.TypeSelectingChanged, protocol.TypePresenceSnapshot)
	if sel := decode[protocol.SelectingChanged](t, toB[0]); sel.ItemID == nil || *sel.ItemID != "I1" {
		t.Fatalf("unexpected selecting event %+v", sel)
	}
}

func TestTypingForOtherListIsRejected(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	a := hub.Connect()
	join(t, a, "L1", "alice")
	drain(a)
	send(t, a, protocol.TypeSetTyping, "", protocol.SetTyping{ListID: "L2", IsTyping: true})
	got := drain(a)
	expectTypes(t, got, protocol.TypeError)
	if e := decode[protocol.Error](t, got[0]); e.Code != protocol.CodeNotInRoom {
		t.Fatalf("expected not_in_room, got %+v", e)
	}
}

func TestMalformedFrameIsRejected(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	s := hub.Connect()
	s.Handle(context.Background(), []byte(`{"type":"create-item","operationId":"op-1","payload":{"title":""}}`))
	got := drain(s)
	expectTypes(t, got, protocol.TypeError, protocol.TypeOperationAck)
	if e := decode[protocol.Error](t, got[0]); e.Code != protocol.CodeInvalidIntent {
		t.Fatalf("expected invalid_intent, got %+v", e)
	}
	s.Handle(context.Background(), []byte(`garbage`))
	expectTypes(t, drain(s), protocol.TypeError)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	hub := newTestHub(t, HubOptions{SendBuffer: 4})
	a, slow := hub.Connect(), hub.Connect()
	join(t, a, "L1", "alice")
	join(t, slow, "L1", "bob")

	for i := 0; i < 8; i++ {
		drain(a)
		send(t, a, protocol.TypeCreateItem, "", protocol.CreateItem{ListID: "L1", Title: "item", CreatedBy: "alice"})
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected slow session to be closed")
	}
	if !slow.Overflowed() {
		t.Fatalf("expected overflow to be recorded")
	}
	if hub.Registry().Count("L1") != 1 {
		t.Fatalf("expected slow user to leave the room, got %d users", hub.Registry().Count("L1"))
	}
}

func TestCloseDuringJoinLeavesNoGhostPresence(t *testing.T) {
	hub := newTestHub(t, HubOptions{})
	tab1 := hub.Connect()
	join(t, tab1, "L1", "bob")

	joinMsg := protocol.NewMessage(protocol.TypeJoinList, "", protocol.JoinList{ListID: "L1", UserID: "bob", DisplayName: "bob"})
	for i := 0; i < 100; i++ {
		tab2 := hub.Connect()
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			tab2.HandleMessage(context.Background(), joinMsg)
		}()
		go func() {
			defer wg.Done()
			<-start
			tab2.Close()
		}()
		close(start)
		wg.Wait()
		drain(tab1)

		if state, _ := tab2.State(); state != StateDisconnected {
			t.Fatalf("expected closed session to stay disconnected, got %s", state)
		}
		if got := hub.SessionCount("L1"); got != 1 {
			t.Fatalf("iteration %d: expected only the live tab subscribed, got %d", i, got)
		}
		if got := hub.Registry().Count("L1"); got != 1 {
			t.Fatalf("iteration %d: expected bob present once, got %d", i, got)
		}
	}

	tab1.Close()
	if got := hub.Registry().RoomCount(); got != 0 {
		t.Fatalf("expected the room removed once bob's last tab closed, got %d rooms", got)
	}
}
