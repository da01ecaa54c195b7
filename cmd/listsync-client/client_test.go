package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/coordinator"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/gateway"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/reconcile"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, records.Store) {
	t.Helper()
	store := records.NewMemoryStore()
	coord, err := coordinator.New(store, coordinator.Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	hub, err := gateway.NewHub(gateway.HubOptions{Coordinator: coord, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	srv := httptest.NewServer(gateway.NewServer(hub, gateway.ServerConfig{Logger: quietLogger()}))
	t.Cleanup(srv.Close)
	return srv, store
}

func newTestSession(t *testing.T, baseURL, userID string) (*session, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	s := &session{
		listID: "L1",
		api:    reconcile.NewHTTPClient(baseURL, nil),
		logger: quietLogger(),
		out:    out,
	}
	engine, err := reconcile.NewEngine(reconcile.Options{Listener: s, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	s.engine = engine
	if err := engine.Join("L1", userID, userID); err != nil {
		t.Fatalf("join: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.connectLoop(ctx, 10*time.Millisecond, 50*time.Millisecond, 0)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = engine.Close()
	})
	return s, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func synced(s *session) func() bool {
	return func() bool { return s.engine.Online() && s.engine.PendingCount() == 0 }
}

func TestSessionCommandsReachServer(t *testing.T) {
	srv, store := newTestServer(t)
	alice, _ := newTestSession(t, srv.URL, "alice")
	waitFor(t, "alice online", synced(alice))

	alice.execute("add Buy milk")
	alice.execute("add -p high Call mom")
	waitFor(t, "creates acknowledged", synced(alice))

	items, err := store.ListItems(context.Background(), "L1")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 || items[0].Title != "Buy milk" || items[1].Priority != records.PriorityHigh {
		t.Fatalf("expected two stored items, got %+v", items)
	}

	alice.execute("done 1")
	alice.execute("mv 2 1")
	alice.execute("edit 2 Buy oat milk")
	waitFor(t, "edits acknowledged", synced(alice))

	items, _ = store.ListItems(context.Background(), "L1")
	if items[0].Title != "Call mom" || items[1].Title != "Buy oat milk" || !items[1].Completed {
		t.Fatalf("expected reordered, renamed and completed items, got %+v", items)
	}

	bob, _ := newTestSession(t, srv.URL, "bob")
	waitFor(t, "bob sees the list", func() bool { return len(bob.engine.Items()) == 2 })

	bob.execute("rm 1")
	waitFor(t, "alice sees the delete", func() bool { return len(alice.engine.Items()) == 1 })
	if got := alice.engine.Items()[0]; got.Title != "Buy oat milk" || got.Position != 0 {
		t.Fatalf("expected remaining item at position 0, got %+v", got)
	}
}

func TestSessionQueuesWhileOffline(t *testing.T) {
	srv, store := newTestServer(t)
	alice, _ := newTestSession(t, srv.URL, "alice")
	waitFor(t, "alice online", synced(alice))

	alice.execute("offline")
	alice.execute("add one")
	alice.execute("add two")
	if alice.engine.PendingCount() != 2 {
		t.Fatalf("expected 2 queued changes, got %d", alice.engine.PendingCount())
	}
	if items, _ := store.ListItems(context.Background(), "L1"); len(items) != 0 {
		t.Fatalf("expected nothing stored while offline, got %+v", items)
	}

	alice.execute("online")
	waitFor(t, "queue drained", synced(alice))
	items, _ := store.ListItems(context.Background(), "L1")
	if len(items) != 2 || items[0].Title != "one" || items[1].Title != "two" {
		t.Fatalf("expected FIFO replay, got %+v", items)
	}
}

func TestExecuteReportsErrorsAndQuit(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, out := newTestSession(t, srv.URL, "alice")

	if alice.execute("frobnicate") {
		t.Fatalf("expected unknown command not to quit")
	}
	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected unknown command error, got %q", out.String())
	}
	if alice.execute("done 9") {
		t.Fatalf("expected bad row not to quit")
	}
	if !strings.Contains(out.String(), "no row 9") {
		t.Fatalf("expected row error, got %q", out.String())
	}
	if alice.execute("   ") {
		t.Fatalf("expected blank line to be ignored")
	}
	if !alice.execute("quit") {
		t.Fatalf("expected quit to end the session")
	}
}

func TestRunRequiresListAndUser(t *testing.T) {
	err := run(context.Background(), &options{server: "http://127.0.0.1:1"}, strings.NewReader(""), io.Discard)
	if err == nil || !strings.Contains(err.Error(), "--list and --user") {
		t.Fatalf("expected missing flag error, got %v", err)
	}
}

func TestRunEndsOnEOF(t *testing.T) {
	srv, _ := newTestServer(t)
	out := &syncBuffer{}
	opts := &options{server: srv.URL, listID: "L1", userID: "alice", reconnect: 10 * time.Millisecond, maxReconnect: 50 * time.Millisecond}
	if err := run(context.Background(), opts, strings.NewReader("ls\n"), out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "L1") {
		t.Fatalf("expected the list header to be printed, got %q", out.String())
	}
}

func TestReconnectDelay(t *testing.T) {
	if got := reconnectDelay(time.Second, 30*time.Second, 1, 0, 0.5); got != time.Second {
		t.Fatalf("expected base delay on first attempt, got %s", got)
	}
	if got := reconnectDelay(time.Second, 30*time.Second, 4, 0, 0.5); got != 8*time.Second {
		t.Fatalf("expected 8s on fourth attempt, got %s", got)
	}
	if got := reconnectDelay(time.Second, 30*time.Second, 20, 0, 0.5); got != 30*time.Second {
		t.Fatalf("expected ceiling, got %s", got)
	}
	if got := reconnectDelay(time.Second, 30*time.Second, 1, 0.2, 0); got != 800*time.Millisecond {
		t.Fatalf("expected lower jitter bound, got %s", got)
	}
	if got := reconnectDelay(time.Second, 30*time.Second, 1, 0.2, 1); got != 1200*time.Millisecond {
		t.Fatalf("expected upper jitter bound, got %s", got)
	}
}

func TestWhoAsksServerBeforeFirstSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	bob, _ := newTestSession(t, srv.URL, "bob")
	waitFor(t, "bob online", synced(bob))

	out := &syncBuffer{}
	alice := &session{
		listID: "L1",
		api:    reconcile.NewHTTPClient(srv.URL, nil),
		logger: quietLogger(),
		out:    out,
	}
	engine, err := reconcile.NewEngine(reconcile.Options{Listener: alice, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	alice.engine = engine

	alice.execute("who")
	if !strings.Contains(out.String(), "bob") {
		t.Fatalf("expected bob listed from the server, got %q", out.String())
	}
}

func TestShowFetchesServerCopy(t *testing.T) {
	srv, _ := newTestServer(t)
	alice, out := newTestSession(t, srv.URL, "alice")
	waitFor(t, "alice online", synced(alice))

	alice.execute("offline")
	alice.execute("add Buy milk")
	alice.execute("show 1")
	if !strings.Contains(out.String(), "not on the server yet") {
		t.Fatalf("expected unsynced item to be refused, got %q", out.String())
	}

	alice.execute("online")
	waitFor(t, "create acknowledged", synced(alice))
	alice.execute("show 1")
	if !strings.Contains(out.String(), "status pending") || !strings.Contains(out.String(), "last changed by alice") {
		t.Fatalf("expected server copy of the item, got %q", out.String())
	}
}
