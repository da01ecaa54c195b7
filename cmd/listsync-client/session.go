package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/reconcile"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/records"
	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/rooms"
)

// session is one terminal user working on one list. It implements
// reconcile.Listener and prints what the engine reports.
type session struct {
	reconcile.NopListener

	listID string
	api    *reconcile.HTTPClient
	engine *reconcile.Engine
	logger *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	presenceMu sync.Mutex
	presence   []rooms.Presence
}

func (s *session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) println(line string) {
	s.printf("%s\n", line)
}

func (s *session) status() string {
	return statusLine(s.engine.Online(), s.engine.PendingCount(), len(s.engine.Conflicts()))
}

func (s *session) ConflictRaised(record protocol.ConflictRecord) {
	s.println(renderConflict(record))
}

func (s *session) ConnectionChanged(bool) {
	s.println(s.status())
}

func (s *session) PresenceChanged(users []rooms.Presence) {
	s.presenceMu.Lock()
	s.presence = users
	s.presenceMu.Unlock()
}

func (s *session) TypingChanged(userID string, isTyping bool) {
	if isTyping {
		s.println(mutedStyle.Render(userID + " is typing..."))
	}
}

func (s *session) ErrorReceived(err protocol.Error) {
	s.println(renderError(fmt.Sprintf("%s: %s", err.Code, err.Message)))
}

func (s *session) OperationDropped(op reconcile.PendingOperation, reason string) {
	s.println(renderError(fmt.Sprintf("gave up on %s (%s): %s", op.Kind, op.ID, reason)))
}

func (s *session) users() []rooms.Presence {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	return append([]rooms.Presence(nil), s.presence...)
}

// presenceFor returns the last snapshot pushed by the server. Before the first
// one arrives it asks the server directly.
func (s *session) presenceFor(ctx context.Context) ([]rooms.Presence, error) {
	if users := s.users(); len(users) > 0 {
		return users, nil
	}
	return s.api.Presence(ctx, s.listID)
}

// connectLoop keeps the engine attached to the server until ctx ends,
// reconnecting with jittered exponential backoff.
func (s *session) connectLoop(ctx context.Context, base, ceiling time.Duration, jitter float64) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			attempt++
			s.logger.Debug("connection ended", "attempt", attempt, "error", err)
		} else {
			attempt = 1
		}
		timer := time.NewTimer(reconnectDelay(base, ceiling, attempt, jitter, rng.Float64()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce dials, refreshes the canonical list over HTTP, then hands the
// transport to the engine and reads events until the connection drops.
func (s *session) connectOnce(ctx context.Context) error {
	transport, err := reconcile.DialWebSocket(ctx, s.api.WebSocketURL())
	if err != nil {
		return err
	}
	defer transport.Close()

	items, err := s.api.ListItems(ctx, s.listID)
	if err != nil {
		return fmt.Errorf("fetch items: %w", err)
	}
	s.engine.Resync(items)
	s.engine.Attach(transport)
	defer s.engine.Detach()
	return transport.Run(ctx, s.engine.HandleMessage)
}

// resolve finds an item by its 1-based row in the current view or by id.
func (s *session) resolve(ref string) (records.Item, error) {
	items := s.engine.Items()
	var n int
	if _, err := fmt.Sscanf(ref, "%d", &n); err == nil && fmt.Sprint(n) == ref {
		if n < 1 || n > len(items) {
			return records.Item{}, fmt.Errorf("no row %d", n)
		}
		return items[n-1], nil
	}
	for _, item := range items {
		if item.ID == ref {
			return item, nil
		}
	}
	return records.Item{}, fmt.Errorf("%w: %s", reconcile.ErrUnknownItem, ref)
}
