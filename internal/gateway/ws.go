package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
)

const (
	defaultMaxMessageBytes = 64 << 10
	defaultWriteTimeout    = 10 * time.Second
)

type wsConfig struct {
	originPatterns  []string
	maxMessageBytes int64
	writeTimeout    time.Duration
}

// serveWebSocket upgrades the request and pumps frames between the socket
// and a fresh session until either side goes away.
func (h *Hub) serveWebSocket(w http.ResponseWriter, r *http.Request, cfg wsConfig) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     cfg.originPatterns,
		InsecureSkipVerify: len(cfg.originPatterns) == 0,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(cfg.maxMessageBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := h.Connect()
	h.logger.Info("websocket connected", "session_id", session.ID(), "remote_addr", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, conn, session, cfg.writeTimeout)
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				h.logger.Debug("websocket read ended", "session_id", session.ID(), "error", err)
			}
			break
		}
		if typ != websocket.MessageText {
			session.send(protocol.NewMessage(protocol.TypeError, "", protocol.Error{
				Code:    protocol.CodeInvalidIntent,
				Message: "binary frames are not supported",
			}))
			continue
		}
		session.Handle(ctx, data)
	}

	session.Close()
	cancel()
	<-writerDone
	h.logger.Info("websocket disconnected", "session_id", session.ID())
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, session *Session, timeout time.Duration) {
	for {
		select {
		case msg := <-session.Outbound():
			if err := writeFrame(ctx, conn, msg, timeout); err != nil {
				h.logger.Debug("websocket write failed", "session_id", session.ID(), "error", err)
				session.Close()
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-session.Done():
			h.flush(ctx, conn, session, timeout)
			if session.Overflowed() {
				_ = conn.Close(websocket.StatusPolicyViolation, protocol.CodeSlowConsumer)
			} else {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

// flush writes whatever was queued before the session closed.
func (h *Hub) flush(ctx context.Context, conn *websocket.Conn, session *Session, timeout time.Duration) {
	for {
		select {
		case msg := <-session.Outbound():
			if err := writeFrame(ctx, conn, msg, timeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg protocol.Message, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}
