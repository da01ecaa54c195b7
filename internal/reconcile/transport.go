package reconcile

import (
	"context"
	"errors"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/yejilee2305/Real-Time-Collaborative-To-Do-List/internal/protocol"
)

const defaultWriteTimeout = 10 * time.Second

// WebSocketTransport is a Transport over a client WebSocket connection.
type WebSocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func DialWebSocket(ctx context.Context, url string) (*WebSocketTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return &WebSocketTransport{conn: conn, writeTimeout: defaultWriteTimeout}, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, t.conn, msg)
}

// Run feeds inbound events to handle until the connection ends. A normal
// close returns nil.
func (t *WebSocketTransport) Run(ctx context.Context, handle func(protocol.Message)) error {
	for {
		var msg protocol.Message
		if err := wsjson.Read(ctx, t.conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		handle(msg)
	}
}

func (t *WebSocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
