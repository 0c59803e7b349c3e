package internal

import (
	"context"
	"sync"

	"nhooyr.io/websocket"
)

// socketSink is the outbound half of a websocket connection.
type socketSink struct {
	conn *websocket.Conn
	once sync.Once
}

func newSocketSink(conn *websocket.Conn) *socketSink {
	return &socketSink{conn: conn}
}

func (s *socketSink) Send(ctx context.Context, message string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(message))
}

// Close starts the close handshake and returns without waiting for the peer,
// which can take seconds. Later calls are no-ops.
func (s *socketSink) Close() error {
	s.once.Do(func() {
		go func() {
			_ = s.conn.Close(websocket.StatusNormalClosure, "")
		}()
	})

	return nil
}
