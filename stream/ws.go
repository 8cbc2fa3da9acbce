package stream

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/nexus/errors"
)

const wsWriteWait = 10 * time.Second

// WSWriter writes each frame as one JSON text message on a WebSocket
// connection and closes the connection after the terminal frame.
type WSWriter struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func NewWSWriter(conn *websocket.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

func (w *WSWriter) WriteFrame(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteJSON(f); err != nil {
		return errors.Wrapf(err, "failed to write websocket frame")
	}
	return nil
}

// Close sends a normal-closure control message and closes the connection.
// Safe to call more than once.
func (w *WSWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	return w.conn.Close()
}
