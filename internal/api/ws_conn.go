package api

import (
	"sync"
	"time"

	"chronicle/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn serializes writes to one viewer socket. It satisfies both the
// registry connection and the engine snapshot sink.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	return &wsConn{id: uuid.NewString(), conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) Send(event protocol.Event) error {
	payload, err := protocol.EncodeEvent(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// CloseWith sends a close frame carrying code before closing the socket.
func (c *wsConn) CloseWith(code int, reason string) {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, clipReason(reason)),
		time.Now().Add(c.writeTimeout))
	c.mu.Unlock()
	_ = c.Close()
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
