// Package websocket carries protocol envelopes over gorilla/websocket, one
// JSON envelope per text frame.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/syncplant/internal/core/protocol"
)

var _ protocol.Conn = (*Connection)(nil)

type Connection struct {
	conn   *websocket.Conn
	config protocol.Config
	closed atomic.Bool

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex
	stop    chan struct{}
}

// NewConnection wraps an established websocket and starts its keep-alive
// pings.
func NewConnection(conn *websocket.Conn, config protocol.Config) *Connection {
	c := &Connection{conn: conn, config: config, stop: make(chan struct{})}
	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(config.MaxMessageSize))
	}
	if config.KeepAlive > 0 {
		c.extendReadDeadline()
		conn.SetPongHandler(func(string) error {
			c.extendReadDeadline()
			return nil
		})
		go c.ping()
	}
	return c
}

func (c *Connection) extendReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.config.KeepAlive))
}

func (c *Connection) ping() {
	ticker := time.NewTicker(c.config.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Connection) ReadEnvelope(ctx context.Context) (*protocol.Envelope, error) {
	if c.closed.Load() {
		return nil, protocol.ErrConnectionClosed
	}
	// Reads are not context aware; expire the deadline to unblock them.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, protocol.ErrConnectionClosed
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, fmt.Errorf("%w: %v", protocol.ErrMessageTooLarge, err)
			}
			return nil, fmt.Errorf("read websocket: %w", err)
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		return protocol.Decode(data, c.config.MaxMessageSize)
	}
}

func (c *Connection) WriteEnvelope(ctx context.Context, e *protocol.Envelope) error {
	if c.closed.Load() {
		return protocol.ErrConnectionClosed
	}
	data, err := protocol.Encode(e)
	if err != nil {
		return err
	}
	if c.config.MaxMessageSize > 0 && len(data) > c.config.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", protocol.ErrMessageTooLarge, len(data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	if err = c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
