package quic

import (
	"bufio"
	"crypto/tls"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/syncplant/internal/core/protocol"
)

const headerSize = 4

var _ protocol.Conn = (*Connection)(nil)

type Connection struct {
	conn   *quic.Conn
	stream *quic.Stream
	reader *bufio.Reader
	config protocol.Config
	closed atomic.Bool

	readMu  sync.Mutex
	writeMu sync.Mutex
}

func newConnection(conn *quic.Conn, stream *quic.Stream, config protocol.Config) *Connection {
	return &Connection{
		conn:   conn,
		stream: stream,
		reader: bufio.NewReader(stream),
		config: config,
	}
}

func (c *Connection) ReadEnvelope(ctx context.Context) (*protocol.Envelope, error) {
	if c.closed.Load() {
		return nil, protocol.ErrConnectionClosed
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		_ = c.stream.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	var header [headerSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, c.readError(ctx, err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if c.config.MaxMessageSize > 0 && int(size) > c.config.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrMessageTooLarge, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.reader, data); err != nil {
		return nil, c.readError(ctx, err)
	}
	return protocol.Decode(data, c.config.MaxMessageSize)
}

func (c *Connection) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var appErr *quic.ApplicationError
	if c.closed.Load() || errors.Is(err, io.EOF) || errors.As(err, &appErr) {
		return protocol.ErrConnectionClosed
	}
	return fmt.Errorf("read quic stream: %w", err)
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

	frame := make([]byte, headerSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[headerSize:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.config.WriteTimeout > 0 {
		deadline = time.Now().Add(c.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = c.stream.SetWriteDeadline(deadline)

	if _, err = c.stream.Write(frame); err != nil {
		return fmt.Errorf("write quic stream: %w", err)
	}
	return nil
}

func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dial connects to addr and opens the envelope stream.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, config Config, protocolConfig protocol.Config) (*Connection, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return newConnection(conn, stream, protocolConfig), nil
}
