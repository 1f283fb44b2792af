package protocol

import (
	"context"
	"sync"

	"github.com/zeusync/syncplant/internal/core/observability/log"
)

// Outbox decouples writers from a slow connection. WriteEnvelope never
// blocks: envelopes are queued and written in order by one goroutine, and a
// full queue closes the connection.
type Outbox struct {
	conn    Conn
	queue   chan *Envelope
	config  Config
	logger  log.Log
	done    chan struct{}
	once    sync.Once
	stopped chan struct{}
}

var _ Conn = (*Outbox)(nil)

func NewOutbox(conn Conn, config Config, logger log.Log) *Outbox {
	size := config.OutboxSize
	if size <= 0 {
		size = DefaultConfig().OutboxSize
	}
	o := &Outbox{
		conn:    conn,
		queue:   make(chan *Envelope, size),
		config:  config,
		logger:  log.OrNop(logger),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Outbox) run() {
	defer close(o.stopped)
	for {
		select {
		case e := <-o.queue:
			ctx, cancel := o.writeContext()
			err := o.conn.WriteEnvelope(ctx, e)
			cancel()
			if err != nil {
				o.logger.Debug("outbox write failed", log.Error(err))
				_ = o.Close()
				return
			}
		case <-o.done:
			return
		}
	}
}

func (o *Outbox) writeContext() (context.Context, context.CancelFunc) {
	if o.config.WriteTimeout > 0 {
		return context.WithTimeout(context.Background(), o.config.WriteTimeout)
	}
	return context.WithCancel(context.Background())
}

func (o *Outbox) ReadEnvelope(ctx context.Context) (*Envelope, error) {
	return o.conn.ReadEnvelope(ctx)
}

func (o *Outbox) WriteEnvelope(_ context.Context, e *Envelope) error {
	select {
	case <-o.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case o.queue <- e:
		return nil
	default:
		o.logger.Warn("outbox full, closing connection", log.Int("size", cap(o.queue)))
		_ = o.Close()
		return ErrOutboxFull
	}
}

// Len reports the queued envelopes.
func (o *Outbox) Len() int {
	return len(o.queue)
}

func (o *Outbox) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		err = o.conn.Close()
	})
	return err
}

func (o *Outbox) RemoteAddr() string {
	return o.conn.RemoteAddr()
}
