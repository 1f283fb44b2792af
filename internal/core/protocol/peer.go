package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/syncplant/internal/core/observability/log"
)

// Handler serves one request name. The returned value is encoded as the
// response; it is dropped for one-way requests.
type Handler func(ctx context.Context, req *Envelope) (any, error)

// ResponseFunc receives the outcome of an asynchronous call.
type ResponseFunc func(ret json.RawMessage, err error)

type PeerOption func(p *Peer)

func WithPeerLogger(logger log.Log) PeerOption {
	return func(p *Peer) { p.logger = logger }
}

func WithPeerConfig(config Config) PeerOption {
	return func(p *Peer) { p.config = config }
}

// Peer runs request/response RPC over a Conn. Requests are handled one at a
// time in arrival order, which keeps per-connection ordering intact.
type Peer struct {
	conn   Conn
	config Config
	logger log.Log

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu      sync.Mutex
	waiting map[string]ResponseFunc
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func NewPeer(conn Conn, opts ...PeerOption) *Peer {
	p := &Peer{
		conn:     conn,
		config:   DefaultConfig(),
		handlers: make(map[string]Handler),
		waiting:  make(map[string]ResponseFunc),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = log.OrNop(p.logger).With(log.String("remote_addr", conn.RemoteAddr()))
	return p
}

func (p *Peer) Handle(name string, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[name] = h
}

func (p *Peer) handler(name string) (Handler, bool) {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Serve reads until the connection fails, ctx ends, or a one-way handler
// returns a fatal error. It closes the peer on return.
func (p *Peer) Serve(ctx context.Context) error {
	err := p.serve(ctx)
	p.shutdown(err)
	return err
}

func (p *Peer) serve(ctx context.Context) error {
	for {
		env, err := p.conn.ReadEnvelope(ctx)
		if err != nil {
			return err
		}
		switch env.Type {
		case TypeResponse:
			p.resolve(env)
		case TypeRequest:
			if err = p.dispatch(ctx, env); err != nil {
				return err
			}
		}
	}
}

func (p *Peer) dispatch(ctx context.Context, req *Envelope) error {
	h, ok := p.handler(req.Name)
	var (
		ret any
		err error
	)
	if ok {
		ret, err = h(ctx, req)
	} else {
		err = fmt.Errorf("%w: %s", ErrUnknownMethod, req.Name)
	}

	if req.OneWay() {
		if err == nil {
			return nil
		}
		if IsFatal(err) {
			return err
		}
		p.logger.Warn("one-way request failed", log.String("method", req.Name), log.Error(err))
		return nil
	}

	resp, encErr := NewResponse(req.ID, ret, err)
	if encErr != nil {
		resp, _ = NewResponse(req.ID, nil, fmt.Errorf("%w: %v", ErrInternalError, encErr))
	}
	if err = p.conn.WriteEnvelope(ctx, resp); err != nil {
		return err
	}
	return nil
}

func (p *Peer) resolve(resp *Envelope) {
	p.mu.Lock()
	fn, ok := p.waiting[resp.ID]
	delete(p.waiting, resp.ID)
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("response without caller", log.String("request_id", resp.ID))
		return
	}
	if resp.Error != nil {
		fn(nil, resp.Error)
		return
	}
	fn(resp.Return, nil)
}

// Go writes a request and returns once it is on the wire; done runs on the
// reading goroutine when the response arrives, or with ErrConnectionClosed
// if the peer shuts down first.
func (p *Peer) Go(ctx context.Context, name string, args any, done ResponseFunc) error {
	req, err := NewRequest(uuid.NewString(), name, args)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrConnectionClosed
	}
	p.waiting[req.ID] = done
	p.mu.Unlock()

	if err = p.conn.WriteEnvelope(ctx, req); err != nil {
		p.mu.Lock()
		delete(p.waiting, req.ID)
		p.mu.Unlock()
		return err
	}
	return nil
}

// Call sends a request and waits for its response, decoding the return value
// into ret when it is not nil.
func (p *Peer) Call(ctx context.Context, name string, args any, ret any) error {
	if _, ok := ctx.Deadline(); !ok && p.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.RequestTimeout)
		defer cancel()
	}

	type outcome struct {
		raw json.RawMessage
		err error
	}
	ch := make(chan outcome, 1)
	err := p.Go(ctx, name, args, func(raw json.RawMessage, err error) {
		ch <- outcome{raw, err}
	})
	if err != nil {
		return err
	}

	select {
	case out := <-ch:
		if out.err != nil {
			return out.err
		}
		return decodeRaw(out.raw, ret)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrRequestTimeout, name)
		}
		return ctx.Err()
	}
}

// Notify sends a one-way request.
func (p *Peer) Notify(ctx context.Context, name string, args any) error {
	req, err := NewRequest("", name, args)
	if err != nil {
		return err
	}
	return p.conn.WriteEnvelope(ctx, req)
}

// Done is closed when the peer shut down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err returns why the peer shut down.
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *Peer) Close() error {
	p.shutdown(ErrConnectionClosed)
	return nil
}

func (p *Peer) shutdown(cause error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		waiting := p.waiting
		p.waiting = make(map[string]ResponseFunc)
		p.mu.Unlock()

		_ = p.conn.Close()
		for _, fn := range waiting {
			fn(nil, ErrConnectionClosed)
		}
		p.err = cause
		close(p.done)
	})
}

// IsFatal reports whether err must end the connection.
func IsFatal(err error) bool {
	return err != nil && WrapError(err).IsFatal()
}
