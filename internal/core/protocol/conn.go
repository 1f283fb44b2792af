package protocol

import (
	"context"
	"sync"
)

// Conn carries envelopes in FIFO order. WriteEnvelope may be called
// concurrently; ReadEnvelope is called by a single reader.
type Conn interface {
	ReadEnvelope(ctx context.Context) (*Envelope, error)
	WriteEnvelope(ctx context.Context, e *Envelope) error
	Close() error
	RemoteAddr() string
}

// Pipe returns two connected in-memory ends. Each direction buffers size
// envelopes.
func Pipe(size int) (Conn, Conn) {
	ab := make(chan *Envelope, size)
	ba := make(chan *Envelope, size)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, done: done, once: once, addr: "pipe:a"}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once, addr: "pipe:b"}
	return a, b
}

type pipeEnd struct {
	in   <-chan *Envelope
	out  chan<- *Envelope
	done chan struct{}
	once *sync.Once
	addr string
}

func (p *pipeEnd) ReadEnvelope(ctx context.Context) (*Envelope, error) {
	select {
	case e := <-p.in:
		return e, nil
	case <-p.done:
		// Drain what was written before the close.
		select {
		case e := <-p.in:
			return e, nil
		default:
			return nil, ErrConnectionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) WriteEnvelope(ctx context.Context, e *Envelope) error {
	// Round-trip through JSON so both ends never share memory.
	data, err := Encode(e)
	if err != nil {
		return err
	}
	copied, err := Decode(data, 0)
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case p.out <- copied:
		return nil
	case <-p.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeEnd) RemoteAddr() string {
	return p.addr
}
