package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/protocol"
)

type Listener struct {
	listener *quic.Listener
	config   protocol.Config
	logger   log.Log
}

// Listen starts accepting QUIC connections on addr. tlsConfig must carry a
// certificate and the syncplant ALPN.
func Listen(addr string, tlsConfig *tls.Config, config Config, protocolConfig protocol.Config, logger log.Log) (*Listener, error) {
	if tlsConfig == nil {
		return nil, errors.New("quic listener requires a tls config")
	}
	listener, err := quic.ListenAddr(addr, tlsConfig, config.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Listener{
		listener: listener,
		config:   protocolConfig,
		logger:   log.OrNop(logger).Named("quic"),
	}, nil
}

// Accept waits for the next connection and its envelope stream.
func (l *Listener) Accept(ctx context.Context) (*Connection, error) {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, protocol.ErrConnectionClosed
			}
			return nil, err
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			l.logger.Warn("quic connection opened no stream",
				log.String("remote_addr", conn.RemoteAddr().String()),
				log.Error(err))
			_ = conn.CloseWithError(0, "no stream")
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return newConnection(conn, stream, l.config), nil
	}
}

// Serve accepts connections until ctx ends or the listener closes, handing
// each to accept on its own goroutine.
func (l *Listener) Serve(ctx context.Context, accept func(conn protocol.Conn)) error {
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrConnectionClosed) {
				return nil
			}
			return err
		}
		go accept(conn)
	}
}

func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
