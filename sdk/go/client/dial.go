package client

import (
	"context"
	"crypto/tls"

	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/protocol/quic"
	"github.com/zeusync/syncplant/internal/core/protocol/websocket"
)

// Dialer opens a fresh connection to the server. It is called again on
// every reconnect.
type Dialer func(ctx context.Context) (protocol.Conn, error)

// WebsocketDialer dials url, for example ws://localhost:8080/sync.
func WebsocketDialer(url string, config protocol.Config) Dialer {
	return func(ctx context.Context) (protocol.Conn, error) {
		conn, err := websocket.Dial(ctx, url, config)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// QUICDialer dials a QUIC listener. A nil tlsConfig verifies the server
// certificate against the system roots.
func QUICDialer(addr string, tlsConfig *tls.Config, config protocol.Config) Dialer {
	if tlsConfig == nil {
		tlsConfig = quic.ClientTLS(false)
	}
	return func(ctx context.Context) (protocol.Conn, error) {
		conn, err := quic.Dial(ctx, addr, tlsConfig, quic.DefaultConfig(), config)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}
