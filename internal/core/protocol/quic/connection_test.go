package quic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/protocol"
)

func TestConnection_RoundTrip(t *testing.T) {
	tlsConfig, err := GenerateSelfSignedTLS()
	require.NoError(t, err)

	config := protocol.DefaultConfig()
	config.MaxMessageSize = 1024

	listener, err := Listen("127.0.0.1:0", tlsConfig, DefaultConfig(), config, nil)
	require.NoError(t, err)
	defer func() { _ = listener.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		_ = listener.Serve(ctx, func(conn protocol.Conn) {
			peer := protocol.NewPeer(conn)
			peer.Handle("echo", func(_ context.Context, req *protocol.Envelope) (any, error) {
				var args []int
				if err := req.DecodeArgs(&args); err != nil {
					return nil, err
				}
				return args, nil
			})
			_ = peer.Serve(ctx)
		})
	}()

	conn, err := Dial(ctx, listener.Addr(), ClientTLS(true), DefaultConfig(), config)
	require.NoError(t, err)
	client := protocol.NewPeer(conn)
	go func() { _ = client.Serve(ctx) }()
	defer func() { _ = client.Close() }()

	for i := range 3 {
		var out []int
		require.NoError(t, client.Call(ctx, "echo", []int{i, i + 1}, &out))
		assert.Equal(t, []int{i, i + 1}, out)
	}

	large := make([]int, 1024)
	err = client.Call(ctx, "echo", large, nil)
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)
}
