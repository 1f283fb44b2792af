package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/group"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/protocol/websocket"
	"github.com/zeusync/syncplant/internal/core/syncable"
	"github.com/zeusync/syncplant/internal/domain"
	"github.com/zeusync/syncplant/internal/storage/memory"
)

func createUser(user syncable.Ref) syncable.ChangePacket {
	return domain.CreateUser(user.ID, user.ID)
}

func testServer(t *testing.T, config Config, auth Authenticator, opts ...Option) *Server {
	t.Helper()
	p, err := domain.NewPlant(nil)
	require.NoError(t, err)

	groupConfig := group.DefaultConfig()
	groupConfig.ViewQueryDefaults = domain.ViewQueryDefaults()
	groups, err := group.NewManager(groupConfig, group.Dependencies{
		Plant:     p,
		Sequencer: memory.NewSequencer(),
		Store:     memory.NewStore(),
		Filters:   domain.Filter,
	}, domain.Adapter{})
	require.NoError(t, err)

	if auth == nil {
		auth = TrustAuthenticator{UserType: domain.TypeUser}
	}
	srv, err := NewServer(config, groups, auth, opts...)
	require.NoError(t, err)
	return srv
}

// client is a raw protocol peer recording the server pushes.
type client struct {
	peer  *protocol.Peer
	inits chan protocol.Initialize
	syncs chan protocol.Sync
}

func newClient(t *testing.T, ctx context.Context, conn protocol.Conn) *client {
	t.Helper()
	c := &client{
		peer:  protocol.NewPeer(conn),
		inits: make(chan protocol.Initialize, 4),
		syncs: make(chan protocol.Sync, 16),
	}
	c.peer.Handle(protocol.MethodInitialize, func(_ context.Context, req *protocol.Envelope) (any, error) {
		var msg protocol.Initialize
		if err := req.DecodeArgs(&msg); err != nil {
			return nil, err
		}
		c.inits <- msg
		return nil, nil
	})
	c.peer.Handle(protocol.MethodSync, func(_ context.Context, req *protocol.Envelope) (any, error) {
		var msg protocol.Sync
		if err := req.DecodeArgs(&msg); err != nil {
			return nil, err
		}
		c.syncs <- msg
		return nil, nil
	})
	go func() { _ = c.peer.Serve(ctx) }()
	t.Cleanup(func() { _ = c.peer.Close() })
	return c
}

func pipeClient(t *testing.T, ctx context.Context, srv *Server) (*client, chan error) {
	t.Helper()
	a, b := protocol.Pipe(64)
	served := make(chan error, 1)
	go func() { served <- srv.ServeConn(ctx, b) }()
	return newClient(t, ctx, a), served
}

func (c *client) connect(ctx context.Context, args protocol.Connect) error {
	return c.peer.Call(ctx, protocol.MethodConnect, args, &protocol.Empty{})
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		var zero T
		return zero
	}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServer_ConnectAndChange(t *testing.T) {
	ctx := testContext(t)
	srv := testServer(t, DefaultServerConfig(), nil, WithUserFactory(createUser))
	c, _ := pipeClient(t, ctx, srv)

	require.NoError(t, c.connect(ctx, protocol.Connect{Group: "team", User: "alice"}))
	initial := receive(t, c.inits)
	assert.Equal(t, domain.UserRef("alice"), initial.UserRef)
	assert.Equal(t, []any{domain.TypeTask, domain.TypeTag}, initial.ViewQueryDefaults[domain.QueryTypes])

	packet, task := domain.CreateTask("write docs")
	var ret protocol.ChangeReturn
	require.NoError(t, c.peer.Call(ctx, protocol.MethodChange, protocol.ChangeRequest{Packet: packet}, &ret))
	assert.Positive(t, ret.Clock)

	sync := receive(t, c.syncs)
	require.NotNil(t, sync.Source)
	assert.Equal(t, packet.ID, sync.Source.ID)
	assert.Equal(t, ret.Clock, sync.Source.Clock)
	require.Len(t, sync.Syncables, 1)
	assert.Equal(t, task, sync.Syncables[0].Ref())

	g, ok := srv.groups.Lookup("team")
	require.True(t, ok)
	assert.True(t, g.Container().Has(task))
	assert.Equal(t, 1, srv.SessionCount())
}

func TestServer_RequiresConnect(t *testing.T) {
	ctx := testContext(t)
	srv := testServer(t, DefaultServerConfig(), nil, WithUserFactory(createUser))
	c, _ := pipeClient(t, ctx, srv)

	packet, _ := domain.CreateTask("early")
	err := c.peer.Call(ctx, protocol.MethodChange, protocol.ChangeRequest{Packet: packet}, nil)
	assert.ErrorIs(t, err, protocol.ErrNotInitialized)

	err = c.peer.Call(ctx, protocol.MethodRequestObjects, protocol.ObjectRequest{}, nil)
	assert.ErrorIs(t, err, protocol.ErrNotInitialized)

	require.NoError(t, c.connect(ctx, protocol.Connect{Group: "team", User: "alice"}))
	err = c.connect(ctx, protocol.Connect{Group: "other", User: "alice"})
	assert.ErrorContains(t, err, ErrAlreadyConnected.Error())
}

func TestServer_ConnectRefusals(t *testing.T) {
	ctx := testContext(t)

	srv := testServer(t, DefaultServerConfig(), nil)
	c, _ := pipeClient(t, ctx, srv)
	err := c.connect(ctx, protocol.Connect{Group: "team", User: "ghost"})
	assert.ErrorIs(t, err, syncable.ErrNotFound, "users are not created without a factory")

	tokens := TokenAuthenticator{UserType: domain.TypeUser, Tokens: map[string]string{"s3cret": "alice"}}
	srv = testServer(t, DefaultServerConfig(), tokens, WithUserFactory(createUser))

	c, _ = pipeClient(t, ctx, srv)
	err = c.connect(ctx, protocol.Connect{Group: "team", User: "alice", Token: "wrong"})
	assert.ErrorIs(t, err, syncable.ErrAccessDenied)

	err = c.connect(ctx, protocol.Connect{Group: "team", Token: "s3cret"})
	require.NoError(t, err)
	assert.Equal(t, domain.UserRef("alice"), receive(t, c.inits).UserRef)
}

func TestServer_RequestObjectsAndViewQuery(t *testing.T) {
	ctx := testContext(t)
	srv := testServer(t, DefaultServerConfig(), nil, WithUserFactory(createUser))
	c, _ := pipeClient(t, ctx, srv)
	require.NoError(t, c.connect(ctx, protocol.Connect{Group: "team", User: "alice"}))
	receive(t, c.inits)

	missing := domain.TaskRef("nope")
	require.NoError(t, c.peer.Call(ctx, protocol.MethodRequestObjects, protocol.ObjectRequest{Refs: []syncable.Ref{missing}}, nil))
	assert.Equal(t, []syncable.Ref{missing}, receive(t, c.syncs).Removals)

	// Users become visible once the query asks for them.
	query := protocol.ViewQueryUpdate{Query: map[string]any{domain.QueryTypes: []any{domain.TypeUser}}}
	require.NoError(t, c.peer.Call(ctx, protocol.MethodUpdateViewQuery, query, nil))
	sync := receive(t, c.syncs)
	require.Len(t, sync.Syncables, 1)
	assert.Equal(t, domain.UserRef("alice"), sync.Syncables[0].Ref())
}

func TestServer_LeaveOnDisconnect(t *testing.T) {
	ctx := testContext(t)
	srv := testServer(t, DefaultServerConfig(), nil, WithUserFactory(createUser))
	c, served := pipeClient(t, ctx, srv)
	require.NoError(t, c.connect(ctx, protocol.Connect{Group: "team", User: "alice"}))

	g, ok := srv.groups.Lookup("team")
	require.True(t, ok)
	assert.Len(t, g.Connections(), 1)

	require.NoError(t, c.peer.Close())
	receive(t, served)
	assert.Empty(t, g.Connections())
	assert.Zero(t, srv.SessionCount())
}

func TestServer_MaxClients(t *testing.T) {
	ctx := testContext(t)
	config := DefaultServerConfig()
	config.MaxClients = 1
	srv := testServer(t, config, nil, WithUserFactory(createUser))

	first, _ := pipeClient(t, ctx, srv)
	require.NoError(t, first.connect(ctx, protocol.Connect{Group: "team", User: "alice"}))

	_, served := pipeClient(t, ctx, srv)
	assert.ErrorIs(t, receive(t, served), ErrMaxClientsReached)
}

func TestServer_WebsocketAndHealth(t *testing.T) {
	ctx := testContext(t)
	srv := testServer(t, DefaultServerConfig(), nil, WithUserFactory(createUser))
	srv.ctx = ctx

	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + srv.config.WebsocketPath
	conn, err := websocket.Dial(ctx, url, srv.config.Protocol)
	require.NoError(t, err)
	c := newClient(t, ctx, conn)

	require.NoError(t, c.connect(ctx, protocol.Connect{Group: "ws", User: "bob"}))
	assert.Equal(t, domain.UserRef("bob"), receive(t, c.inits).UserRef)

	resp, err := http.Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, []string{"ws"}, status.Groups)
}

func TestServer_StartStop(t *testing.T) {
	ctx := testContext(t)
	config := DefaultServerConfig()
	config.ListenAddr = "127.0.0.1:0"
	srv := testServer(t, config, nil, WithUserFactory(createUser))

	require.NoError(t, srv.Start(ctx))
	assert.ErrorIs(t, srv.Start(ctx), ErrServerAlreadyRunning)
	require.NotNil(t, srv.Addr())

	conn, err := websocket.Dial(ctx, "ws://"+srv.Addr().String()+config.WebsocketPath, config.Protocol)
	require.NoError(t, err)
	c := newClient(t, ctx, conn)
	require.NoError(t, c.connect(ctx, protocol.Connect{Group: "team", User: "alice"}))

	require.NoError(t, srv.Stop(ctx))
	select {
	case <-c.peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client was not disconnected")
	}
	assert.ErrorIs(t, srv.Stop(ctx), ErrServerClosed)
	assert.ErrorIs(t, srv.Start(ctx), ErrServerClosed)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		valid  bool
	}{
		{"default", func(*Config) {}, true},
		{"no address", func(c *Config) { c.ListenAddr = "" }, false},
		{"quic only", func(c *Config) { c.ListenAddr = ""; c.QUICAddr = ":0" }, true},
		{"cert without key", func(c *Config) { c.CertFile = "cert.pem" }, false},
		{"negative clients", func(c *Config) { c.MaxClients = -1 }, false},
		{"no outbox", func(c *Config) { c.Protocol.OutboxSize = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultServerConfig()
			tt.modify(&config)
			err := config.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}
