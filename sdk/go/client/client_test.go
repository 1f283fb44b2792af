package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/events/bus"
	"github.com/zeusync/syncplant/internal/core/group"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/replica"
	"github.com/zeusync/syncplant/internal/core/syncable"
	"github.com/zeusync/syncplant/internal/domain"
	"github.com/zeusync/syncplant/internal/server"
	"github.com/zeusync/syncplant/internal/storage/memory"
)

const waitFor = 2 * time.Second

func testServer(t *testing.T) *server.Server {
	t.Helper()
	p, err := domain.NewPlant(nil)
	require.NoError(t, err)

	config := group.DefaultConfig()
	config.ViewQueryDefaults = domain.ViewQueryDefaults()
	groups, err := group.NewManager(config, group.Dependencies{
		Plant:     p,
		Sequencer: memory.NewSequencer(),
		Store:     memory.NewStore(),
		Filters:   domain.Filter,
	}, domain.Adapter{})
	require.NoError(t, err)

	srv, err := server.NewServer(server.DefaultServerConfig(), groups,
		server.TrustAuthenticator{UserType: domain.TypeUser},
		server.WithUserFactory(func(user syncable.Ref) syncable.ChangePacket {
			return domain.CreateUser(user.ID, user.ID)
		}))
	require.NoError(t, err)
	return srv
}

// pipeDialer connects in memory and hands out the server ends so tests can
// cut connections.
type pipeDialer struct {
	srv   *server.Server
	ctx   context.Context
	dials atomic.Int32
	ends  chan protocol.Conn
}

func newPipeDialer(t *testing.T, srv *server.Server) *pipeDialer {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &pipeDialer{srv: srv, ctx: ctx, ends: make(chan protocol.Conn, 8)}
}

func (d *pipeDialer) dial(context.Context) (protocol.Conn, error) {
	a, b := protocol.Pipe(64)
	d.dials.Add(1)
	go func() { _ = d.srv.ServeConn(d.ctx, b) }()
	d.ends <- b
	return a, nil
}

func testClient(t *testing.T, srv *server.Server, user string) (*Client, *pipeDialer) {
	t.Helper()
	p, err := domain.NewPlant(nil)
	require.NoError(t, err)

	config := DefaultClientConfig()
	config.Group = "team"
	config.User = user
	config.ReconnectInterval = 10 * time.Millisecond

	dialer := newPipeDialer(t, srv)
	c, err := NewClient(config, dialer.dial, p, domain.Adapter{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c, dialer
}

func waitSynced(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitSynced(ctx))
}

func TestClient_OptimisticChangeIsConfirmed(t *testing.T) {
	srv := testServer(t)
	alice, _ := testClient(t, srv, "alice")

	assert.True(t, alice.Connected())
	assert.Equal(t, domain.UserRef("alice"), alice.Replica().UserRef())
	assert.ErrorIs(t, alice.Connect(context.Background()), ErrAlreadyConnected)

	packet, task := domain.CreateTask("write docs")
	require.NoError(t, alice.Apply(packet))

	local, ok := alice.Get(task)
	require.True(t, ok, "applied locally before confirmation")
	assert.Equal(t, "write docs", local.GetString(domain.FieldBrief))

	waitSynced(t, alice)
	confirmed, ok := alice.Replica().Snapshot(task)
	require.True(t, ok)
	assert.Positive(t, confirmed.Clock)
	assert.Equal(t, "alice", confirmed.GetString(domain.FieldOwner))
}

func TestClient_SharedTagReachesOtherUser(t *testing.T) {
	srv := testServer(t)
	alice, _ := testClient(t, srv, "alice")
	bob, _ := testClient(t, srv, "bob")

	tagPacket, tag := domain.CreateTag("release")
	require.NoError(t, alice.Apply(tagPacket))
	// Membership arrives with the follow-up change after the confirmation.
	assert.Eventually(t, func() bool {
		_, ok := alice.Get(tag)
		return ok
	}, waitFor, 5*time.Millisecond)

	taskPacket, task := domain.CreateTask("ship it", tag.ID)
	require.NoError(t, alice.Apply(taskPacket))
	waitSynced(t, alice)

	_, visible := bob.Get(task)
	assert.False(t, visible)

	// Inviting needs bob in alice's view.
	require.NoError(t, alice.Query(map[string]any{
		domain.QueryTypes: []any{domain.TypeUser, domain.TypeTask, domain.TypeTag},
	}))
	assert.Eventually(t, func() bool {
		_, ok := alice.Get(domain.UserRef("bob"))
		return ok
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, alice.Apply(domain.InviteToTag(tag, domain.UserRef("bob"))))
	assert.Eventually(t, func() bool {
		_, ok := bob.Get(task)
		return ok
	}, waitFor, 5*time.Millisecond)
}

func TestClient_RejectedChangeIsRolledBack(t *testing.T) {
	srv := testServer(t)
	alice, _ := testClient(t, srv, "alice")
	bob, _ := testClient(t, srv, "bob")

	packet, task := domain.CreateTask("private")
	require.NoError(t, alice.Apply(packet))
	waitSynced(t, alice)

	rejected := make(chan replica.RejectedEvent, 1)
	_, err := bob.Bus().Subscribe(replica.EventRejected, func(e bus.Event) error {
		rejected <- e.Data().(replica.RejectedEvent)
		return nil
	})
	require.NoError(t, err)

	// Bob cannot see the task, so creating its id succeeds locally only.
	clash := syncable.NewChangePacket(domain.ChangeCreateTask,
		map[string]syncable.RefValue{domain.TypeTask: syncable.Creating(domain.TypeTask, task.ID)},
		map[string]any{domain.FieldBrief: "mine"})
	require.NoError(t, bob.Apply(clash))
	_, ok := bob.Get(task)
	require.True(t, ok)

	select {
	case ev := <-rejected:
		assert.Equal(t, clash.ID, ev.Packet.ID)
		assert.ErrorIs(t, ev.Err, syncable.ErrInvalidOperation)
	case <-time.After(waitFor):
		t.Fatal("change was not rejected")
	}
	_, ok = bob.Get(task)
	assert.False(t, ok)
	assert.Empty(t, bob.Replica().Pending())
}

func TestClient_ReconnectsAndRetransmits(t *testing.T) {
	srv := testServer(t)
	alice, dialer := testClient(t, srv, "alice")

	connected := make(chan struct{}, 4)
	_, err := alice.Bus().Subscribe(EventConnected, func(bus.Event) error {
		connected <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	first := <-dialer.ends
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool { return !alice.Connected() || dialer.dials.Load() > 1 }, waitFor, 5*time.Millisecond)

	// Changes made while offline stay pending and go out after reconnect.
	packet, task := domain.CreateTask("offline")
	require.NoError(t, alice.Apply(packet))

	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("client did not reconnect")
	}
	waitSynced(t, alice)
	assert.Equal(t, int32(2), dialer.dials.Load())

	snapshot, ok := alice.Replica().Snapshot(task)
	require.True(t, ok)
	assert.Equal(t, "offline", snapshot.GetString(domain.FieldBrief))
}

func TestClient_Resync(t *testing.T) {
	srv := testServer(t)
	alice, dialer := testClient(t, srv, "alice")

	packet, task := domain.CreateTask("kept")
	require.NoError(t, alice.Apply(packet))
	waitSynced(t, alice)

	alice.Resync()
	assert.Eventually(t, func() bool {
		return dialer.dials.Load() == 2 && alice.Connected() && alice.Replica().State() == replica.StateReady
	}, waitFor, 5*time.Millisecond)

	_, ok := alice.Get(task)
	assert.True(t, ok, "state is rebuilt from initialize")
}

func TestClient_ClosedClient(t *testing.T) {
	srv := testServer(t)
	alice, _ := testClient(t, srv, "alice")
	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	assert.False(t, alice.Connected())
	_, err := alice.Update(domain.ChangeCreateTask, nil, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, alice.Connect(context.Background()), ErrClientClosed)
}

func TestConfig_Validate(t *testing.T) {
	config := DefaultClientConfig()
	assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)

	config.Group = "team"
	assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)

	config.Token = "t"
	assert.NoError(t, config.Validate())

	config.ReconnectInterval = 0
	assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
}
