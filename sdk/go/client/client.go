// Package client connects a replica to a syncplant server. It keeps the
// connection alive, retransmits unconfirmed changes after a reconnect and
// resyncs from scratch when the server reports an out-of-order confirmation.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/events/bus"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/plant"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/replica"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Event types published by the client on the replica bus.
const (
	EventConnected    = "client.connected"
	EventDisconnected = "client.disconnected"
	EventReconnecting = "client.reconnecting"
)

// Config holds configuration for the client
type Config struct {
	Group string
	User  string
	Token string

	// Connection settings
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	// MaxReconnectAttempts bounds consecutive failed dials; zero retries
	// forever.
	MaxReconnectAttempts int

	Protocol protocol.Config
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		ConnectTimeout:       30 * time.Second,
		ReconnectInterval:    2 * time.Second,
		MaxReconnectAttempts: 10,
		Protocol:             protocol.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.Group == "" {
		return fmt.Errorf("%w: group is required", ErrInvalidConfig)
	}
	if c.User == "" && c.Token == "" {
		return fmt.Errorf("%w: user or token is required", ErrInvalidConfig)
	}
	if c.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: reconnect interval must be positive", ErrInvalidConfig)
	}
	return nil
}

type Option func(c *Client)

func WithLogger(logger log.Log) Option {
	return func(c *Client) { c.logger = logger }
}

// Client is a replica bound to one group on a server.
type Client struct {
	config  Config
	dial    Dialer
	replica *replica.Replica
	logger  log.Log

	mu   sync.Mutex
	peer *protocol.Peer

	connected atomic.Bool
	closed    atomic.Bool
	// resync is set when the next connect must start from a reset replica.
	resync atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds a client whose replica runs p over adapter. The plant
// must carry the same change types as the server.
func NewClient(config Config, dial Dialer, p *plant.Plant, adapter container.Adapter, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if dial == nil {
		return nil, fmt.Errorf("%w: dialer is required", ErrInvalidConfig)
	}

	c := &Client{
		config: config,
		dial:   dial,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.OrNop(c.logger).With(
		log.String("component", "client"),
		log.String("group", config.Group))
	c.replica = replica.New(p, adapter, replica.WithLogger(c.logger))
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.logger.Info("Client created", log.String("user", config.User))
	return c, nil
}

func (c *Client) Replica() *replica.Replica {
	return c.replica
}

// Bus carries replica and client events.
func (c *Client) Bus() bus.EventBus {
	return c.replica.Bus()
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Connect dials the server and joins the group. It returns once the initial
// state is installed; from then on the client reconnects on its own until
// Close.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	peer, err := c.connect(ctx)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.maintain(peer)
	return nil
}

func (c *Client) connect(ctx context.Context) (*protocol.Peer, error) {
	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("Failed to connect to server", log.Error(err))
		return nil, err
	}

	peer := protocol.NewPeer(conn,
		protocol.WithPeerConfig(c.config.Protocol),
		protocol.WithPeerLogger(c.logger))
	peer.Handle(protocol.MethodInitialize, c.initializer(peer))
	peer.Handle(protocol.MethodSync, c.handleSync)
	peer.Handle(protocol.MethodNotify, c.handleNotify)

	switch {
	case c.resync.Swap(false):
		c.replica.Reset()
	case c.replica.State() == replica.StateUninitialized:
		c.replica.Begin()
	}
	// Changes made during the handshake stay pending until Initialize
	// retransmits them on the new peer.
	c.replica.SetSender(nil)

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	go func() { _ = peer.Serve(c.ctx) }()

	args := protocol.Connect{
		Group:     c.config.Group,
		User:      c.config.User,
		Token:     c.config.Token,
		ViewQuery: c.replica.ViewQuery(),
	}
	if err = peer.Call(ctx, protocol.MethodConnect, args, &protocol.Empty{}); err != nil {
		_ = peer.Close()
		c.logger.Warn("Server refused connect", log.Error(err))
		return nil, err
	}

	c.connected.Store(true)
	c.logger.Info("Connected to server", log.String("remote_addr", conn.RemoteAddr()))
	c.publish(EventConnected, nil)
	return peer, nil
}

// maintain waits for the connection to end and reconnects.
func (c *Client) maintain(peer *protocol.Peer) {
	defer c.wg.Done()
	for {
		select {
		case <-peer.Done():
		case <-c.ctx.Done():
			return
		}
		c.connected.Store(false)
		if c.closed.Load() {
			return
		}
		cause := peer.Err()
		c.logger.Warn("Disconnected from server", log.Error(cause))
		c.publish(EventDisconnected, cause)
		if errors.Is(cause, syncable.ErrOutOfOrderConfirmation) {
			c.resync.Store(true)
		}

		next, err := c.reconnect()
		if err != nil {
			c.logger.Error("Giving up on server", log.Error(err))
			return
		}
		peer = next
	}
}

func (c *Client) reconnect() (*protocol.Peer, error) {
	for attempt := 1; c.config.MaxReconnectAttempts == 0 || attempt <= c.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, ErrClientClosed
		case <-time.After(c.config.ReconnectInterval):
		}

		c.publish(EventReconnecting, attempt)
		peer, err := c.connect(c.ctx)
		if err == nil {
			return peer, nil
		}
		if errors.Is(err, syncable.ErrAccessDenied) || errors.Is(err, syncable.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrReconnectFailed, err)
		}
		c.logger.Warn("Reconnect attempt failed",
			log.Int("attempt", attempt),
			log.Error(err))
	}
	return nil, ErrReconnectFailed
}

// Resync drops the connection and rebuilds the replica from a fresh
// initialize. Pending changes are retransmitted.
func (c *Client) Resync() {
	c.resync.Store(true)
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		_ = peer.Close()
	}
}

func (c *Client) initializer(peer *protocol.Peer) protocol.Handler {
	return func(_ context.Context, req *protocol.Envelope) (any, error) {
		var msg protocol.Initialize
		if err := req.DecodeArgs(&msg); err != nil {
			return nil, err
		}
		c.replica.SetSender(&sender{client: c, peer: peer})
		return nil, c.replica.Initialize(&msg)
	}
}

// handleSync treats any failure to apply a sync as divergence: the
// connection is dropped and the next connect resyncs.
func (c *Client) handleSync(_ context.Context, req *protocol.Envelope) (any, error) {
	var msg protocol.Sync
	if err := req.DecodeArgs(&msg); err != nil {
		return nil, err
	}
	if err := c.replica.OnSync(&msg); err != nil {
		c.logger.Warn("Sync could not be applied", log.Error(err))
		c.Resync()
		return nil, err
	}
	return nil, nil
}

func (c *Client) handleNotify(_ context.Context, req *protocol.Envelope) (any, error) {
	var msg protocol.Notify
	if err := req.DecodeArgs(&msg); err != nil {
		return nil, err
	}
	c.replica.OnNotify(&msg)
	return nil, nil
}

// rejected handles a server error for a change request.
func (c *Client) rejected(packet syncable.ChangePacket, err error) {
	if errors.Is(err, protocol.ErrConnectionClosed) {
		// Still pending; retransmitted after reconnect.
		return
	}
	if protocol.IsFatal(err) {
		c.Resync()
		return
	}
	if rejectErr := c.replica.Reject(packet.ID, err); rejectErr != nil {
		c.logger.Warn("Rejection out of order", log.String("change_id", packet.ID), log.Error(rejectErr))
		c.Resync()
	}
}

// Update applies a change locally and sends it to the server.
func (c *Client) Update(typ string, refs map[string]syncable.RefValue, options map[string]any) (syncable.ChangePacket, error) {
	if c.closed.Load() {
		return syncable.ChangePacket{}, ErrClientClosed
	}
	return c.replica.Update(typ, refs, options)
}

// Apply is Update for a prepared packet.
func (c *Client) Apply(packet syncable.ChangePacket) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.replica.UpdatePacket(packet)
}

func (c *Client) Get(ref syncable.Ref) (*syncable.Syncable, bool) {
	return c.replica.Get(ref)
}

// RequestObject returns ref, fetching it from the server when needed.
func (c *Client) RequestObject(ctx context.Context, ref syncable.Ref) (*syncable.Syncable, error) {
	return c.replica.RequestObject(ctx, ref)
}

// Query replaces the view query.
func (c *Client) Query(query map[string]any) error {
	return c.replica.Query(query)
}

// WaitSynced blocks until every local change is confirmed or rejected.
func (c *Client) WaitSynced(ctx context.Context) error {
	idle := make(chan struct{}, 1)
	sub, err := c.Bus().Subscribe(replica.EventSyncing, func(e bus.Event) error {
		if ev, ok := e.Data().(replica.SyncingEvent); ok && !ev.Syncing {
			select {
			case idle <- struct{}{}:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = sub.Cancel() }()

	for len(c.replica.Pending()) > 0 {
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops reconnecting and closes the connection. Unconfirmed changes
// are lost.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Closing client", log.Int("pending", len(c.replica.Pending())))

	c.cancel()
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer != nil {
		_ = peer.Close()
	}
	c.wg.Wait()
	c.connected.Store(false)
	return nil
}

func (c *Client) publish(eventType string, data any) {
	if err := c.Bus().Publish(bus.NewEvent(eventType, "client", data, nil)); err != nil {
		c.logger.Warn("event handler failed", log.String("event", eventType), log.Error(err))
	}
}

// sender writes replica requests on one peer. Responses arrive on the
// peer's reading goroutine, outside the replica lock.
type sender struct {
	client *Client
	peer   *protocol.Peer
}

var _ replica.Sender = (*sender)(nil)

func (s *sender) SendChange(packet syncable.ChangePacket) error {
	return s.peer.Go(s.client.ctx, protocol.MethodChange, protocol.ChangeRequest{Packet: packet}, func(_ json.RawMessage, err error) {
		if err != nil {
			s.client.rejected(packet, err)
		}
	})
}

func (s *sender) SendObjectRequest(refs []syncable.Ref) error {
	return s.peer.Go(s.client.ctx, protocol.MethodRequestObjects, protocol.ObjectRequest{Refs: refs}, s.logFailure(protocol.MethodRequestObjects))
}

func (s *sender) SendViewQuery(query map[string]any) error {
	return s.peer.Go(s.client.ctx, protocol.MethodUpdateViewQuery, protocol.ViewQueryUpdate{Query: query}, s.logFailure(protocol.MethodUpdateViewQuery))
}

func (s *sender) logFailure(method string) protocol.ResponseFunc {
	return func(_ json.RawMessage, err error) {
		if err != nil && !errors.Is(err, protocol.ErrConnectionClosed) {
			s.client.logger.Warn("request failed", log.String("method", method), log.Error(err))
		}
	}
}
