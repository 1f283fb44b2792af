// Package group is the server engine. A group owns the authoritative
// container of one synchronization scope, serializes every change applied to
// it, persists committed changes and fans the result out to the connected
// subscribers according to what each of them may see.
package group

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/diff"
	"github.com/zeusync/syncplant/internal/core/events/bus"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/storage/interfaces"
	"github.com/zeusync/syncplant/internal/core/syncable"
	"github.com/zeusync/syncplant/pkg/concurrent"
)

var (
	ErrGroupClosed       = errors.New("group is closed")
	ErrUnknownConnection = errors.New("connection has not joined the group")
)

// batch is one committed change waiting to be persisted.
type batch struct {
	clock   int64
	created []*syncable.Syncable
	updated []*syncable.Syncable
	removed []syncable.Ref
}

type Group struct {
	id        string
	config    Config
	deps      Dependencies
	logger    log.Log
	container *container.Container

	mu      sync.Mutex
	conns   map[string]*connection
	pending []batch
	seen    *recent
	closed  bool
}

func New(id string, config Config, deps Dependencies, adapter container.Adapter) (*Group, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	g := &Group{
		id:        id,
		config:    config,
		deps:      deps,
		logger:    log.OrNop(deps.Logger).With(log.String("group", id)),
		container: container.New(adapter),
		conns:     make(map[string]*connection),
		seen:      newRecent(config.DedupeWindow),
	}
	if deps.Bus != nil {
		if err := deps.Bus.CreateTopic(Topic(id)); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Group) ID() string {
	return g.id
}

// Container exposes the authoritative state. Callers must not mutate it.
func (g *Group) Container() *container.Container {
	return g.container
}

// Load fills the container from the store, restores the removed refs and
// moves the sequencer past the highest stored clock.
func (g *Group) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.deps.Store == nil {
		return nil
	}
	stored, err := g.deps.Store.LoadSyncablesByQuery(ctx, g.id, interfaces.AllSyncables())
	if err != nil {
		return err
	}
	removed, err := g.deps.Store.LoadRemovedRefs(ctx, g.id)
	if err != nil {
		return err
	}
	var high int64
	for _, s := range stored {
		g.container.AddSyncable(s, 0)
		high = max(high, s.Clock)
	}
	for _, ref := range removed {
		g.container.Tombstone(ref)
	}
	if err = g.deps.Sequencer.Observe(ctx, g.id, high); err != nil {
		return err
	}
	g.logger.Info("group loaded",
		log.Int("syncables", len(stored)),
		log.Int("removed", len(removed)),
		log.Int64("clock", high))
	return nil
}

// ApplyChangePacket processes packet under actx and commits it. origin is the
// subscriber id of the sender, or empty for server-side changes. The
// originator always receives a sync carrying the packet id, even when the
// change produced nothing for it.
//
// A PersistenceError is returned after the change was committed and
// broadcast; the batch is retried before the next change.
func (g *Group) ApplyChangePacket(ctx context.Context, packet syncable.ChangePacket, actx *access.Context, origin string) (*syncable.ChangeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	result, err := g.apply(ctx, packet, actx, origin)
	if result == nil {
		return nil, err
	}
	g.cascade(ctx, result.Changes)
	return result, err
}

// apply runs one packet. A nil result means nothing was committed; a result
// with an error means the change was committed but not persisted.
func (g *Group) apply(ctx context.Context, packet syncable.ChangePacket, actx *access.Context, origin string) (*syncable.ChangeResult, error) {
	if g.closed {
		return nil, ErrGroupClosed
	}
	if clock, dup := g.seen.lookup(packet.ID); dup {
		return g.confirmDuplicate(packet, clock, origin), nil
	}
	if err := g.flushPending(ctx); err != nil {
		return nil, err
	}

	clock, err := g.deps.Sequencer.Next(ctx, g.id)
	if err != nil {
		return nil, err
	}
	result, err := g.deps.Plant.Process(packet, actx.WithResolver(g.container), g.container, clock)
	if err != nil {
		g.logger.Debug("change rejected",
			log.String("change_id", packet.ID),
			log.String("change_type", packet.Type),
			log.String("context", actx.String()),
			log.Error(err))
		return nil, err
	}

	g.seen.add(packet.ID, clock)

	var persistErr error
	if !result.Aborted {
		g.commit(result)
		persistErr = g.persist(ctx, result)
	}

	g.broadcast(result, origin)
	g.notify(result, origin)
	g.publish(EventCommitted, CommittedEvent{Group: g.id, Origin: origin, Result: result})

	g.logger.Debug("change applied",
		log.String("change_id", packet.ID),
		log.String("change_type", packet.Type),
		log.Int64("clock", clock),
		log.Bool("aborted", result.Aborted),
		log.Int("creations", len(result.Creations)),
		log.Int("updates", len(result.Updates)),
		log.Int("removals", len(result.Removals)))
	return result, persistErr
}

func (g *Group) confirmDuplicate(packet syncable.ChangePacket, clock int64, origin string) *syncable.ChangeResult {
	g.logger.Debug("duplicate change confirmed",
		log.String("change_id", packet.ID),
		log.Int64("clock", clock))
	if conn, ok := g.conns[origin]; ok {
		_ = g.send(conn, &protocol.Sync{Source: &protocol.Source{ID: packet.ID, Clock: clock}}, true)
	}
	return &syncable.ChangeResult{ID: packet.ID, Clock: clock}
}

func (g *Group) commit(result *syncable.ChangeResult) {
	for _, u := range result.Updates {
		g.container.UpdateMatchingSyncable(u.Snapshot, result.Clock)
	}
	for _, s := range result.Creations {
		g.container.AddSyncable(s, result.Clock)
	}
	for _, ref := range result.Removals {
		g.container.RemoveSyncable(ref)
		g.container.Tombstone(ref)
	}
}

// cascade applies follow-up packets breadth first with server rights. Their
// failures are logged; they cannot undo the change that queued them.
func (g *Group) cascade(ctx context.Context, changes []syncable.ChangePacket) {
	queue := slices.Clone(changes)
	server := access.ServerContext(g.container)
	for applied := 0; len(queue) > 0; applied++ {
		if applied >= g.config.MaxCascade {
			g.logger.Warn("follow-up changes dropped", log.Int("count", len(queue)))
			return
		}
		packet := queue[0]
		queue = queue[1:]

		result, err := g.apply(ctx, packet, server, "")
		if err != nil {
			g.logger.Error("follow-up change failed",
				log.String("change_id", packet.ID),
				log.String("change_type", packet.Type),
				log.Bool("committed", result != nil),
				log.Error(err))
		}
		if result == nil {
			continue
		}
		queue = append(queue, result.Changes...)
	}
}

func (g *Group) persist(ctx context.Context, result *syncable.ChangeResult) error {
	if g.deps.Store == nil {
		return nil
	}
	b := batch{clock: result.Clock, created: result.Creations, removed: result.Removals}
	for _, u := range result.Updates {
		b.updated = append(b.updated, u.Snapshot)
	}
	if err := g.save(ctx, b); err != nil {
		g.pending = append(g.pending, b)
		g.logger.Error("persisting change failed",
			log.Int64("clock", b.clock),
			log.Int("pending", len(g.pending)),
			log.Error(err))
		return &syncable.PersistenceError{Group: g.id, Cause: err}
	}
	return nil
}

func (g *Group) save(ctx context.Context, b batch) error {
	var err error
	for attempt := 0; attempt <= g.config.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(g.config.RetryDelay):
			}
		}
		if err = g.deps.Store.SaveSyncables(ctx, g.id, b.created, b.updated, b.removed); err == nil {
			return nil
		}
	}
	return err
}

// flushPending retries parked batches in commit order.
func (g *Group) flushPending(ctx context.Context) error {
	for len(g.pending) > 0 {
		if err := g.save(ctx, g.pending[0]); err != nil {
			return &syncable.PersistenceError{Group: g.id, Cause: err}
		}
		g.pending = g.pending[1:]
	}
	return nil
}

// Flush persists any batch left behind by a failed save.
func (g *Group) Flush(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flushPending(ctx)
}

// Pending reports how many committed changes still wait to be persisted.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Group) broadcast(result *syncable.ChangeResult, origin string) {
	source := &protocol.Source{ID: result.ID, Clock: result.Clock}

	var (
		mu     sync.Mutex
		failed []string
	)
	conns := slices.Collect(maps.Values(g.conns))
	_ = concurrent.Concurrent(conns, g.config.FanOutLimit, func(conn *connection) error {
		msg := g.syncFor(conn, result)
		msg.Source = source
		if conn.sub.ID() != origin && msg.Empty() {
			return nil
		}
		if err := conn.sub.Sync(msg); err != nil {
			mu.Lock()
			failed = append(failed, conn.sub.ID())
			mu.Unlock()
			g.logger.Warn("dropping subscriber",
				log.String("connection_id", conn.sub.ID()),
				log.Error(err))
		}
		return nil
	})
	for _, id := range failed {
		delete(g.conns, id)
	}
}

func (g *Group) notify(result *syncable.ChangeResult, origin string) {
	if len(result.Notifications) == 0 {
		return
	}
	if conn, ok := g.conns[origin]; ok {
		err := conn.sub.Notify(&protocol.Notify{Source: result.ID, Notifications: result.Notifications})
		if err != nil {
			g.logger.Warn("notify failed", log.String("connection_id", origin), log.Error(err))
		}
	}
	for _, n := range result.Notifications {
		g.publish(EventNotification, NotificationEvent{Group: g.id, Source: result.ID, Origin: origin, Notification: n})
	}
}

func (g *Group) publish(eventType string, data any) {
	if g.deps.Bus == nil {
		return
	}
	if err := g.deps.Bus.PublishToTopic(Topic(g.id), bus.NewEvent(eventType, g.id, data, nil)); err != nil {
		g.logger.Warn("event handler failed", log.String("event", eventType), log.Error(err))
	}
}

// Join registers sub as user and sends it the initial visible state. A
// subscriber joining again with the same id replaces its earlier state.
func (g *Group) Join(sub Subscriber, user syncable.Ref, query map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrGroupClosed
	}
	if !g.container.Has(user) {
		return &syncable.NotFoundError{Ref: user}
	}

	conn := g.newConnection(sub, user, query)
	conn.sent = g.visible(conn)
	err := sub.Initialize(&protocol.Initialize{
		Syncables:         g.snapshot(conn.sent),
		UserRef:           user,
		ViewQueryDefaults: diff.CloneMap(g.config.ViewQueryDefaults),
	})
	if err != nil {
		return err
	}
	g.conns[sub.ID()] = conn
	g.logger.Info("subscriber joined",
		log.String("connection_id", sub.ID()),
		log.Stringer("user", user),
		log.Int("visible", len(conn.sent)))
	return nil
}

func (g *Group) Leave(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[id]; ok {
		delete(g.conns, id)
		g.logger.Info("subscriber left", log.String("connection_id", id))
	}
}

// UpdateViewQuery replaces the view query of a connection and drops its
// pinned objects. The difference is sent as a sync without source.
func (g *Group) UpdateViewQuery(id string, query map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	clear(conn.pinned)
	g.setQuery(conn, query)
	return g.send(conn, g.syncFor(conn, nil), false)
}

// RequestObjects pins refs for a connection. Readable refs are sent; refs
// that do not exist or cannot be read come back as removals, so the client
// stops waiting for them.
func (g *Group) RequestObjects(id string, refs []syncable.Ref) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conn, ok := g.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	for _, ref := range refs {
		conn.pinned[ref] = struct{}{}
	}
	msg := g.syncFor(conn, nil)
	for _, ref := range refs {
		if _, held := conn.sent[ref]; held {
			continue
		}
		delete(conn.pinned, ref)
		if !slices.Contains(msg.Removals, ref) {
			msg.Removals = append(msg.Removals, ref)
		}
	}
	return g.send(conn, msg, false)
}

func (g *Group) send(conn *connection, msg *protocol.Sync, always bool) error {
	if msg.Empty() && !always {
		return nil
	}
	if err := conn.sub.Sync(msg); err != nil {
		delete(g.conns, conn.sub.ID())
		return err
	}
	return nil
}

// Connections returns the ids of the joined subscribers.
func (g *Group) Connections() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := slices.Collect(maps.Keys(g.conns))
	slices.Sort(ids)
	return ids
}

// Close flushes pending batches and detaches every subscriber.
func (g *Group) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	err := g.flushPending(ctx)
	g.closed = true
	clear(g.conns)
	if g.deps.Bus != nil {
		_ = g.deps.Bus.DeleteTopic(Topic(g.id))
	}
	return err
}
