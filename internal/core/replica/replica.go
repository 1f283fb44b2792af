// Package replica is the client engine. It holds a local copy of the objects
// a connection can see, applies changes optimistically and reconciles them
// with the server's serialized order.
//
// Two copies are kept per object: the live container, which includes the
// effects of pending changes, and a snapshot of the last state confirmed by
// the server. Server updates are applied to snapshots; when the server
// confirms the change at the head of the pending queue, the live objects are
// reset to their snapshots and the remaining pending changes are replayed.
package replica

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/diff"
	"github.com/zeusync/syncplant/internal/core/events/bus"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/plant"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

var (
	ErrNotReady = errors.New("replica is not initialized")
	ErrNoSender = errors.New("replica has no sender")
)

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Sender transmits client requests. Calls are made with the replica locked,
// in the order the replica produced them, and must not call back into it.
type Sender interface {
	SendChange(packet syncable.ChangePacket) error
	SendObjectRequest(refs []syncable.Ref) error
	SendViewQuery(query map[string]any) error
}

type Option func(r *Replica)

func WithLogger(logger log.Log) Option {
	return func(r *Replica) { r.logger = logger }
}

// WithBus publishes replica events on b instead of a private bus.
func WithBus(b bus.EventBus) Option {
	return func(r *Replica) { r.bus = b }
}

func WithSender(s Sender) Option {
	return func(r *Replica) { r.sender = s }
}

type refSet map[syncable.Ref]struct{}

type Replica struct {
	plant  *plant.Plant
	logger log.Log
	bus    bus.EventBus

	mu        sync.Mutex
	sender    Sender
	state     State
	user      syncable.Ref
	defaults  map[string]any
	query     map[string]any
	container *container.Container
	snapshots map[syncable.Ref]*syncable.Syncable
	// dirty refs were touched by pending changes in the live container.
	dirty   refSet
	pending []syncable.ChangePacket
	waiters map[syncable.Ref]chan struct{}
}

func New(p *plant.Plant, adapter container.Adapter, opts ...Option) *Replica {
	r := &Replica{
		plant:     p,
		container: container.New(adapter),
		snapshots: make(map[syncable.Ref]*syncable.Syncable),
		dirty:     make(refSet),
		waiters:   make(map[syncable.Ref]chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.OrNop(r.logger).With(log.String("component", "replica"))
	if r.bus == nil {
		r.bus = bus.New()
	}
	return r
}

// SetSender replaces the sender, typically after a reconnect.
func (r *Replica) SetSender(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = s
}

func (r *Replica) Bus() bus.EventBus {
	return r.bus
}

func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Syncing reports whether local changes await confirmation.
func (r *Replica) Syncing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateReady && len(r.pending) > 0
}

// Pending returns the unconfirmed packets in send order.
func (r *Replica) Pending() []syncable.ChangePacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.pending)
}

func (r *Replica) UserRef() syncable.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.user
}

// ViewQueryDefaults returns the defaults announced by the server.
func (r *Replica) ViewQueryDefaults() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return diff.CloneMap(r.defaults)
}

// Container is the live local state. Callers must not mutate it.
func (r *Replica) Container() *container.Container {
	return r.container
}

// Get returns a copy of the live revision of ref.
func (r *Replica) Get(ref syncable.Ref) (*syncable.Syncable, bool) {
	s := r.container.GetSyncable(ref)
	if s == nil {
		return nil, false
	}
	return s.Clone(), true
}

// Snapshot returns a copy of the last confirmed revision of ref.
func (r *Replica) Snapshot(ref syncable.Ref) (*syncable.Syncable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snapshots[ref]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Begin marks the connection attempt.
func (r *Replica) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateInitializing
}

// Reset discards the local state for a full resync. Pending packets are
// kept and retransmitted after the next Initialize.
func (r *Replica) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.container.Clear()
	clear(r.snapshots)
	clear(r.dirty)
	r.state = StateInitializing
	r.logger.Info("replica reset", log.Int("pending", len(r.pending)))
}

// Initialize installs the initial state sent by the server, replays and
// retransmits pending packets and flushes a deferred view query.
func (r *Replica) Initialize(msg *protocol.Initialize) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.container.Clear()
	clear(r.snapshots)
	clear(r.dirty)
	for _, s := range msg.Syncables {
		r.snapshots[s.Ref()] = s.Clone()
		r.container.AddSyncable(s, 0)
	}
	r.user = msg.UserRef
	r.defaults = diff.CloneMap(msg.ViewQueryDefaults)
	r.state = StateReady

	r.replay()
	for _, packet := range r.pending {
		if err := r.send(func(s Sender) error { return s.SendChange(packet) }); err != nil {
			return err
		}
	}
	if outstanding := r.outstanding(msg.Syncables, msg.Removals); len(outstanding) > 0 {
		if err := r.send(func(s Sender) error { return s.SendObjectRequest(outstanding) }); err != nil {
			return err
		}
	}
	if r.query != nil {
		query := diff.CloneMap(r.query)
		if err := r.send(func(s Sender) error { return s.SendViewQuery(query) }); err != nil {
			return err
		}
	}

	r.logger.Info("replica initialized",
		log.Stringer("user", r.user),
		log.Int("syncables", len(msg.Syncables)),
		log.Int("pending", len(r.pending)))
	r.publish(EventReady, msg.UserRef)
	return nil
}

// outstanding resolves the waiters named by the message and returns the refs
// still waited for.
func (r *Replica) outstanding(syncables []*syncable.Syncable, removals []syncable.Ref) []syncable.Ref {
	for _, s := range syncables {
		r.resolve(s.Ref())
	}
	for _, ref := range removals {
		r.resolve(ref)
	}
	refs := make([]syncable.Ref, 0, len(r.waiters))
	for ref := range r.waiters {
		if r.container.Has(ref) {
			r.resolve(ref)
			continue
		}
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, compareRefs)
	return refs
}

func (r *Replica) resolve(ref syncable.Ref) {
	if ch, ok := r.waiters[ref]; ok {
		close(ch)
		delete(r.waiters, ref)
	}
}

// Update applies a change locally and queues it for the server. The packet
// is sent even when the local run aborts, so server side effects such as
// notifications still happen.
func (r *Replica) Update(typ string, refs map[string]syncable.RefValue, options map[string]any) (syncable.ChangePacket, error) {
	packet := syncable.NewChangePacket(typ, refs, options)
	return packet, r.UpdatePacket(packet)
}

// UpdatePacket is Update for a prepared packet.
func (r *Replica) UpdatePacket(packet syncable.ChangePacket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReady {
		return ErrNotReady
	}
	if _, err := r.applyLocal(packet); err != nil {
		return err
	}
	r.pending = append(r.pending, packet)
	if len(r.pending) == 1 {
		r.publishSyncing()
	}

	// A failed send keeps the packet pending; it is retransmitted on resync.
	if err := r.send(func(s Sender) error { return s.SendChange(packet) }); err != nil {
		r.logger.Warn("sending change failed",
			log.String("change_id", packet.ID),
			log.Error(err))
	}
	return nil
}

// applyLocal runs packet on the live container without a clock.
func (r *Replica) applyLocal(packet syncable.ChangePacket) (*syncable.ChangeResult, error) {
	ctx := access.UserContext(r.user, r.container)
	result, err := r.plant.Process(packet, ctx, r.container, 0)
	if err != nil {
		return nil, err
	}
	if result.Aborted {
		return result, nil
	}
	for _, u := range result.Updates {
		r.container.UpdateMatchingSyncable(u.Snapshot, 0)
		r.dirty[u.Ref()] = struct{}{}
	}
	for _, s := range result.Creations {
		r.container.AddSyncable(s, 0)
		r.dirty[s.Ref()] = struct{}{}
	}
	for _, ref := range result.Removals {
		r.container.RemoveSyncable(ref)
		r.dirty[ref] = struct{}{}
	}
	return result, nil
}

// OnSync applies a sync from the server. A source naming a pending packet
// must name the head of the queue; anything else fails with
// *syncable.OutOfOrderConfirmationError and the caller must resync.
func (r *Replica) OnSync(msg *protocol.Sync) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReady {
		return ErrNotReady
	}

	matched := false
	source := ""
	if msg.Source != nil {
		source = msg.Source.ID
		switch idx := r.indexOf(source); {
		case idx == 0:
			r.pending = r.pending[1:]
			matched = true
		case idx > 0:
			return &syncable.OutOfOrderConfirmationError{ID: source, Head: r.pending[0].ID}
		}
	}

	touched := r.applySnapshots(msg)
	switch {
	case matched:
		r.rebase(touched)
		if len(r.pending) == 0 {
			r.publishSyncing()
		}
	case r.touchesDirty(touched):
		// A foreign change under a local echo: keep the echo on top.
		r.rebase(touched)
	default:
		for _, ref := range touched {
			r.install(ref)
		}
	}

	r.outstanding(msg.Syncables, msg.Removals)
	r.publish(EventSynced, SyncedEvent{
		Source:  source,
		Matched: matched,
		Changed: changedRefs(msg),
		Removed: slices.Clone(msg.Removals),
	})
	return nil
}

func (r *Replica) indexOf(id string) int {
	return slices.IndexFunc(r.pending, func(p syncable.ChangePacket) bool { return p.ID == id })
}

// applySnapshots moves the confirmed state forward and returns every ref it
// touched.
func (r *Replica) applySnapshots(msg *protocol.Sync) []syncable.Ref {
	var touched []syncable.Ref
	for _, s := range msg.Syncables {
		ref := s.Ref()
		if old, ok := r.snapshots[ref]; ok && s.Clock > 0 && s.Clock <= old.Clock {
			continue
		}
		r.snapshots[ref] = s.Clone()
		touched = append(touched, ref)
	}
	for _, ref := range msg.Removals {
		delete(r.snapshots, ref)
		touched = append(touched, ref)
	}
	for _, u := range msg.Updates {
		snapshot, ok := r.snapshots[u.Ref]
		if !ok {
			r.logger.Warn("update for unknown object", log.Stringer("ref", u.Ref))
			continue
		}
		next, err := patch(snapshot, u.Diffs)
		if err != nil {
			r.logger.Error("applying update failed", log.Stringer("ref", u.Ref), log.Error(err))
			continue
		}
		r.snapshots[u.Ref] = next
		touched = append(touched, u.Ref)
	}
	return touched
}

func patch(s *syncable.Syncable, deltas []diff.Delta) (*syncable.Syncable, error) {
	doc := s.Document()
	if err := diff.Apply(doc, deltas); err != nil {
		return nil, err
	}
	return syncable.FromDocument(doc)
}

func (r *Replica) touchesDirty(refs []syncable.Ref) bool {
	return slices.ContainsFunc(refs, func(ref syncable.Ref) bool {
		_, ok := r.dirty[ref]
		return ok
	})
}

// rebase discards the local echo of pending changes, installs the confirmed
// state and replays what is still pending.
func (r *Replica) rebase(touched []syncable.Ref) {
	for ref := range r.dirty {
		r.install(ref)
	}
	for _, ref := range touched {
		r.install(ref)
	}
	clear(r.dirty)
	r.replay()
}

func (r *Replica) replay() {
	for _, packet := range r.pending {
		if _, err := r.applyLocal(packet); err != nil {
			r.logger.Debug("replaying change failed",
				log.String("change_id", packet.ID),
				log.Error(err))
		}
	}
}

// install copies the snapshot of ref into the live container, or drops the
// live object when there is none.
func (r *Replica) install(ref syncable.Ref) {
	if s, ok := r.snapshots[ref]; ok {
		r.container.AddSyncable(s, 0)
		return
	}
	r.container.RemoveSyncable(ref)
}

// Reject drops the pending packet id after the server refused it. It must be
// the head of the queue.
func (r *Replica) Reject(id string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	switch {
	case idx < 0:
		return nil
	case idx > 0:
		return &syncable.OutOfOrderConfirmationError{ID: id, Head: r.pending[0].ID}
	}

	packet := r.pending[0]
	r.pending = r.pending[1:]
	r.rebase(nil)
	if len(r.pending) == 0 {
		r.publishSyncing()
	}

	r.logger.Warn("change rejected",
		log.String("change_id", id),
		log.String("change_type", packet.Type),
		log.Error(cause))
	r.publish(EventRejected, RejectedEvent{Packet: packet, Err: cause})
	return nil
}

// OnNotify forwards server notifications to the bus.
func (r *Replica) OnNotify(msg *protocol.Notify) {
	for _, n := range msg.Notifications {
		r.publish(EventNotification, NotificationEvent{Source: msg.Source, Notification: n})
	}
}

// RequestObject returns the live revision of ref, fetching it from the
// server when it is not held locally.
func (r *Replica) RequestObject(ctx context.Context, ref syncable.Ref) (*syncable.Syncable, error) {
	found, err := r.RequestObjects(ctx, []syncable.Ref{ref})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, &syncable.NotFoundError{Ref: ref}
	}
	return found[0], nil
}

// RequestObjects returns copies of the refs that exist for this connection,
// in request order. Concurrent requests for one ref share a single wait.
func (r *Replica) RequestObjects(ctx context.Context, refs []syncable.Ref) ([]*syncable.Syncable, error) {
	waits, err := r.await(refs)
	if err != nil {
		return nil, err
	}
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	found := make([]*syncable.Syncable, 0, len(refs))
	for _, ref := range refs {
		if s, ok := r.Get(ref); ok {
			found = append(found, s)
		}
	}
	return found, nil
}

func (r *Replica) await(refs []syncable.Ref) ([]chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		waits   []chan struct{}
		missing []syncable.Ref
	)
	for _, ref := range refs {
		if r.container.Has(ref) {
			continue
		}
		ch, ok := r.waiters[ref]
		if !ok {
			ch = make(chan struct{})
			r.waiters[ref] = ch
			missing = append(missing, ref)
		}
		waits = append(waits, ch)
	}
	// Before initialization the request goes out with Initialize.
	if len(missing) > 0 && r.state == StateReady {
		if err := r.send(func(s Sender) error { return s.SendObjectRequest(missing) }); err != nil {
			for _, ref := range missing {
				delete(r.waiters, ref)
			}
			return nil, err
		}
	}
	return waits, nil
}

// Query sets the view query. Before initialization it is deferred.
func (r *Replica) Query(query map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.query = diff.CloneMap(query)
	if r.query == nil {
		r.query = make(map[string]any)
	}
	if r.state != StateReady {
		return nil
	}
	q := diff.CloneMap(r.query)
	return r.send(func(s Sender) error { return s.SendViewQuery(q) })
}

// ViewQuery returns the query last set with Query.
func (r *Replica) ViewQuery() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return diff.CloneMap(r.query)
}

func (r *Replica) send(fn func(Sender) error) error {
	if r.sender == nil {
		return ErrNoSender
	}
	return fn(r.sender)
}

func (r *Replica) publishSyncing() {
	r.publish(EventSyncing, SyncingEvent{Syncing: len(r.pending) > 0, Pending: len(r.pending)})
}

// publish delivers on the bus. Handlers run with the replica locked and must
// not call back into it.
func (r *Replica) publish(eventType string, data any) {
	if err := r.bus.Publish(bus.NewEvent(eventType, "replica", data, nil)); err != nil {
		r.logger.Warn("event handler failed", log.String("event", eventType), log.Error(err))
	}
}

func changedRefs(msg *protocol.Sync) []syncable.Ref {
	refs := make([]syncable.Ref, 0, len(msg.Syncables)+len(msg.Updates))
	for _, s := range msg.Syncables {
		refs = append(refs, s.Ref())
	}
	for _, u := range msg.Updates {
		refs = append(refs, u.Ref)
	}
	return refs
}

func compareRefs(a, b syncable.Ref) int {
	switch {
	case a.Type < b.Type:
		return -1
	case a.Type > b.Type:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}
