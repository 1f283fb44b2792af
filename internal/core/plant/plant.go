// Package plant processes change packets: it prepares clones of the referenced
// syncables, runs the registered processor for the change type, and turns
// the mutated clones into deltas, creations and removals. The container is
// never mutated; committing the result is up to the caller.
package plant

import (
	"slices"
	"sort"
	"time"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/diff"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/internal/core/schema/registry"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// ProcessorFunc applies one change type. It mutates the prepared clones
// reachable from in and reports side effects through fx.
type ProcessorFunc func(in *Invocation, fx Effects) error

// Processors is the frozen change-type table.
type Processors = registry.Table[ProcessorFunc]

// NewProcessors starts a change-type table.
func NewProcessors() *registry.Builder[ProcessorFunc] {
	return registry.NewBuilder[ProcessorFunc]("change type")
}

// Effects is the processor's view of the running change.
type Effects interface {
	// Create queues s for creation and stamps its creation time.
	Create(s *syncable.Syncable) error
	// Remove queues obj for removal. It requires full rights.
	Remove(obj container.Object) error
	IsBeingRemoved(obj container.Object) bool
	// Prepare returns the clone of an object outside the packet refs,
	// preparing it on first use. It requires read rights.
	Prepare(obj container.Object) (*syncable.Syncable, error)
	Notify(n syncable.Notification)
	// Change queues a follow-up packet applied after this one commits.
	Change(packet syncable.ChangePacket)
	// Abort voids every state mutation of the change. Notifications and
	// follow-up changes survive.
	Abort()
}

type Option func(p *Plant)

// WithNow replaces the time source used for stamping.
func WithNow(now func() time.Time) Option {
	return func(p *Plant) { p.now = now }
}

func WithLogger(logger log.Log) Option {
	return func(p *Plant) { p.logger = logger }
}

type Plant struct {
	processors *Processors
	evaluator  *access.Evaluator
	now        func() time.Time
	logger     log.Log
}

func New(processors *Processors, evaluator *access.Evaluator, opts ...Option) *Plant {
	p := &Plant{
		processors: processors,
		evaluator:  evaluator,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = log.OrNop(p.logger).With(log.String("component", "plant"))
	return p
}

func (p *Plant) Evaluator() *access.Evaluator {
	return p.evaluator
}

// Process runs packet against c. A clock of zero processes the change without
// a sequencer: clones keep their stored clock. Any error leaves nothing to
// commit.
func (p *Plant) Process(packet syncable.ChangePacket, ctx *access.Context, c *container.Container, clock int64) (*syncable.ChangeResult, error) {
	processor, ok := p.processors.Lookup(packet.Type)
	if !ok {
		return nil, &syncable.UnknownChangeTypeError{Type: packet.Type}
	}
	if ctx.Resolver == nil {
		ctx = ctx.WithResolver(c)
	}

	r := &run{
		plant:     p,
		ctx:       ctx,
		container: c,
		prepared:  make(map[syncable.Ref]*prepared),
		removing:  make(map[syncable.Ref]struct{}),
		creating:  make(map[syncable.Ref]struct{}),
	}

	in, err := r.resolve(packet)
	if err != nil {
		return nil, err
	}

	if err = processor(in, r); err != nil {
		return nil, err
	}

	result := &syncable.ChangeResult{
		ID:            packet.ID,
		Clock:         clock,
		Notifications: r.notifications,
		Changes:       r.changes,
	}
	if r.aborted {
		result.Aborted = true
		p.logger.Debug("change aborted",
			log.String("change_id", packet.ID),
			log.String("change_type", packet.Type))
		return result, nil
	}

	now := p.now()
	for _, ref := range r.order {
		entry := r.prepared[ref]
		if _, removed := r.removing[ref]; removed {
			continue
		}
		update, changed, err := r.diff(entry, clock, now)
		if err != nil {
			return nil, err
		}
		if changed {
			result.Updates = append(result.Updates, update)
		}
	}

	for _, created := range r.creations {
		created.Stamp(clock, now)
		result.Creations = append(result.Creations, created)
	}
	result.Removals = r.removals

	return result, nil
}

type prepared struct {
	latest *syncable.Syncable
	clone  *syncable.Syncable
	object container.Object
}

// run is the per-call state behind Effects.
type run struct {
	plant     *Plant
	ctx       *access.Context
	container *container.Container

	prepared map[syncable.Ref]*prepared
	order    []syncable.Ref

	creations []*syncable.Syncable
	creating  map[syncable.Ref]struct{}
	removals  []syncable.Ref
	removing  map[syncable.Ref]struct{}

	notifications []syncable.Notification
	changes       []syncable.ChangePacket
	aborted       bool
}

var _ Effects = (*run)(nil)

func (r *run) resolve(packet syncable.ChangePacket) (*Invocation, error) {
	in := &Invocation{
		Packet:    packet,
		Context:   r.ctx,
		Container: r.container,
		targets:   make(map[string]target, len(packet.Refs)),
	}
	names := make([]string, 0, len(packet.Refs))
	for name := range packet.Refs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := packet.Refs[name]
		if value.Creation != nil {
			in.targets[name] = target{creation: value.Creation}
			continue
		}
		t := target{list: value.IsList()}
		for _, ref := range value.All() {
			entry, err := r.prepareRef(ref)
			if err != nil {
				return nil, err
			}
			t.clones = append(t.clones, entry.clone)
			t.objects = append(t.objects, entry.object)
		}
		in.targets[name] = t
	}
	return in, nil
}

func (r *run) prepareRef(ref syncable.Ref) (*prepared, error) {
	if entry, ok := r.prepared[ref]; ok {
		return entry, nil
	}

	obj, err := r.container.RequireSyncableObject(ref)
	if err != nil {
		return nil, err
	}
	if err = r.plant.evaluator.ValidateAccessRights(obj, syncable.Rights(syncable.RightRead), r.ctx); err != nil {
		return nil, err
	}

	latest := obj.Syncable()
	if latest == nil {
		return nil, &syncable.NotFoundError{Ref: ref}
	}
	entry := &prepared{latest: latest, clone: latest.Clone(), object: obj}
	r.prepared[ref] = entry
	r.order = append(r.order, ref)
	return entry, nil
}

func (r *run) diff(entry *prepared, clock int64, now time.Time) (syncable.Update, bool, error) {
	ref := entry.latest.Ref()
	if entry.clone.ID != entry.latest.ID || entry.clone.Type != entry.latest.Type {
		return syncable.Update{}, false, &syncable.InvalidOperationError{Ref: ref, Reason: "identity changed"}
	}
	// Clock and creation time belong to the server; processors cannot set them.
	entry.clone.Clock = entry.latest.Clock
	entry.clone.CreatedAt = entry.latest.CreatedAt

	before := entry.latest.Document()
	after := entry.clone.Document()
	keys := diff.Keys(diff.Compute(before, after))
	if !slices.ContainsFunc(keys, func(k string) bool { return !syncable.IsStampKey(k) }) {
		return syncable.Update{}, false, nil
	}

	required := syncable.Rights(syncable.RightWrite)
	securing := entry.object.SecuringFieldNames()
	for _, key := range keys {
		if syncable.IsStampKey(key) {
			continue
		}
		if syncable.IsIdentityKey(key) {
			return syncable.Update{}, false, &syncable.InvalidOperationError{Ref: ref, Reason: "identity field " + key + " changed"}
		}
		if syncable.IsInternalKey(key) || slices.Contains(securing, key) {
			required = syncable.Rights(syncable.RightFull)
		}
	}
	if err := r.plant.evaluator.ValidateAccessRights(entry.object, required, r.ctx); err != nil {
		return syncable.Update{}, false, err
	}

	entry.clone.Stamp(clock, now)
	return syncable.Update{
		Delta:    diff.Compute(before, entry.clone.Document()),
		Snapshot: entry.clone,
	}, true, nil
}

func (r *run) Create(s *syncable.Syncable) error {
	if err := s.Validate(); err != nil {
		return &syncable.InvalidOperationError{Ref: s.Ref(), Reason: err.Error()}
	}
	ref := s.Ref()
	if _, dup := r.creating[ref]; dup || r.container.Has(ref) {
		return &syncable.InvalidOperationError{Ref: ref, Reason: "already exists"}
	}
	if _, removing := r.removing[ref]; removing || r.container.IsTombstoned(ref) {
		return &syncable.InvalidOperationError{Ref: ref, Reason: "id was removed"}
	}
	if s.Fields == nil {
		s.Fields = make(map[string]any)
	}
	s.CreatedAt = r.plant.now().UnixMilli()
	r.creating[ref] = struct{}{}
	r.creations = append(r.creations, s)
	return nil
}

func (r *run) Remove(obj container.Object) error {
	ref := obj.Ref()
	if _, ok := r.removing[ref]; ok {
		return nil
	}
	if !r.container.Has(ref) {
		return &syncable.NotFoundError{Ref: ref}
	}
	if err := r.plant.evaluator.ValidateAccessRights(obj, syncable.Rights(syncable.RightFull), r.ctx); err != nil {
		return err
	}
	r.removing[ref] = struct{}{}
	r.removals = append(r.removals, ref)
	return nil
}

func (r *run) IsBeingRemoved(obj container.Object) bool {
	_, ok := r.removing[obj.Ref()]
	return ok
}

func (r *run) Prepare(obj container.Object) (*syncable.Syncable, error) {
	entry, err := r.prepareRef(obj.Ref())
	if err != nil {
		return nil, err
	}
	return entry.clone, nil
}

func (r *run) Notify(n syncable.Notification) {
	r.notifications = append(r.notifications, n)
}

func (r *run) Change(packet syncable.ChangePacket) {
	r.changes = append(r.changes, packet)
}

func (r *run) Abort() {
	r.aborted = true
}
