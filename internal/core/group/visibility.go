package group

import (
	"maps"
	"slices"
	"strings"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/diff"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

type refSet map[syncable.Ref]struct{}

// connection is the server-side state of one subscriber. It is only touched
// with the group lock held, or by the single fan-out task for it.
type connection struct {
	sub    Subscriber
	user   syncable.Ref
	ctx    *access.Context
	query  map[string]any
	filter Filter
	// pinned refs were requested explicitly and stay visible while readable.
	pinned refSet
	// sent is what the client currently holds.
	sent refSet
}

func (g *Group) newConnection(sub Subscriber, user syncable.Ref, query map[string]any) *connection {
	conn := &connection{
		sub:    sub,
		user:   user,
		ctx:    access.UserContext(user, g.container),
		pinned: make(refSet),
		sent:   make(refSet),
	}
	g.setQuery(conn, query)
	return conn
}

func (g *Group) setQuery(conn *connection, query map[string]any) {
	merged := diff.CloneMap(g.config.ViewQueryDefaults)
	if merged == nil {
		merged = make(map[string]any, len(query))
	}
	maps.Copy(merged, diff.CloneMap(query))
	conn.query = merged
	conn.filter = matchAll
	if g.deps.Filters != nil {
		if f := g.deps.Filters(merged, conn.ctx); f != nil {
			conn.filter = f
		}
	}
}

// visible computes what conn may hold right now: the requisite closure of its
// user, plus every readable object that passes the view filter or is pinned.
func (g *Group) visible(conn *connection) refSet {
	out := make(refSet)

	queue := []syncable.Ref{conn.user}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if _, seen := out[ref]; seen || !g.container.Has(ref) {
			continue
		}
		out[ref] = struct{}{}
		queue = append(queue, g.container.ResolveDependencyRefs(ref, container.DependencyOptions{RequisiteOnly: true})...)
	}

	evaluator := g.deps.Plant.Evaluator()
	for _, s := range g.container.Syncables() {
		ref := s.Ref()
		if _, ok := out[ref]; ok {
			continue
		}
		obj := g.container.GetSyncableObject(ref)
		if obj == nil || !evaluator.Can(obj, syncable.RightRead, conn.ctx) {
			continue
		}
		if _, pinned := conn.pinned[ref]; pinned || conn.filter(obj) {
			out[ref] = struct{}{}
		}
	}
	return out
}

// syncFor diffs the visible set of conn against what it was sent and folds in
// the deltas of result. It advances conn.sent.
func (g *Group) syncFor(conn *connection, result *syncable.ChangeResult) *protocol.Sync {
	next := g.visible(conn)

	updates := make(map[syncable.Ref]syncable.Update)
	if result != nil {
		for _, u := range result.Updates {
			updates[u.Ref()] = u
		}
	}

	msg := &protocol.Sync{}
	for _, ref := range sortedRefs(next) {
		if _, known := conn.sent[ref]; !known {
			if s := g.container.GetSyncable(ref); s != nil {
				msg.Syncables = append(msg.Syncables, s.Clone())
			}
			continue
		}
		if u, ok := updates[ref]; ok {
			msg.Updates = append(msg.Updates, protocol.SyncUpdate{Ref: ref, Diffs: u.Delta})
		}
	}
	for _, ref := range sortedRefs(conn.sent) {
		if _, still := next[ref]; !still {
			msg.Removals = append(msg.Removals, ref)
		}
	}

	conn.sent = next
	return msg
}

func (g *Group) snapshot(refs refSet) []*syncable.Syncable {
	out := make([]*syncable.Syncable, 0, len(refs))
	for _, ref := range sortedRefs(refs) {
		if s := g.container.GetSyncable(ref); s != nil {
			out = append(out, s.Clone())
		}
	}
	return out
}

func sortedRefs(set refSet) []syncable.Ref {
	refs := slices.Collect(maps.Keys(set))
	slices.SortFunc(refs, func(a, b syncable.Ref) int {
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return refs
}
