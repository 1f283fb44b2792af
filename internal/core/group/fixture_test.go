package group

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/events/bus"
	"github.com/zeusync/syncplant/internal/core/plant"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/syncable"
	"github.com/zeusync/syncplant/internal/storage/memory"
)

var (
	u1 = syncable.NewRef("user", "u1")
	u2 = syncable.NewRef("user", "u2")
	u3 = syncable.NewRef("user", "u3")
	t1 = syncable.NewRef("task", "t1")
	t2 = syncable.NewRef("task", "t2")
)

// adapter makes the friends of a user requisite.
type adapter struct{}

func (adapter) Instantiate(s *syncable.Syncable, c *container.Container) (container.Object, error) {
	return container.NewBase(s.Ref(), c), nil
}

func (adapter) ResolveDependencyRefs(s *syncable.Syncable, _ container.DependencyOptions) []syncable.Ref {
	var refs []syncable.Ref
	for _, id := range s.GetStrings("friends") {
		refs = append(refs, syncable.NewRef("user", id))
	}
	return refs
}

func everyone() []syncable.AccessControlEntry {
	return []syncable.AccessControlEntry{
		{Name: "all", Rule: "everyone", Type: syncable.Allow, Rights: syncable.AllRights},
	}
}

func onlyUser(id string) []syncable.AccessControlEntry {
	return []syncable.AccessControlEntry{
		{Name: "owner", Rule: "user", Type: syncable.Allow, Rights: syncable.AllRights, Options: map[string]any{"id": id}},
		{Name: "server", Rule: "server", Type: syncable.Allow, Rights: syncable.AllRights},
	}
}

func testPlant(t *testing.T) *plant.Plant {
	t.Helper()

	rules := access.NewRules().
		Register("everyone", func(*access.Context, map[string]any) bool { return true }).
		Register("server", func(ctx *access.Context, _ map[string]any) bool { return ctx.IsServer() }).
		Register("user", func(ctx *access.Context, options map[string]any) bool {
			return !ctx.IsServer() && ctx.User.ID == options["id"]
		}).
		MustBuild()

	processors := plant.NewProcessors().
		Register("set-brief", func(in *plant.Invocation, fx plant.Effects) error {
			in.Syncable("task").Set("brief", in.StringOption("brief"))
			return nil
		}).
		Register("restrict", func(in *plant.Invocation, fx plant.Effects) error {
			in.Syncable("task").ACL = onlyUser(in.StringOption("user"))
			return nil
		}).
		Register("create-task", func(in *plant.Invocation, fx plant.Effects) error {
			ref := in.Creation("task").Ref()
			s := syncable.New(ref.Type, ref.ID)
			s.ACL = everyone()
			s.Set("brief", in.StringOption("brief"))
			return fx.Create(s)
		}).
		Register("remove-task", func(in *plant.Invocation, fx plant.Effects) error {
			return fx.Remove(in.Object("task"))
		}).
		Register("shout", func(in *plant.Invocation, fx plant.Effects) error {
			in.Syncable("task").Set("brief", "ignored")
			fx.Notify(syncable.Notification{Type: "shout", Message: in.StringOption("message")})
			fx.Abort()
			return nil
		}).
		Register("spawn", func(in *plant.Invocation, fx plant.Effects) error {
			in.Syncable("task").Set("brief", "spawned")
			fx.Change(syncable.NewChangePacket("set-brief",
				map[string]syncable.RefValue{"task": syncable.Single(in.Object("task").Ref())},
				map[string]any{"brief": "cascaded"}))
			return nil
		}).
		Register("loop", func(in *plant.Invocation, fx plant.Effects) error {
			in.Syncable("task").Set("n", in.Syncable("task").GetInt("n")+1)
			fx.Change(syncable.NewChangePacket("loop", in.Packet.Refs, nil))
			return nil
		}).
		MustBuild()

	return plant.New(processors, access.NewEvaluator(rules))
}

// typeFilter keeps the types listed under "types".
func typeFilter(query map[string]any, _ *access.Context) Filter {
	var types []string
	switch v := query["types"].(type) {
	case []string:
		types = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				types = append(types, s)
			}
		}
	default:
		return nil
	}
	return func(obj container.Object) bool {
		return slices.Contains(types, obj.Ref().Type)
	}
}

func seed() []*syncable.Syncable {
	user1 := syncable.New("user", "u1")
	user1.Set("friends", []string{"u3"})
	user2 := syncable.New("user", "u2")
	user2.ACL = onlyUser("u2")
	user3 := syncable.New("user", "u3")
	user3.ACL = onlyUser("u3")

	task1 := syncable.New("task", "t1")
	task1.ACL = everyone()
	task1.Set("brief", "A")
	task2 := syncable.New("task", "t2")
	task2.ACL = onlyUser("u1")
	task2.Set("brief", "secret")

	return []*syncable.Syncable{user1, user2, user3, task1, task2}
}

// flakyStore fails saves while broken is set.
type flakyStore struct {
	*memory.Store
	broken atomic.Bool
	saves  atomic.Int32
}

func (s *flakyStore) SaveSyncables(ctx context.Context, group string, created, updated []*syncable.Syncable, removed []syncable.Ref) error {
	s.saves.Add(1)
	if s.broken.Load() {
		return errors.New("disk on fire")
	}
	return s.Store.SaveSyncables(ctx, group, created, updated, removed)
}

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.SaveSyncables(context.Background(), "g1", seed(), nil, nil))
	return store
}

type env struct {
	group *Group
	store *flakyStore
	seq   *memory.Sequencer
	bus   bus.EventBus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	store := &flakyStore{Store: seededStore(t)}

	e := &env{store: store, seq: memory.NewSequencer(), bus: bus.New()}
	config := DefaultConfig()
	config.PersistRetries = 1
	config.RetryDelay = 0
	config.ViewQueryDefaults = map[string]any{"types": []any{"task", "user"}}

	g, err := New("g1", config, Dependencies{
		Plant:     testPlant(t),
		Sequencer: e.seq,
		Store:     store,
		Bus:       e.bus,
		Filters:   typeFilter,
	}, adapter{})
	require.NoError(t, err)
	require.NoError(t, g.Load(ctx))
	e.group = g
	return e
}

func (e *env) join(t *testing.T, user syncable.Ref) *subscriber {
	t.Helper()
	sub := &subscriber{id: "conn-" + user.ID}
	require.NoError(t, e.group.Join(sub, user, nil))
	return sub
}

func (e *env) apply(t *testing.T, sub *subscriber, user syncable.Ref, typ string, refs map[string]syncable.RefValue, options map[string]any) (*syncable.ChangeResult, error) {
	t.Helper()
	origin := ""
	if sub != nil {
		origin = sub.id
	}
	return e.group.ApplyChangePacket(context.Background(), syncable.NewChangePacket(typ, refs, options), access.UserContext(user, nil), origin)
}

type subscriber struct {
	id   string
	fail atomic.Bool

	mu       sync.Mutex
	init     *protocol.Initialize
	syncs    []*protocol.Sync
	notifies []*protocol.Notify
}

func (s *subscriber) ID() string { return s.id }

func (s *subscriber) Initialize(msg *protocol.Initialize) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init = msg
	return nil
}

func (s *subscriber) Sync(msg *protocol.Sync) error {
	if s.fail.Load() {
		return protocol.ErrOutboxFull
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs = append(s.syncs, msg)
	return nil
}

func (s *subscriber) Notify(msg *protocol.Notify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifies = append(s.notifies, msg)
	return nil
}

func (s *subscriber) last() *protocol.Sync {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.syncs) == 0 {
		return nil
	}
	return s.syncs[len(s.syncs)-1]
}

func (s *subscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.syncs)
}

func refsOf(syncables []*syncable.Syncable) []syncable.Ref {
	out := make([]syncable.Ref, 0, len(syncables))
	for _, s := range syncables {
		out = append(out, s.Ref())
	}
	return out
}

func one(ref syncable.Ref) map[string]syncable.RefValue {
	return map[string]syncable.RefValue{"task": syncable.Single(ref)}
}
