package group

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/observability/log"
	"github.com/zeusync/syncplant/pkg/concurrent"
)

const defaultShards = 16

type shard struct {
	mu     sync.Mutex
	groups map[string]*Group
}

// Manager owns the groups of a process. Groups are created and loaded on
// first use; the id hash picks the shard guarding each one.
type Manager struct {
	config  Config
	deps    Dependencies
	adapter container.Adapter
	logger  log.Log
	shards  []*shard
}

type ManagerOption func(m *Manager)

// WithShards sets the number of lock shards.
func WithShards(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.shards = newShards(n)
		}
	}
}

func NewManager(config Config, deps Dependencies, adapter container.Adapter, opts ...ManagerOption) (*Manager, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		config:  config,
		deps:    deps,
		adapter: adapter,
		logger:  log.OrNop(deps.Logger).Named("groups"),
		shards:  newShards(defaultShards),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{groups: make(map[string]*Group)}
	}
	return out
}

func (m *Manager) shard(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%uint64(len(m.shards))]
}

// Get returns the group id, creating and loading it when needed.
func (m *Manager) Get(ctx context.Context, id string) (*Group, error) {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[id]; ok {
		return g, nil
	}
	g, err := New(id, m.config, m.deps, m.adapter)
	if err != nil {
		return nil, err
	}
	if err = g.Load(ctx); err != nil {
		return nil, err
	}
	s.groups[id] = g
	return g, nil
}

// Lookup returns a group that is already open.
func (m *Manager) Lookup(id string) (*Group, bool) {
	s := m.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	return g, ok
}

// IDs lists the open groups.
func (m *Manager) IDs() []string {
	var ids []string
	for _, s := range m.shards {
		s.mu.Lock()
		for id := range s.groups {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) all() []*Group {
	var out []*Group
	for _, s := range m.shards {
		s.mu.Lock()
		for _, g := range s.groups {
			out = append(out, g)
		}
		s.mu.Unlock()
	}
	return out
}

// Flush retries the pending batches of every group.
func (m *Manager) Flush(ctx context.Context) error {
	return concurrent.ConcurrentContext(ctx, m.all(), 0, func(ctx context.Context, g *Group) error {
		return g.Flush(ctx)
	})
}

// Close closes every group and forgets it.
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, s := range m.shards {
		s.mu.Lock()
		for id, g := range s.groups {
			if err := g.Close(ctx); err != nil {
				m.logger.Error("closing group failed", log.String("group", id), log.Error(err))
				errs = append(errs, err)
			}
			delete(s.groups, id)
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
