// Package memory keeps syncables and clocks in process memory. It backs
// ephemeral groups and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zeusync/syncplant/internal/core/storage/interfaces"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

var (
	_ interfaces.SyncableStore = (*Store)(nil)
	_ interfaces.Sequencer     = (*Sequencer)(nil)
)

type Store struct {
	mu      sync.RWMutex
	groups  map[string]map[syncable.Ref]*syncable.Syncable
	removed map[string]map[syncable.Ref]struct{}
	closed  bool
}

func NewStore() *Store {
	return &Store{
		groups:  make(map[string]map[syncable.Ref]*syncable.Syncable),
		removed: make(map[string]map[syncable.Ref]struct{}),
	}
}

func (s *Store) SaveSyncables(_ context.Context, group string, created, updated []*syncable.Syncable, removed []syncable.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return interfaces.ErrStoreClosed
	}
	rows := s.groups[group]
	if rows == nil {
		rows = make(map[syncable.Ref]*syncable.Syncable)
		s.groups[group] = rows
	}
	for _, batch := range [][]*syncable.Syncable{created, updated} {
		for _, row := range batch {
			rows[row.Ref()] = row.Clone()
		}
	}
	if len(removed) > 0 && s.removed[group] == nil {
		s.removed[group] = make(map[syncable.Ref]struct{})
	}
	for _, ref := range removed {
		delete(rows, ref)
		s.removed[group][ref] = struct{}{}
	}
	return nil
}

func (s *Store) LoadSyncablesByQuery(_ context.Context, group string, query interfaces.Query) ([]*syncable.Syncable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	var out []*syncable.Syncable
	for _, row := range s.groups[group] {
		if query.Matches(row) {
			out = append(out, row.Clone())
		}
	}
	sortByClock(out)
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func (s *Store) LoadSyncablesByRefs(_ context.Context, group string, refs []syncable.Ref) ([]*syncable.Syncable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	var out []*syncable.Syncable
	for _, ref := range refs {
		if row, ok := s.groups[group][ref]; ok {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}

func (s *Store) LoadRemovedRefs(_ context.Context, group string) ([]syncable.Ref, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, interfaces.ErrStoreClosed
	}
	out := make([]syncable.Ref, 0, len(s.removed[group]))
	for ref := range s.removed[group] {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// sortByClock orders rows by clock, then type and id.
func sortByClock(rows []*syncable.Syncable) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Clock != b.Clock {
			return a.Clock < b.Clock
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.ID < b.ID
	})
}

// Sequencer is a per-group counter. Values restart at one with the process.
type Sequencer struct {
	mu     sync.Mutex
	clocks map[string]int64
	closed bool
}

func NewSequencer() *Sequencer {
	return &Sequencer{clocks: make(map[string]int64)}
}

func (s *Sequencer) Next(_ context.Context, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, interfaces.ErrSequencerClosed
	}
	s.clocks[group]++
	return s.clocks[group], nil
}

func (s *Sequencer) Current(_ context.Context, group string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, interfaces.ErrSequencerClosed
	}
	return s.clocks[group], nil
}

func (s *Sequencer) Observe(_ context.Context, group string, clock int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrSequencerClosed
	}
	s.clocks[group] = max(s.clocks[group], clock)
	return nil
}

func (s *Sequencer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
