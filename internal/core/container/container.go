// Package container holds the in-memory, type-partitioned syncable store
// shared by the server and client engines.
package container

import (
	"sort"
	"sync"

	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

var _ access.Resolver = (*Container)(nil)

// Container owns syncable data by type and id, plus a cache of the objects
// wrapping them. Returned syncables are the stored revisions and must be
// treated as read-only; mutate clones and write them back.
type Container struct {
	mu      sync.RWMutex
	adapter Adapter
	data    map[string]map[string]*syncable.Syncable
	objects map[syncable.Ref]Object
	// removed holds refs whose ids may not be created again.
	removed map[syncable.Ref]struct{}
}

// New creates an empty container. A nil adapter wraps every record in a
// plain object with no default ACL and no dependencies.
func New(adapter Adapter) *Container {
	if adapter == nil {
		adapter = plainAdapter{}
	}
	return &Container{
		adapter: adapter,
		data:    make(map[string]map[string]*syncable.Syncable),
		objects: make(map[syncable.Ref]Object),
		removed: make(map[syncable.Ref]struct{}),
	}
}

func (c *Container) Adapter() Adapter {
	return c.adapter
}

// AddSyncable inserts s when absent. When present it replaces the stored
// revision only if clock is zero or greater than the stored clock. It reports
// whether the container changed.
func (c *Container) AddSyncable(s *syncable.Syncable, clock int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(s, clock, true)
}

// UpdateMatchingSyncable is AddSyncable without the insert.
func (c *Container) UpdateMatchingSyncable(s *syncable.Syncable, clock int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.put(s, clock, false)
}

func (c *Container) put(s *syncable.Syncable, clock int64, insert bool) bool {
	byID := c.data[s.Type]
	current, exists := byID[s.ID]
	if !exists {
		if !insert {
			return false
		}
		if byID == nil {
			byID = make(map[string]*syncable.Syncable)
			c.data[s.Type] = byID
		}
		byID[s.ID] = s.Clone()
		return true
	}

	if clock > 0 && clock <= current.Clock {
		return false
	}
	// In place, so every holder of the stored pointer sees the new revision.
	*current = *s.Clone()
	return true
}

// RemoveSyncable purges the record and its cached object.
func (c *Container) RemoveSyncable(ref syncable.Ref) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID := c.data[ref.Type]
	if _, ok := byID[ref.ID]; !ok {
		return false
	}
	delete(byID, ref.ID)
	if len(byID) == 0 {
		delete(c.data, ref.Type)
	}
	delete(c.objects, ref)
	return true
}

// GetSyncable returns the stored revision or nil.
func (c *Container) GetSyncable(ref syncable.Ref) *syncable.Syncable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[ref.Type][ref.ID]
}

// Tombstone records that ref was removed for good. The server engine calls it
// on committed removals; a client container only learns about visibility and
// never holds tombstones.
func (c *Container) Tombstone(ref syncable.Ref) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed[ref] = struct{}{}
}

// IsTombstoned reports whether ref was removed and its id is retired.
func (c *Container) IsTombstoned(ref syncable.Ref) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.removed[ref]
	return ok
}

func (c *Container) Has(ref syncable.Ref) bool {
	return c.GetSyncable(ref) != nil
}

func (c *Container) RequireSyncable(ref syncable.Ref) (*syncable.Syncable, error) {
	if s := c.GetSyncable(ref); s != nil {
		return s, nil
	}
	return nil, &syncable.NotFoundError{Ref: ref}
}

// GetSyncableObject returns the cached object for ref, instantiating it on
// first access. It returns nil when the record is absent or the adapter
// fails.
func (c *Container) GetSyncableObject(ref syncable.Ref) Object {
	obj, _ := c.syncableObject(ref)
	return obj
}

func (c *Container) RequireSyncableObject(ref syncable.Ref) (Object, error) {
	obj, err := c.syncableObject(ref)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, &syncable.NotFoundError{Ref: ref}
	}
	return obj, nil
}

func (c *Container) syncableObject(ref syncable.Ref) (Object, error) {
	c.mu.RLock()
	obj, cached := c.objects[ref]
	s := c.data[ref.Type][ref.ID]
	c.mu.RUnlock()

	if cached {
		return obj, nil
	}
	if s == nil {
		return nil, nil
	}

	created, err := c.adapter.Instantiate(s, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.objects[ref]; ok {
		return existing, nil
	}
	if _, ok := c.data[ref.Type][ref.ID]; !ok {
		return nil, nil
	}
	c.objects[ref] = created
	return created, nil
}

// ResolveDependencyRefs asks the adapter for the dependencies of ref.
func (c *Container) ResolveDependencyRefs(ref syncable.Ref, options DependencyOptions) []syncable.Ref {
	s := c.GetSyncable(ref)
	if s == nil {
		return nil
	}
	return c.adapter.ResolveDependencyRefs(s, options)
}

// Syncables returns every stored revision ordered by type then id.
func (c *Container) Syncables() []*syncable.Syncable {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*syncable.Syncable, 0, c.lenLocked())
	for _, typ := range sortedKeys(c.data) {
		byID := c.data[typ]
		for _, id := range sortedKeys(byID) {
			out = append(out, byID[id])
		}
	}
	return out
}

// SyncablesOfType returns the stored revisions of typ ordered by id.
func (c *Container) SyncablesOfType(typ string) []*syncable.Syncable {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byID := c.data[typ]
	out := make([]*syncable.Syncable, 0, len(byID))
	for _, id := range sortedKeys(byID) {
		out = append(out, byID[id])
	}
	return out
}

func (c *Container) Refs() []syncable.Ref {
	all := c.Syncables()
	refs := make([]syncable.Ref, len(all))
	for i, s := range all {
		refs[i] = s.Ref()
	}
	return refs
}

func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lenLocked()
}

func (c *Container) lenLocked() int {
	n := 0
	for _, byID := range c.data {
		n += len(byID)
	}
	return n
}

// Clear drops all data and cached objects.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]map[string]*syncable.Syncable)
	c.objects = make(map[syncable.Ref]Object)
	c.removed = make(map[syncable.Ref]struct{})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
