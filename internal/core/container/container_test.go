package container

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/syncable"
)

func task(id, brief string, clock int64) *syncable.Syncable {
	s := syncable.New("task", id)
	s.Clock = clock
	s.Set("brief", brief)
	return s
}

type countingAdapter struct {
	instantiated int
	fail         bool
}

func (a *countingAdapter) Instantiate(s *syncable.Syncable, c *Container) (Object, error) {
	if a.fail {
		return nil, errors.New("no variant")
	}
	a.instantiated++
	return plainObject{Base: NewBase(s.Ref(), c)}, nil
}

func (a *countingAdapter) ResolveDependencyRefs(s *syncable.Syncable, _ DependencyOptions) []syncable.Ref {
	refs := make([]syncable.Ref, 0)
	for _, id := range s.GetStrings("tags") {
		refs = append(refs, syncable.NewRef("tag", id))
	}
	return refs
}

func TestContainer_AddSyncableClockRule(t *testing.T) {
	c := New(nil)
	ref := syncable.NewRef("task", "t1")

	assert.True(t, c.AddSyncable(task("t1", "A", 2), 2))
	assert.False(t, c.AddSyncable(task("t1", "stale", 1), 1), "older clock must be ignored")
	assert.False(t, c.AddSyncable(task("t1", "dup", 2), 2), "equal clock must be ignored")
	assert.Equal(t, "A", c.GetSyncable(ref).GetString("brief"))

	assert.True(t, c.AddSyncable(task("t1", "B", 3), 3))
	assert.Equal(t, "B", c.GetSyncable(ref).GetString("brief"))

	assert.True(t, c.AddSyncable(task("t1", "forced", 1), 0), "zero clock replaces unconditionally")
	assert.Equal(t, "forced", c.GetSyncable(ref).GetString("brief"))
}

func TestContainer_UpdateMatchingSyncable(t *testing.T) {
	c := New(nil)
	assert.False(t, c.UpdateMatchingSyncable(task("t1", "A", 1), 1))
	assert.Nil(t, c.GetSyncable(syncable.NewRef("task", "t1")))

	c.AddSyncable(task("t1", "A", 1), 1)
	assert.True(t, c.UpdateMatchingSyncable(task("t1", "B", 2), 2))
	assert.Equal(t, "B", c.GetSyncable(syncable.NewRef("task", "t1")).GetString("brief"))
}

func TestContainer_StoresCopies(t *testing.T) {
	c := New(nil)
	s := task("t1", "A", 1)
	c.AddSyncable(s, 0)
	s.Set("brief", "mutated")
	assert.Equal(t, "A", c.GetSyncable(s.Ref()).GetString("brief"))
}

func TestContainer_ObjectCache(t *testing.T) {
	adapter := &countingAdapter{}
	c := New(adapter)
	ref := syncable.NewRef("task", "t1")

	assert.Nil(t, c.GetSyncableObject(ref))
	_, err := c.RequireSyncableObject(ref)
	assert.ErrorIs(t, err, syncable.ErrNotFound)

	c.AddSyncable(task("t1", "A", 1), 0)
	obj := c.GetSyncableObject(ref)
	require.NotNil(t, obj)
	assert.Same(t, c.GetSyncable(ref), obj.Syncable())

	// Updates keep the wrapper and are visible through it.
	c.AddSyncable(task("t1", "B", 2), 2)
	assert.Equal(t, obj, c.GetSyncableObject(ref))
	assert.Equal(t, "B", obj.Syncable().GetString("brief"))
	assert.Equal(t, 1, adapter.instantiated)

	// Removal purges both maps.
	assert.True(t, c.RemoveSyncable(ref))
	assert.False(t, c.RemoveSyncable(ref))
	assert.Nil(t, obj.Syncable())
	assert.Nil(t, c.GetSyncableObject(ref))

	c.AddSyncable(task("t1", "C", 3), 0)
	require.NotNil(t, c.GetSyncableObject(ref))
	assert.Equal(t, 2, adapter.instantiated)
}

func TestContainer_AdapterFailure(t *testing.T) {
	c := New(&countingAdapter{fail: true})
	c.AddSyncable(task("t1", "A", 1), 0)
	_, err := c.RequireSyncableObject(syncable.NewRef("task", "t1"))
	assert.Error(t, err)
	assert.Nil(t, c.GetSyncableObject(syncable.NewRef("task", "t1")))
}

func TestContainer_Iteration(t *testing.T) {
	c := New(&countingAdapter{})
	c.AddSyncable(task("t2", "", 0), 0)
	c.AddSyncable(task("t1", "", 0), 0)
	c.AddSyncable(syncable.New("tag", "g1"), 0)

	assert.Equal(t, []syncable.Ref{
		syncable.NewRef("tag", "g1"),
		syncable.NewRef("task", "t1"),
		syncable.NewRef("task", "t2"),
	}, c.Refs())
	assert.Len(t, c.SyncablesOfType("task"), 2)
	assert.Equal(t, 3, c.Len())

	tagged := task("t3", "", 0)
	tagged.Set("tags", []string{"g1"})
	c.AddSyncable(tagged, 0)
	assert.Equal(t, []syncable.Ref{syncable.NewRef("tag", "g1")}, c.ResolveDependencyRefs(tagged.Ref(), DependencyOptions{}))

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestContainer_Tombstones(t *testing.T) {
	c := New(nil)
	ref := syncable.NewRef("task", "t1")
	c.AddSyncable(task("t1", "A", 1), 1)

	assert.True(t, c.RemoveSyncable(ref))
	assert.False(t, c.IsTombstoned(ref), "removal alone is a visibility drop")

	c.Tombstone(ref)
	assert.True(t, c.IsTombstoned(ref))
	assert.False(t, c.IsTombstoned(syncable.NewRef("task", "t2")))

	c.Clear()
	assert.False(t, c.IsTombstoned(ref))
}
