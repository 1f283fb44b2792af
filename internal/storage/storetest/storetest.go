// Package storetest runs the shared behaviour checks every storage adapter
// must pass.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/syncplant/internal/core/storage/interfaces"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

func task(id string, clock int64, brief string) *syncable.Syncable {
	s := syncable.New("task", id)
	s.Clock = clock
	s.Set("brief", brief)
	s.Set("tags", []any{"g1"})
	return s
}

// RunStore checks store semantics. group isolates the run from other data
// in a shared database.
func RunStore(t *testing.T, store interfaces.SyncableStore, group string) {
	t.Helper()
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		user := syncable.New("user", "u1")
		user.Clock = 1
		require.NoError(t, store.SaveSyncables(ctx, group, []*syncable.Syncable{user, task("t1", 2, "A"), task("t2", 3, "B")}, nil, nil))

		all, err := store.LoadSyncablesByQuery(ctx, group, interfaces.AllSyncables())
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []int64{1, 2, 3}, []int64{all[0].Clock, all[1].Clock, all[2].Clock})
		assert.Equal(t, "A", all[1].GetString("brief"))
		assert.Equal(t, []string{"g1"}, all[1].GetStrings("tags"))

		tasks, err := store.LoadSyncablesByQuery(ctx, group, interfaces.ByTypes("task"))
		require.NoError(t, err)
		assert.Len(t, tasks, 2)

		recent, err := store.LoadSyncablesByQuery(ctx, group, interfaces.Query{MinClock: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "t1", recent[0].ID)
	})

	t.Run("update and remove", func(t *testing.T) {
		require.NoError(t, store.SaveSyncables(ctx, group, nil,
			[]*syncable.Syncable{task("t1", 4, "A2")},
			[]syncable.Ref{syncable.NewRef("task", "t2")}))

		rows, err := store.LoadSyncablesByRefs(ctx, group, []syncable.Ref{
			syncable.NewRef("task", "t1"),
			syncable.NewRef("task", "t2"),
		})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(4), rows[0].Clock)
		assert.Equal(t, "A2", rows[0].GetString("brief"))
	})

	t.Run("removed refs are remembered", func(t *testing.T) {
		t2 := syncable.NewRef("task", "t2")
		// Removing again is idempotent.
		require.NoError(t, store.SaveSyncables(ctx, group, nil, nil, []syncable.Ref{t2}))

		removed, err := store.LoadRemovedRefs(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, []syncable.Ref{t2}, removed)
	})

	t.Run("groups are isolated", func(t *testing.T) {
		other := fmt.Sprintf("%s-other", group)
		rows, err := store.LoadSyncablesByQuery(ctx, other, interfaces.AllSyncables())
		require.NoError(t, err)
		assert.Empty(t, rows)

		removed, err := store.LoadRemovedRefs(ctx, other)
		require.NoError(t, err)
		assert.Empty(t, removed)
	})

	t.Run("saved rows are copies", func(t *testing.T) {
		row := task("t3", 5, "C")
		require.NoError(t, store.SaveSyncables(ctx, group, []*syncable.Syncable{row}, nil, nil))
		row.Set("brief", "mutated")

		rows, err := store.LoadSyncablesByRefs(ctx, group, []syncable.Ref{row.Ref()})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "C", rows[0].GetString("brief"))
	})
}

// RunSequencer checks clock semantics on a fresh group name.
func RunSequencer(t *testing.T, seq interfaces.Sequencer, group string) {
	t.Helper()
	ctx := context.Background()

	current, err := seq.Current(ctx, group)
	require.NoError(t, err)
	assert.Zero(t, current)

	for want := int64(1); want <= 3; want++ {
		got, err := seq.Next(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	require.NoError(t, seq.Observe(ctx, group, 10))
	require.NoError(t, seq.Observe(ctx, group, 5), "observing an older clock is a no-op")
	next, err := seq.Next(ctx, group)
	require.NoError(t, err)
	assert.Equal(t, int64(11), next)

	other, err := seq.Next(ctx, group+"-other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}
