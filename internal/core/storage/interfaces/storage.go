// Package interfaces declares the persistence contracts the server engine
// consumes. Adapters live under internal/storage.
package interfaces

import (
	"context"
	"errors"

	"github.com/zeusync/syncplant/internal/core/syncable"
)

var (
	ErrStoreClosed     = errors.New("store is closed")
	ErrSequencerClosed = errors.New("sequencer is closed")
)

// SyncableStore persists the syncables of each group.
type SyncableStore interface {
	// SaveSyncables writes one committed change in a single transaction.
	// Removed refs are deleted and remembered; created and updated rows are
	// upserted.
	SaveSyncables(ctx context.Context, group string, created, updated []*syncable.Syncable, removed []syncable.Ref) error
	LoadSyncablesByQuery(ctx context.Context, group string, query Query) ([]*syncable.Syncable, error)
	// LoadSyncablesByRefs returns the stored subset of refs; missing refs are
	// skipped.
	LoadSyncablesByRefs(ctx context.Context, group string, refs []syncable.Ref) ([]*syncable.Syncable, error)
	// LoadRemovedRefs returns every ref ever removed from the group. Their ids
	// may not be created again.
	LoadRemovedRefs(ctx context.Context, group string) ([]syncable.Ref, error)
	Close() error
}

// Sequencer hands out strictly increasing clock values per group. Durable
// implementations never reuse a value across restarts.
type Sequencer interface {
	Next(ctx context.Context, group string) (int64, error)
	Current(ctx context.Context, group string) (int64, error)
	// Observe moves the group clock to at least clock, so values already
	// carried by stored syncables are never handed out again.
	Observe(ctx context.Context, group string, clock int64) error
	Close() error
}
