package protocol

import (
	"github.com/zeusync/syncplant/internal/core/diff"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Method names carried in request envelopes.
const (
	// Client to server.

	MethodConnect         = "connect"
	MethodChange          = "change"
	MethodRequestObjects  = "request-objects"
	MethodUpdateViewQuery = "update-view-query"

	// Server to client, one-way.

	MethodInitialize = "initialize"
	MethodSync       = "sync"
	MethodNotify     = "notify"
)

// Source ties a sync to the change packet that produced it.
type Source struct {
	ID    string `json:"id"`
	Clock int64  `json:"clock"`
}

type SyncUpdate struct {
	Ref   syncable.Ref `json:"ref"`
	Diffs []diff.Delta `json:"diffs"`
}

// Sync carries the part of a committed change visible to one connection.
// Syncables are objects new to the connection, Removals objects it must
// drop, Updates deltas for objects it already holds.
type Sync struct {
	Source    *Source              `json:"source,omitempty"`
	Syncables []*syncable.Syncable `json:"syncables"`
	Removals  []syncable.Ref       `json:"removals"`
	Updates   []SyncUpdate         `json:"updates"`
}

func (s *Sync) Empty() bool {
	return len(s.Syncables) == 0 && len(s.Removals) == 0 && len(s.Updates) == 0
}

// Initialize is the first message of a connection: the full visible state.
type Initialize struct {
	Syncables         []*syncable.Syncable `json:"syncables"`
	Removals          []syncable.Ref       `json:"removals"`
	UserRef           syncable.Ref         `json:"userRef"`
	ViewQueryDefaults map[string]any       `json:"viewQueryDefaults,omitempty"`
}

// Connect joins a group as a user.
type Connect struct {
	Group     string         `json:"group"`
	User      string         `json:"user"`
	Token     string         `json:"token,omitempty"`
	ViewQuery map[string]any `json:"viewQuery,omitempty"`
}

type ChangeRequest struct {
	Packet syncable.ChangePacket `json:"packet"`
}

type ChangeReturn struct {
	Clock int64 `json:"clock"`
}

type ObjectRequest struct {
	Refs []syncable.Ref `json:"refs"`
}

type ViewQueryUpdate struct {
	Query map[string]any `json:"dict"`
}

// Notify delivers notifications produced by a change to its originator.
type Notify struct {
	Source        string                  `json:"source"`
	Notifications []syncable.Notification `json:"notifications"`
}

// Empty is the return value of requests without a result.
type Empty struct{}
