package replica

import (
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Event types published by a replica on its bus.
const (
	EventReady        = "replica.ready"
	EventSynced       = "replica.synced"
	EventSyncing      = "replica.syncing"
	EventRejected     = "replica.rejected"
	EventNotification = "replica.notification"
)

// SyncedEvent reports one applied sync.
type SyncedEvent struct {
	// Source is the packet id the sync was tied to, if any.
	Source  string
	Matched bool
	Changed []syncable.Ref
	Removed []syncable.Ref
}

// SyncingEvent reports a change of the Syncing flag.
type SyncingEvent struct {
	Syncing bool
	Pending int
}

// RejectedEvent reports a pending change refused by the server.
type RejectedEvent struct {
	Packet syncable.ChangePacket
	Err    error
}

// NotificationEvent carries a notification for a change sent by this replica.
type NotificationEvent struct {
	Source       string
	Notification syncable.Notification
}
