package group

import (
	"github.com/zeusync/syncplant/internal/core/access"
	"github.com/zeusync/syncplant/internal/core/container"
	"github.com/zeusync/syncplant/internal/core/protocol"
	"github.com/zeusync/syncplant/internal/core/syncable"
)

// Subscriber is the outbound side of one client connection. Calls are made
// while the group is locked and must not block; implementations queue the
// message and fail when they cannot.
type Subscriber interface {
	ID() string
	Initialize(msg *protocol.Initialize) error
	Sync(msg *protocol.Sync) error
	Notify(msg *protocol.Notify) error
}

// Filter decides whether a non-requisite object matches a connection's view
// query.
type Filter func(obj container.Object) bool

// FilterFactory builds the filter for a view query.
type FilterFactory func(query map[string]any, ctx *access.Context) Filter

func matchAll(container.Object) bool { return true }

// Event types published on a group's bus topic.
const (
	EventNotification = "notification"
	EventCommitted    = "committed"
)

// Topic is the bus topic of a group.
func Topic(groupID string) string {
	return "group." + groupID
}

// NotificationEvent is the payload of EventNotification.
type NotificationEvent struct {
	Group        string
	Source       string
	Origin       string
	Notification syncable.Notification
}

// CommittedEvent is the payload of EventCommitted.
type CommittedEvent struct {
	Group  string
	Origin string
	Result *syncable.ChangeResult
}
