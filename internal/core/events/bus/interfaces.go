package bus

import "time"

// EventBus is an in-process pub/sub bus.
//
// Handlers subscribe by event type, optionally inside a topic. Delivery is
// synchronous, in the publisher's goroutine, and follows subscription order.
// Handler errors are joined and returned from Publish. The default topic is
// the empty string.
type EventBus interface {
	Publish(event Event) error
	Subscribe(eventType string, handler EventHandler) (Subscription, error)
	// Unsubscribe cancels sub. A nil sub is ignored.
	Unsubscribe(sub Subscription) error

	// CreateTopic declares a topic. Repeated declarations are no-ops.
	CreateTopic(name string) error
	// DeleteTopic drops a topic with all its subscriptions.
	DeleteTopic(name string) error
	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)
	PublishToTopic(topic string, event Event) error
}

// Event is an immutable message carried by the bus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
	Metadata() map[string]any
}

type EventHandler func(event Event) error

// Subscription is a registered handler. Cancel is idempotent.
type Subscription interface {
	ID() string
	Topic() string
	EventType() string
	IsActive() bool
	Cancel() error
}
