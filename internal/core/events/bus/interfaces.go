package bus

import "time"

// EventBus is a thread-safe, in-process pub/sub bus. One instance is built at the
// composition root and handed to whoever publishes or observes; there is no
// package-level bus.
//
// Delivery is synchronous: PublishToTopic invokes matching handlers in the
// caller goroutine, in subscription order, and joins their errors. Handlers
// are keyed by topic and event type.
type EventBus interface {
	// PublishToTopic delivers event to the subscribers of event.Type() within topic.
	PublishToTopic(topic string, event Event) error
	// SubscribeTopic registers handler for eventType within topic.
	SubscribeTopic(topic, eventType string, handler EventHandler) (Subscription, error)

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)

	// Close drops every subscription. Later SubscribeTopic calls fail with
	// ErrBusClosed and later publishes are no-ops.
	Close() error
}

// Event is an immutable message transported by the EventBus.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type (
	// EventHandler is invoked once per delivered event.
	EventHandler func(event Event) error
)

// Subscription is a registered handler. Cancel is idempotent.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	Cancel() error
}

// Observer is told about every publish once its handlers have run, in the
// publishing goroutine.
type Observer interface {
	OnDelivered(topic, eventType string, handlers int, err error, duration time.Duration)
}
