// Package eventbus provides the typed publish/subscribe channel that carries metric,
// competitor and application events to the rule engine.
package eventbus

import (
	"context"

	"github.com/dukex/sellerops/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// EventHandler receives the decoded event (a pointer to one of the events structs).
// Callbacks of one subscription run one at a time.
type EventHandler func(ctx context.Context, event any) error

type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string, handler EventHandler) (*Subscription, error)
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
