package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/sellerops/pkg/events"
)

// ErrClosed is returned when publishing or subscribing on a closed bus.
var ErrClosed = errors.New("event bus closed")

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu            sync.Mutex
	closed        bool
	subscriptions map[*Subscription]struct{}
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *WatermillEventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        logger.With("module", "eventbus"),
		subscriptions: make(map[*Subscription]struct{}),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, topic string, event Event) error {
	eb.mu.Lock()
	closed := eb.closed
	eb.mu.Unlock()

	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, topic)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	if err := eb.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Subscribe starts delivering topic messages to handler until the returned subscription is
// closed or ctx ends. Undecodable messages and handler panics are logged and acked so a
// poison message cannot stall the subscription; handler errors nack the message.
func (eb *WatermillEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (*Subscription, error) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)

	messages, err := eb.subscriber.Subscribe(subCtx, topic)
	if err != nil {
		cancel()

		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &Subscription{
		Topic:  topic,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sub.release = func() { eb.forget(sub) }
	eb.subscriptions[sub] = struct{}{}

	go func() {
		defer close(sub.done)

		for msg := range messages {
			eb.deliver(subCtx, topic, msg, handler)
		}
	}()

	return sub, nil
}

func (eb *WatermillEventBus) deliver(ctx context.Context, topic string, msg *message.Message, handler EventHandler) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	event, err := events.Decode(eventType, msg.Payload)
	if err != nil {
		eb.logger.ErrorContext(ctx, "Dropping undecodable message", "topic", topic, "message_id", msg.UUID, "error", err)
		msg.Ack()

		return
	}

	if err := eb.invoke(ctx, handler, event); err != nil {
		eb.logger.ErrorContext(ctx, "Event handler failed", "topic", topic, "event_type", eventType, "error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func (eb *WatermillEventBus) invoke(ctx context.Context, handler EventHandler, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.ErrorContext(ctx, "Event handler panicked", "panic", r)

			err = nil
		}
	}()

	return handler(ctx, event)
}

func (eb *WatermillEventBus) forget(sub *Subscription) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	delete(eb.subscriptions, sub)
}

func (eb *WatermillEventBus) Close() error {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()

		return nil
	}

	eb.closed = true
	subs := make([]*Subscription, 0, len(eb.subscriptions))

	for sub := range eb.subscriptions {
		subs = append(subs, sub)
	}
	eb.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}

	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	if any(eb.subscriber) != any(eb.publisher) {
		return eb.subscriber.Close()
	}

	return nil
}
