package events

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gookitEvent "github.com/gookit/event"

	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

type subscription struct {
	id       uint64
	handler  EventHandler
	priority Priority
}

// gookitEventBus implements EventBus on top of a gookit/event manager.
// One gookit listener is installed per fired event type; it fans out to the
// bus's own subscription table so handlers can be removed individually.
type gookitEventBus struct {
	manager   *gookitEvent.Manager
	config    EventBusConfig
	logger    *applogger.Logger
	mu        sync.RWMutex
	subs      map[string][]subscription
	installed map[string]bool
	nextID    uint64
	lastError string
	closed    bool
}

// NewGookitEventBus creates a new event bus using gookit/event
func NewGookitEventBus(config EventBusConfig, logger *applogger.Logger) EventBus {
	if config.Timeout <= 0 {
		config.Timeout = DefaultEventBusConfig().Timeout
	}
	logger.DebugContext(context.Background(), "creating event bus", slog.Duration("timeout", config.Timeout))

	return &gookitEventBus{
		manager:   gookitEvent.NewManager("wrb-orchestrator"),
		config:    config,
		logger:    logger.WithComponent("events"),
		subs:      make(map[string][]subscription),
		installed: make(map[string]bool),
	}
}

// Publish publishes an event to the bus
func (b *gookitEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("event bus is closed")
	}
	if !b.installed[event.Type()] {
		b.manager.On(event.Type(), b.dispatcher(event.Type()), gookitEvent.Normal)
		b.installed[event.Type()] = true
	}
	b.mu.Unlock()

	b.logger.DebugContext(ctx, "publishing event",
		slog.String("type", event.Type()),
		slog.String("id", event.ID()))

	err, _ := b.manager.Fire(event.Type(), gookitEvent.M{"payload": event, "ctx": ctx})
	if err != nil {
		b.mu.Lock()
		b.lastError = err.Error()
		b.mu.Unlock()

		b.logger.WarnCtx(ctx, "event handler failed", err,
			slog.String("type", event.Type()),
			slog.String("id", event.ID()))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// dispatcher is the gookit listener for one event type.
func (b *gookitEventBus) dispatcher(eventType string) gookitEvent.Listener {
	return gookitEvent.ListenerFunc(func(e gookitEvent.Event) error {
		payload, ok := e.Get("payload").(Event)
		if !ok {
			return fmt.Errorf("invalid event payload: %T", e.Get("payload"))
		}
		ctx, ok := e.Get("ctx").(context.Context)
		if !ok || ctx == nil {
			ctx = context.Background()
		}

		var errs []error
		for _, sub := range b.snapshot(eventType) {
			if err := b.invoke(ctx, sub, payload); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (b *gookitEventBus) invoke(ctx context.Context, sub subscription, event Event) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return sub.handler(ctx, event)
}

// snapshot returns the handlers for eventType plus the catch-all handlers, highest priority first.
func (b *gookitEventBus) snapshot(eventType string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]subscription, 0, len(b.subs[eventType])+len(b.subs[AllEvents]))
	out = append(out, b.subs[eventType]...)
	out = append(out, b.subs[AllEvents]...)
	slices.SortStableFunc(out, func(a, c subscription) int {
		return cmp.Compare(c.priority, a.priority)
	})
	return out
}

// Subscribe registers a handler for events of a specific type
func (b *gookitEventBus) Subscribe(eventType string, handler EventHandler) (UnsubscribeFunc, error) {
	return b.SubscribeWithPriority(eventType, handler, PriorityNormal)
}

// SubscribeWithPriority registers a handler with a specific priority
func (b *gookitEventBus) SubscribeWithPriority(eventType string, handler EventHandler, priority Priority) (UnsubscribeFunc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler, priority: priority})

	b.logger.DebugContext(context.Background(), "subscribed to event type",
		slog.String("type", eventType),
		slog.Int("priority", int(priority)))

	return func() error {
		b.remove(eventType, id)
		return nil
	}, nil
}

func (b *gookitEventBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs[eventType] = slices.DeleteFunc(b.subs[eventType], func(s subscription) bool { return s.id == id })
	if len(b.subs[eventType]) == 0 {
		delete(b.subs, eventType)
	}
}

// Close gracefully shuts down the event bus
func (b *gookitEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.subs = make(map[string][]subscription)
	b.installed = make(map[string]bool)
	b.manager.Clear()
	b.closed = true
	return nil
}

// Health returns the health status of the event bus
func (b *gookitEventBus) Health() Health {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := "healthy"
	message := "Event bus is operating normally"

	if b.closed {
		status = "unhealthy"
		message = "Event bus is closed"
	} else if b.lastError != "" {
		status = "degraded"
		message = "Event bus has recent errors"
	}

	total := 0
	for _, handlers := range b.subs {
		total += len(handlers)
	}

	return Health{
		Status:      status,
		Message:     message,
		Subscribers: total,
		LastError:   b.lastError,
		Metadata: map[string]any{
			"event_types": len(b.subs),
			"timeout":     b.config.Timeout.String(),
		},
	}
}

// BaseEvent provides a common implementation of the Event interface
type BaseEvent struct {
	id        string
	eventType string
	timestamp time.Time
	metadata  map[string]any
}

// NewBaseEvent creates a new base event
func NewBaseEvent(eventType string, metadata map[string]any) *BaseEvent {
	return &BaseEvent{
		id:        uuid.NewString(),
		eventType: eventType,
		timestamp: time.Now().UTC(),
		metadata:  metadata,
	}
}

func (e *BaseEvent) Type() string         { return e.eventType }
func (e *BaseEvent) Timestamp() time.Time { return e.timestamp }
func (e *BaseEvent) ID() string           { return e.id }

// Metadata returns the event metadata
func (e *BaseEvent) Metadata() map[string]any {
	if e.metadata == nil {
		return make(map[string]any)
	}
	return e.metadata
}

// WithMetadata adds metadata to the event
func (e *BaseEvent) WithMetadata(key string, value any) *BaseEvent {
	if e.metadata == nil {
		e.metadata = make(map[string]any)
	}
	e.metadata[key] = value
	return e
}

// Message is the wire form of an event, as streamed to websocket clients.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewMessage converts an event to its wire form.
func NewMessage(e Event) Message {
	return Message{ID: e.ID(), Type: e.Type(), Timestamp: e.Timestamp(), Data: e.Metadata()}
}

// CreateTypedHandler adapts a handler that expects a concrete event type.
func CreateTypedHandler[T Event](handler func(ctx context.Context, event T) error) EventHandler {
	return func(ctx context.Context, event Event) error {
		typed, ok := event.(T)
		if !ok {
			var zero T
			return fmt.Errorf("invalid event type: expected %T, got %T", zero, event)
		}
		return handler(ctx, typed)
	}
}
