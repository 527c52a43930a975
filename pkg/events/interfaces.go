// Package events is the in-process bus that carries node, panel and task lifecycle notifications.
package events

import (
	"context"
	"time"
)

// Event represents a generic event in the system
type Event interface {
	// Type returns the event type identifier (e.g., "node.status.changed")
	Type() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// Metadata returns additional context-specific data
	Metadata() map[string]any
	// ID returns a unique identifier for this event
	ID() string
}

// EventHandler processes events of a specific type
type EventHandler func(ctx context.Context, event Event) error

// EventBus provides a generic interface for publishing and subscribing to events
type EventBus interface {
	// Publish delivers event synchronously to every subscriber of its type and of AllEvents.
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for events of a specific type.
	// AllEvents subscribes to every type.
	Subscribe(eventType string, handler EventHandler) (UnsubscribeFunc, error)

	// SubscribeWithPriority registers a handler with a specific priority.
	// Higher priority handlers are called first.
	SubscribeWithPriority(eventType string, handler EventHandler, priority Priority) (UnsubscribeFunc, error)

	// Close gracefully shuts down the event bus
	Close() error

	// Health returns the health status of the event bus
	Health() Health
}

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// UnsubscribeFunc is a function that can be called to unsubscribe from events
type UnsubscribeFunc func() error

// Priority defines event handler execution priority
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// Health represents the health status of an event bus
type Health struct {
	Status      string         `json:"status"` // "healthy", "degraded", "unhealthy"
	Message     string         `json:"message"`
	Subscribers int            `json:"subscribers"`
	LastError   string         `json:"last_error"`
	Metadata    map[string]any `json:"metadata"`
}

// EventBusConfig defines configuration for event bus implementations
type EventBusConfig struct {
	// Timeout bounds a single handler invocation
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultEventBusConfig returns a default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{Timeout: 10 * time.Second}
}
