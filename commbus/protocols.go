// Package commbus provides the in-process event bus that carries case,
// alert and emergency-mode messages between the core and its observers.
//
// Protocol Categories:
//   - Message, Query: what travels on the bus
//   - Handler, Middleware: what processes it
//   - CommBus: the bus itself
package commbus

import (
	"context"
)

// =============================================================================
// COMMBUS PROTOCOLS
// =============================================================================

// Message is the protocol for all commbus messages.
// All messages (events and queries) must have a category.
type Message interface {
	// Category returns the message category: "event" or "query".
	Category() string
}

// Query is the protocol for query messages that expect a response.
type Query interface {
	Message
	// IsQuery is a marker method to distinguish queries from other messages.
	IsQuery()
}

// Handler is the protocol for message handlers.
type Handler interface {
	// Handle processes a message and returns a response for queries.
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware intercepts messages before and after handling.
type Middleware interface {
	// Before is called before message is handled.
	// Returns modified message, or nil to abort processing.
	Before(ctx context.Context, message Message) (Message, error)

	// After is called after message is handled.
	// Returns modified result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the protocol for the communication bus.
//
//   - Publish(event): fan-out to all subscribers
//   - QuerySync(query): single handler, returns result
type CommBus interface {
	Publish(ctx context.Context, event Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()
	// RegisterHandler allows one handler per message type.
	RegisterHandler(messageType string, handler HandlerFunc) error
	// AddMiddleware appends to the chain; Before runs in registration order.
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	GetSubscribers(eventType string) []HandlerFunc
	Clear()
}
