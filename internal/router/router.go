// Package router maps CloudEvent types to their handlers. Registration
// happens at startup; routing is a read-mostly lookup on the hot path.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Event is the routed unit: the envelope attributes plus the payload that
// already passed schema validation.
type Event struct {
	ID            string
	Type          string
	CorrelationID string
	Data          map[string]interface{}
}

// Result statuses returned by handlers.
const (
	StatusQueued   = "queued"
	StatusAccepted = "accepted"
	StatusIgnored  = "ignored"
)

// Result is the synchronous outcome of routing one event.
type Result struct {
	Status  string
	Message string
	JobName string
}

// HandlerFunc processes one routed event.
type HandlerFunc func(ctx context.Context, ev *Event) (*Result, error)

// Router dispatches events to handlers by exact event type.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New creates an empty router.
func New() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register installs the handler for eventType, replacing any previous one.
func (r *Router) Register(eventType string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = handler
}

// Supports reports whether a handler is registered for eventType.
func (r *Router) Supports(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[eventType]
	return ok
}

// Route invokes the handler for ev.Type. Unsupported types are acknowledged
// and dropped rather than rejected, so unrelated event traffic on the same
// broker never produces redelivery loops.
func (r *Router) Route(ctx context.Context, ev *Event) (*Result, error) {
	r.mu.RLock()
	handler, ok := r.handlers[ev.Type]
	r.mu.RUnlock()
	if !ok {
		slog.Debug("No handler for event type, ignoring", "event_type", ev.Type, "event_id", ev.ID)
		return &Result{
			Status:  StatusIgnored,
			Message: fmt.Sprintf("event type %q is not handled", ev.Type),
		}, nil
	}
	return handler(ctx, ev)
}
