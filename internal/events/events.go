// Package events provides the in-process event bus and the typed event
// payloads that describe state transitions. The rebalancing state machine
// publishes a single outbound event per transition; the notification
// dispatcher and the websocket stream consume them. This decouples the state
// machine from delivery mechanics.
package events

import (
	"sync"
	"time"
)

// EventType identifies a kind of system event.
type EventType string

const (
	// Operation lifecycle transitions
	OperationCreated          EventType = "operation_created"
	OperationSimulated        EventType = "operation_simulated"
	OperationAwaitingApproval EventType = "operation_awaiting_approval"
	OperationApproved         EventType = "operation_approved"
	OperationRejected         EventType = "operation_rejected"
	OperationCancelled        EventType = "operation_cancelled"
	OperationExecuting        EventType = "operation_executing"
	OperationCompleted        EventType = "operation_completed"
	OperationPartial          EventType = "operation_partial"
	OperationFailed           EventType = "operation_failed"

	// Trigger evaluation
	TriggerMatched EventType = "trigger_matched"

	// Risk scoring
	ScoreUpdated EventType = "score_updated"
)

// AllTypes lists every known event type, used by stream subscribers.
func AllTypes() []EventType {
	return []EventType{
		OperationCreated,
		OperationSimulated,
		OperationAwaitingApproval,
		OperationApproved,
		OperationRejected,
		OperationCancelled,
		OperationExecuting,
		OperationCompleted,
		OperationPartial,
		OperationFailed,
		TriggerMatched,
		ScoreUpdated,
	}
}

// Event is the envelope published on the bus.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// Handler is a subscriber callback. Handlers run on the publisher's
// goroutine and must not block; slow consumers buffer internally.
type Handler func(event *Event)

// Bus is a simple synchronous publish/subscribe event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish delivers an event to all handlers registered for its type.
func (b *Bus) Publish(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[eventType]))
	copy(handlers, b.handlers[eventType])
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// PublishData publishes a typed payload under its own event type.
func (b *Bus) PublishData(module string, data EventData) {
	b.Publish(data.EventType(), module, data.Map())
}
