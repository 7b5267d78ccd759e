// Package events defines the typed event stream a client observes over the
// WebSocket channel, and the emitter contract the research loop publishes
// through.
package events

import "time"

// Event types (server → client).
const (
	// Conversation lifecycle
	EventTypeConversationCreated = "conversation_created"

	// Run lifecycle
	EventTypeRunStarted = "run_started"
	EventTypeResearch   = "research"
	EventTypeRunStopped = "run_stopped"
	EventTypeComplete   = "complete"
	EventTypeError      = "error"

	// Iteration progress
	EventTypeToolCallStart = "tool_call_start"
	EventTypeIteration     = "iteration"

	// Confirmation round-trip
	EventTypeConfirmationRequest = "confirmation_request"
)

// Event is the envelope for every server → client message. Every event
// carries the conversation id; Reason, Error, and Data are populated per
// type.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id,omitempty"`
	Reason         string `json:"reason,omitempty"` // run_stopped
	Error          string `json:"error,omitempty"`  // error
	Data           any    `json:"data,omitempty"`
	Timestamp      string `json:"timestamp"` // RFC3339Nano
}

// Emitter delivers events to the client. Implementations must be safe for
// concurrent use; the driver and the confirmation gate publish from
// different goroutines.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit calls f(event).
func (f EmitterFunc) Emit(event Event) { f(event) }

// New builds an event envelope with the timestamp stamped.
func New(eventType, conversationID string) Event {
	return Event{
		Type:           eventType,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	}
}
