package events

import "github.com/khoj-ai/pipali/pkg/models"

// ToolCallStartData is the payload for tool_call_start events. Published
// before the iteration's tool calls are dispatched.
type ToolCallStartData struct {
	Thought   string            `json:"thought,omitempty"`
	Message   string            `json:"message,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls"`
}

// IterationData is the payload for iteration events. Published after an
// iteration's tool calls have executed and the agent step is persisted.
type IterationData struct {
	Thought     string                     `json:"thought,omitempty"`
	Message     string                     `json:"message,omitempty"`
	ToolCalls   []models.ToolCall          `json:"tool_calls,omitempty"`
	ToolResults []models.ObservationResult `json:"tool_results,omitempty"`
	StepID      int                        `json:"step_id,omitempty"`
	Metrics     *models.StepMetrics        `json:"metrics,omitempty"`
}

// CompleteData is the payload for complete events: the run's final response.
type CompleteData struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

// ConversationCreated builds a conversation_created event.
func ConversationCreated(conversationID string) Event {
	return New(EventTypeConversationCreated, conversationID)
}

// RunStarted builds a run_started event.
func RunStarted(conversationID, runID string) Event {
	e := New(EventTypeRunStarted, conversationID)
	e.RunID = runID
	return e
}

// Research builds a research event, published when a run starts or resumes.
func Research(conversationID, runID string) Event {
	e := New(EventTypeResearch, conversationID)
	e.RunID = runID
	return e
}

// ToolCallStart builds a tool_call_start event.
func ToolCallStart(conversationID, runID string, data ToolCallStartData) Event {
	e := New(EventTypeToolCallStart, conversationID)
	e.RunID = runID
	e.Data = data
	return e
}

// Iteration builds an iteration event.
func Iteration(conversationID, runID string, data IterationData) Event {
	e := New(EventTypeIteration, conversationID)
	e.RunID = runID
	e.Data = data
	return e
}

// ConfirmationRequested builds a confirmation_request event.
func ConfirmationRequested(conversationID, runID string, req *models.ConfirmationRequest) Event {
	e := New(EventTypeConfirmationRequest, conversationID)
	e.RunID = runID
	e.Data = req
	return e
}

// RunStopped builds a run_stopped event with the stop reason.
func RunStopped(conversationID, runID, reason string) Event {
	e := New(EventTypeRunStopped, conversationID)
	e.RunID = runID
	e.Reason = reason
	return e
}

// Complete builds a complete event carrying the final response.
func Complete(conversationID, runID, response string) Event {
	e := New(EventTypeComplete, conversationID)
	e.RunID = runID
	e.Data = CompleteData{Response: response, ConversationID: conversationID}
	return e
}

// Error builds an error event.
func Error(conversationID, runID string, err error) Event {
	e := New(EventTypeError, conversationID)
	e.RunID = runID
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
