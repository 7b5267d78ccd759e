// Package agent drives the research loop: it streams iterations from the
// LLM adapter, persists trajectory steps, executes tool calls, and emits
// progress events until a terminal response arrives.
package agent

import (
	"context"
	"encoding/json"

	"github.com/khoj-ai/pipali/pkg/models"
)

// LLMClient is the contract for a model adapter. It owns prompt construction
// and the wire format; the driver only consumes the iteration stream.
type LLMClient interface {
	// Research sends the trajectory to the model and returns a stream of
	// iterations. The channel is closed after the terminal iteration;
	// adapter failures are delivered as Iteration values with Err set.
	// The adapter executes each iteration's tool calls through exec before
	// emitting the completed iteration, and enforces MaxIterations itself.
	Research(ctx context.Context, req *ResearchRequest, exec ToolExecutor) (<-chan Iteration, error)
}

// ResearchRequest carries one run's inputs to the adapter.
type ResearchRequest struct {
	ConversationID       string
	UserID               string
	UserMessage          models.Content
	Trajectory           []models.Step
	MaxIterations        int
	SystemPromptOverride string
}

// Iteration is one element of the adapter's stream. Exactly one of the
// following shapes applies:
//
//   - IsToolCallStart: announced before tool dispatch; carries the pending
//     tool calls.
//   - Completed iteration: tool calls plus their executed results.
//   - Terminal iteration: no tool calls, final Message.
//   - Err set: the adapter failed; the stream ends.
type Iteration struct {
	IsToolCallStart bool
	Thought         string
	Message         string
	ToolCalls       []models.ToolCall
	ToolResults     []models.ObservationResult
	Metrics         *models.StepMetrics
	Raw             json.RawMessage

	// SystemPrompt is populated on the first completed iteration only.
	SystemPrompt string

	Err error
}

// Terminal reports whether the iteration ends the run.
func (it Iteration) Terminal() bool {
	return !it.IsToolCallStart && len(it.ToolCalls) == 0 && it.Err == nil
}

// ToolExecutor runs an iteration's tool calls. Implementations execute
// independent calls concurrently and preserve source_call_id linkage.
type ToolExecutor interface {
	ExecuteCalls(ctx context.Context, calls []models.ToolCall) ([]models.ObservationResult, error)
}
