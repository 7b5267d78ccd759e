// Package tools implements the built-in tool adapters available to the
// research loop: file I/O, search, web fetch, and shell execution. Hazardous
// operations route through the confirmation gate before running.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/khoj-ai/pipali/pkg/confirm"
	"github.com/khoj-ai/pipali/pkg/models"
)

// Confirmer asks the user to approve an operation. A nil Confirmer means no
// confirmation channel exists; adapters must deny hazardous operations in
// that case rather than run them silently.
type Confirmer interface {
	RequestOperationConfirmation(ctx context.Context, req *models.ConfirmationRequest) (models.ConfirmationDecision, error)
}

// Tool is one callable tool adapter.
type Tool interface {
	// Name is the identifier the model calls the tool by.
	Name() string

	// Description is the model-facing usage text.
	Description() string

	// InputSchema is the JSON schema of the tool's arguments.
	InputSchema() map[string]any

	// Execute runs the tool. Errors are converted to textual results by the
	// registry; adapters return them normally.
	Execute(ctx context.Context, args map[string]any, confirmer Confirmer) (models.Content, error)
}

// Registry holds the available tools by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tool_registry"),
	}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ExecuteCall runs one tool call and collates the outcome as an observation
// result. Tool errors become textual results so the model can react to them;
// only context cancellation propagates as an error.
func (r *Registry) ExecuteCall(ctx context.Context, call models.ToolCall, confirmer Confirmer) (models.ObservationResult, error) {
	result := models.ObservationResult{SourceCallID: call.ID}

	tool, ok := r.Get(call.FunctionName)
	if !ok {
		result.Content = models.TextContent(fmt.Sprintf("Error: unknown tool %q", call.FunctionName))
		return result, nil
	}

	content, err := tool.Execute(ctx, call.Arguments, confirmer)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		// An expired confirmation means nobody is answering; the run must
		// end, not read the timeout as a tool result.
		if errors.Is(err, confirm.ErrTimeout) {
			return result, err
		}
		r.logger.Debug("Tool returned error result",
			"tool", call.FunctionName, "error", err)
		result.Content = models.TextContent(fmt.Sprintf("Error: %v", err))
		return result, nil
	}
	result.Content = content
	return result, nil
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

// intArg extracts an optional integer argument, returning def when absent.
func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return def
}
