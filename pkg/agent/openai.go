package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/tools"
)

// OpenAIConfig configures the OpenAI-compatible chat completions adapter.
// Any endpoint speaking the same wire format works (local inference servers
// included); BaseURL points at the /v1 root.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// OpenAIClient implements LLMClient against an OpenAI-compatible chat
// completions endpoint, using function calling for the tool loop.
type OpenAIClient struct {
	cfg      OpenAIConfig
	registry *tools.Registry
	http     *http.Client
	logger   *slog.Logger
}

// NewOpenAIClient creates the adapter. The registry supplies the tool
// definitions advertised to the model.
func NewOpenAIClient(cfg OpenAIConfig, registry *tools.Registry, logger *slog.Logger) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		cfg:      cfg,
		registry: registry,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger.With("component", "openai_client"),
	}
}

// Chat completions wire types. Only the fields the loop reads are mapped.
type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []chatTool    `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Research drives the tool-call loop against the completions endpoint. Each
// round trip yields a tool_call_start iteration, tool execution through
// exec, and a completed iteration; a response without tool calls is
// terminal. MaxIterations exhaustion emits an empty terminal iteration and
// lets the driver substitute its fallback message.
func (c *OpenAIClient) Research(ctx context.Context, req *ResearchRequest, exec ToolExecutor) (<-chan Iteration, error) {
	out := make(chan Iteration)

	go func() {
		defer close(out)

		system := req.SystemPromptOverride
		if system == "" {
			system = c.systemPrompt()
		}
		messages := buildMessages(system, req)
		toolDefs := c.toolDefinitions()

		for i := 0; i < req.MaxIterations; i++ {
			resp, raw, err := c.complete(ctx, chatRequest{
				Model:    c.cfg.Model,
				Messages: messages,
				Tools:    toolDefs,
			})
			if err != nil {
				c.send(ctx, out, Iteration{Err: err})
				return
			}

			msg := resp.Choices[0].Message
			metrics := &models.StepMetrics{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
			var systemPrompt string
			if i == 0 {
				systemPrompt = system
			}

			if len(msg.ToolCalls) == 0 {
				c.send(ctx, out, Iteration{
					Message:      msg.Content,
					Metrics:      metrics,
					Raw:          raw,
					SystemPrompt: systemPrompt,
				})
				return
			}

			calls := convertToolCalls(msg.ToolCalls)
			if !c.send(ctx, out, Iteration{
				IsToolCallStart: true,
				Message:         msg.Content,
				ToolCalls:       calls,
			}) {
				return
			}

			results, err := exec.ExecuteCalls(ctx, calls)
			if err != nil {
				c.send(ctx, out, Iteration{Err: err})
				return
			}

			if !c.send(ctx, out, Iteration{
				Message:      msg.Content,
				ToolCalls:    calls,
				ToolResults:  results,
				Metrics:      metrics,
				Raw:          raw,
				SystemPrompt: systemPrompt,
			}) {
				return
			}

			messages = append(messages, msg)
			for _, res := range results {
				messages = append(messages, chatMessage{
					Role:       "tool",
					ToolCallID: res.SourceCallID,
					Content:    res.Content.String(),
				})
			}
		}

		c.logger.Warn("Max iterations reached without terminal response",
			"conversation_id", req.ConversationID, "max_iterations", req.MaxIterations)
		c.send(ctx, out, Iteration{})
	}()

	return out, nil
}

// send delivers an iteration unless the run is cancelled. Returns false when
// the loop should stop.
func (c *OpenAIClient) send(ctx context.Context, out chan<- Iteration, it Iteration) bool {
	select {
	case out <- it:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *OpenAIClient) complete(ctx context.Context, req chatRequest) (*chatResponse, json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading llm response: %w", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, nil, fmt.Errorf("decoding llm response (status %d): %w", httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return nil, nil, fmt.Errorf("llm error (status %d): %s", httpResp.StatusCode, resp.Error.Message)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("llm returned status %d", httpResp.StatusCode)
	}
	if len(resp.Choices) == 0 {
		return nil, nil, fmt.Errorf("llm returned no choices")
	}
	return &resp, raw, nil
}

// systemPrompt lists the registered tools. Kept short; the per-tool schemas
// travel in the tools field, not the prompt.
func (c *OpenAIClient) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a capable personal assistant running on the user's machine. ")
	b.WriteString("Work step by step: call tools to gather information or act, then give a final answer. ")
	b.WriteString("Available tools:\n")
	for _, t := range c.registry.List() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), firstLine(t.Description()))
	}
	return b.String()
}

func (c *OpenAIClient) toolDefinitions() []chatTool {
	list := c.registry.List()
	defs := make([]chatTool, 0, len(list))
	for _, t := range list {
		var def chatTool
		def.Type = "function"
		def.Function.Name = t.Name()
		def.Function.Description = t.Description()
		def.Function.Parameters = t.InputSchema()
		defs = append(defs, def)
	}
	return defs
}

// buildMessages reconstructs the chat history from the trajectory, which
// already ends with the current user message. System steps are skipped in
// favor of the current system prompt; agent steps replay their tool calls
// and observations so the model sees its own prior reasoning.
func buildMessages(system string, req *ResearchRequest) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: system}}

	for _, step := range req.Trajectory {
		switch step.Source {
		case models.SourceUser:
			messages = append(messages, chatMessage{Role: "user", Content: step.Message})
		case models.SourceAgent:
			assistant := chatMessage{Role: "assistant", Content: step.Message}
			for _, call := range step.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				tc := chatToolCall{ID: call.ID, Type: "function"}
				tc.Function.Name = call.FunctionName
				tc.Function.Arguments = string(args)
				assistant.ToolCalls = append(assistant.ToolCalls, tc)
			}
			messages = append(messages, assistant)
			if step.Observation != nil {
				for _, res := range step.Observation.Results {
					messages = append(messages, chatMessage{
						Role:       "tool",
						ToolCallID: res.SourceCallID,
						Content:    res.Content.String(),
					})
				}
			}
		}
	}

	return messages
}

func convertToolCalls(calls []chatToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(calls))
	for _, tc := range calls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			// Malformed arguments become an empty map; the tool reports
			// the missing fields as a textual error result.
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		}
		out = append(out, models.ToolCall{
			ID:           tc.ID,
			FunctionName: tc.Function.Name,
			Arguments:    args,
		})
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
