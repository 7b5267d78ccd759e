// Package models defines the core domain types shared across the server:
// trajectory steps, confirmation requests, automations, and MCP server records.
package models

import (
	"encoding/json"
	"time"
)

// StepSource identifies who produced a trajectory step.
type StepSource string

// Step source constants.
const (
	SourceSystem StepSource = "system"
	SourceUser   StepSource = "user"
	SourceAgent  StepSource = "agent"
)

// ValidSource reports whether s is a recognized step source.
func ValidSource(s StepSource) bool {
	switch s {
	case SourceSystem, SourceUser, SourceAgent:
		return true
	}
	return false
}

// ToolCall is a single tool invocation requested by the agent.
type ToolCall struct {
	ID           string         `json:"tool_call_id"`
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
}

// ObservationResult is one tool result inside an observation. SourceCallID
// links back to the ToolCall that produced it; linkage is by id, never
// positional.
type ObservationResult struct {
	SourceCallID string  `json:"source_call_id"`
	Content      Content `json:"content"`
}

// Observation carries the collated tool results for one agent step.
type Observation struct {
	Results []ObservationResult `json:"results"`
}

// StepMetrics holds per-step token accounting.
type StepMetrics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CachedTokens     *int    `json:"cached_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
}

// Step is one entry in a conversation's trajectory.
//
// StepID is unique within a trajectory and strictly greater than any
// previously added step's id (max+1, never reused after deletion).
type Step struct {
	StepID      int             `json:"step_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      StepSource      `json:"source"`
	Message     string          `json:"message,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	ToolCalls   []ToolCall      `json:"tool_calls,omitempty"`
	Observation *Observation    `json:"observation,omitempty"`
	Metrics     *StepMetrics    `json:"metrics,omitempty"`
	RawOutput   json.RawMessage `json:"raw_output,omitempty"`
}

// FinalMetrics is the aggregation of per-step metrics over surviving steps.
type FinalMetrics struct {
	TotalSteps            int     `json:"total_steps"`
	TotalPromptTokens     int     `json:"total_prompt_tokens"`
	TotalCompletionTokens int     `json:"total_completion_tokens"`
	TotalCachedTokens     int     `json:"total_cached_tokens"`
	TotalCostUSD          float64 `json:"total_cost_usd"`
}

// AgentInfo describes the agent configuration captured in a trajectory export.
type AgentInfo struct {
	Name    string `json:"name"`
	Model   string `json:"model,omitempty"`
	Version string `json:"version,omitempty"`
}

// Trajectory is the full ordered step log for one conversation, in the ATIF
// interchange shape (SchemaVersion is prefixed "ATIF-").
type Trajectory struct {
	SchemaVersion string        `json:"schema_version"`
	SessionID     string        `json:"session_id"`
	Agent         AgentInfo     `json:"agent"`
	Steps         []Step        `json:"steps"`
	FinalMetrics  *FinalMetrics `json:"final_metrics,omitempty"`
}

// Conversation is the unit of concurrency: all interactions with one
// conversation are serialized, distinct conversations run in parallel.
type Conversation struct {
	ID           string        `json:"id" db:"id"`
	UserID       string        `json:"user_id" db:"user_id"`
	Title        string        `json:"title,omitempty" db:"title"`
	AutomationID *string       `json:"automation_id,omitempty" db:"automation_id"`
	FinalMetrics *FinalMetrics `json:"final_metrics,omitempty"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}
