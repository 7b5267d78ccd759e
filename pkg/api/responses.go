package api

import (
	"github.com/khoj-ai/pipali/pkg/models"
)

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// ConversationDetail is a conversation with its full trajectory.
type ConversationDetail struct {
	Conversation *models.Conversation `json:"conversation"`
	Steps        []models.Step        `json:"steps"`
}

// DeleteStepsResponse reports how many steps a deletion removed.
type DeleteStepsResponse struct {
	Deleted int `json:"deleted"`
}

// MCPServerDetail is an MCP server row plus its live connection state.
type MCPServerDetail struct {
	*models.MCPServer
	Connected bool     `json:"connected"`
	Tools     []string `json:"tools,omitempty"`
}

// TriggerResponse reports the execution created by a manual trigger.
type TriggerResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}
