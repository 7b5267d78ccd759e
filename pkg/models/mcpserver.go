package models

import (
	"fmt"
	"regexp"
	"time"
)

// MCPTransportType identifies how an MCP server is reached.
type MCPTransportType string

// MCP transport types.
const (
	MCPTransportStdio MCPTransportType = "stdio"
	MCPTransportHTTP  MCPTransportType = "http"
	MCPTransportSSE   MCPTransportType = "sse"
)

// MCPConfirmationMode controls when tool calls against a server prompt for
// user confirmation.
type MCPConfirmationMode string

// MCP confirmation modes.
const (
	// MCPConfirmAlways prompts for every tool call.
	MCPConfirmAlways MCPConfirmationMode = "always"
	// MCPConfirmUnsafeOnly prompts unless the agent declared the call safe.
	MCPConfirmUnsafeOnly MCPConfirmationMode = "unsafe_only"
	// MCPConfirmNever skips confirmation entirely.
	MCPConfirmNever MCPConfirmationMode = "never"
)

// serverNameRegex constrains server names to slugs so namespaced tool names
// ("<server>__<tool>") stay parseable.
var serverNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateServerName checks the slug constraint on MCP server names.
func ValidateServerName(name string) error {
	if !serverNameRegex.MatchString(name) {
		return fmt.Errorf("invalid server name %q: must be a lowercase slug (letters, digits, '-', '_')", name)
	}
	return nil
}

// MCPServer is a registered external tool server.
type MCPServer struct {
	ID               string              `json:"id" db:"id"`
	Name             string              `json:"name" db:"name"`
	Enabled          bool                `json:"enabled" db:"enabled"`
	TransportType    MCPTransportType    `json:"transport_type" db:"transport_type"`
	Path             string              `json:"path" db:"path"`
	APIKey           string              `json:"api_key,omitempty" db:"api_key"`
	Env              map[string]string   `json:"env,omitempty"`
	EnabledTools     []string            `json:"enabled_tools,omitempty"`
	ConfirmationMode MCPConfirmationMode `json:"confirmation_mode" db:"confirmation_mode"`
	LastConnectedAt  *time.Time          `json:"last_connected_at,omitempty" db:"last_connected_at"`
	LastError        *string             `json:"last_error,omitempty" db:"last_error"`
	CreatedAt        time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at" db:"updated_at"`
}

// ToolAllowed reports whether a tool name is surfaced to the agent, honoring
// the optional EnabledTools restriction.
func (s *MCPServer) ToolAllowed(tool string) bool {
	if len(s.EnabledTools) == 0 {
		return true
	}
	for _, t := range s.EnabledTools {
		if t == tool {
			return true
		}
	}
	return false
}
