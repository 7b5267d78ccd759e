package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/khoj-ai/pipali/pkg/confirm"
	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/tools"
)

// operationTypeSchema is injected into every MCP tool's input schema so the
// model self-declares whether a call mutates state. The declaration feeds
// the server's confirmation mode; it is stripped before forwarding.
var operationTypeSchema = map[string]any{
	"type":        "string",
	"enum":        []any{confirm.MCPOperationSafe, confirm.MCPOperationUnsafe},
	"description": "Whether this call only reads data (safe) or can mutate state (unsafe).",
}

// MCPTool adapts one remote tool into the registry's Tool interface under a
// namespaced name.
type MCPTool struct {
	manager     *Manager
	serverID    string
	serverName  string
	mode        models.MCPConfirmationMode
	toolName    string
	description string
	schema      map[string]any
}

func newMCPTool(manager *Manager, server *models.MCPServer, t *mcpsdk.Tool) (*MCPTool, error) {
	schema, err := schemaToMap(t.InputSchema)
	if err != nil {
		return nil, err
	}

	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any)
		schema["properties"] = props
	}
	props["operation_type"] = operationTypeSchema

	required, _ := schema["required"].([]any)
	schema["required"] = append(required, "operation_type")

	return &MCPTool{
		manager:     manager,
		serverID:    server.ID,
		serverName:  server.Name,
		mode:        server.ConfirmationMode,
		toolName:    t.Name,
		description: t.Description,
		schema:      schema,
	}, nil
}

// Name returns the namespaced identifier the model calls.
func (t *MCPTool) Name() string {
	return t.serverName + NameSeparator + t.toolName
}

func (t *MCPTool) Description() string { return t.description }

func (t *MCPTool) InputSchema() map[string]any { return t.schema }

// Execute enforces the server's confirmation mode, strips the operation_type
// declaration, and forwards the call over the live session.
func (t *MCPTool) Execute(ctx context.Context, args map[string]any, confirmer tools.Confirmer) (models.Content, error) {
	opType, _ := args["operation_type"].(string)

	forwarded := make(map[string]any, len(args))
	for k, v := range args {
		if k == "operation_type" {
			continue
		}
		forwarded[k] = v
	}

	if t.needsConfirmation(opType) {
		if err := t.confirm(ctx, confirmer, forwarded, opType); err != nil {
			return models.Content{}, err
		}
	}

	result, err := t.manager.CallTool(ctx, t.serverID, t.toolName, forwarded)
	if err != nil {
		return models.Content{}, fmt.Errorf("calling %s: %w", t.Name(), err)
	}
	if result.IsError {
		return models.Content{}, fmt.Errorf("%s failed: %s", t.Name(), extractText(result.Content))
	}
	return mapContent(result.Content), nil
}

// needsConfirmation applies the server's mode. An absent or unrecognized
// declaration counts as unsafe.
func (t *MCPTool) needsConfirmation(opType string) bool {
	switch t.mode {
	case models.MCPConfirmNever:
		return false
	case models.MCPConfirmUnsafeOnly:
		return opType != confirm.MCPOperationSafe
	default:
		return true
	}
}

func (t *MCPTool) confirm(ctx context.Context, confirmer tools.Confirmer, args map[string]any, opType string) error {
	name := t.Name()
	if confirmer == nil {
		return fmt.Errorf("%s denied: operation requires confirmation but no confirmation channel is available", name)
	}

	safety := confirm.MCPOperationUnsafe
	if opType == confirm.MCPOperationSafe {
		safety = confirm.MCPOperationSafe
	}
	req := &models.ConfirmationRequest{
		InputType: "confirmation",
		Title:     "Allow MCP tool call?",
		Message:   fmt.Sprintf("The agent wants to call %s on the %s server.", t.toolName, t.serverName),
		Operation: "mcp_tool",
		Context: models.ConfirmationContext{
			ToolName:      name,
			ToolArgs:      args,
			RiskLevel:     confirm.MCPRisk(opType),
			OperationType: t.serverName + ":" + safety,
		},
	}
	decision, err := confirmer.RequestOperationConfirmation(ctx, req)
	if err != nil {
		return fmt.Errorf("%s confirmation failed: %w", name, err)
	}
	if !decision.Approved {
		reason := decision.DenialReason
		if reason == "" {
			reason = "denied by user"
		}
		return fmt.Errorf("%s denied: %s", name, reason)
	}
	return nil
}

// mapContent converts SDK result content into tool content. Text-only
// results collapse to plain text; anything binary becomes a part list.
func mapContent(content []mcpsdk.Content) models.Content {
	textOnly := true
	for _, c := range content {
		if _, ok := c.(*mcpsdk.TextContent); !ok {
			textOnly = false
			break
		}
	}
	if textOnly {
		return models.TextContent(extractText(content))
	}

	parts := make([]models.Part, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, models.Part{Type: models.PartTypeText, Text: v.Text})
		case *mcpsdk.ImageContent:
			parts = append(parts, models.Part{
				Type: models.PartTypeImage,
				MIME: v.MIMEType,
				Data: base64.StdEncoding.EncodeToString(v.Data),
			})
		case *mcpsdk.AudioContent:
			parts = append(parts, models.Part{
				Type: models.PartTypeAudio,
				MIME: v.MIMEType,
				Data: base64.StdEncoding.EncodeToString(v.Data),
			})
		default:
			parts = append(parts, models.Part{Type: models.PartTypeText, Text: fmt.Sprintf("[unsupported content type %T]", c)})
		}
	}
	return models.MultiContent(parts)
}

func extractText(content []mcpsdk.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
