package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/khoj-ai/pipali/pkg/confirm"
	"github.com/khoj-ai/pipali/pkg/models"
)

// commandOutputLimit caps captured stdout+stderr.
const commandOutputLimit = 64 * 1024

// ExecuteCommandTool runs a shell command after confirmation. The model
// declares an operation sub-type that grades the risk and scopes the
// "don't ask again" preference.
type ExecuteCommandTool struct {
	// Shell defaults to /bin/sh.
	Shell string
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }

func (t *ExecuteCommandTool) Description() string {
	return "Run a shell command. Declare operation_sub_type as read-only, " +
		"write-only, or read-write to describe the command's effect."
}

func (t *ExecuteCommandTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to run"},
			"operation_sub_type": map[string]any{
				"type": "string",
				"enum": []string{confirm.CommandReadOnly, confirm.CommandWriteOnly, confirm.CommandReadWrite},
			},
			"working_dir": map[string]any{"type": "string", "description": "Optional working directory"},
		},
		"required": []string{"command", "operation_sub_type"},
	}
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]any, confirmer Confirmer) (models.Content, error) {
	command, err := stringArg(args, "command")
	if err != nil {
		return models.Content{}, err
	}
	subType, _ := args["operation_sub_type"].(string)
	if subType == "" {
		subType = confirm.CommandReadWrite
	}

	if confirmer == nil {
		return models.Content{}, fmt.Errorf("execute_command denied: no confirmation channel is available")
	}
	decision, err := confirmer.RequestOperationConfirmation(ctx, &models.ConfirmationRequest{
		Operation: "execute_command",
		Title:     "Run shell command?",
		Message:   command,
		Context: models.ConfirmationContext{
			ToolName:      "execute_command",
			ToolArgs:      map[string]any{"command": command},
			RiskLevel:     confirm.CommandRisk(subType),
			OperationType: subType,
		},
	})
	if err != nil {
		return models.Content{}, err
	}
	if !decision.Approved {
		reason := decision.DenialReason
		if reason == "" {
			reason = "denied by user"
		}
		return models.Content{}, fmt.Errorf("execute_command denied: %s", reason)
	}

	shell := t.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if dir, _ := args["working_dir"].(string); dir != "" {
		cmd.Dir = ExpandHome(dir)
	}

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()

	out := buf.String()
	if len(out) > commandOutputLimit {
		out = out[:commandOutputLimit] + "\n... (output truncated)"
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return models.Content{}, ctx.Err()
		}
		return models.TextContent(fmt.Sprintf("Command failed: %v\n%s", runErr, out)), nil
	}
	if strings.TrimSpace(out) == "" {
		out = "(no output)"
	}
	return models.TextContent(out), nil
}
