package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/khoj-ai/pipali/pkg/confirm"
	"github.com/khoj-ai/pipali/pkg/models"
)

// confirmMutation gates the write/edit/delete family. All of them prompt;
// risk comes from the per-operation default mapping.
func confirmMutation(ctx context.Context, confirmer Confirmer, operation, path, detail string) error {
	if confirmer == nil {
		return fmt.Errorf("%s denied: no confirmation channel is available", operation)
	}
	decision, err := confirmer.RequestOperationConfirmation(ctx, &models.ConfirmationRequest{
		Operation: operation,
		Title:     fmt.Sprintf("Allow %s on %s?", operation, filepath.Base(path)),
		Message:   detail,
		Context: models.ConfirmationContext{
			ToolName:      operation,
			ToolArgs:      map[string]any{"path": path},
			AffectedFiles: []string{path},
			RiskLevel:     confirm.DefaultRisk(operation),
		},
	})
	if err != nil {
		return err
	}
	if !decision.Approved {
		reason := decision.DenialReason
		if reason == "" {
			reason = "denied by user"
		}
		return fmt.Errorf("%s denied: %s", operation, reason)
	}
	return nil
}

// WriteFileTool creates or overwrites a file.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file with the given content."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any, confirmer Confirmer) (models.Content, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return models.Content{}, err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return models.Content{}, err
	}
	path = ExpandHome(path)

	if err := confirmMutation(ctx, confirmer, "write_file", path,
		fmt.Sprintf("Write %d bytes to %s.", len(content), path)); err != nil {
		return models.Content{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return models.Content{}, fmt.Errorf("creating parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return models.Content{}, fmt.Errorf("writing %s: %w", path, err)
	}
	return models.TextContent(fmt.Sprintf("Wrote %d bytes to %s.", len(content), path)), nil
}

// EditFileTool replaces an exact string occurrence in a file.
type EditFileTool struct{}

func (t *EditFileTool) Name() string { return "edit_file" }

func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. The old string must appear exactly once."
}

func (t *EditFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string"},
			"old_string": map[string]any{"type": "string"},
			"new_string": map[string]any{"type": "string"},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any, confirmer Confirmer) (models.Content, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return models.Content{}, err
	}
	oldStr, err := stringArg(args, "old_string")
	if err != nil {
		return models.Content{}, err
	}
	newStr, err := stringArg(args, "new_string")
	if err != nil {
		return models.Content{}, err
	}
	path, err = resolvePath(path)
	if err != nil {
		return models.Content{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.Content{}, fmt.Errorf("reading %s: %w", path, err)
	}
	switch n := strings.Count(string(data), oldStr); {
	case n == 0:
		return models.Content{}, fmt.Errorf("old_string not found in %s", path)
	case n > 1:
		return models.Content{}, fmt.Errorf("old_string appears %d times in %s; provide more context", n, path)
	}

	if err := confirmMutation(ctx, confirmer, "edit_file", path,
		fmt.Sprintf("Replace one occurrence in %s.", path)); err != nil {
		return models.Content{}, err
	}
	updated := strings.Replace(string(data), oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return models.Content{}, fmt.Errorf("writing %s: %w", path, err)
	}
	return models.TextContent(fmt.Sprintf("Edited %s.", path)), nil
}

// DeleteFileTool removes a file.
type DeleteFileTool struct{}

func (t *DeleteFileTool) Name() string { return "delete_file" }

func (t *DeleteFileTool) Description() string {
	return "Delete a file."
}

func (t *DeleteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]any, confirmer Confirmer) (models.Content, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return models.Content{}, err
	}
	path, err = resolvePath(path)
	if err != nil {
		return models.Content{}, err
	}

	if err := confirmMutation(ctx, confirmer, "delete_file", path,
		fmt.Sprintf("Permanently delete %s.", path)); err != nil {
		return models.Content{}, err
	}
	if err := os.Remove(path); err != nil {
		return models.Content{}, fmt.Errorf("deleting %s: %w", path, err)
	}
	return models.TextContent(fmt.Sprintf("Deleted %s.", path)), nil
}

// RegisterBuiltins adds the built-in tool adapters to a registry.
func RegisterBuiltins(r *Registry) {
	r.Register(&ReadFileTool{})
	r.Register(&GrepTool{})
	r.Register(&ReadWebpageTool{})
	r.Register(&ExecuteCommandTool{})
	r.Register(&WriteFileTool{})
	r.Register(&EditFileTool{})
	r.Register(&DeleteFileTool{})
}
