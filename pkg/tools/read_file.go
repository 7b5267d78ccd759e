package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/khoj-ai/pipali/pkg/models"
)

// DefaultReadLimit is the number of lines returned when the caller does not
// window a text read.
const DefaultReadLimit = 50

var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ReadFileTool reads text files (with line windowing), images (as base64
// parts), and binary documents (via the extractors). Reads under sensitive
// paths require confirmation.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file. Text files are windowed by offset/limit (default " +
		"50 lines); images are returned inline; PDF, DOCX and XLSX documents " +
		"are converted to text."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string", "description": "Absolute or ~-relative file path"},
			"offset": map[string]any{"type": "integer", "description": "1-based first line to return"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to return"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any, confirmer Confirmer) (models.Content, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return models.Content{}, err
	}
	path, err = resolvePath(path)
	if err != nil {
		return models.Content{}, err
	}

	if isSensitivePath(path) {
		if err := confirmSensitive(ctx, confirmer, "read_sensitive_file", path,
			fmt.Sprintf("The agent wants to read %s, which may contain credentials.", path)); err != nil {
			return models.Content{}, err
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if mime, ok := imageMIMETypes[ext]; ok {
		return readImage(path, mime)
	}
	if isDocumentExt(ext) {
		text, err := extractDocument(ctx, path)
		if err != nil {
			return models.Content{}, err
		}
		return models.TextContent(windowText(text, intArg(args, "offset", 1), intArg(args, "limit", DefaultReadLimit))), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return models.Content{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return models.TextContent(windowText(string(data), intArg(args, "offset", 1), intArg(args, "limit", DefaultReadLimit))), nil
}

func readImage(path, mime string) (models.Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Content{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return models.MultiContent([]models.Part{{
		Type: models.PartTypeImage,
		MIME: mime,
		Data: base64.StdEncoding.EncodeToString(data),
	}}), nil
}

// windowText returns lines [offset, offset+limit) of text with a truncation
// notice when more lines remain. offset is 1-based.
func windowText(text string, offset, limit int) string {
	lines := strings.Split(text, "\n")
	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if offset > len(lines) {
		return fmt.Sprintf("(file has only %d lines)", len(lines))
	}
	end := offset - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}
	out := strings.Join(lines[offset-1:end], "\n")
	if end < len(lines) {
		out += fmt.Sprintf("\n... (truncated: showing lines %d-%d of %d; pass offset=%d to continue)",
			offset, end, len(lines), end+1)
	}
	return out
}

// resolvePath expands ~ and, when the exact path does not exist, retries the
// final component case-insensitively within its parent directory.
func resolvePath(path string) (string, error) {
	path = ExpandHome(path)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("file not found: %s", path)
	}
	for _, entry := range entries {
		if strings.EqualFold(entry.Name(), base) {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("file not found: %s", path)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
