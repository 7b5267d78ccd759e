package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/khoj-ai/pipali/pkg/models"
)

// grepMaxMatches bounds the result size handed back to the model.
const grepMaxMatches = 200

// GrepTool searches file contents under a directory with a regular
// expression. Searches under sensitive paths require confirmation.
type GrepTool struct{}

func (t *GrepTool) Name() string { return "grep_files" }

func (t *GrepTool) Description() string {
	return "Search file contents under a directory with a regular expression. " +
		"Returns matching lines as path:line:text."
}

func (t *GrepTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regular expression to search for"},
			"path":    map[string]any{"type": "string", "description": "Directory to search under"},
			"glob":    map[string]any{"type": "string", "description": "Optional filename glob filter, e.g. *.md"},
		},
		"required": []string{"pattern", "path"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any, confirmer Confirmer) (models.Content, error) {
	pattern, err := stringArg(args, "pattern")
	if err != nil {
		return models.Content{}, err
	}
	dir, err := stringArg(args, "path")
	if err != nil {
		return models.Content{}, err
	}
	dir = ExpandHome(dir)

	re, err := regexp.Compile(pattern)
	if err != nil {
		return models.Content{}, fmt.Errorf("invalid pattern: %w", err)
	}

	if isSensitivePath(dir) {
		if err := confirmSensitive(ctx, confirmer, "grep_sensitive_path", dir,
			fmt.Sprintf("The agent wants to search %s, which may contain credentials.", dir)); err != nil {
			return models.Content{}, err
		}
	}

	glob, _ := args["glob"].(string)

	var matches []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			if ok, _ := filepath.Match(glob, d.Name()); !ok {
				return nil
			}
		}
		if len(matches) >= grepMaxMatches {
			return filepath.SkipAll
		}
		matches = append(matches, grepFile(path, re, grepMaxMatches-len(matches))...)
		return nil
	})
	if err != nil {
		return models.Content{}, err
	}

	if len(matches) == 0 {
		return models.TextContent("No matches found."), nil
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= grepMaxMatches {
		out += fmt.Sprintf("\n... (stopped after %d matches)", grepMaxMatches)
	}
	return models.TextContent(out), nil
}

func grepFile(path string, re *regexp.Regexp, budget int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() && len(out) < budget {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			out = append(out, fmt.Sprintf("%s:%d:%s", path, lineNo, line))
		}
	}
	return out
}
