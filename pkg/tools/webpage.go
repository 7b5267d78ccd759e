package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/khoj-ai/pipali/pkg/models"
)

// webpageMaxBytes caps the body handed back to the model.
const webpageMaxBytes = 512 * 1024

// ReadWebpageTool fetches a URL. Internal targets (localhost, private
// ranges, the cloud metadata endpoint) require confirmation, since the
// agent could otherwise be steered into probing the local network.
type ReadWebpageTool struct {
	// Client defaults to a 30s-timeout client.
	Client *http.Client
}

func (t *ReadWebpageTool) Name() string { return "read_webpage" }

func (t *ReadWebpageTool) Description() string {
	return "Fetch a web page over HTTP(S) and return its body as text."
}

func (t *ReadWebpageTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "URL to fetch"},
		},
		"required": []string{"url"},
	}
}

func (t *ReadWebpageTool) Execute(ctx context.Context, args map[string]any, confirmer Confirmer) (models.Content, error) {
	rawURL, err := stringArg(args, "url")
	if err != nil {
		return models.Content{}, err
	}

	if isInternalURL(rawURL) {
		if err := confirmSensitive(ctx, confirmer, "fetch_internal_url", rawURL,
			fmt.Sprintf("The agent wants to fetch %s, which targets an internal address.", rawURL)); err != nil {
			return models.Content{}, err
		}
	}

	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Content{}, fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.Content{}, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webpageMaxBytes))
	if err != nil {
		return models.Content{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return models.Content{}, fmt.Errorf("fetching %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return models.TextContent(string(body)), nil
}
