// Package mcp manages pluggable MCP tool servers: transports, connection
// lifecycle, and the namespaced tool catalog exposed to the agent.
package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/khoj-ai/pipali/pkg/models"
)

// shellPathTimeout bounds the login-shell PATH probe at stdio launch.
const shellPathTimeout = 5 * time.Second

// buildTransport creates an MCP SDK transport for a server record.
func buildTransport(server *models.MCPServer) (mcpsdk.Transport, error) {
	switch server.TransportType {
	case models.MCPTransportStdio:
		return buildStdioTransport(server)
	case models.MCPTransportHTTP:
		transport := &mcpsdk.StreamableClientTransport{Endpoint: server.Path}
		if server.APIKey != "" {
			transport.HTTPClient = bearerClient(server.APIKey)
		}
		return transport, nil
	case models.MCPTransportSSE:
		transport := &mcpsdk.SSEClientTransport{Endpoint: server.Path}
		if server.APIKey != "" {
			transport.HTTPClient = bearerClient(server.APIKey)
		}
		return transport, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", server.TransportType)
	}
}

func buildStdioTransport(server *models.MCPServer) (*mcpsdk.CommandTransport, error) {
	if strings.TrimSpace(server.Path) == "" {
		return nil, fmt.Errorf("stdio transport requires a command path")
	}

	name, args := parseStdioCommand(server.Path)
	cmd := exec.Command(name, args...)

	// GUI-launched processes inherit a minimal PATH; resolve the login
	// shell's PATH once so package runners and dev tools are found.
	env := os.Environ()
	if path := loginShellPath(); path != "" {
		env = append(env, "PATH="+path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, "HOME="+home)
	}
	for k, v := range server.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// parseStdioCommand maps a server path to a launch command:
//
//   - "@scope/pkg" or any token without "/"  → package runner (-y <pkg>)
//   - "*.py"                                 → python3
//   - "*.js" / "*.ts" / "*.mjs"              → bun run
//   - anything else                          → treat as an executable line
func parseStdioCommand(path string) (string, []string) {
	fields := strings.Fields(path)
	first, rest := fields[0], fields[1:]

	if strings.HasPrefix(first, "@") || !strings.Contains(first, "/") {
		return "npx", append([]string{"-y", first}, rest...)
	}
	switch {
	case strings.HasSuffix(first, ".py"):
		return "python3", fields
	case strings.HasSuffix(first, ".js"), strings.HasSuffix(first, ".ts"), strings.HasSuffix(first, ".mjs"):
		return "bun", append([]string{"run"}, fields...)
	}
	return first, rest
}

var (
	shellPathOnce  sync.Once
	shellPathValue string
)

// loginShellPath queries the user's login shell for its PATH, once per
// process. Returns "" when the probe fails; callers fall back to the
// inherited environment.
func loginShellPath() string {
	shellPathOnce.Do(func() {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		ctx, cancel := context.WithTimeout(context.Background(), shellPathTimeout)
		defer cancel()
		out, err := exec.CommandContext(ctx, shell, "-l", "-c", "echo $PATH").Output()
		if err != nil {
			return
		}
		shellPathValue = strings.TrimSpace(string(out))
	})
	return shellPathValue
}

func bearerClient(token string) *http.Client {
	return &http.Client{
		Transport: &bearerTokenTransport{base: http.DefaultTransport, token: token},
	}
}

// bearerTokenTransport adds an Authorization header to every request.
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
