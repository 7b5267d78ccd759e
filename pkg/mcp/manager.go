package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/storage"
	"github.com/khoj-ai/pipali/pkg/tools"
	"github.com/khoj-ai/pipali/pkg/version"
)

// NameSeparator joins a server name and its tool name into the namespaced
// identifier the model calls ("<server>__<tool>").
const NameSeparator = "__"

// chromeDevtoolsHint is appended to connect failures for the chrome-devtools
// server, whose most common failure mode is Chrome not listening on the
// remote debugging port.
const chromeDevtoolsHint = " (hint: start Chrome with --remote-debugging-port=9222 before connecting)"

type connection struct {
	server    *models.MCPServer
	session   *mcpsdk.ClientSession
	toolNames []string
}

// Manager owns the live MCP sessions and keeps the tool registry in sync
// with what each connected server advertises.
type Manager struct {
	repo     *storage.MCPServerRepo
	registry *tools.Registry
	logger   *slog.Logger

	mu          sync.Mutex
	connections map[string]*connection
}

// NewManager creates a manager over the server repo and tool registry.
func NewManager(repo *storage.MCPServerRepo, registry *tools.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:        repo,
		registry:    registry,
		logger:      logger.With("component", "mcp_manager"),
		connections: make(map[string]*connection),
	}
}

// Connect establishes (or re-establishes) a session to one server, lists its
// tools, and registers them under namespaced names. The attempt's outcome is
// recorded on the server row either way.
func (m *Manager) Connect(ctx context.Context, server *models.MCPServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A reconnect replaces the prior session wholesale.
	m.closeLocked(server.ID)

	session, err := m.dial(ctx, server)
	if err != nil {
		if server.Name == "chrome-devtools" && strings.Contains(err.Error(), "connect") {
			err = fmt.Errorf("%w%s", err, chromeDevtoolsHint)
		}
		if recErr := m.repo.RecordConnection(ctx, server.ID, err); recErr != nil {
			m.logger.Error("Failed to record connection error", "server", server.Name, "error", recErr)
		}
		return fmt.Errorf("connecting to %s: %w", server.Name, err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		if recErr := m.repo.RecordConnection(ctx, server.ID, err); recErr != nil {
			m.logger.Error("Failed to record connection error", "server", server.Name, "error", recErr)
		}
		return fmt.Errorf("listing tools on %s: %w", server.Name, err)
	}

	conn := &connection{server: server, session: session}
	for _, t := range listed.Tools {
		if !server.ToolAllowed(t.Name) {
			continue
		}
		mt, err := newMCPTool(m, server, t)
		if err != nil {
			m.logger.Warn("Skipping tool with unusable schema",
				"server", server.Name, "tool", t.Name, "error", err)
			continue
		}
		m.registry.Register(mt)
		conn.toolNames = append(conn.toolNames, mt.Name())
	}
	m.connections[server.ID] = conn

	if err := m.repo.RecordConnection(ctx, server.ID, nil); err != nil {
		m.logger.Error("Failed to record connection", "server", server.Name, "error", err)
	}
	m.logger.Info("Connected to MCP server",
		"server", server.Name, "transport", server.TransportType, "tools", len(conn.toolNames))
	return nil
}

func (m *Manager) dial(ctx context.Context, server *models.MCPServer) (*mcpsdk.ClientSession, error) {
	transport, err := buildTransport(server)
	if err != nil {
		return nil, err
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	return client.Connect(ctx, transport, nil)
}

// ConnectAll connects every enabled server. Individual failures are logged
// and recorded, never fatal: one broken server must not block startup.
func (m *Manager) ConnectAll(ctx context.Context) error {
	servers, err := m.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("listing MCP servers: %w", err)
	}
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		if err := m.Connect(ctx, server); err != nil {
			m.logger.Warn("MCP server connection failed", "server", server.Name, "error", err)
		}
	}
	return nil
}

// Disconnect closes a server's session and unregisters its tools.
func (m *Manager) Disconnect(serverID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(serverID)
}

// Connected reports whether a server currently has a live session.
func (m *Manager) Connected(serverID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.connections[serverID]
	return ok
}

// ToolNames returns the namespaced tool names a connected server registered.
// Nil when the server has no live session.
func (m *Manager) ToolNames(serverID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[serverID]
	if !ok {
		return nil
	}
	return append([]string(nil), conn.toolNames...)
}

// CallTool forwards a call to the named server's session.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	m.mu.Lock()
	conn, ok := m.connections[serverID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("server not connected")
	}
	return conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.connections {
		m.closeLocked(id)
	}
}

func (m *Manager) closeLocked(serverID string) {
	conn, ok := m.connections[serverID]
	if !ok {
		return
	}
	for _, name := range conn.toolNames {
		m.registry.Unregister(name)
	}
	if err := conn.session.Close(); err != nil {
		m.logger.Debug("Error closing MCP session", "server", conn.server.Name, "error", err)
	}
	delete(m.connections, serverID)
}

// schemaToMap converts the SDK's schema representation (raw JSON or a typed
// schema value) into the map form the registry exposes.
func schemaToMap(schema any) (map[string]any, error) {
	if schema == nil {
		return map[string]any{"type": "object"}, nil
	}
	raw, ok := schema.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("marshaling tool schema: %w", err)
		}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing tool schema: %w", err)
	}
	return out, nil
}
