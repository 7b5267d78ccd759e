// Package api exposes the HTTP and WebSocket surface: REST endpoints for
// conversations, trajectories, automations, MCP servers, and pending
// confirmations, plus the client channel that carries interactive runs.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/khoj-ai/pipali/pkg/agent"
	"github.com/khoj-ai/pipali/pkg/automation"
	"github.com/khoj-ai/pipali/pkg/config"
	"github.com/khoj-ai/pipali/pkg/mcp"
	"github.com/khoj-ai/pipali/pkg/session"
	"github.com/khoj-ai/pipali/pkg/storage"
	"github.com/khoj-ai/pipali/pkg/tools"
	"github.com/khoj-ai/pipali/pkg/trajectory"
)

// Deps carries everything the server needs. Optional subsystems (MCP
// manager, automation triggers) may be nil; the corresponding endpoints
// then return 503.
type Deps struct {
	Config       *config.Config
	Store        *storage.Store
	Sessions     *session.Manager
	Trajectories *trajectory.Store
	Driver       *agent.Driver
	Registry     *tools.Registry
	MCPManager   *mcp.Manager
	Executor     *automation.Executor
	Cron         *automation.CronScheduler
	Watcher      *automation.FileWatcher
	DurableGate  *automation.DurableGate
	UserID       string
	Logger       *slog.Logger
}

// Server is the HTTP/WebSocket server.
type Server struct {
	cfg          *config.Config
	store        *storage.Store
	sessions     *session.Manager
	trajectories *trajectory.Store
	registry     *tools.Registry
	mcpManager   *mcp.Manager
	executor     *automation.Executor
	cron         *automation.CronScheduler
	watcher      *automation.FileWatcher
	durableGate  *automation.DurableGate
	userID       string
	logger       *slog.Logger

	connManager *ConnectionManager
	echo        *echo.Echo
	httpServer  *http.Server
}

// NewServer wires the routes and the connection manager.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:          deps.Config,
		store:        deps.Store,
		sessions:     deps.Sessions,
		trajectories: deps.Trajectories,
		registry:     deps.Registry,
		mcpManager:   deps.MCPManager,
		executor:     deps.Executor,
		cron:         deps.Cron,
		watcher:      deps.Watcher,
		durableGate:  deps.DurableGate,
		userID:       deps.UserID,
		logger:       logger.With("component", "api"),
	}
	s.connManager = NewConnectionManager(ConnectionDeps{
		Store:        deps.Store,
		Sessions:     deps.Sessions,
		Trajectories: deps.Trajectories,
		Driver:       deps.Driver,
		Registry:     deps.Registry,
		UserID:       deps.UserID,
		Logger:       logger,
	})

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	g := e.Group("/api/v1")

	g.GET("/conversations", s.listConversationsHandler)
	g.GET("/conversations/:id", s.getConversationHandler)
	g.DELETE("/conversations/:id", s.deleteConversationHandler)
	g.DELETE("/conversations/:id/steps/:step_id", s.deleteStepHandler)
	g.DELETE("/conversations/:id/steps/:step_id/message", s.deleteAgentMessageHandler)
	g.DELETE("/conversations/:id/steps/:step_id/turn", s.deleteTurnHandler)

	g.GET("/conversations/:id/export", s.exportTrajectoryHandler)
	g.POST("/conversations/import", s.importTrajectoryHandler)

	g.POST("/automations", s.createAutomationHandler)
	g.GET("/automations", s.listAutomationsHandler)
	g.GET("/automations/:id", s.getAutomationHandler)
	g.PUT("/automations/:id", s.updateAutomationHandler)
	g.DELETE("/automations/:id", s.deleteAutomationHandler)
	g.POST("/automations/:id/enable", s.enableAutomationHandler)
	g.POST("/automations/:id/disable", s.disableAutomationHandler)
	g.POST("/automations/:id/trigger", s.triggerAutomationHandler)
	g.GET("/automations/:id/executions", s.listExecutionsHandler)

	g.POST("/mcp/servers", s.createMCPServerHandler)
	g.GET("/mcp/servers", s.listMCPServersHandler)
	g.GET("/mcp/servers/:id", s.getMCPServerHandler)
	g.PUT("/mcp/servers/:id", s.updateMCPServerHandler)
	g.DELETE("/mcp/servers/:id", s.deleteMCPServerHandler)
	g.POST("/mcp/servers/:id/reconnect", s.reconnectMCPServerHandler)
	g.POST("/mcp/servers/:id/disconnect", s.disconnectMCPServerHandler)

	g.GET("/confirmations", s.listConfirmationsHandler)
	g.POST("/confirmations/:id/respond", s.respondConfirmationHandler)

	s.echo = e
	return s
}

// Start begins serving on the configured address. Blocks until the listener
// closes.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", s.cfg.Addr())
	return s.httpServer.ListenAndServe()
}

// Shutdown drains the HTTP listener and closes all WebSocket connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connManager.CloseAll()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
