package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/khoj-ai/pipali/pkg/models"
)

// MCPServerRequest is the create/update body for MCP server registrations.
type MCPServerRequest struct {
	Name             string                     `json:"name"`
	Enabled          *bool                      `json:"enabled,omitempty"`
	TransportType    models.MCPTransportType    `json:"transport_type"`
	Path             string                     `json:"path"`
	APIKey           string                     `json:"api_key,omitempty"`
	Env              map[string]string          `json:"env,omitempty"`
	EnabledTools     []string                   `json:"enabled_tools,omitempty"`
	ConfirmationMode models.MCPConfirmationMode `json:"confirmation_mode,omitempty"`
}

func (r *MCPServerRequest) validate() *echo.HTTPError {
	if err := models.ValidateServerName(r.Name); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch r.TransportType {
	case models.MCPTransportStdio, models.MCPTransportHTTP, models.MCPTransportSSE:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid transport_type: must be stdio, http, or sse")
	}
	if strings.TrimSpace(r.Path) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path is required")
	}
	switch r.ConfirmationMode {
	case "", models.MCPConfirmAlways, models.MCPConfirmUnsafeOnly, models.MCPConfirmNever:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid confirmation_mode: must be always, unsafe_only, or never")
	}
	return nil
}

// serverDetail decorates a row with the live connection state.
func (s *Server) serverDetail(m *models.MCPServer) *MCPServerDetail {
	detail := &MCPServerDetail{MCPServer: m}
	if s.mcpManager != nil {
		detail.Connected = s.mcpManager.Connected(m.ID)
		detail.Tools = s.mcpManager.ToolNames(m.ID)
	}
	return detail
}

// createMCPServerHandler handles POST /api/v1/mcp/servers. Enabled servers
// are connected immediately; a failed connection is recorded on the row, not
// returned as an error.
func (s *Server) createMCPServerHandler(c *echo.Context) error {
	var req MCPServerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if herr := req.validate(); herr != nil {
		return herr
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	mode := req.ConfirmationMode
	if mode == "" {
		mode = models.MCPConfirmAlways
	}

	server := &models.MCPServer{
		ID:               uuid.New().String(),
		Name:             req.Name,
		Enabled:          enabled,
		TransportType:    req.TransportType,
		Path:             req.Path,
		APIKey:           req.APIKey,
		Env:              req.Env,
		EnabledTools:     req.EnabledTools,
		ConfirmationMode: mode,
	}
	ctx := c.Request().Context()
	if err := s.store.MCPServers.Create(ctx, server); err != nil {
		return mapStoreError(err)
	}

	s.connectMCPServer(ctx, server)

	created, err := s.store.MCPServers.Get(ctx, server.ID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, s.serverDetail(created))
}

// listMCPServersHandler handles GET /api/v1/mcp/servers.
func (s *Server) listMCPServersHandler(c *echo.Context) error {
	servers, err := s.store.MCPServers.List(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	details := make([]*MCPServerDetail, 0, len(servers))
	for _, m := range servers {
		details = append(details, s.serverDetail(m))
	}
	return c.JSON(http.StatusOK, details)
}

// getMCPServerHandler handles GET /api/v1/mcp/servers/:id.
func (s *Server) getMCPServerHandler(c *echo.Context) error {
	server, err := s.store.MCPServers.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, s.serverDetail(server))
}

// updateMCPServerHandler handles PUT /api/v1/mcp/servers/:id. The connection
// is rebuilt so the new transport settings take effect.
func (s *Server) updateMCPServerHandler(c *echo.Context) error {
	var req MCPServerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if herr := req.validate(); herr != nil {
		return herr
	}

	ctx := c.Request().Context()
	server, err := s.store.MCPServers.Get(ctx, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}

	server.Name = req.Name
	if req.Enabled != nil {
		server.Enabled = *req.Enabled
	}
	server.TransportType = req.TransportType
	server.Path = req.Path
	server.APIKey = req.APIKey
	server.Env = req.Env
	server.EnabledTools = req.EnabledTools
	if req.ConfirmationMode != "" {
		server.ConfirmationMode = req.ConfirmationMode
	}
	if err := s.store.MCPServers.Update(ctx, server); err != nil {
		return mapStoreError(err)
	}

	if s.mcpManager != nil {
		s.mcpManager.Disconnect(server.ID)
	}
	s.connectMCPServer(ctx, server)

	updated, err := s.store.MCPServers.Get(ctx, server.ID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, s.serverDetail(updated))
}

// deleteMCPServerHandler handles DELETE /api/v1/mcp/servers/:id.
func (s *Server) deleteMCPServerHandler(c *echo.Context) error {
	id := c.Param("id")
	if s.mcpManager != nil {
		s.mcpManager.Disconnect(id)
	}
	if err := s.store.MCPServers.Delete(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// reconnectMCPServerHandler handles POST /api/v1/mcp/servers/:id/reconnect.
// Unlike create/update, a failed connection is reported to the caller.
func (s *Server) reconnectMCPServerHandler(c *echo.Context) error {
	if s.mcpManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "MCP manager not available")
	}

	ctx := c.Request().Context()
	server, err := s.store.MCPServers.Get(ctx, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	if !server.Enabled {
		return echo.NewHTTPError(http.StatusConflict, "server is disabled")
	}

	if err := s.mcpManager.Connect(ctx, server); err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	updated, err := s.store.MCPServers.Get(ctx, server.ID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, s.serverDetail(updated))
}

// disconnectMCPServerHandler handles POST /api/v1/mcp/servers/:id/disconnect.
func (s *Server) disconnectMCPServerHandler(c *echo.Context) error {
	server, err := s.store.MCPServers.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	if s.mcpManager != nil {
		s.mcpManager.Disconnect(server.ID)
	}
	return c.JSON(http.StatusOK, s.serverDetail(server))
}

// connectMCPServer attempts a connection for an enabled server. Failures are
// recorded on the row by the manager and logged; registration succeeds
// regardless.
func (s *Server) connectMCPServer(ctx context.Context, server *models.MCPServer) {
	if s.mcpManager == nil || !server.Enabled {
		return
	}
	if err := s.mcpManager.Connect(ctx, server); err != nil {
		s.logger.Warn("MCP server connection failed", "server", server.Name, "error", err)
	}
}
