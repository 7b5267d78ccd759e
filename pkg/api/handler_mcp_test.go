package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/models"
)

// mcpBody returns a disabled stdio server registration; disabled keeps the
// handlers from launching a real subprocess.
func mcpBody(name string) map[string]any {
	return map[string]any{
		"name":           name,
		"enabled":        false,
		"transport_type": "stdio",
		"path":           "/usr/local/bin/" + name,
	}
}

func createMCPServer(t *testing.T, f *apiFixture, body map[string]any) MCPServerDetail {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/mcp/servers", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeJSON[MCPServerDetail](t, rec)
}

func TestCreateMCPServer(t *testing.T) {
	f := newTestServer(t, nil)

	detail := createMCPServer(t, f, mcpBody("filesystem"))
	assert.NotEmpty(t, detail.ID)
	assert.Equal(t, "filesystem", detail.Name)
	assert.False(t, detail.Enabled)
	assert.False(t, detail.Connected)
	assert.Equal(t, models.MCPConfirmAlways, detail.ConfirmationMode)

	rec := f.do(t, http.MethodGet, "/api/v1/mcp/servers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeJSON[[]*MCPServerDetail](t, rec), 1)
}

func TestCreateMCPServerValidation(t *testing.T) {
	f := newTestServer(t, nil)

	body := mcpBody("Bad Name!")
	rec := f.do(t, http.MethodPost, "/api/v1/mcp/servers", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = mcpBody("ok")
	body["transport_type"] = "carrier-pigeon"
	rec = f.do(t, http.MethodPost, "/api/v1/mcp/servers", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = mcpBody("ok")
	body["path"] = ""
	rec = f.do(t, http.MethodPost, "/api/v1/mcp/servers", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A whitespace-only path would have no command to launch.
	body = mcpBody("ok")
	body["path"] = "   "
	rec = f.do(t, http.MethodPost, "/api/v1/mcp/servers", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = mcpBody("ok")
	body["confirmation_mode"] = "sometimes"
	rec = f.do(t, http.MethodPost, "/api/v1/mcp/servers", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateMCPServerDuplicateName(t *testing.T) {
	f := newTestServer(t, nil)
	createMCPServer(t, f, mcpBody("twin"))

	rec := f.do(t, http.MethodPost, "/api/v1/mcp/servers", mcpBody("twin"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateMCPServer(t *testing.T) {
	f := newTestServer(t, nil)
	detail := createMCPServer(t, f, mcpBody("renamed"))

	body := mcpBody("renamed")
	body["confirmation_mode"] = "unsafe_only"
	rec := f.do(t, http.MethodPut, "/api/v1/mcp/servers/"+detail.ID, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.MCPConfirmUnsafeOnly,
		decodeJSON[MCPServerDetail](t, rec).ConfirmationMode)

	rec = f.do(t, http.MethodPut, "/api/v1/mcp/servers/missing", mcpBody("x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteMCPServer(t *testing.T) {
	f := newTestServer(t, nil)
	detail := createMCPServer(t, f, mcpBody("doomed"))

	rec := f.do(t, http.MethodDelete, "/api/v1/mcp/servers/"+detail.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/mcp/servers/"+detail.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconnectDisabledMCPServer(t *testing.T) {
	f := newTestServer(t, nil)
	detail := createMCPServer(t, f, mcpBody("offline"))

	rec := f.do(t, http.MethodPost, "/api/v1/mcp/servers/"+detail.ID+"/reconnect", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDisconnectMCPServer(t *testing.T) {
	f := newTestServer(t, nil)
	detail := createMCPServer(t, f, mcpBody("idle"))

	rec := f.do(t, http.MethodPost, "/api/v1/mcp/servers/"+detail.ID+"/disconnect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeJSON[MCPServerDetail](t, rec).Connected)
}
