package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoj-ai/pipali/pkg/models"
	"github.com/khoj-ai/pipali/pkg/trajectory"
)

func TestExportImportRoundTrip(t *testing.T) {
	f := newTestServer(t, nil)
	conv, steps := seedConversation(t, f)

	rec := f.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")

	traj := decodeJSON[models.Trajectory](t, rec)
	assert.Equal(t, trajectory.SchemaVersion, traj.SchemaVersion)
	assert.Equal(t, conv.ID, traj.SessionID)
	require.Len(t, traj.Steps, len(steps))

	// Import the export back as a fresh conversation.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/import",
		bytes.NewReader(rec.Body.Bytes()))
	req.Header.Set("Content-Type", "application/json")
	imported := httptest.NewRecorder()
	f.server.echo.ServeHTTP(imported, req)
	require.Equal(t, http.StatusCreated, imported.Code)

	created := decodeJSON[models.Conversation](t, imported)
	assert.NotEqual(t, conv.ID, created.ID)
	assert.Equal(t, "What's in notes.txt?", created.Title)

	rec = f.do(t, http.MethodGet, "/api/v1/conversations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeJSON[ConversationDetail](t, rec)
	assert.Len(t, detail.Steps, len(steps))
}

func TestExportUnknownConversation(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodGet, "/api/v1/conversations/nope/export", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportRejectsBadSchemaVersion(t *testing.T) {
	f := newTestServer(t, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/conversations/import", map[string]any{
		"schema_version": "SOMETHING-v9",
		"session_id":     "s1",
		"agent":          map[string]string{"name": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "schema version")
}

func TestImportRejectsEmptyBody(t *testing.T) {
	f := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/import", nil)
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportRejectsMalformedJSON(t *testing.T) {
	f := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/import",
		bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
