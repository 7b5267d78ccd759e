package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/khoj-ai/pipali/pkg/storage"
)

// maxImportBytes caps trajectory import payloads at 32 MiB.
const maxImportBytes = 32 << 20

// exportTrajectoryHandler handles GET /api/v1/conversations/:id/export.
// Returns the conversation as an ATIF trajectory document.
func (s *Server) exportTrajectoryHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	data, err := s.trajectories.ExportJSON(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}

	c.Response().Header().Set("Content-Disposition", `attachment; filename="trajectory-`+id+`.json"`)
	return c.Blob(http.StatusOK, "application/json", data)
}

// importTrajectoryHandler handles POST /api/v1/conversations/import. The
// body is an ATIF trajectory document; a new conversation is materialized
// from it.
func (s *Server) importTrajectoryHandler(c *echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxImportBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(body) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "trajectory document is required")
	}
	if len(body) > maxImportBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "trajectory document exceeds 32 MiB")
	}

	conv, err := s.trajectories.ImportJSON(c.Request().Context(), s.userID, body)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return mapStoreError(err)
		}
		// Decode and validation failures are client errors; keep the
		// message, it names the offending field or step.
		if strings.Contains(err.Error(), "decoding trajectory") ||
			strings.Contains(err.Error(), "invalid trajectory") {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return mapStoreError(err)
	}

	return c.JSON(http.StatusCreated, conv)
}
