package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/khoj-ai/pipali/pkg/automation"
	"github.com/khoj-ai/pipali/pkg/storage"
	"github.com/khoj-ai/pipali/pkg/trajectory"
)

// mapStoreError maps storage and automation errors to HTTP error responses.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, trajectory.ErrStepNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "step not found")
	}
	if errors.Is(err, trajectory.ErrNotAgentStep) || errors.Is(err, trajectory.ErrNotUserStep) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, storage.ErrDuplicateName) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}
	if errors.Is(err, automation.ErrAlreadyRunning) {
		return echo.NewHTTPError(http.StatusConflict, "automation is already running")
	}
	if errors.Is(err, automation.ErrAutomationInactive) {
		return echo.NewHTTPError(http.StatusConflict, "automation is not active")
	}
	if errors.Is(err, automation.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	}
	if errors.Is(err, automation.ErrAlreadyResolved) {
		return echo.NewHTTPError(http.StatusConflict, "confirmation already resolved")
	}
	if errors.Is(err, automation.ErrConfirmationTimeout) {
		return echo.NewHTTPError(http.StatusGone, "confirmation expired")
	}

	// Unexpected error
	slog.Error("Unexpected storage error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
