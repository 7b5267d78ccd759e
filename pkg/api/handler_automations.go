package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/khoj-ai/pipali/pkg/models"
)

// AutomationRequest is the create/update body for automations.
type AutomationRequest struct {
	Name                 string              `json:"name"`
	Prompt               string              `json:"prompt"`
	TriggerType          *models.TriggerType `json:"trigger_type,omitempty"`
	TriggerConfig        json.RawMessage     `json:"trigger_config,omitempty"`
	MaxExecutionsPerHour *int                `json:"max_executions_per_hour,omitempty"`
	MaxExecutionsPerDay  *int                `json:"max_executions_per_day,omitempty"`
}

func (r *AutomationRequest) validate() *echo.HTTPError {
	if r.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if r.Prompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	if r.TriggerType != nil {
		switch *r.TriggerType {
		case models.TriggerCron, models.TriggerFileWatch:
		default:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid trigger_type: must be cron or file_watch")
		}
		if len(r.TriggerConfig) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "trigger_config is required when trigger_type is set")
		}
	}
	return nil
}

// createAutomationHandler handles POST /api/v1/automations.
func (s *Server) createAutomationHandler(c *echo.Context) error {
	var req AutomationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if herr := req.validate(); herr != nil {
		return herr
	}

	a := &models.Automation{
		ID:                   uuid.New().String(),
		UserID:               s.userID,
		Name:                 req.Name,
		Prompt:               req.Prompt,
		TriggerType:          req.TriggerType,
		TriggerConfig:        req.TriggerConfig,
		Status:               models.AutomationActive,
		MaxExecutionsPerHour: req.MaxExecutionsPerHour,
		MaxExecutionsPerDay:  req.MaxExecutionsPerDay,
	}
	ctx := c.Request().Context()
	if err := s.store.Automations.Create(ctx, a); err != nil {
		return mapStoreError(err)
	}

	// Trigger installation validates the schedule or watch paths; a bad
	// config must not leave a half-created automation behind.
	if err := s.installTriggers(ctx, a); err != nil {
		_ = s.store.Automations.Delete(ctx, a.ID)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	created, err := s.store.Automations.Get(ctx, a.ID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// listAutomationsHandler handles GET /api/v1/automations.
func (s *Server) listAutomationsHandler(c *echo.Context) error {
	automations, err := s.store.Automations.List(c.Request().Context(), s.userID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, automations)
}

// getAutomationHandler handles GET /api/v1/automations/:id.
func (s *Server) getAutomationHandler(c *echo.Context) error {
	a, err := s.store.Automations.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// updateAutomationHandler handles PUT /api/v1/automations/:id. Triggers are
// reinstalled when the automation is active.
func (s *Server) updateAutomationHandler(c *echo.Context) error {
	var req AutomationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if herr := req.validate(); herr != nil {
		return herr
	}

	ctx := c.Request().Context()
	a, err := s.store.Automations.Get(ctx, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}

	a.Name = req.Name
	a.Prompt = req.Prompt
	a.TriggerType = req.TriggerType
	a.TriggerConfig = req.TriggerConfig
	a.MaxExecutionsPerHour = req.MaxExecutionsPerHour
	a.MaxExecutionsPerDay = req.MaxExecutionsPerDay
	if err := s.store.Automations.Update(ctx, a); err != nil {
		return mapStoreError(err)
	}

	s.removeTriggers(a.ID)
	if a.Status == models.AutomationActive {
		if err := s.installTriggers(ctx, a); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	updated, err := s.store.Automations.Get(ctx, a.ID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// deleteAutomationHandler handles DELETE /api/v1/automations/:id.
func (s *Server) deleteAutomationHandler(c *echo.Context) error {
	id := c.Param("id")
	s.removeTriggers(id)
	if s.executor != nil {
		s.executor.Abort(id)
	}
	if err := s.store.Automations.Delete(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// enableAutomationHandler handles POST /api/v1/automations/:id/enable.
func (s *Server) enableAutomationHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	a, err := s.store.Automations.Get(ctx, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	if err := s.store.Automations.SetStatus(ctx, a.ID, models.AutomationActive); err != nil {
		return mapStoreError(err)
	}
	a.Status = models.AutomationActive
	if err := s.installTriggers(ctx, a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	updated, err := s.store.Automations.Get(ctx, a.ID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// disableAutomationHandler handles POST /api/v1/automations/:id/disable.
// Uninstalls triggers and aborts any in-flight execution.
func (s *Server) disableAutomationHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	a, err := s.store.Automations.Get(ctx, c.Param("id"))
	if err != nil {
		return mapStoreError(err)
	}
	if err := s.store.Automations.SetStatus(ctx, a.ID, models.AutomationDisabled); err != nil {
		return mapStoreError(err)
	}
	s.removeTriggers(a.ID)
	if s.executor != nil {
		s.executor.Abort(a.ID)
	}

	updated, err := s.store.Automations.Get(ctx, a.ID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// triggerAutomationHandler handles POST /api/v1/automations/:id/trigger: a
// manual run, subject to the same rate limits and mutual exclusion as
// scheduled fires.
func (s *Server) triggerAutomationHandler(c *echo.Context) error {
	if s.executor == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "automation executor not available")
	}
	if _, err := s.store.Automations.Get(c.Request().Context(), c.Param("id")); err != nil {
		return mapStoreError(err)
	}

	trigger, _ := json.Marshal(map[string]any{
		"trigger":  "manual",
		"fired_at": time.Now().UTC().Format(time.RFC3339),
	})
	exec, err := s.executor.Enqueue(c.Request().Context(), c.Param("id"), trigger)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusAccepted, &TriggerResponse{
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
	})
}

// listExecutionsHandler handles GET /api/v1/automations/:id/executions.
func (s *Server) listExecutionsHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.Automations.Get(ctx, c.Param("id")); err != nil {
		return mapStoreError(err)
	}

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	execs, err := s.store.Executions.ListByAutomation(ctx, c.Param("id"), limit)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, execs)
}

// installTriggers installs the automation's trigger with the scheduler or
// file watcher. Automations without a trigger type fire manually only.
func (s *Server) installTriggers(ctx context.Context, a *models.Automation) error {
	if a.TriggerType == nil {
		return nil
	}
	switch *a.TriggerType {
	case models.TriggerCron:
		if s.cron == nil {
			return nil
		}
		return s.cron.Schedule(ctx, a)
	case models.TriggerFileWatch:
		if s.watcher == nil {
			return nil
		}
		return s.watcher.Watch(a)
	}
	return nil
}

func (s *Server) removeTriggers(automationID string) {
	if s.cron != nil {
		s.cron.Remove(automationID)
	}
	if s.watcher != nil {
		s.watcher.Remove(automationID)
	}
}
