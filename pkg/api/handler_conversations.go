package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/khoj-ai/pipali/pkg/session"
)

// listConversationsHandler handles GET /api/v1/conversations.
func (s *Server) listConversationsHandler(c *echo.Context) error {
	conversations, err := s.store.Conversations.List(c.Request().Context(), s.userID)
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, conversations)
}

// getConversationHandler handles GET /api/v1/conversations/:id. Returns the
// conversation with its full trajectory.
func (s *Server) getConversationHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	conv, err := s.store.Conversations.Get(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}
	steps, err := s.trajectories.Steps(c.Request().Context(), id)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &ConversationDetail{Conversation: conv, Steps: steps})
}

// deleteConversationHandler handles DELETE /api/v1/conversations/:id. Any
// active run is aborted before the rows go away.
func (s *Server) deleteConversationHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation id is required")
	}

	if sess := s.sessions.Get(id); sess != nil {
		sess.Abort(session.ReasonUserStop)
		s.sessions.Remove(id)
	}

	if err := s.store.Conversations.Delete(c.Request().Context(), id); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// stepParam parses the :step_id route parameter.
func stepParam(c *echo.Context) (int, error) {
	stepID, err := strconv.Atoi(c.Param("step_id"))
	if err != nil || stepID < 1 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid step id")
	}
	return stepID, nil
}

// deleteStepHandler handles DELETE /api/v1/conversations/:id/steps/:step_id.
// Removes a single step.
func (s *Server) deleteStepHandler(c *echo.Context) error {
	stepID, err := stepParam(c)
	if err != nil {
		return err
	}

	deleted, err := s.trajectories.DeleteStep(c.Request().Context(), c.Param("id"), stepID)
	if err != nil {
		return mapStoreError(err)
	}
	if !deleted {
		return echo.NewHTTPError(http.StatusNotFound, "step not found")
	}
	return c.JSON(http.StatusOK, &DeleteStepsResponse{Deleted: 1})
}

// deleteAgentMessageHandler handles
// DELETE /api/v1/conversations/:id/steps/:step_id/message. Removes an agent
// message together with the tool-call steps that produced it.
func (s *Server) deleteAgentMessageHandler(c *echo.Context) error {
	stepID, err := stepParam(c)
	if err != nil {
		return err
	}

	n, err := s.trajectories.DeleteAgentMessage(c.Request().Context(), c.Param("id"), stepID)
	if err != nil {
		return mapStoreError(err)
	}
	if n == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "step not found")
	}
	return c.JSON(http.StatusOK, &DeleteStepsResponse{Deleted: n})
}

// deleteTurnHandler handles
// DELETE /api/v1/conversations/:id/steps/:step_id/turn. Removes a user
// message and everything the agent did in response.
func (s *Server) deleteTurnHandler(c *echo.Context) error {
	stepID, err := stepParam(c)
	if err != nil {
		return err
	}

	n, err := s.trajectories.DeleteTurn(c.Request().Context(), c.Param("id"), stepID)
	if err != nil {
		return mapStoreError(err)
	}
	if n == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "step not found")
	}
	return c.JSON(http.StatusOK, &DeleteStepsResponse{Deleted: n})
}
