package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/khoj-ai/pipali/pkg/models"
)

// ConfirmationResponseRequest is the POST /confirmations/:id/respond body.
type ConfirmationResponseRequest struct {
	SelectedOptionID string `json:"selected_option_id"`
	Guidance         string `json:"guidance,omitempty"`
}

// listConfirmationsHandler handles GET /api/v1/confirmations: durable
// confirmations from automation runs still awaiting an answer.
func (s *Server) listConfirmationsHandler(c *echo.Context) error {
	if s.durableGate == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "confirmation gate not available")
	}
	pending, err := s.durableGate.Pending(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, pending)
}

// respondConfirmationHandler handles POST /api/v1/confirmations/:id/respond.
func (s *Server) respondConfirmationHandler(c *echo.Context) error {
	if s.durableGate == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "confirmation gate not available")
	}

	var req ConfirmationResponseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch req.SelectedOptionID {
	case models.OptionYes, models.OptionYesDontAsk, models.OptionNo:
	case models.OptionGuidance:
		if req.Guidance == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "guidance text is required for the guidance option")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid selected_option_id")
	}

	if err := s.durableGate.Respond(c.Request().Context(), c.Param("id"), req.SelectedOptionID, req.Guidance); err != nil {
		return mapStoreError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
