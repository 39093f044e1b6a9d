package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ListAgents returns the capabilities of every registered agent.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"agents": h.agents.List(),
	})
}

// ListPricing returns the active price sheet.
// GET /v1/pricing
func (h *Handler) ListPricing(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"pricing": h.pricing.List(),
	})
}
