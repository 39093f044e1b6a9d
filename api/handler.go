// Package api provides the HTTP surface for the run orchestrator.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/cost"
	"github.com/loomhq/loom/engine"
	"github.com/loomhq/loom/events"
	"github.com/loomhq/loom/store"
)

// Handler handles HTTP requests.
type Handler struct {
	engine  *engine.Engine
	store   store.Store
	agents  *agent.Registry
	pricing *cost.PricingRegistry
	hub     *events.Hub
}

// NewHandler creates a new handler. hub may be nil when the websocket stream
// is not exposed.
func NewHandler(eng *engine.Engine, st store.Store, agents *agent.Registry, pricing *cost.PricingRegistry, hub *events.Hub) *Handler {
	return &Handler{
		engine:  eng,
		store:   st,
		agents:  agents,
		pricing: pricing,
		hub:     hub,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs/execute", h.ExecuteRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)

	e.GET("/v1/sessions/:session_id/messages", h.GetSessionMessages)

	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/pricing", h.ListPricing)

	if h.hub != nil {
		e.GET("/v1/ws", h.ServeWS)
	}

	e.GET("/healthz", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
