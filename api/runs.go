package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/engine"
)

// executeRequest is the body of POST /v1/runs/execute.
type executeRequest struct {
	RunID     string            `json:"run_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	AgentType string            `json:"agent_type,omitempty"`
	Prompt    string            `json:"prompt"`
	Options   map[string]string `json:"options,omitempty"`
}

// summaryChunkSize is the SSE chunking granularity for the final output.
const summaryChunkSize = 256

// ExecuteRun runs one turn and streams the result as text/event-stream:
// a "start" event with the run id, "output" events carrying summary chunks,
// then a "done" event with the terminal run, or an "error" event.
// POST /v1/runs/execute
func (h *Handler) ExecuteRun(c echo.Context) error {
	var req executeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "prompt is required"})
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	in := engine.ExecuteInput{
		RunID:     req.RunID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		AgentType: req.AgentType,
		Prompt:    req.Prompt,
		Options:   req.Options,
	}

	run, err := h.engine.Execute(c.Request().Context(), in)
	if err != nil {
		log.Printf("ERROR: execute run: %v", err)
		writeSSE(resp, "error", map[string]string{"error": err.Error()})
		return nil
	}

	writeSSE(resp, "start", map[string]string{
		"run_id":     run.RunID,
		"session_id": run.SessionID,
	})
	for _, chunk := range chunkString(run.Output, summaryChunkSize) {
		writeSSE(resp, "output", map[string]string{"text": chunk})
	}
	writeSSE(resp, "done", run)
	return nil
}

func writeSSE(resp *echo.Response, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: marshal sse payload: %v", err)
		return
	}
	fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data)
	resp.Flush()
}

func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}

// runStatusResponse is the body of GET /v1/runs/:run_id.
type runStatusResponse struct {
	Run   *domain.Run    `json:"run"`
	Tasks []*domain.Task `json:"tasks"`
}

// GetRun returns a run and its task statuses.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, tasks, err := h.engine.Status(ctx, runID)
	if err != nil {
		var nerr *domain.RunNotFoundError
		if errors.As(err, &nerr) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		log.Printf("ERROR: get run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get run"})
	}

	return c.JSON(http.StatusOK, runStatusResponse{Run: run, Tasks: tasks})
}

// CancelRun cancels a run and cascades to its tasks.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.engine.Cancel(ctx, runID)
	if err != nil {
		var nerr *domain.RunNotFoundError
		if errors.As(err, &nerr) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		}
		log.Printf("ERROR: cancel run: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to cancel run"})
	}

	return c.JSON(http.StatusOK, map[string]any{"run": run})
}
