package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/loomhq/loom/events"
)

const wsReadTimeout = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the connection and subscribes it to a session's lifecycle
// events. The stream is one-way; clients only listen.
// GET /v1/ws?session_id=...
func (h *Handler) ServeWS(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("WARN: websocket upgrade failed: %v", err)
		return err
	}

	conn := h.hub.NewConnection(ws, sessionID)
	h.hub.Register(conn)

	go conn.WritePump()
	go h.readPump(conn)

	return nil
}

// readPump drains and discards client frames so pings and close frames are
// processed, unregistering when the peer goes away.
func (h *Handler) readPump(conn *events.Connection) {
	defer func() {
		h.hub.Unregister(conn)
		conn.Conn.Close()
	}()

	_ = conn.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	}
}
