package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const heartbeatInterval = 30 * time.Second

// handleSSE serves the push protocol over Server-Sent Events: one long-lived
// connection per subscribed id, each event framed as
// "event: <name>\ndata: <envelope>\n\n".
func (h *apiHandler) handleSSE(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		badRequest(c, "id query parameter required")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		internalError(c, "streaming unsupported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ch := h.deps.Broadcaster.Subscribe(id)
	defer h.deps.Broadcaster.CloseChannel(ch, "subscriber disconnected")

	if _, err := fmt.Fprintf(c.Writer, "event: connected\ndata: {\"id\":%q}\n\n", id); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-ch.Events():
			if !open {
				return
			}
			data, err := json.Marshal(event.Envelope)
			if err != nil {
				h.logger.Error("failed to serialize event for %s: %v", id, err)
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Name, data); err != nil {
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			return
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket serves the same push protocol over a WebSocket, one JSON
// frame per event: {"event": <name>, "envelope": {...}}.
func (h *apiHandler) handleWebSocket(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		badRequest(c, "id query parameter required")
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed for %s: %v", id, err)
		return
	}
	defer func() { _ = conn.Close() }()

	ch := h.deps.Broadcaster.Subscribe(id)
	defer h.deps.Broadcaster.CloseChannel(ch, "subscriber disconnected")

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	type frame struct {
		Event    string `json:"event"`
		Envelope any    `json:"envelope"`
	}

	for {
		select {
		case event, open := <-ch.Events():
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "complete"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(frame{Event: event.Name, Envelope: event.Envelope}); err != nil {
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}

		case <-c.Request.Context().Done():
			return
		}
	}
}
