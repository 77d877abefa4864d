// Package http exposes the chat/task API over gin, streams completions as
// newline-delimited JSON, and serves the push protocol over SSE and
// WebSocket.
package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay/internal/broadcast"
	"relay/internal/config"
	"relay/internal/conversation"
	"relay/internal/engine"
	"relay/internal/logging"
	"relay/internal/preparer"
	"relay/internal/registry"
)

// Deps carries the wired components the handlers depend on.
type Deps struct {
	Config      *config.Config
	Store       *conversation.Store
	Detector    *conversation.Detector
	Reconciler  *conversation.Reconciler
	Preparer    *preparer.Preparer
	Engine      *engine.Engine
	Registry    *registry.Registry
	Broadcaster *broadcast.Broadcaster
	Logger      logging.Logger
}

// NewRouter assembles the gin engine with middleware and all routes.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logging.OrNop(deps.Logger)))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Correlation-Id"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	h := newAPIHandler(deps)

	router.GET("/healthz", h.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.POST("/chats", h.handleCreateChat)
		api.GET("/chats", h.handleListChats)
		api.GET("/chats/:id", h.handleGetChat)
		api.DELETE("/chats/:id", h.handleDeleteChat)
		api.POST("/chats/:id/messages", h.handleAppendMessage)
		api.GET("/chats/:id/turns/:turnID/raw", h.handleGetRawTurn)
		api.POST("/chats/:id/stream", h.handleStreamChat)

		api.POST("/tasks", h.handleCreateTask)
		api.GET("/tasks/:id", h.handleGetTask)
		api.POST("/tasks/:id/status", h.handleReportTaskStatus)
		api.POST("/tasks/:id/cancel", h.handleCancelTask)

		api.POST("/tools/refresh", h.handleRefreshTools)
		api.GET("/tools", h.handleListTools)

		api.GET("/events", h.handleSSE)
		api.GET("/ws", h.handleWebSocket)
	}

	return router
}

// requestLogger records method, path, status and latency per request.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
