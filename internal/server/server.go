// Package server exposes the engine over HTTP: execution submission and
// inspection endpoints plus a WebSocket relay for the realtime channels.
package server

import (
	"log/slog"
	"net/http"
	"sync"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/internal/engine"
)

// Server implements the HTTP API server for the engine
type Server struct {
	engine  *engine.Engine
	redis   *redis.Client
	logger  *slog.Logger
	sockets map[*Client]struct{}
	mu      sync.Mutex
}

// NewServer creates a new HTTP API server. The redis client backs the
// WebSocket relay's channel subscriptions.
func NewServer(
	eng *engine.Engine, client *redis.Client, logger *slog.Logger,
) *Server {
	return &Server{
		engine:  eng,
		redis:   client,
		logger:  logger,
		sockets: map[*Client]struct{}{},
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return s.logger
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods",
			"GET, POST, PUT, DELETE, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", s.handleHealth)

	exec := router.Group("/executions")
	{
		exec.POST("", s.submitExecution)
		exec.GET("/:executionID", s.getExecution)
		exec.POST("/:executionID/cancel", s.cancelExecution)
		exec.GET("/:executionID/logs", s.getExecutionLogs)
		exec.GET("/:executionID/stats", s.getExecutionStats)
	}

	router.GET("/stats", s.getOrgStats)
	router.POST("/rules/validate", s.validateRule)

	// WebSocket
	router.GET("/ws", s.handleWebSocket)

	return router
}

func (s *Server) registerWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets[c] = struct{}{}
}

func (s *Server) unregisterWebSocket(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sockets, c)
}

// CloseWebSockets closes all active WebSocket connections.
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*Client, 0, len(s.sockets))
	for c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
