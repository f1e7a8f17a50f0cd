// Package api provides the REST surface of the fabric: session
// lifecycle, task and veto operations, delegation, and snapshot
// inspection. Authentication is a bearer token resolved to a user id
// by the rbac token validator.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/hivemesh/fabric/internal/delegate"
	"github.com/hivemesh/fabric/internal/metrics"
	"github.com/hivemesh/fabric/internal/rbac"
	"github.com/hivemesh/fabric/internal/session"
	"github.com/hivemesh/fabric/internal/store"
)

// Server is the REST API server
type Server struct {
	router    *gin.Engine
	sessions  *session.Manager
	delegates *delegate.Delegate
	snapshots store.SnapshotStore
	tokens    rbac.TokenValidator
	addr      string
	server    *http.Server
}

// Config contains server configuration
type Config struct {
	Host      string
	Port      int
	Sessions  *session.Manager
	Delegates *delegate.Delegate
	Snapshots store.SnapshotStore
	Tokens    rbac.TokenValidator
}

// NewServer creates an API server
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server := &Server{
		router:    router,
		sessions:  config.Sessions,
		delegates: config.Delegates,
		snapshots: config.Snapshots,
		tokens:    config.Tokens,
		addr:      fmt.Sprintf("%s:%d", config.Host, config.Port),
	}
	server.setupRoutes()
	return server
}

// Router exposes the gin engine. Test use.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until shutdown
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs each request and feeds the API latency
// histogram. The metric label is the route template, not the raw path.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(c.Request.Method, route, strconv.Itoa(statusCode), float64(latency.Milliseconds()))

		logEvent := log.Info()
		if statusCode >= http.StatusInternalServerError {
			logEvent = log.Error()
		} else if statusCode >= http.StatusBadRequest {
			logEvent = log.Warn()
		}
		logEvent.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("API request")
	}
}
