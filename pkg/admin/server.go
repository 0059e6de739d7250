// Package admin exposes a thin read-only HTTP surface over a running
// pipelexd: health, Prometheus metrics, and a single run's status. Grounded
// on the teacher's pkg/api/server.go, narrowed from a full jobs/executions/
// cluster CRUD API (spec.md §1 excludes a reporting/CRUD surface beyond the
// interfaces it names) to the three endpoints SPEC_FULL names.
package admin

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipelex/pkg/admin/middleware"
	"pipelex/pkg/auth"
	"pipelex/pkg/history"
)

// Server is the admin HTTP surface.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	store      history.Store
}

// Config holds admin server configuration.
type Config struct {
	Port        string
	Store       history.Store
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
	AuthEnabled bool
	ServiceName string
}

// NewServer builds the admin server with the teacher's standard middleware
// stack (request ID, security headers, HTTP metrics, rate limiting, body
// size limit).
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "pipelexd"
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(serviceName))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	if cfg.AuthEnabled {
		router.Use(middleware.AuthMiddleware(middleware.AuthConfig{
			JWTService:  cfg.JWTService,
			APIKeyStore: cfg.APIKeyStore,
			SkipPaths:   []string{"/healthz", "/metrics"},
		}))
	}

	s := &Server{router: router, store: cfg.Store}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/runs/:run_id", s.getRun)
}

// Start begins listening for HTTP requests; blocks until Shutdown or a
// listener error.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin: start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	healthy := s.store != nil
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) getRun(c *gin.Context) {
	runIDStr := c.Param("run_id")
	var runID int64
	if _, err := fmt.Sscanf(runIDStr, "%d", &runID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id must be an integer"})
		return
	}

	run, jobs, err := s.store.GetRun(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found", "detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"run":  run,
		"jobs": jobs,
	})
}
