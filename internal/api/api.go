// Package api provides the HTTP API server for Foreman
//
// @title Foreman API
// @version 1.0
// @description Foreman is a workflow orchestration engine for AI agents:
// @description definitions are loaded from YAML, instances are driven by
// @description clients pulling steps and pushing results.
//
// @host localhost:8585
// @BasePath /api/v1
// @schemes http https
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	v1 "foreman/internal/api/v1"
	internalconfig "foreman/internal/config"
	"foreman/internal/logging"
	"foreman/internal/services"
	"foreman/internal/version"
)

type Server struct {
	cfg             *internalconfig.Config
	workflowService *services.WorkflowService
	httpServer      *http.Server
	localMode       bool
}

func New(cfg *internalconfig.Config, workflowService *services.WorkflowService, localMode bool) *Server {
	return &Server{
		cfg:             cfg,
		workflowService: workflowService,
		localMode:       localMode,
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	// Create Gin router with minimal middleware
	router := gin.New()
	router.Use(gin.Recovery())

	// Enable CORS for API endpoints
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check endpoint
	router.GET("/health", s.healthCheck)

	// API v1 routes
	v1Group := router.Group("/api/v1")
	apiHandlers := v1.NewAPIHandlers(s.workflowService, s.localMode)
	apiHandlers.RegisterRoutes(v1Group)

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.APIPort),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("API server error: %v", err)
		}
	}()
	logging.Info("API server listening on :%d", s.cfg.APIPort)

	// Wait for context cancellation
	<-ctx.Done()

	logging.Info("Shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "foreman-api",
		"version": version.GetVersion(),
	})
}
