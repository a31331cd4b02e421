package mcp

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"foreman/internal/services"
	"foreman/internal/version"
)

type Server struct {
	mcpServer       *server.MCPServer
	httpServer      *server.StreamableHTTPServer
	workflowService *services.WorkflowService
	localMode       bool
}

func NewServer(workflowService *services.WorkflowService, localMode bool) *Server {
	// Create MCP server using the official mcp-go library
	mcpServer := server.NewMCPServer(
		"Foreman MCP Server",
		version.GetVersion(),
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithRecovery(),
	)

	// Create streamable HTTP server
	httpServer := server.NewStreamableHTTPServer(mcpServer)

	s := &Server{
		mcpServer:       mcpServer,
		httpServer:      httpServer,
		workflowService: workflowService,
		localMode:       localMode,
	}

	// Setup the server capabilities
	s.setupTools()
	s.setupResources()

	return s
}

func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("Starting MCP server using streamable HTTP transport on %s", addr)
	log.Printf("MCP endpoint will be available at http://localhost:%d/mcp", port)

	if err := s.httpServer.Start(addr); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// StartStdio starts the MCP server using stdio transport
func (s *Server) StartStdio(ctx context.Context) error {
	log.Printf("Starting MCP server using stdio transport")

	// Use the mcp-go ServeStdio convenience function
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP stdio server error: %w", err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("MCP server shutting down...")

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("MCP HTTP server shutdown: %w", err)
		}
	}

	log.Println("MCP server shutdown complete")
	return nil
}
