package mcp

import (
	"log"

	"github.com/mark3labs/mcp-go/mcp"
)

// setupResources initializes all MCP resources for read-only data access
func (s *Server) setupResources() {
	// Registered workflow definitions resource
	workflowsResource := mcp.NewResource(
		"foreman://workflows",
		"Foreman Workflows",
		mcp.WithResourceDescription("List all registered workflow definitions with their step counts"),
		mcp.WithMIMEType("application/json"),
	)
	s.mcpServer.AddResource(workflowsResource, s.handleWorkflowsResource)

	// Workflow runs resource
	runsResource := mcp.NewResource(
		"foreman://runs",
		"Foreman Workflow Runs",
		mcp.WithResourceDescription("List all workflow runs tracked by the engine with status and progress"),
		mcp.WithMIMEType("application/json"),
	)
	s.mcpServer.AddResource(runsResource, s.handleRunsResource)

	log.Printf("MCP resources setup complete - read-only data access via Resources, operations via Tools")
}
