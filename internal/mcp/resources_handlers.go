package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) handleWorkflowsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	definitions := s.workflowService.ListDefinitions()

	response := map[string]interface{}{
		"total_count":  len(definitions),
		"workflows":    definitions,
		"resource_uri": "foreman://workflows",
		"timestamp":    time.Now(),
	}

	jsonData, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflows: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:  request.Params.URI,
			Text: string(jsonData),
		},
	}, nil
}

func (s *Server) handleRunsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	runs := s.workflowService.ListInstances()

	response := map[string]interface{}{
		"total_count":  len(runs),
		"runs":         runs,
		"resource_uri": "foreman://runs",
		"timestamp":    time.Now(),
	}

	jsonData, err := json.MarshalIndent(response, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal runs: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:  request.Params.URI,
			Text: string(jsonData),
		},
	}, nil
}
