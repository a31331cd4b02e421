package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"foreman/internal/workflows/runtime"
)

// Workflow Definition Handlers

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitions := s.workflowService.ListDefinitions()

	result, _ := json.MarshalIndent(map[string]interface{}{
		"workflows": definitions,
		"count":     len(definitions),
	}, "", "  ")

	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleValidateWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definition, err := request.RequireString("definition")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'definition' parameter: %v", err)), nil
	}

	def, validation, parseErr := s.workflowService.ValidateDefinition([]byte(definition))

	resultMap := map[string]interface{}{
		"valid":      parseErr == nil,
		"validation": validation,
	}
	if def != nil {
		resultMap["name"] = def.Name
	}

	result, _ := json.MarshalIndent(resultMap, "", "  ")
	return mcp.NewToolResultText(string(result)), nil
}

// Workflow Run Handlers

func (s *Server) handleStartWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'name' parameter: %v", err)), nil
	}

	inputs, _ := request.GetArguments()["inputs"].(map[string]interface{})

	started, err := s.workflowService.StartWorkflow(ctx, name, inputs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start workflow: %v", err)), nil
	}

	result, _ := json.MarshalIndent(map[string]interface{}{
		"run":     started,
		"message": fmt.Sprintf("Workflow run started with ID: %s", started.WorkflowID),
	}, "", "  ")

	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleGetNextStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'workflow_id' parameter: %v", err)), nil
	}

	batch, err := s.workflowService.GetNextStep(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get next step: %v", err)), nil
	}

	result, _ := json.MarshalIndent(batch, "", "  ")
	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleGetNextSubAgentStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'workflow_id' parameter: %v", err)), nil
	}

	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'task_id' parameter: %v", err)), nil
	}

	step, err := s.workflowService.GetNextSubAgentStep(ctx, workflowID, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get next sub-agent step: %v", err)), nil
	}

	result, _ := json.MarshalIndent(step, "", "  ")
	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleSubmitStepResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'workflow_id' parameter: %v", err)), nil
	}

	stepID, err := request.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'step_id' parameter: %v", err)), nil
	}

	taskID := request.GetString("task_id", "")
	stepResult, _ := request.GetArguments()["result"].(map[string]interface{})

	ack, err := s.workflowService.SubmitStepResult(ctx, workflowID, taskID, stepID, stepResult)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit step result: %v", err)), nil
	}

	result, _ := json.MarshalIndent(ack, "", "  ")
	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleGetWorkflowStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'workflow_id' parameter: %v", err)), nil
	}

	report, err := s.workflowService.Status(workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Workflow run not found: %v", err)), nil
	}

	result, _ := json.MarshalIndent(report, "", "  ")
	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleListWorkflowRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := request.GetString("status", "")

	runs := s.workflowService.ListInstances()
	if status != "" {
		filtered := make([]runtime.Summary, 0, len(runs))
		for _, run := range runs {
			if string(run.Status) == status {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}

	result, _ := json.MarshalIndent(map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	}, "", "  ")

	return mcp.NewToolResultText(string(result)), nil
}

func (s *Server) handleCancelWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := request.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Missing 'workflow_id' parameter: %v", err)), nil
	}

	reason := request.GetString("reason", "")

	status, err := s.workflowService.Cancel(workflowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel workflow run: %v", err)), nil
	}

	result, _ := json.MarshalIndent(map[string]interface{}{
		"workflow_id": workflowID,
		"status":      status,
		"message":     "Workflow run cancelled",
	}, "", "  ")

	return mcp.NewToolResultText(string(result)), nil
}

// Error History Handlers

func (s *Server) handleGetErrorHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := request.GetString("workflow_id", "")
	format := request.GetString("format", "")
	limit := request.GetInt("limit", 50)

	if format != "" {
		data, _, err := s.workflowService.ExportErrorHistory(workflowID, format)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to export error history: %v", err)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}

	report := s.workflowService.ErrorHistory(workflowID, limit)
	result, _ := json.MarshalIndent(report, "", "  ")
	return mcp.NewToolResultText(string(result)), nil
}
