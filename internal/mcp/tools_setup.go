package mcp

import (
	"log"

	"github.com/mark3labs/mcp-go/mcp"
)

// setupTools initializes all MCP tools for operations with side effects
func (s *Server) setupTools() {
	// Workflow definition tools
	listWorkflowsTool := mcp.NewTool("list_workflows",
		mcp.WithDescription("List all registered workflow definitions"),
	)
	s.mcpServer.AddTool(listWorkflowsTool, s.handleListWorkflows)

	validateWorkflowTool := mcp.NewTool("validate_workflow",
		mcp.WithDescription("Validate a YAML workflow definition without registering it"),
		mcp.WithString("definition", mcp.Required(), mcp.Description("Workflow definition in YAML")),
	)
	s.mcpServer.AddTool(validateWorkflowTool, s.handleValidateWorkflow)

	// Workflow run tools (the agent-facing pull loop)
	startWorkflowTool := mcp.NewTool("start_workflow",
		mcp.WithDescription("Start a new run of a registered workflow definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Name of the workflow definition to start")),
		mcp.WithObject("inputs", mcp.Description("Input values declared by the workflow")),
	)
	s.mcpServer.AddTool(startWorkflowTool, s.handleStartWorkflow)

	getNextStepTool := mcp.NewTool("get_next_step",
		mcp.WithDescription("Pull the next batch of client-facing steps; server-side steps are executed before returning"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run")),
	)
	s.mcpServer.AddTool(getNextStepTool, s.handleGetNextStep)

	getNextSubAgentStepTool := mcp.NewTool("get_next_sub_agent_step",
		mcp.WithDescription("Pull the next step for one parallel_foreach task, for sub-agents polling their own lane"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the sub-agent task")),
	)
	s.mcpServer.AddTool(getNextSubAgentStepTool, s.handleGetNextSubAgentStep)

	submitStepResultTool := mcp.NewTool("submit_step_result",
		mcp.WithDescription("Submit the result of a dispatched step and advance the run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the step being reported")),
		mcp.WithString("task_id", mcp.Description("Sub-agent task ID when reporting a task-scoped step")),
		mcp.WithObject("result", mcp.Description("Step result payload (status, response, exit_code, ...)")),
	)
	s.mcpServer.AddTool(submitStepResultTool, s.handleSubmitStepResult)

	getWorkflowStatusTool := mcp.NewTool("get_workflow_status",
		mcp.WithDescription("Get the status, progress and state snapshot of a workflow run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run")),
	)
	s.mcpServer.AddTool(getWorkflowStatusTool, s.handleGetWorkflowStatus)

	listWorkflowRunsTool := mcp.NewTool("list_workflow_runs",
		mcp.WithDescription("List workflow runs tracked by the engine"),
		mcp.WithString("status", mcp.Description("Filter runs by status (running, blocked, completed, failed, cancelled)")),
	)
	s.mcpServer.AddTool(listWorkflowRunsTool, s.handleListWorkflowRuns)

	cancelWorkflowTool := mcp.NewTool("cancel_workflow",
		mcp.WithDescription("Cancel a workflow run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run to cancel")),
		mcp.WithString("reason", mcp.Description("Optional reason recorded with the cancellation")),
	)
	s.mcpServer.AddTool(cancelWorkflowTool, s.handleCancelWorkflow)

	// Error history tool
	getErrorHistoryTool := mcp.NewTool("get_error_history",
		mcp.WithDescription("Get tracked error records with a summary, per run or across all runs"),
		mcp.WithString("workflow_id", mcp.Description("Restrict the report to one workflow run")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records to return (default: 50)")),
		mcp.WithString("format", mcp.Description("Export format: json or csv; omit for the inline report")),
	)
	s.mcpServer.AddTool(getErrorHistoryTool, s.handleGetErrorHistory)

	log.Printf("MCP tools setup complete - workflow operations exposed as tools")
}
