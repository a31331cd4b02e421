package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type submitStepResultRequest struct {
	StepID string                 `json:"step_id" binding:"required"`
	TaskID string                 `json:"task_id"`
	Result map[string]interface{} `json:"result"`
}

type cancelWorkflowRequest struct {
	Reason string `json:"reason"`
}

// registerRunRoutes wires instance-level endpoints. Next-step pulls are POSTs
// since they advance the instance (forfeits, server-internal execution).
func (h *APIHandlers) registerRunRoutes(group *gin.RouterGroup) {
	group.GET("", h.listRuns)
	group.GET("/:workflowId", h.getRunStatus)
	group.POST("/:workflowId/next", h.getNextStep)
	group.POST("/:workflowId/tasks/:taskId/next", h.getNextSubAgentStep)
	group.POST("/:workflowId/results", h.submitStepResult)
	group.POST("/:workflowId/cancel", h.cancelRun)
	group.GET("/:workflowId/errors", h.runErrorHistory)
}

func (h *APIHandlers) listRuns(c *gin.Context) {
	instances := h.workflowService.ListInstances()
	c.JSON(http.StatusOK, gin.H{
		"runs":  instances,
		"count": len(instances),
	})
}

func (h *APIHandlers) getRunStatus(c *gin.Context) {
	status, err := h.workflowService.Status(c.Param("workflowId"))
	if err != nil {
		renderEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *APIHandlers) getNextStep(c *gin.Context) {
	batch, err := h.workflowService.GetNextStep(c.Request.Context(), c.Param("workflowId"))
	if err != nil {
		renderEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *APIHandlers) getNextSubAgentStep(c *gin.Context) {
	step, err := h.workflowService.GetNextSubAgentStep(c.Request.Context(),
		c.Param("workflowId"), c.Param("taskId"))
	if err != nil {
		renderEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, step)
}

func (h *APIHandlers) submitStepResult(c *gin.Context) {
	var req submitStepResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid step result payload"})
		return
	}

	ack, err := h.workflowService.SubmitStepResult(c.Request.Context(),
		c.Param("workflowId"), req.TaskID, req.StepID, req.Result)
	if err != nil {
		renderEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (h *APIHandlers) cancelRun(c *gin.Context) {
	var req cancelWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" { // empty body allowed
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cancel payload"})
		return
	}

	workflowID := c.Param("workflowId")
	status, err := h.workflowService.Cancel(workflowID, req.Reason)
	if err != nil {
		renderEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": workflowID,
		"status":      status,
		"message":     "Workflow cancelled",
	})
}
