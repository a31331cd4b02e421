package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"foreman/internal/services"
	"foreman/internal/workflows"
)

type APIHandlers struct {
	workflowService *services.WorkflowService
	localMode       bool
}

func NewAPIHandlers(workflowService *services.WorkflowService, localMode bool) *APIHandlers {
	return &APIHandlers{
		workflowService: workflowService,
		localMode:       localMode,
	}
}

// RegisterRoutes wires all v1 endpoints onto the group.
func (h *APIHandlers) RegisterRoutes(group *gin.RouterGroup) {
	workflowGroup := group.Group("/workflows")
	h.registerWorkflowRoutes(workflowGroup)

	runGroup := group.Group("/runs")
	h.registerRunRoutes(runGroup)

	group.GET("/errors", h.globalErrorHistory)
}

// renderEngineError maps a typed engine error onto an HTTP status. Unknown
// error shapes become 500s without leaking internals beyond the message.
func renderEngineError(c *gin.Context, err error) {
	engineErr, ok := workflows.AsError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch engineErr.Code {
	case workflows.ErrCodeNotFound:
		status = http.StatusNotFound
	case workflows.ErrCodeInvalidInput, workflows.ErrCodeValidation, workflows.ErrCodeInvalidPath:
		status = http.StatusBadRequest
	case workflows.ErrCodeCircuitOpen:
		status = http.StatusServiceUnavailable
	default:
		// Terminal workflow failures surfaced on poll or submit.
		status = http.StatusConflict
	}

	body := gin.H{
		"error": engineErr.Message,
		"code":  engineErr.Code,
	}
	if engineErr.StepID != "" {
		body["step_id"] = engineErr.StepID
	}
	if len(engineErr.Data) > 0 {
		body["data"] = engineErr.Data
	}
	c.JSON(status, body)
}
