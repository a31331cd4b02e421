package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"foreman/internal/workflows"
)

type validateWorkflowRequest struct {
	Definition json.RawMessage `json:"definition" binding:"required"`
}

type startWorkflowRequest struct {
	Inputs map[string]interface{} `json:"inputs"`
}

// registerWorkflowRoutes wires definition-level endpoints.
func (h *APIHandlers) registerWorkflowRoutes(group *gin.RouterGroup) {
	group.GET("", h.listWorkflows)
	group.POST("/validate", h.validateWorkflow)
	group.POST("/:name/start", h.startWorkflow)
}

func (h *APIHandlers) listWorkflows(c *gin.Context) {
	defs := h.workflowService.ListDefinitions()
	c.JSON(http.StatusOK, gin.H{
		"workflows": defs,
		"count":     len(defs),
	})
}

// definitionBytes accepts either an embedded YAML/JSON string or an inline
// JSON object as the definition payload.
func definitionBytes(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s)
	}
	return []byte(raw)
}

func (h *APIHandlers) validateWorkflow(c *gin.Context) {
	var req validateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid validate payload"})
		return
	}

	_, validation, err := h.workflowService.ValidateDefinition(definitionBytes(req.Definition))
	status := http.StatusOK
	if errors.Is(err, workflows.ErrValidation) {
		status = http.StatusBadRequest
	}

	c.JSON(status, gin.H{"validation": validation})
}

func (h *APIHandlers) startWorkflow(c *gin.Context) {
	name := c.Param("name")

	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" { // empty body allowed
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start payload"})
		return
	}

	result, err := h.workflowService.StartWorkflow(c.Request.Context(), name, req.Inputs)
	if err != nil {
		renderEngineError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}
