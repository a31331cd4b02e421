package v1

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const defaultErrorHistoryLimit = 50

func (h *APIHandlers) globalErrorHistory(c *gin.Context) {
	h.renderErrorHistory(c, "")
}

func (h *APIHandlers) runErrorHistory(c *gin.Context) {
	h.renderErrorHistory(c, c.Param("workflowId"))
}

// renderErrorHistory serves the history report, or a CSV/JSON export when
// ?format= is present.
func (h *APIHandlers) renderErrorHistory(c *gin.Context, workflowID string) {
	if format := c.Query("format"); format != "" {
		data, contentType, err := h.workflowService.ExportErrorHistory(workflowID, format)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, contentType, data)
		return
	}

	limit := defaultErrorHistoryLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	c.JSON(http.StatusOK, h.workflowService.ErrorHistory(workflowID, limit))
}
