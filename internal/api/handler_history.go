package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pillnow-orchestrator/internal/model"
)

// GetHistory handles the GET /api/history request, listing recent dose
// cycles. Optional query params: container (1..3), limit.
func (h *Handler) GetHistory(c *gin.Context) {
	container := 0
	if raw := c.Query("container"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > model.NumContainers {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid container number"})
			return
		}
		container = n
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		limit = n
	}

	cycles, err := h.store.RecentCycles(c.Request.Context(), container, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve dose history"})
		return
	}

	if cycles == nil {
		cycles = []model.DoseCycle{}
	}
	c.JSON(http.StatusOK, cycles)
}
