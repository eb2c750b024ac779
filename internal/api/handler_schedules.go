package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pillnow-orchestrator/internal/schedule"
)

// GetSchedules handles the GET /api/schedules request, serving the
// sweeper's latest snapshot with locally derived statuses.
func (h *Handler) GetSchedules(c *gin.Context) {
	views := h.schedules.Snapshot()
	if views == nil {
		views = []schedule.View{}
	}
	c.JSON(http.StatusOK, views)
}
