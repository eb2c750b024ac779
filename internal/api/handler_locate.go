package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pillnow-orchestrator/internal/parse"
)

// StartLocate handles POST /api/locate, sounding the dispenser's locate
// buzzer so an elder can find the device.
func (h *Handler) StartLocate(c *gin.Context) {
	if err := h.device.Send(parse.CmdLocate); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "dispenser is not connected"})
		return
	}
	c.Status(http.StatusAccepted)
}

// StopLocate handles DELETE /api/locate.
func (h *Handler) StopLocate(c *gin.Context) {
	if err := h.device.Send(parse.CmdStopLocate); err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "dispenser is not connected"})
		return
	}
	c.Status(http.StatusAccepted)
}
