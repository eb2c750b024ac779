package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pillnow-orchestrator/internal/model"
)

// GetContainers handles the GET /api/containers request. Containers that
// have never seen an alarm are reported as idle so the response always
// covers the full dispenser.
func (h *Handler) GetContainers(c *gin.Context) {
	known := make(map[int]model.ContainerState)
	for _, s := range h.states.States() {
		known[s.Container] = s
	}

	response := make([]model.ContainerState, 0, model.NumContainers)
	for n := 1; n <= model.NumContainers; n++ {
		if s, ok := known[n]; ok {
			response = append(response, s)
			continue
		}
		response = append(response, model.ContainerState{
			Container: n,
			Phase:     model.PhaseIdle,
		})
	}

	c.JSON(http.StatusOK, response)
}

// GetContainerResult handles the GET /api/containers/{container}/result
// request, returning the most recent verification outcome for a container.
func (h *Handler) GetContainerResult(c *gin.Context) {
	container, err := strconv.Atoi(c.Param("container"))
	if err != nil || container < 1 || container > model.NumContainers {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid container number"})
		return
	}

	result := h.states.LatestResult(container)
	if result == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no verification result for this container"})
		return
	}

	c.JSON(http.StatusOK, result)
}
