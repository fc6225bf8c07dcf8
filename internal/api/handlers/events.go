package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/portway/internal/api/models"
)

// Events godoc
// @Summary Fabric event log
// @Description Recent allocation, release, and session events, newest first
// @Tags system
// @Produce json
// @Param limit query int false "Maximum events to return (default 100)"
// @Success 200 {array} history.Event
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /events [get]
func (h *Handler) Events(c *gin.Context) {
	if h.hist == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	events, err := h.hist.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}
