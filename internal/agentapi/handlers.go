package agentapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/portway/internal/agent"
	"github.com/jroosing/portway/internal/api/models"
	"github.com/jroosing/portway/internal/config"
)

// handler binds the mirror endpoints to the mapping manager.
type handler struct {
	mgr       *agent.Manager
	logger    *slog.Logger
	startTime time.Time
}

// statusResponse is the /status payload.
type statusResponse struct {
	Uptime   string                `json:"uptime"`
	Mappings []agent.MappingStatus `json:"mappings"`
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

func (h *handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
		Mappings: h.mgr.Status(),
	})
}

func (h *handler) listMappings(c *gin.Context) {
	c.JSON(http.StatusOK, h.mgr.Mappings())
}

func (h *handler) addMapping(c *gin.Context) {
	var pm config.PortMapping
	if err := c.ShouldBindJSON(&pm); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	created, err := h.mgr.AddMapping(pm)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *handler) updateMapping(c *gin.Context) {
	var pm config.PortMapping
	if err := c.ShouldBindJSON(&pm); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	pm.ID = c.Param("id")

	if err := h.mgr.UpdateMapping(pm); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: "updated"})
}

func (h *handler) deleteMapping(c *gin.Context) {
	if err := h.mgr.DeleteMapping(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: "deleted"})
}

func (h *handler) startMapping(c *gin.Context) {
	if err := h.mgr.StartMapping(c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: "started"})
}

func (h *handler) stopMapping(c *gin.Context) {
	if err := h.mgr.StopMapping(c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: "stopped"})
}
