package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/portway/internal/api/models"
	"github.com/jroosing/portway/internal/config"
)

// GetConfig godoc
// @Summary Get gateway configuration
// @Description Returns the persisted gateway configuration
// @Tags config
// @Produce json
// @Success 200 {object} config.GatewayConfig
// @Security ApiKeyAuth
// @Router /config [get]
func (h *Handler) GetConfig(c *gin.Context) {
	h.mu.Lock()
	snapshot := *h.cfg
	h.mu.Unlock()
	snapshot.Server.APIKey = "" // never echo the secret
	c.JSON(http.StatusOK, snapshot)
}

// PutConfig godoc
// @Summary Update gateway configuration
// @Description Validates, persists, and applies a full configuration. Port specs take
// @Description effect immediately; edits to the listen ports are ignored and the running ports are kept.
// @Tags config
// @Accept json
// @Produce json
// @Param config body config.GatewayConfig true "Configuration"
// @Success 200 {object} models.StatusResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /config [post]
func (h *Handler) PutConfig(c *gin.Context) {
	var incoming config.GatewayConfig
	if err := c.ShouldBindJSON(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if err := incoming.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Listen ports are fixed for the process lifetime; accept edits to
	// everything else.
	incoming.Server.WebPort = h.cfg.Server.WebPort
	incoming.Server.DataPlanePort = h.cfg.Server.DataPlanePort
	if incoming.Server.APIKey == "" {
		incoming.Server.APIKey = h.cfg.Server.APIKey
	}

	if h.configPath != "" {
		if err := incoming.Save(h.configPath); err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
			return
		}
	}

	*h.cfg = incoming
	h.gw.Registry().SetSpecs(incoming.PortRanges, incoming.SpecificPorts)
	h.logger.Info("configuration updated",
		"port_ranges", len(incoming.PortRanges), "specific_ports", len(incoming.SpecificPorts))

	c.JSON(http.StatusOK, models.StatusResponse{Status: "saved"})
}
