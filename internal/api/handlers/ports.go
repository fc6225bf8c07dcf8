package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/portway/internal/api/models"
	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/gateway"
)

// AvailablePorts godoc
// @Summary List allocatable public ports
// @Description Every port covered by an enabled spec, minus bound and process-reserved ports
// @Tags ports
// @Produce json
// @Success 200 {array} models.AvailablePortResponse
// @Security ApiKeyAuth
// @Router /ports/available [get]
func (h *Handler) AvailablePorts(c *gin.Context) {
	available := h.gw.Registry().Available()
	out := make([]models.AvailablePortResponse, 0, len(available))
	for _, p := range available {
		out = append(out, models.AvailablePortResponse{Port: p.Port, Kind: p.Kind, Source: p.Source})
	}
	c.JSON(http.StatusOK, out)
}

// ActivePorts godoc
// @Summary List active port bindings
// @Description Live bindings with session-pool and flow counts
// @Tags ports
// @Produce json
// @Success 200 {array} models.ActiveBindingResponse
// @Security ApiKeyAuth
// @Router /ports/active [get]
func (h *Handler) ActivePorts(c *gin.Context) {
	bindings := h.gw.Table().Bindings()
	out := make([]models.ActiveBindingResponse, 0, len(bindings))
	for _, b := range bindings {
		pending, idle, multiplex := b.Pool().Counts()
		out = append(out, models.ActiveBindingResponse{
			PublicPort:        b.PublicPort,
			LocalPort:         b.LocalPort,
			Protocol:          string(b.Protocol),
			MappingID:         b.MappingID,
			CreatedAt:         b.CreatedAt,
			PendingConns:      pending,
			IdleSessions:      idle,
			MultiplexSessions: multiplex,
			UDPFlows:          b.FlowCount(),
		})
	}
	c.JSON(http.StatusOK, out)
}

// AllocatePort godoc
// @Summary Allocate a public port
// @Description Rents a public port for an agent mapping and brings its listeners up atomically
// @Tags ports
// @Accept json
// @Produce json
// @Param request body models.AllocateRequest true "Allocation request"
// @Success 200 {object} models.AllocateResponse
// @Failure 400 {object} models.AllocateResponse
// @Security ApiKeyAuth
// @Router /ports/allocate [post]
func (h *Handler) AllocatePort(c *gin.Context) {
	var req models.AllocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.AllocateResponse{Success: false, Message: err.Error()})
		return
	}

	proto, err := config.ParseProtocol(req.Protocol)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.AllocateResponse{Success: false, Message: err.Error()})
		return
	}
	if req.LocalPort < 1 || req.LocalPort > 65535 {
		c.JSON(http.StatusBadRequest, models.AllocateResponse{
			Success: false, Message: "local_port must be 1..65535",
		})
		return
	}

	b, err := h.gw.Table().Allocate(req.LocalPort, req.PreferredPort, proto, c.GetHeader("X-Mapping-ID"))
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, gateway.ErrNoPortAvailable) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, models.AllocateResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.AllocateResponse{
		Success:    true,
		PublicPort: b.PublicPort,
		Protocol:   string(b.Protocol),
	})
}

// ReleaseMapping godoc
// @Summary Release a mapping's public port
// @Description Tears down the binding for an agent local port; idempotent
// @Tags ports
// @Produce json
// @Param local_port path int true "Agent local port"
// @Success 200 {object} models.StatusResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /ports/mapping/{local_port} [delete]
func (h *Handler) ReleaseMapping(c *gin.Context) {
	localPort, err := strconv.Atoi(c.Param("local_port"))
	if err != nil || localPort < 1 || localPort > 65535 {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid local port"})
		return
	}

	h.gw.Table().Release(localPort)
	c.JSON(http.StatusOK, models.StatusResponse{Status: "released"})
}
