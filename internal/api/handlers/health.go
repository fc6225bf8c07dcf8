package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jroosing/portway/internal/api/models"
)

// Health godoc
// @Summary Health check
// @Description Returns gateway health status
// @Tags system
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// Stats godoc
// @Summary Gateway statistics
// @Description Runtime statistics: system CPU and memory, plus fabric counters
// @Tags system
// @Produce json
// @Success 200 {object} models.ServerStatsResponse
// @Security ApiKeyAuth
// @Router /stats [get]
func (h *Handler) Stats(c *gin.Context) {
	uptime := time.Since(h.startTime)

	memStats := models.MemoryStats{}
	if vmStat, err := mem.VirtualMemory(); err == nil {
		memStats.TotalMB = float64(vmStat.Total) / 1024 / 1024
		memStats.FreeMB = float64(vmStat.Available) / 1024 / 1024
		memStats.UsedMB = float64(vmStat.Used) / 1024 / 1024
		memStats.UsedPercent = vmStat.UsedPercent
	}

	cpuStats := models.CPUStats{NumCPU: runtime.NumCPU()}
	if cpuPercent, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		cpuStats.UsedPercent = cpuPercent[0]
		cpuStats.IdlePercent = 100.0 - cpuPercent[0]
	}

	snap := h.gw.Stats().Snapshot()
	resp := models.ServerStatsResponse{
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		StartTime:     h.startTime,
		CPU:           cpuStats,
		Memory:        memStats,
		ActivePorts:   len(h.gw.Table().Bindings()),
		Fabric: models.FabricStatsResponse{
			SessionsAccepted: snap.SessionsAccepted,
			SessionsRejected: snap.SessionsRejected,
			SessionsPaired:   snap.SessionsPaired,
			SessionsClosed:   snap.SessionsClosed,
			ActivePairs:      snap.ActivePairs,
			PendingExpired:   snap.PendingExpired,
			DatagramsIn:      snap.DatagramsIn,
			DatagramsOut:     snap.DatagramsOut,
			DatagramsDropped: snap.DatagramsDropped,
			EnvelopesDropped: snap.EnvelopesDropped,
			FramingErrors:    snap.FramingErrors,
			BytesRelayed:     snap.BytesRelayed,
		},
	}

	c.JSON(http.StatusOK, resp)
}
