// Package handlers implements the control-plane endpoint handlers.
//
// @title Portway Gateway API
// @version 1.0
// @description Control plane for the Portway reverse tunneling gateway:
// @description public port rental, binding inspection, configuration, and
// @description the fabric event log.
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/gateway"
	"github.com/jroosing/portway/internal/history"
)

// Handler contains dependencies for control-plane handlers.
type Handler struct {
	cfg        *config.GatewayConfig
	configPath string
	logger     *slog.Logger
	startTime  time.Time

	gw   *gateway.Gateway
	hist *history.Store

	// mu serializes configuration edits; the data plane reads its own
	// structures, never this config.
	mu sync.Mutex
}

// New creates a Handler. The history store may be nil when the event log
// is disabled.
func New(cfg *config.GatewayConfig, configPath string, gw *gateway.Gateway, hist *history.Store, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		startTime:  time.Now(),
		gw:         gw,
		hist:       hist,
	}
}
