package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/jroosing/portway/internal/api/handlers"
	"github.com/jroosing/portway/internal/api/middleware"
	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/metrics"

	_ "github.com/jroosing/portway/internal/api/docs" // swagger docs
)

func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.GatewayConfig, m *metrics.Metrics) {
	// Swagger UI at /swagger/*
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	if m != nil {
		r.GET("/metrics", m.Handler())
	}

	api := r.Group("/api/v1")

	// Optional API key protection.
	if cfg != nil && cfg.Server.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.Server.APIKey))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/events", h.Events)

	api.GET("/ports/available", h.AvailablePorts)
	api.GET("/ports/active", h.ActivePorts)
	api.POST("/ports/allocate", h.AllocatePort)
	api.DELETE("/ports/mapping/:local_port", h.ReleaseMapping)

	api.GET("/config", h.GetConfig)
	api.POST("/config", h.PutConfig)
}
