// Package agentapi provides the agent's mirror control surface: CRUD over
// port mappings plus start/stop, backed by the agent's persisted JSON
// configuration as the authoritative source.
package agentapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/portway/internal/agent"
	"github.com/jroosing/portway/internal/api/middleware"
	"github.com/jroosing/portway/internal/config"
)

// Server is the agent's local HTTP server.
type Server struct {
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New wires the mirror API over the mapping manager.
func New(cfg *config.AgentConfig, mgr *agent.Manager, logger *slog.Logger) *Server {
	if cfg == nil {
		panic("agentapi.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := &handler{mgr: mgr, logger: logger, startTime: time.Now()}

	api := engine.Group("/api/v1")
	api.GET("/health", h.health)
	api.GET("/status", h.status)
	api.GET("/mappings", h.listMappings)
	api.POST("/mappings", h.addMapping)
	api.PUT("/mappings/:id", h.updateMapping)
	api.DELETE("/mappings/:id", h.deleteMapping)
	api.POST("/mappings/:id/start", h.startMapping)
	api.POST("/mappings/:id/stop", h.stopMapping)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.WebPort))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{logger: logger, engine: engine, httpServer: httpServer}
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
