// Package api provides the HTTP/JSON control plane for the gateway: port
// rental for agents, binding inspection, configuration editing, fabric
// statistics, the event log, and Prometheus metrics, served by gin.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jroosing/portway/internal/api/handlers"
	"github.com/jroosing/portway/internal/api/middleware"
	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/gateway"
	"github.com/jroosing/portway/internal/history"
	"github.com/jroosing/portway/internal/metrics"
)

// Server is the gateway's control-plane HTTP server.
//
// Security note: the fabric assumes trusted infrastructure; set an API key
// before exposing the control plane beyond it.
type Server struct {
	cfg        *config.GatewayConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New wires the control plane over a running gateway. The history store
// and metrics may be nil.
func New(cfg *config.GatewayConfig, configPath string, gw *gateway.Gateway, hist *history.Store, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(cfg, configPath, gw, hist, logger)
	RegisterRoutes(engine, h, cfg, m)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.WebPort))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer}
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve runs the server on an existing listener, for tests and callers
// that manage the socket.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
