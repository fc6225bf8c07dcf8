package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/metrics"
)

// shutdownDrain bounds how long shutdown waits for pumps to flush.
const shutdownDrain = 5 * time.Second

// Gateway owns the public-facing half of the fabric: the registry, the
// mapping table with its listeners, and the data-plane acceptor. All shared
// state lives here and is passed to components explicitly; nothing is kept
// at package scope.
type Gateway struct {
	cfg      *config.GatewayConfig
	logger   *slog.Logger
	registry *PortRegistry
	table    *MappingTable
	stats    *FabricStats
	metrics  *metrics.Metrics
	acceptor *Acceptor
}

// New wires a Gateway from configuration. The events sink may be nil.
func New(cfg *config.GatewayConfig, logger *slog.Logger, m *metrics.Metrics, events EventSink) *Gateway {
	stats := NewFabricStats()
	registry := NewPortRegistry(cfg.PortRanges, cfg.SpecificPorts, cfg.ReservedPorts())
	table := NewMappingTable(registry, logger, stats, m, events)
	acceptor := NewAcceptor(table, logger, stats, m, events)

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		table:    table,
		stats:    stats,
		metrics:  m,
		acceptor: acceptor,
	}
}

// Registry exposes the port registry to the control plane.
func (g *Gateway) Registry() *PortRegistry { return g.registry }

// Table exposes the mapping table to the control plane.
func (g *Gateway) Table() *MappingTable { return g.table }

// Stats exposes the fabric statistics collector.
func (g *Gateway) Stats() *FabricStats { return g.stats }

// Run binds the data-plane listener and serves until the context is
// cancelled, then shuts down gracefully: stop accepting new sessions,
// give pumps the drain window, release every port.
//
// A bind failure at startup is returned immediately (the process exits
// nonzero). Losing the data-plane listener while running is fatal too.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.acceptor.Listen(ctx, g.cfg.Server.Host, g.cfg.Server.DataPlanePort); err != nil {
		return fmt.Errorf("gateway: bind data plane: %w", err)
	}

	grp, runCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return g.acceptor.Run(runCtx)
	})
	grp.Go(func() error {
		<-runCtx.Done()
		g.acceptor.Close()
		return nil
	})

	err := grp.Wait()

	g.logger.Info("gateway draining", "timeout", shutdownDrain)
	done := make(chan struct{})
	go func() {
		g.table.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrain):
		g.logger.Warn("gateway drain timed out; dropping remaining sessions")
	}

	if err != nil {
		return fmt.Errorf("gateway: data plane listener lost: %w", err)
	}
	return nil
}
