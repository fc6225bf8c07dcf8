// Command gateway runs the public-facing half of the Portway relay: the
// data-plane acceptor, the public port listeners, and the control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jroosing/portway/internal/api"
	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/gateway"
	"github.com/jroosing/portway/internal/history"
	"github.com/jroosing/portway/internal/logging"
	"github.com/jroosing/portway/internal/metrics"
)

// DefaultConfigPath is the default location for the gateway configuration.
const DefaultConfigPath = "gateway.json"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath    string
	host          string
	webPort       int
	dataPlanePort int
	jsonLogs      bool
	debug         bool
	noHistory     bool
}

// parseFlags parses command-line flags and returns the values.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", DefaultConfigPath, "Path to gateway JSON config file")
	flag.StringVar(&f.host, "host", "", "Override bind host")
	flag.IntVar(&f.webPort, "web-port", 0, "Override control-plane port")
	flag.IntVar(&f.dataPlanePort, "data-plane-port", 0, "Override data-plane port")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.noHistory, "no-history", false, "Disable the SQLite event log")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the config.
// These never persist back to the file.
func applyCLIOverrides(cfg *config.GatewayConfig, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.webPort != 0 {
		cfg.Server.WebPort = f.webPort
	}
	if f.dataPlanePort != 0 {
		cfg.Server.DataPlanePort = f.dataPlanePort
	}
	if f.jsonLogs {
		cfg.Logging.JSON = true
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
	if f.noHistory {
		cfg.History.Enabled = false
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.LoadGateway(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:     cfg.Logging.Level,
		JSON:      cfg.Logging.JSON,
		Component: "gateway",
	})
	logger.Info("portway gateway starting",
		"config", flags.configPath,
		"host", cfg.Server.Host,
		"web_port", cfg.Server.WebPort,
		"data_plane_port", cfg.Server.DataPlanePort,
		"port_ranges", len(cfg.PortRanges),
		"specific_ports", len(cfg.SpecificPorts),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var events gateway.EventSink
	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		defer hist.Close()
		events = func(kind string, publicPort int, detail string) {
			if recordErr := hist.Record(context.Background(), kind, publicPort, detail); recordErr != nil {
				logger.Warn("event log write failed", "err", recordErr)
			}
		}
	}

	m := metrics.New("portway")
	gw := gateway.New(cfg, logger, m, events)

	apiSrv := api.New(cfg, flags.configPath, gw, hist, m, logger)
	logger.Info("control plane starting", "addr", apiSrv.Addr())

	go func() {
		serveErr := apiSrv.ListenAndServe()
		if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
			return
		}
		logger.Error("control plane error", "err", serveErr)
		cancel()
	}()

	err = gw.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = apiSrv.Shutdown(shutdownCtx)
	shutdownCancel()
	logger.Info("control plane stopped")

	if err != nil {
		return fmt.Errorf("gateway exited with error: %w", err)
	}
	return nil
}
