// Command agent runs the private-network half of the Portway relay: per
// mapping it rents a public port from the gateway, maintains the idle
// session pool, and forwards traffic to local services.
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

	"github.com/jroosing/portway/internal/agent"
	"github.com/jroosing/portway/internal/agentapi"
	"github.com/jroosing/portway/internal/config"
	"github.com/jroosing/portway/internal/logging"
)

// DefaultConfigPath is the default location for the agent configuration.
const DefaultConfigPath = "agent.json"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath  string
	gatewayHost string
	gatewayPort int
	webPort     int
	jsonLogs    bool
	debug       bool
}

// parseFlags parses command-line flags and returns the values.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", DefaultConfigPath, "Path to agent JSON config file")
	flag.StringVar(&f.gatewayHost, "gateway-host", "", "Override gateway host")
	flag.IntVar(&f.gatewayPort, "gateway-port", 0, "Override gateway data-plane port")
	flag.IntVar(&f.webPort, "web-port", 0, "Override local mirror API port")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the config.
// These never persist back to the file.
func applyCLIOverrides(cfg *config.AgentConfig, f cliFlags) {
	if f.gatewayHost != "" {
		cfg.Server.Host = f.gatewayHost
	}
	if f.gatewayPort != 0 {
		cfg.Server.Port = f.gatewayPort
	}
	if f.webPort != 0 {
		cfg.WebPort = f.webPort
	}
	if f.jsonLogs {
		cfg.Logging.JSON = true
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.LoadAgent(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:     cfg.Logging.Level,
		JSON:      cfg.Logging.JSON,
		Component: "agent",
	})
	logger.Info("portway agent starting",
		"config", flags.configPath,
		"gateway", cfg.Server.Host,
		"data_plane_port", cfg.Server.Port,
		"mappings", len(cfg.PortMappings),
		"min_idle", cfg.Connection.MinIdle,
		"max_total", cfg.Connection.MaxTotal,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := agent.NewManager(cfg, flags.configPath, logger)

	apiSrv := agentapi.New(cfg, mgr, logger)
	logger.Info("mirror api starting", "addr", apiSrv.Addr())

	go func() {
		serveErr := apiSrv.ListenAndServe()
		if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
			return
		}
		logger.Error("mirror api error", "err", serveErr)
		cancel()
	}()

	err = mgr.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = apiSrv.Shutdown(shutdownCtx)
	shutdownCancel()
	logger.Info("mirror api stopped")

	if err != nil {
		return fmt.Errorf("agent exited with error: %w", err)
	}
	return nil
}
