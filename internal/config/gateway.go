package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// GatewayServerConfig holds the gateway's own listening ports.
type GatewayServerConfig struct {
	Host          string `json:"host"            mapstructure:"host"`
	WebPort       int    `json:"web_port"        mapstructure:"web_port"`
	DataPlanePort int    `json:"data_plane_port" mapstructure:"data_plane_port"`
	APIKey        string `json:"api_key,omitempty" mapstructure:"api_key"`
}

// GatewayConfig is the gateway's persisted configuration.
type GatewayConfig struct {
	Server        GatewayServerConfig `json:"server"         mapstructure:"server"`
	PortRanges    []PortRange         `json:"port_ranges"    mapstructure:"port_ranges"`
	SpecificPorts []SpecificPort      `json:"specific_ports" mapstructure:"specific_ports"`
	Logging       LoggingConfig       `json:"logging"        mapstructure:"logging"`
	History       HistoryConfig       `json:"history"        mapstructure:"history"`
}

// LoggingConfig is shared by both processes.
type LoggingConfig struct {
	Level string `json:"level" mapstructure:"level"`
	JSON  bool   `json:"json"  mapstructure:"json"`
}

// HistoryConfig controls the gateway's SQLite event log.
type HistoryConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path"    mapstructure:"path"`
}

// newGatewayViper builds the loader with defaults and PORTWAY_* env binding.
func newGatewayViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.web_port", 8080)
	v.SetDefault("server.data_plane_port", 9000)
	v.SetDefault("server.api_key", "")
	v.SetDefault("port_ranges", []PortRange{})
	v.SetDefault("specific_ports", []SpecificPort{})
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.json", false)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "portway-gateway.db")

	v.SetEnvPrefix("PORTWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadGateway reads the gateway configuration. A missing file yields the
// defaults (the file is created on first Save); a malformed file is an error.
func LoadGateway(path string) (*GatewayConfig, error) {
	v := newGatewayViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := &GatewayConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal gateway config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the registry could never serve.
func (c *GatewayConfig) Validate() error {
	if c.Server.WebPort < 1 || c.Server.WebPort > 65535 {
		return fmt.Errorf("config: server.web_port %d out of 1..65535", c.Server.WebPort)
	}
	if c.Server.DataPlanePort < 1 || c.Server.DataPlanePort > 65535 {
		return fmt.Errorf("config: server.data_plane_port %d out of 1..65535", c.Server.DataPlanePort)
	}
	if c.Server.WebPort == c.Server.DataPlanePort {
		return fmt.Errorf("config: web_port and data_plane_port are both %d", c.Server.WebPort)
	}
	for _, r := range c.PortRanges {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	for _, s := range c.SpecificPorts {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ReservedPorts returns the ports the gateway process itself occupies.
// The registry never rents these out.
func (c *GatewayConfig) ReservedPorts() []int {
	return []int{c.Server.WebPort, c.Server.DataPlanePort}
}

// Save atomically persists the configuration as indented JSON.
func (c *GatewayConfig) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return writeJSON(path, c)
}

// writeJSON writes v to path via a temp file + rename so readers never see
// a torn file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".portway-*.json")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
