package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentServerConfig points the agent at its gateway.
type AgentServerConfig struct {
	// Host is the gateway's public address.
	Host string `json:"host" mapstructure:"host"`
	// Port is the gateway's data-plane port.
	Port int `json:"port" mapstructure:"port"`
	// WebPort is the gateway's control-plane port.
	WebPort int `json:"web_port" mapstructure:"web_port"`
	// APIKey is sent as X-API-Key on control-plane requests when set.
	APIKey string `json:"api_key,omitempty" mapstructure:"api_key"`
}

// ConnectionConfig tunes the agent's per-mapping session pools.
type ConnectionConfig struct {
	MinIdle          int `json:"min_idle"           mapstructure:"min_idle"`
	MaxTotal         int `json:"max_total"          mapstructure:"max_total"`
	CheckIntervalMs  int `json:"check_interval_ms"  mapstructure:"check_interval_ms"`
	ReconnectDelayMs int `json:"reconnect_delay_ms" mapstructure:"reconnect_delay_ms"`
}

// CheckInterval returns the pool maintenance interval.
func (c ConnectionConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// ReconnectDelay returns the base reconnect backoff delay.
func (c ConnectionConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// AgentConfig is the agent's persisted configuration. The JSON file is the
// authoritative source for mappings; the mirror API edits it through Save.
type AgentConfig struct {
	Server       AgentServerConfig `json:"server"        mapstructure:"server"`
	WebPort      int               `json:"web_port"      mapstructure:"web_port"`
	PortMappings []PortMapping     `json:"port_mappings" mapstructure:"port_mappings"`
	Connection   ConnectionConfig  `json:"connection"    mapstructure:"connection"`
	Logging      LoggingConfig     `json:"logging"       mapstructure:"logging"`
}

func newAgentViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.web_port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("web_port", 8081)
	v.SetDefault("port_mappings", []PortMapping{})
	v.SetDefault("connection.min_idle", 2)
	v.SetDefault("connection.max_total", 10)
	v.SetDefault("connection.check_interval_ms", 1000)
	v.SetDefault("connection.reconnect_delay_ms", 1000)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.json", false)

	v.SetEnvPrefix("PORTWAY_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadAgent reads the agent configuration. A missing file yields defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	v := newAgentViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	cfg := &AgentConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal agent config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the agent configuration, including every mapping.
func (c *AgentConfig) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("config: server.host is empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of 1..65535", c.Server.Port)
	}
	if c.WebPort < 1 || c.WebPort > 65535 {
		return fmt.Errorf("config: web_port %d out of 1..65535", c.WebPort)
	}
	if c.Connection.MinIdle < 0 {
		return fmt.Errorf("config: connection.min_idle must not be negative")
	}
	if c.Connection.MaxTotal < 1 {
		return fmt.Errorf("config: connection.max_total must be at least 1")
	}
	if c.Connection.MinIdle > c.Connection.MaxTotal {
		return fmt.Errorf("config: connection.min_idle %d exceeds max_total %d",
			c.Connection.MinIdle, c.Connection.MaxTotal)
	}
	seen := make(map[string]bool, len(c.PortMappings))
	for _, m := range c.PortMappings {
		if err := m.Validate(); err != nil {
			return err
		}
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate mapping id %s", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// Mapping returns the mapping with the given id, or nil.
func (c *AgentConfig) Mapping(id string) *PortMapping {
	for i := range c.PortMappings {
		if c.PortMappings[i].ID == id {
			return &c.PortMappings[i]
		}
	}
	return nil
}

// Save atomically persists the configuration as indented JSON.
func (c *AgentConfig) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return writeJSON(path, c)
}
