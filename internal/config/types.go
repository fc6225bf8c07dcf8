// Package config provides configuration loading, validation, and JSON
// persistence for the gateway and agent processes.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/gateway and cmd/agent)
//  2. Environment variables (PORTWAY_* prefix)
//  3. JSON config file
//  4. Hardcoded defaults
//
// The JSON file on disk is the authoritative persisted state: edits accepted
// through the control plane are validated, applied, and written back with
// Save. Invalid edits are rejected before anything is persisted.
package config

import (
	"fmt"
	"strings"
)

// Protocol selects which public listeners a binding requires.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// Valid reports whether p is one of the supported protocol values.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolBoth:
		return true
	}
	return false
}

// HasTCP reports whether the protocol requires a TCP listener.
func (p Protocol) HasTCP() bool { return p == ProtocolTCP || p == ProtocolBoth }

// HasUDP reports whether the protocol requires a UDP socket.
func (p Protocol) HasUDP() bool { return p == ProtocolUDP || p == ProtocolBoth }

// ParseProtocol normalizes and validates a protocol string.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("config: invalid protocol %q", s)
	}
	return p, nil
}

// PortRange is a contiguous span of rentable public ports, inclusive.
// Overlapping ranges are permitted; the effective set is their union.
type PortRange struct {
	Start   int  `json:"start"   mapstructure:"start"`
	End     int  `json:"end"     mapstructure:"end"`
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// Validate checks the range bounds.
func (r PortRange) Validate() error {
	if r.Start < 1 || r.Start > 65535 {
		return fmt.Errorf("config: range start %d out of 1..65535", r.Start)
	}
	if r.End < r.Start || r.End > 65535 {
		return fmt.Errorf("config: range end %d invalid for start %d", r.End, r.Start)
	}
	return nil
}

// SpecificPort is a single rentable public port.
type SpecificPort struct {
	Port    int  `json:"port"    mapstructure:"port"`
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// Validate checks the port number.
func (s SpecificPort) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("config: port %d out of 1..65535", s.Port)
	}
	return nil
}

// PortMapping is one agent-side forwarding rule: a local service endpoint,
// a protocol, and the public port it wants the gateway to rent.
type PortMapping struct {
	ID            string   `json:"id"             mapstructure:"id"`
	Name          string   `json:"name"           mapstructure:"name"`
	LocalHost     string   `json:"local_host"     mapstructure:"local_host"`
	LocalPort     int      `json:"local_port"     mapstructure:"local_port"`
	Protocol      Protocol `json:"protocol"       mapstructure:"protocol"`
	PreferredPort int      `json:"preferred_port" mapstructure:"preferred_port"`
	// AssignedPublicPort is sticky: it survives restarts and is offered as
	// the preferred port on reallocation until the gateway reports it
	// unavailable.
	AssignedPublicPort int    `json:"assigned_public_port" mapstructure:"assigned_public_port"`
	Enabled            bool   `json:"enabled"              mapstructure:"enabled"`
	Description        string `json:"description"          mapstructure:"description"`
	AutoReconnect      bool   `json:"auto_reconnect"       mapstructure:"auto_reconnect"`
	// UDPFlowIdleMs overrides the per-client UDP socket idle expiry.
	// Zero means the 30s default; game servers typically want 300000.
	UDPFlowIdleMs int `json:"udp_flow_idle_ms" mapstructure:"udp_flow_idle_ms"`
}

// Validate checks the mapping's fields.
func (m PortMapping) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("config: mapping %q has no id", m.Name)
	}
	if m.LocalHost == "" {
		return fmt.Errorf("config: mapping %s has no local_host", m.ID)
	}
	if m.LocalPort < 1 || m.LocalPort > 65535 {
		return fmt.Errorf("config: mapping %s local_port %d out of 1..65535", m.ID, m.LocalPort)
	}
	if !m.Protocol.Valid() {
		return fmt.Errorf("config: mapping %s has invalid protocol %q", m.ID, m.Protocol)
	}
	if m.PreferredPort != 0 && (m.PreferredPort < 1 || m.PreferredPort > 65535) {
		return fmt.Errorf("config: mapping %s preferred_port %d out of range", m.ID, m.PreferredPort)
	}
	return nil
}
