// Package agent implements the private-network half of the relay: per
// mapping it rents a public port from the gateway, keeps a pool of
// pre-established data-plane sessions toward it, and forwards TCP streams
// and UDP flows to the local service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jroosing/portway/internal/config"
)

// ErrAllocationRefused is returned when the gateway answers an allocation
// request with success=false. The manager enters backoff; the gateway never
// retries allocations on its own.
var ErrAllocationRefused = errors.New("agent: gateway refused allocation")

// GatewayClient talks to the gateway's control plane.
type GatewayClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewGatewayClient builds a client for the gateway's web port.
func NewGatewayClient(server config.AgentServerConfig) *GatewayClient {
	return &GatewayClient{
		baseURL: fmt.Sprintf("http://%s/api/v1", net.JoinHostPort(server.Host, strconv.Itoa(server.WebPort))),
		apiKey:  server.APIKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// allocateRequest mirrors POST /ports/allocate.
type allocateRequest struct {
	LocalPort     int    `json:"local_port"`
	PreferredPort int    `json:"preferred_port,omitempty"`
	Protocol      string `json:"protocol"`
}

// allocateResponse mirrors the gateway's allocation reply.
type allocateResponse struct {
	Success    bool   `json:"success"`
	PublicPort int    `json:"public_port,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Allocate rents a public port for the mapping. Preferred may be zero; a
// sticky assigned port is passed through it. Refusals carry the gateway's
// message.
func (c *GatewayClient) Allocate(ctx context.Context, localPort, preferred int, proto config.Protocol) (int, error) {
	body, err := json.Marshal(allocateRequest{
		LocalPort:     localPort,
		PreferredPort: preferred,
		Protocol:      string(proto),
	})
	if err != nil {
		return 0, fmt.Errorf("agent: marshal allocate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ports/allocate", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("agent: build allocate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("agent: allocate request: %w", err)
	}
	defer resp.Body.Close()

	var out allocateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("agent: decode allocate response: %w", err)
	}
	if !out.Success {
		return 0, fmt.Errorf("%w: %s", ErrAllocationRefused, out.Message)
	}
	return out.PublicPort, nil
}

// Release gives the mapping's public port back to the gateway. Safe to call
// for a port that is already gone.
func (c *GatewayClient) Release(ctx context.Context, localPort int) error {
	url := fmt.Sprintf("%s/ports/mapping/%d", c.baseURL, localPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("agent: build release request: %w", err)
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent: release request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("agent: release returned %s", resp.Status)
	}
	return nil
}

func (c *GatewayClient) auth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}
