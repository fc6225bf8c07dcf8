package models

import "time"

// AvailablePortResponse is one allocatable public port.
type AvailablePortResponse struct {
	Port int `json:"port"`
	// Kind is "range" or "singleton".
	Kind string `json:"kind"`
	// Source names the covering spec, e.g. "25000-26000".
	Source string `json:"source"`
}

// ActiveBindingResponse is one live port binding with its pool counts.
type ActiveBindingResponse struct {
	PublicPort        int       `json:"public_port"`
	LocalPort         int       `json:"local_port"`
	Protocol          string    `json:"protocol"`
	MappingID         string    `json:"mapping_id"`
	CreatedAt         time.Time `json:"created_at"`
	PendingConns      int       `json:"pending_conns"`
	IdleSessions      int       `json:"idle_sessions"`
	MultiplexSessions int       `json:"multiplex_sessions"`
	UDPFlows          int       `json:"udp_flows"`
}

// AllocateRequest is the body of POST /ports/allocate.
type AllocateRequest struct {
	LocalPort     int    `json:"local_port" binding:"required"`
	PreferredPort int    `json:"preferred_port"`
	Protocol      string `json:"protocol" binding:"required"`
}

// AllocateResponse is the allocation result. Message is set on failure.
type AllocateResponse struct {
	Success    bool   `json:"success"`
	PublicPort int    `json:"public_port,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	Message    string `json:"message,omitempty"`
}
