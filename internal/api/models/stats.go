package models

import "time"

// MemoryStats reports system memory usage.
type MemoryStats struct {
	TotalMB     float64 `json:"total_mb"`
	FreeMB      float64 `json:"free_mb"`
	UsedMB      float64 `json:"used_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// CPUStats reports system CPU usage.
type CPUStats struct {
	NumCPU      int     `json:"num_cpu"`
	UsedPercent float64 `json:"used_percent"`
	IdlePercent float64 `json:"idle_percent"`
}

// FabricStatsResponse reports the relay fabric counters.
type FabricStatsResponse struct {
	SessionsAccepted uint64 `json:"sessions_accepted"`
	SessionsRejected uint64 `json:"sessions_rejected"`
	SessionsPaired   uint64 `json:"sessions_paired"`
	SessionsClosed   uint64 `json:"sessions_closed"`
	ActivePairs      int64  `json:"active_pairs"`
	PendingExpired   uint64 `json:"pending_expired"`
	DatagramsIn      uint64 `json:"datagrams_in"`
	DatagramsOut     uint64 `json:"datagrams_out"`
	DatagramsDropped uint64 `json:"datagrams_dropped"`
	EnvelopesDropped uint64 `json:"envelopes_dropped"`
	FramingErrors    uint64 `json:"framing_errors"`
	BytesRelayed     uint64 `json:"bytes_relayed"`
}

// ServerStatsResponse is the full /stats payload.
type ServerStatsResponse struct {
	Uptime        string              `json:"uptime"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	StartTime     time.Time           `json:"start_time"`
	CPU           CPUStats            `json:"cpu"`
	Memory        MemoryStats         `json:"memory"`
	Fabric        FabricStatsResponse `json:"fabric"`
	ActivePorts   int                 `json:"active_ports"`
}
