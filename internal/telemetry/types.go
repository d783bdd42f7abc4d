// Package telemetry samples host metrics and delivers them to the backend.
// The Sampler produces nested Snapshots consumed by the live metrics
// broadcaster and the alert engine; the Publisher drains the durable spool
// and posts the flat wire payload to the telemetry endpoint.
package telemetry

import (
	"time"
)

// Snapshot is one nested metric sample. Its JSON rendering is the body of a
// live metrics WebSocket frame.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	Metrics   Metrics   `json:"metrics"`

	// UptimeSeconds feeds the flat wire payload only.
	UptimeSeconds uint64 `json:"-"`
}

// Metrics groups the per-subsystem metric sets.
type Metrics struct {
	CPU       CPU       `json:"cpu"`
	Memory    Memory    `json:"memory"`
	Disk      Disk      `json:"disk"`
	Network   Network   `json:"network"`
	Processes Processes `json:"processes"`
}

type CPU struct {
	UsagePercent   float64   `json:"cpu_usage_percent"`
	PerCorePercent []float64 `json:"cpu_per_core_percent"`
	LoadAvg1Min    float64   `json:"load_avg_1min"`
	LoadAvg5Min    float64   `json:"load_avg_5min"`
	LoadAvg15Min   float64   `json:"load_avg_15min"`
	CountLogical   int       `json:"cpu_count_logical"`
	CountPhysical  int       `json:"cpu_count_physical"`
}

type Memory struct {
	TotalGB      float64 `json:"memory_total_gb"`
	UsedGB       float64 `json:"memory_used_gb"`
	AvailableGB  float64 `json:"memory_available_gb"`
	UsagePercent float64 `json:"memory_usage_percent"`
	SwapTotalGB  float64 `json:"swap_total_gb"`
	SwapUsedGB   float64 `json:"swap_used_gb"`
	SwapPercent  float64 `json:"swap_usage_percent"`
}

type Disk struct {
	Usage map[string]DiskUsage `json:"disk_usage"`
	IO    DiskIO               `json:"disk_io"`
}

type DiskUsage struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	FreeGB       float64 `json:"free_gb"`
	UsagePercent float64 `json:"usage_percent"`
}

type DiskIO struct {
	ReadMBPerSec  float64 `json:"read_mb_per_sec"`
	WriteMBPerSec float64 `json:"write_mb_per_sec"`
	ReadCount     uint64  `json:"read_count"`
	WriteCount    uint64  `json:"write_count"`
}

type Network struct {
	SentMBPerSec      float64 `json:"bytes_sent_mb_per_sec"`
	RecvMBPerSec      float64 `json:"bytes_recv_mb_per_sec"`
	BytesSent         uint64  `json:"bytes_sent"`
	BytesRecv         uint64  `json:"bytes_recv"`
	PacketsSent       uint64  `json:"packets_sent"`
	PacketsRecv       uint64  `json:"packets_recv"`
	ErrorsIn          uint64  `json:"errors_in"`
	ErrorsOut         uint64  `json:"errors_out"`
	DropsIn           uint64  `json:"drops_in"`
	DropsOut          uint64  `json:"drops_out"`
	ActiveConnections int     `json:"active_connections"`
}

type Processes struct {
	Count     int           `json:"process_count"`
	TopMemory []ProcessInfo `json:"top_memory_processes"`
}

type ProcessInfo struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	MemoryPercent float64 `json:"memory_percent"`
}

// WirePayload is the flat record posted to the telemetry endpoint. Field
// names are part of the wire contract with the backend.
type WirePayload struct {
	NodeID            string  `json:"node_id"`
	Timestamp         string  `json:"timestamp"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryUsedMB      float64 `json:"memory_used_mb"`
	MemoryTotalMB     float64 `json:"memory_total_mb"`
	DiskPercent       float64 `json:"disk_percent"`
	DiskUsedGB        float64 `json:"disk_used_gb"`
	DiskTotalGB       float64 `json:"disk_total_gb"`
	NetworkRxBytes    uint64  `json:"network_rx_bytes"`
	NetworkTxBytes    uint64  `json:"network_tx_bytes"`
	NetworkRxRateMbps float64 `json:"network_rx_rate_mbps"`
	NetworkTxRateMbps float64 `json:"network_tx_rate_mbps"`
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	ProcessCount      int     `json:"process_count"`
	ActiveConnections int     `json:"active_connections"`
	LoadAvg1M         float64 `json:"load_avg_1m"`
	LoadAvg5M         float64 `json:"load_avg_5m"`
	LoadAvg15M        float64 `json:"load_avg_15m"`
}

// Flat projects the nested snapshot onto the wire payload. Disk figures are
// summed across mounts; the percent is recomputed over the aggregate.
func (s Snapshot) Flat() WirePayload {
	var diskTotal, diskUsed float64
	for _, u := range s.Metrics.Disk.Usage {
		diskTotal += u.TotalGB
		diskUsed += u.UsedGB
	}
	diskPercent := 0.0
	if diskTotal > 0 {
		diskPercent = round2(diskUsed / diskTotal * 100)
	}

	return WirePayload{
		NodeID:            s.NodeID,
		Timestamp:         s.Timestamp.UTC().Format(time.RFC3339),
		CPUPercent:        s.Metrics.CPU.UsagePercent,
		MemoryPercent:     s.Metrics.Memory.UsagePercent,
		MemoryUsedMB:      round2(s.Metrics.Memory.UsedGB * 1024),
		MemoryTotalMB:     round2(s.Metrics.Memory.TotalGB * 1024),
		DiskPercent:       diskPercent,
		DiskUsedGB:        round2(diskUsed),
		DiskTotalGB:       round2(diskTotal),
		NetworkRxBytes:    s.Metrics.Network.BytesRecv,
		NetworkTxBytes:    s.Metrics.Network.BytesSent,
		NetworkRxRateMbps: round2(s.Metrics.Network.RecvMBPerSec * 8),
		NetworkTxRateMbps: round2(s.Metrics.Network.SentMBPerSec * 8),
		UptimeSeconds:     s.UptimeSeconds,
		ProcessCount:      s.Metrics.Processes.Count,
		ActiveConnections: s.Metrics.Network.ActiveConnections,
		LoadAvg1M:         s.Metrics.CPU.LoadAvg1Min,
		LoadAvg5M:         s.Metrics.CPU.LoadAvg5Min,
		LoadAvg15M:        s.Metrics.CPU.LoadAvg15Min,
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
