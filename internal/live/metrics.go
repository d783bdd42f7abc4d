package live

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/resolvix/agent/internal/telemetry"
)

// MetricsSource yields the most recent metric sample. The production
// implementation is the telemetry Sampler.
type MetricsSource interface {
	Latest() *telemetry.Snapshot
}

// MetricsServer streams metric snapshots to connected clients at a fixed
// interval and answers get_metrics commands with the latest sample.
type MetricsServer struct {
	*Server
	nodeID     string
	source     MetricsSource
	intervalNs atomic.Int64
}

// NewMetricsServer creates a stopped metrics stream server on addr pushing
// one frame per interval.
func NewMetricsServer(addr, nodeID string, source MetricsSource, interval time.Duration, logger *slog.Logger) *MetricsServer {
	ms := &MetricsServer{nodeID: nodeID, source: source}
	ms.intervalNs.Store(int64(interval))
	ms.Server = NewServer("telemetry_ws", addr, ms.welcomeFrame, ms.handleCommand, logger)
	return ms
}

// SetInterval changes the push cadence. Takes effect on the next tick.
func (ms *MetricsServer) SetInterval(interval time.Duration) {
	if interval > 0 {
		ms.intervalNs.Store(int64(interval))
	}
}

// Interval returns the current push cadence.
func (ms *MetricsServer) Interval() time.Duration {
	return time.Duration(ms.intervalNs.Load())
}

// Run pushes frames until ctx is cancelled. The server itself is started
// and stopped independently through the control API; Run simply has nothing
// to deliver to while the server is stopped or idle.
func (ms *MetricsServer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(ms.Interval()):
		}
		if ms.ClientCount() == 0 {
			continue
		}
		if snap := ms.source.Latest(); snap != nil {
			ms.Broadcast(snap)
		}
	}
}

func (ms *MetricsServer) welcomeFrame() any {
	return map[string]any{
		"type":      "connection",
		"status":    "connected",
		"node_id":   ms.nodeID,
		"interval":  int(ms.Interval() / time.Second),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// handleCommand answers get_metrics with the latest sample immediately.
func (ms *MetricsServer) handleCommand(cmd map[string]any) (any, bool) {
	name, _ := cmd["command"].(string)
	if name != "get_metrics" {
		return nil, false
	}
	snap := ms.source.Latest()
	if snap == nil {
		return map[string]any{
			"type":      "error",
			"message":   "no metrics collected yet",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, true
	}
	return snap, true
}
