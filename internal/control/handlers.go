package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/resolvix/agent/internal/config"
	"github.com/resolvix/agent/internal/live"
)

// handleHealth responds to GET /api/health with liveness and the supervisor's
// per-component state map.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{}
	if s.components != nil {
		components = s.components.Components()
	}

	status := "ok"
	for _, state := range components {
		if state == "degraded" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"node_id":        s.nodeID,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"components":     components,
	})
}

// handleStatus responds to GET /api/status with the aggregate agent view:
// host summary, monitored files, broadcaster states, suppression statistics.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var files []config.MonitoredFile
	if s.files != nil {
		files = s.files.Active()
	}
	if files == nil {
		files = []config.MonitoredFile{}
	}

	body := map[string]any{
		"node_id":         s.nodeID,
		"version":         s.version,
		"uptime_seconds":  int64(time.Since(s.started).Seconds()),
		"system":          collectSystemInfo(r.Context(), s.systemIP),
		"monitored_files": files,
		"broadcasters": map[string]any{
			"livelogs":  broadcasterStatus(s.logServer.Server),
			"telemetry": broadcasterStatus(s.metrics.Server),
		},
		"config_last_sync": formatSync(s.store.LastSync()),
	}
	if s.suppression != nil {
		body["suppression"] = s.suppression.Stats()
	}
	if s.components != nil {
		body["components"] = s.components.Components()
	}

	writeJSON(w, http.StatusOK, body)
}

func broadcasterStatus(srv *live.Server) map[string]any {
	return map[string]any{
		"running": srv.Running(),
		"clients": srv.ClientCount(),
		"addr":    srv.Addr(),
	}
}

func formatSync(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// controlRequest is the POST /api/control body.
type controlRequest struct {
	Command string `json:"command"`
}

// handleControl starts or stops the two WebSocket broadcasters.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be JSON with a 'command' field")
		return
	}

	var target *live.Server
	start := false
	switch req.Command {
	case "start_livelogs":
		target, start = s.logServer.Server, true
	case "stop_livelogs":
		target = s.logServer.Server
	case "start_telemetry":
		target, start = s.metrics.Server, true
	case "stop_telemetry":
		target = s.metrics.Server
	default:
		writeError(w, http.StatusBadRequest,
			"command must be one of start_livelogs, stop_livelogs, start_telemetry, stop_telemetry")
		return
	}

	var err error
	if start {
		err = target.Start()
		if errors.Is(err, live.ErrAlreadyRunning) {
			// Desired state already holds.
			err = nil
		}
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		err = target.Stop(ctx)
	}
	if err != nil {
		s.logger.Error("control: broadcaster command failed",
			slog.String("command", req.Command), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"command": req.Command,
		"running": target.Running(),
	})
}
