// Package control serves the local control-plane HTTP API: health and
// status, broadcaster start/stop, process tools, configuration inspection
// and overrides, and monitored-file management.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/resolvix/agent/internal/config"
	"github.com/resolvix/agent/internal/live"
	"github.com/resolvix/agent/internal/procmon"
	"github.com/resolvix/agent/internal/suppress"
)

// ComponentSource reports per-component run states for /api/health. The
// supervisor implements it.
type ComponentSource interface {
	Components() map[string]string
}

// SuppressionSource exposes suppression cache statistics for /api/status.
type SuppressionSource interface {
	Stats() suppress.Stats
}

// FileSource reports the files currently being tailed. The tailer manager
// implements it.
type FileSource interface {
	Active() []config.MonitoredFile
}

// Server holds the dependencies of the control API handlers.
type Server struct {
	nodeID   string
	version  string
	systemIP string
	started  time.Time

	store       *config.Store
	procs       *procmon.Monitor
	logServer   *live.LogServer
	metrics     *live.MetricsServer
	components  ComponentSource
	suppression SuppressionSource
	files       FileSource
	logger      *slog.Logger
}

// NewServer wires the control API. suppression and files may be nil when the
// corresponding subsystem is disabled.
func NewServer(nodeID, version, systemIP string, store *config.Store,
	procs *procmon.Monitor, logServer *live.LogServer, metrics *live.MetricsServer,
	components ComponentSource, suppression SuppressionSource, files FileSource,
	logger *slog.Logger) *Server {
	return &Server{
		nodeID:      nodeID,
		version:     version,
		systemIP:    systemIP,
		started:     time.Now(),
		store:       store,
		procs:       procs,
		logServer:   logServer,
		metrics:     metrics,
		components:  components,
		suppression: suppression,
		files:       files,
		logger:      logger,
	}
}

// NewRouter returns the configured chi router for the control API.
//
// Route layout:
//
//	GET  /api/health                       – liveness with component states
//	GET  /api/status                       – aggregate agent status
//	POST /api/control                      – start/stop the broadcasters
//	GET  /api/processes                    – top processes by cpu or memory
//	GET  /api/processes/{pid}              – single-process detail
//	POST /api/processes/{pid}/kill         – terminate, escalating to SIGKILL
//	GET  /api/processes/{pid}/history      – in-memory per-process history
//	GET  /api/processes/{pid}/tree         – parent and children
//	GET  /api/config                       – effective config, secrets redacted
//	POST /api/config                       – apply dotted-path overrides
//	POST /api/config/reload                – force a backend refresh
//	GET  /api/config/schema                – validated setting paths
//	GET  /api/monitored-files              – configured file list
//	POST /api/monitored-files              – add a file
//	PUT  /api/monitored-files/{id}         – update a file
//	DELETE /api/monitored-files/{id}       – remove a file
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Post("/control", s.handleControl)

		r.Route("/processes", func(r chi.Router) {
			r.Get("/", s.handleProcesses)
			r.Get("/{pid}", s.handleProcessDetail)
			r.Post("/{pid}/kill", s.handleProcessKill)
			r.Get("/{pid}/history", s.handleProcessHistory)
			r.Get("/{pid}/tree", s.handleProcessTree)
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/", s.handleGetConfig)
			r.Post("/", s.handleSetConfig)
			r.Post("/reload", s.handleReloadConfig)
			r.Get("/schema", s.handleConfigSchema)
		})

		r.Route("/monitored-files", func(r chi.Router) {
			r.Get("/", s.handleListFiles)
			r.Post("/", s.handleAddFile)
			r.Put("/{id}", s.handleUpdateFile)
			r.Delete("/{id}", s.handleDeleteFile)
		})
	})

	return r
}

// Serve runs the control API on addr until ctx is cancelled, then shuts
// down gracefully. A port that cannot be bound surfaces as the returned
// error.
func Serve(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(s),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// writeJSON writes v with status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

// procErrStatus maps procmon sentinel errors to HTTP status codes.
func procErrStatus(err error) int {
	switch {
	case errors.Is(err, procmon.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, procmon.ErrAccessDenied):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
