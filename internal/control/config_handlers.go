package control

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/resolvix/agent/internal/config"
)

// handleGetConfig responds to GET /api/config with the effective merged
// configuration, secret-bearing keys masked.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot().Redacted())
}

// overrideRequest is the POST /api/config body.
type overrideRequest struct {
	Settings map[string]any `json:"settings"`
}

// handleSetConfig applies dotted-path overrides atomically. A rejected
// value leaves the active configuration untouched.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Settings) == 0 {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty 'settings' map")
		return
	}

	changes, err := s.store.ApplyOverrides(req.Settings)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"changes": len(changes),
		"details": changes,
	})
}

// handleReloadConfig forces a backend configuration refresh.
func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	changes, err := s.store.Reload(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"changes": len(changes),
		"details": changes,
	})
}

// handleConfigSchema lists the validated setting paths.
func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"settings": config.Schema()})
}

// ---------------------------------------------------------------------------
// Monitored files
// ---------------------------------------------------------------------------

// fileRequest is the POST/PUT /api/monitored-files body.
type fileRequest struct {
	Path     string `json:"path"`
	Label    string `json:"label"`
	Priority string `json:"priority"`
	Enabled  *bool  `json:"enabled"`
}

// handleListFiles responds to GET /api/monitored-files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files := s.store.Snapshot().MonitoredFiles()
	if files == nil {
		files = []config.MonitoredFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

// handleAddFile appends a file to the monitored list.
func (s *Server) handleAddFile(w http.ResponseWriter, r *http.Request) {
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty 'path'")
		return
	}

	files := s.store.Snapshot().MonitoredFiles()
	for _, f := range files {
		if f.Path == req.Path {
			writeError(w, http.StatusConflict, "path is already monitored")
			return
		}
	}

	file := config.MonitoredFile{
		ID:       uuid.NewString(),
		Path:     req.Path,
		Label:    req.Label,
		Priority: req.Priority,
		Enabled:  true,
	}
	if file.Label == "" {
		file.Label = baseLabel(file.Path)
	}
	if file.Priority == "" {
		file.Priority = "medium"
	}
	if req.Enabled != nil {
		file.Enabled = *req.Enabled
	}

	if err := s.saveFiles(append(files, file)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "file": file})
}

// handleUpdateFile mutates one entry by id.
func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req fileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	files := s.store.Snapshot().MonitoredFiles()
	idx := -1
	for i, f := range files {
		if f.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		writeError(w, http.StatusNotFound, "no monitored file with that id")
		return
	}

	if req.Path != "" {
		files[idx].Path = req.Path
	}
	if req.Label != "" {
		files[idx].Label = req.Label
	}
	if req.Priority != "" {
		files[idx].Priority = req.Priority
	}
	if req.Enabled != nil {
		files[idx].Enabled = *req.Enabled
	}

	if err := s.saveFiles(files); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "file": files[idx]})
}

// handleDeleteFile removes one entry by id.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	files := s.store.Snapshot().MonitoredFiles()
	kept := files[:0]
	for _, f := range files {
		if f.ID != id {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(files) {
		writeError(w, http.StatusNotFound, "no monitored file with that id")
		return
	}

	if err := s.saveFiles(kept); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": id})
}

// saveFiles writes the file list through the override layer, which triggers
// the normal reload notification so the tailer manager reconciles.
func (s *Server) saveFiles(files []config.MonitoredFile) error {
	entries := make([]any, 0, len(files))
	for _, f := range files {
		entries = append(entries, map[string]any{
			"id":       f.ID,
			"path":     f.Path,
			"label":    f.Label,
			"priority": f.Priority,
			"enabled":  f.Enabled,
		})
	}
	_, err := s.store.ApplyOverrides(map[string]any{"monitoring.log_files": entries})
	return err
}

func baseLabel(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
