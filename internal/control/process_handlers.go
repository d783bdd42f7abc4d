package control

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// parsePID extracts the {pid} route parameter.
func parsePID(w http.ResponseWriter, r *http.Request) (int32, bool) {
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || pid <= 0 {
		writeError(w, http.StatusBadRequest, "'pid' must be a positive integer")
		return 0, false
	}
	return int32(pid), true
}

// handleProcesses responds to GET /api/processes.
//
// Supported query parameters:
//
//	sortBy – cpu (default) or memory
//	limit  – maximum list length, capped at the scan's top-list depth
func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sortBy := q.Get("sortBy")
	if sortBy == "" {
		sortBy = "cpu"
	}
	if sortBy != "cpu" && sortBy != "memory" {
		writeError(w, http.StatusBadRequest, "'sortBy' must be cpu or memory")
		return
	}

	limit := 10
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = n
	}

	ov, err := s.procs.Overview(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "process scan failed")
		return
	}

	list := ov.TopCPU
	if sortBy == "memory" {
		list = ov.TopRAM
	}
	if len(list) > limit {
		list = list[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":       ov.Timestamp,
		"sort_by":         sortBy,
		"processes":       list,
		"total_processes": ov.TotalProcesses,
		"zombie_count":    ov.ZombieCount,
	})
}

// handleProcessDetail responds to GET /api/processes/{pid}.
func (s *Server) handleProcessDetail(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}
	detail, err := s.procs.Detail(r.Context(), pid)
	if err != nil {
		writeError(w, procErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// killRequest is the POST /api/processes/{pid}/kill body. An empty body
// means a plain terminate.
type killRequest struct {
	Force bool `json:"force"`
}

// handleProcessKill responds to POST /api/processes/{pid}/kill.
func (s *Server) handleProcessKill(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}

	var req killRequest
	if r.Body != nil {
		// Decode errors on an empty body are fine; force defaults to false.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := s.procs.Kill(r.Context(), pid, req.Force)
	if err != nil {
		writeError(w, procErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"pid":     res.PID,
		"name":    res.Name,
		"forced":  res.Forced,
	})
}

// handleProcessHistory responds to GET /api/processes/{pid}/history.
func (s *Server) handleProcessHistory(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}

	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'hours' must be a positive integer")
			return
		}
		hours = n
	}

	writeJSON(w, http.StatusOK, s.procs.History(pid, hours))
}

// handleProcessTree responds to GET /api/processes/{pid}/tree.
func (s *Server) handleProcessTree(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}
	tree, err := s.procs.Tree(r.Context(), pid)
	if err != nil {
		writeError(w, procErrStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tree)
}
