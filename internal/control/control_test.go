package control_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/resolvix/agent/internal/config"
	"github.com/resolvix/agent/internal/control"
	"github.com/resolvix/agent/internal/live"
	"github.com/resolvix/agent/internal/procmon"
	"github.com/resolvix/agent/internal/suppress"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeComponents struct {
	states map[string]string
}

func (f *fakeComponents) Components() map[string]string { return f.states }

type fakeSuppression struct{}

func (f *fakeSuppression) Stats() suppress.Stats {
	return suppress.Stats{TotalChecks: 5, TotalSuppressed: 2, CachedRules: 1}
}

type fakeFiles struct {
	files []config.MonitoredFile
}

func (f *fakeFiles) Active() []config.MonitoredFile { return f.files }

type fixture struct {
	handler http.Handler
	store   *config.Store
	logs    *live.LogServer
	metrics *live.MetricsServer
}

func newFixture(t *testing.T, components map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := config.New("node-1", "", config.Paths{
		ConfigFile:  filepath.Join(dir, "config.json"),
		SecretsFile: filepath.Join(dir, "secrets.json"),
		CacheFile:   filepath.Join(dir, "cache.json"),
	}, testLogger())
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	logs := live.NewLogServer("127.0.0.1:0", "node-1", testLogger())
	metrics := live.NewMetricsServer("127.0.0.1:0", "node-1", nil, 3*time.Second, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = logs.Stop(ctx)
		_ = metrics.Stop(ctx)
	})

	srv := control.NewServer("node-1", "1.0", "10.0.0.5", store,
		procmon.NewMonitor(0, testLogger()), logs, metrics,
		&fakeComponents{states: components}, &fakeSuppression{},
		&fakeFiles{}, testLogger())

	return &fixture{
		handler: control.NewRouter(srv),
		store:   store,
		logs:    logs,
		metrics: metrics,
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Health and status
// ---------------------------------------------------------------------------

func TestHealth_OK(t *testing.T) {
	f := newFixture(t, map[string]string{"sampler": "running", "publisher": "running"})
	rec := f.do(t, http.MethodGet, "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" || body["node_id"] != "node-1" {
		t.Errorf("body = %v", body)
	}
	components, ok := body["components"].(map[string]any)
	if !ok || components["sampler"] != "running" {
		t.Errorf("components = %v", body["components"])
	}
}

func TestHealth_DegradedComponent(t *testing.T) {
	f := newFixture(t, map[string]string{"sampler": "running", "broker": "degraded"})
	body := decode(t, f.do(t, http.MethodGet, "/api/health", nil))
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestStatus_Aggregate(t *testing.T) {
	f := newFixture(t, map[string]string{})
	rec := f.do(t, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if _, ok := body["system"].(map[string]any); !ok {
		t.Error("status missing system info")
	}
	broadcasters, ok := body["broadcasters"].(map[string]any)
	if !ok {
		t.Fatal("status missing broadcasters")
	}
	livelogs := broadcasters["livelogs"].(map[string]any)
	if livelogs["running"] != false {
		t.Errorf("livelogs = %v, want stopped", livelogs)
	}
	sup, ok := body["suppression"].(map[string]any)
	if !ok || sup["total_checks"] != float64(5) {
		t.Errorf("suppression = %v", body["suppression"])
	}
}

// ---------------------------------------------------------------------------
// Broadcaster control
// ---------------------------------------------------------------------------

func TestControl_StartStopLivelogs(t *testing.T) {
	f := newFixture(t, nil)

	body := decode(t, f.do(t, http.MethodPost, "/api/control",
		map[string]string{"command": "start_livelogs"}))
	if body["success"] != true || body["running"] != true {
		t.Fatalf("start reply = %v", body)
	}
	if !f.logs.Running() {
		t.Fatal("log server not running after start_livelogs")
	}

	body = decode(t, f.do(t, http.MethodPost, "/api/control",
		map[string]string{"command": "stop_livelogs"}))
	if body["running"] != false {
		t.Errorf("stop reply = %v", body)
	}
	if f.logs.Running() {
		t.Error("log server still running after stop_livelogs")
	}
}

func TestControl_StartTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodPost, "/api/control", map[string]string{"command": "start_telemetry"})
	rec := f.do(t, http.MethodPost, "/api/control", map[string]string{"command": "start_telemetry"})
	if rec.Code != http.StatusOK {
		t.Errorf("second start = %d, want 200", rec.Code)
	}
}

func TestControl_UnknownCommand(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/control", map[string]string{"command": "reboot"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Processes
// ---------------------------------------------------------------------------

func TestProcesses_TopList(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/processes?limit=3&sortBy=memory", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	list, ok := body["processes"].([]any)
	if !ok {
		t.Fatalf("processes = %v", body["processes"])
	}
	if len(list) > 3 {
		t.Errorf("returned %d processes, want at most 3", len(list))
	}
	if body["sort_by"] != "memory" {
		t.Errorf("sort_by = %v", body["sort_by"])
	}
}

func TestProcesses_BadSort(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/processes?sortBy=disk", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestProcessDetail_Self(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/processes/"+itoa(os.Getpid()), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["pid"] != float64(os.Getpid()) {
		t.Errorf("pid = %v", body["pid"])
	}
}

func TestProcessDetail_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/processes/4404404", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestProcessHistory_Empty(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/processes/4404404/history?hours=1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["data_points"] != float64(0) {
		t.Errorf("data_points = %v, want 0", body["data_points"])
	}
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfig_GetRedacted(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/config", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if _, ok := body["telemetry"]; !ok {
		t.Error("config response missing telemetry section")
	}
}

func TestConfig_ApplyOverride(t *testing.T) {
	f := newFixture(t, nil)
	body := decode(t, f.do(t, http.MethodPost, "/api/config",
		map[string]any{"settings": map[string]any{"telemetry.interval": 120}}))
	if body["success"] != true || body["changes"] != float64(1) {
		t.Fatalf("reply = %v", body)
	}
	if got := f.store.Snapshot().Int("telemetry.interval", 0); got != 120 {
		t.Errorf("telemetry.interval = %d, want 120", got)
	}
}

func TestConfig_InvalidOverrideRejected(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/config",
		map[string]any{"settings": map[string]any{"telemetry.interval": "fast"}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestConfig_Schema(t *testing.T) {
	f := newFixture(t, nil)
	body := decode(t, f.do(t, http.MethodGet, "/api/config/schema", nil))
	settings, ok := body["settings"].(map[string]any)
	if !ok {
		t.Fatalf("schema = %v", body)
	}
	if _, ok := settings["telemetry.interval"]; !ok {
		t.Error("schema missing telemetry.interval")
	}
}

// ---------------------------------------------------------------------------
// Monitored files
// ---------------------------------------------------------------------------

func TestMonitoredFiles_CRUD(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/monitored-files",
		map[string]any{"path": "/var/log/nginx/error.log", "priority": "high"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d: %s", rec.Code, rec.Body.String())
	}
	added := decode(t, rec)["file"].(map[string]any)
	id := added["id"].(string)
	if added["label"] != "error" {
		t.Errorf("derived label = %v, want error", added["label"])
	}

	body := decode(t, f.do(t, http.MethodGet, "/api/monitored-files", nil))
	files := body["files"].([]any)
	found := false
	for _, v := range files {
		if v.(map[string]any)["id"] == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("added file absent from list: %v", files)
	}

	rec = f.do(t, http.MethodPut, "/api/monitored-files/"+id,
		map[string]any{"label": "nginx-errors", "enabled": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	updated := decode(t, rec)["file"].(map[string]any)
	if updated["label"] != "nginx-errors" || updated["enabled"] != false {
		t.Errorf("updated = %v", updated)
	}

	rec = f.do(t, http.MethodDelete, "/api/monitored-files/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	body = decode(t, f.do(t, http.MethodGet, "/api/monitored-files", nil))
	for _, v := range body["files"].([]any) {
		if v.(map[string]any)["id"] == id {
			t.Error("file still listed after delete")
		}
	}
}

func TestMonitoredFiles_DuplicatePathRejected(t *testing.T) {
	f := newFixture(t, nil)
	add := map[string]any{"path": "/var/log/app.log"}
	if rec := f.do(t, http.MethodPost, "/api/monitored-files", add); rec.Code != http.StatusCreated {
		t.Fatalf("first add = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/monitored-files", add); rec.Code != http.StatusConflict {
		t.Errorf("duplicate add = %d, want 409", rec.Code)
	}
}

func TestMonitoredFiles_UpdateUnknown(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPut, "/api/monitored-files/ghost",
		map[string]any{"label": "x"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
