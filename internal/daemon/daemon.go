// Package daemon contains the resolvix supervisor. It wires together the
// config store, telemetry spool and publishers, the alert engine, the file
// tailers, the suppression cache, the WebSocket broadcasters, and the control
// API, managing their lifecycle through a shared context.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/resolvix/agent/internal/alert"
	"github.com/resolvix/agent/internal/broker"
	"github.com/resolvix/agent/internal/config"
	"github.com/resolvix/agent/internal/control"
	"github.com/resolvix/agent/internal/live"
	"github.com/resolvix/agent/internal/monitor"
	"github.com/resolvix/agent/internal/procmon"
	"github.com/resolvix/agent/internal/spool"
	"github.com/resolvix/agent/internal/suppress"
	"github.com/resolvix/agent/internal/telemetry"
)

const (
	// shutdownWindow bounds the graceful stop: spool drain, server shutdown,
	// and tailer teardown all share it.
	shutdownWindow = 10 * time.Second

	// historyMaxAge is how long per-process history points are retained.
	historyMaxAge = 24 * time.Hour

	// historySweepInterval between history prunes.
	historySweepInterval = time.Hour

	userAgent = "ResolvixDaemon/1.0"
)

// Identity carries the host identity threaded through every wire payload.
type Identity struct {
	NodeID   string
	SystemIP string
	Hostname string
}

// Supervisor boots every agent subsystem in dependency order, fans config
// reloads out to the running components, emits the liveness heartbeat, and
// drives graceful shutdown. Construct with New, then call Run.
type Supervisor struct {
	store   *config.Store
	logger  *slog.Logger
	level   *slog.LevelVar
	id      Identity
	version string

	// listen addresses; derived from configured ports unless overridden.
	controlAddr string
	logsAddr    string
	metricsAddr string

	httpClient *http.Client

	runCtx context.Context
	wg     sync.WaitGroup

	spool     *spool.Spool
	broker    *broker.Publisher
	publisher *telemetry.Publisher
	sampler   *telemetry.Sampler
	engine    *alert.Engine
	manager   *monitor.Manager
	checker   *suppress.Checker
	pgStore   *suppress.Store
	procs     *procmon.Monitor
	logWS     *live.LogServer
	metricsWS *live.MetricsServer

	compMu     sync.Mutex
	components map[string]string
}

// Option is a functional option for Supervisor construction.
type Option func(*Supervisor)

// WithVersion sets the agent version reported by the control API and the
// heartbeat.
func WithVersion(v string) Option {
	return func(s *Supervisor) { s.version = v }
}

// WithLevelVar hands the supervisor the logger's level so logging.level
// reloads take effect without restart.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(s *Supervisor) { s.level = lv }
}

// WithListenAddrs overrides the addresses derived from the configured ports.
// Empty strings keep the configured value. Used by tests and socket-managed
// deployments.
func WithListenAddrs(controlAddr, logsAddr, metricsAddr string) Option {
	return func(s *Supervisor) {
		if controlAddr != "" {
			s.controlAddr = controlAddr
		}
		if logsAddr != "" {
			s.logsAddr = logsAddr
		}
		if metricsAddr != "" {
			s.metricsAddr = metricsAddr
		}
	}
}

// WithHTTPClient substitutes the heartbeat HTTP client. Used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.httpClient = c }
}

// New creates a Supervisor over an already-loaded config store.
func New(store *config.Store, id Identity, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:      store,
		logger:     logger,
		id:         id,
		version:    "dev",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		components: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run boots the agent and blocks until ctx is cancelled, then performs the
// graceful shutdown. Boot order: spool, broker, telemetry publisher, alert
// engine, sampler, suppression, tailers, broadcasters, control API.
func (s *Supervisor) Run(ctx context.Context) error {
	snap := s.store.Snapshot()
	s.runCtx = ctx

	s.logger.Info("daemon: starting",
		slog.String("node_id", s.id.NodeID),
		slog.String("system_ip", s.id.SystemIP),
		slog.String("version", s.version))

	sp, err := spool.Open(
		snap.String("telemetry.queue_db_path", "/var/lib/resolvix/telemetry_queue.db"),
		snap.Int("telemetry.queue_max_size", 1000), s.logger)
	if err != nil {
		return fmt.Errorf("daemon: open spool: %w", err)
	}
	s.spool = sp
	s.setComponent("spool", "running")

	s.broker = broker.New(
		snap.String("messaging.rabbitmq.url", ""),
		snap.String("messaging.rabbitmq.queue", "error_logs_queue"),
		s.logger)
	s.setComponent("broker", "running")

	var tokens *telemetry.TokenSource
	if t := s.store.Secret("api_token"); t != "" {
		tokens = telemetry.NewTokenSource(t, nil, s.logger)
	}
	s.publisher = telemetry.NewPublisher(telemetry.PublisherConfig{
		Endpoint: telemetryEndpoint(snap),
		Backoff:  backoffVector(snap),
		Timeout:  snap.Seconds("telemetry.timeout", 10*time.Second),
	}, sp, tokens, s.logger)
	s.setComponent("telemetry_publisher", "running")

	s.engine = alert.New(alert.Config{
		Endpoint: apiURL(snap) + "/alerts/create",
		Hostname: s.id.Hostname,
		SystemIP: s.id.SystemIP,
		Timeout:  snap.Seconds("telemetry.timeout", 10*time.Second),
	}, alert.RulesFromSnapshot(snap), s.logger)
	s.setComponent("alert_engine", "running")

	s.sampler = telemetry.NewSampler(s.id.NodeID,
		snap.Seconds("telemetry.interval", 3*time.Second), s.logger)
	s.sampler.AddSink(s.spoolSink)
	s.sampler.AddSink(s.engine.Evaluate)
	s.setComponent("sampler", "running")

	s.openSuppression(ctx, snap)

	if s.logsAddr == "" {
		s.logsAddr = fmt.Sprintf(":%d", snap.Int("ports.ws", 8755))
	}
	if s.metricsAddr == "" {
		s.metricsAddr = fmt.Sprintf(":%d", snap.Int("ports.telemetry_ws", 8756))
	}
	if s.controlAddr == "" {
		s.controlAddr = fmt.Sprintf(":%d", snap.Int("ports.control", 8754))
	}
	s.logWS = live.NewLogServer(s.logsAddr, s.id.NodeID, s.logger)
	s.metricsWS = live.NewMetricsServer(s.metricsAddr, s.id.NodeID, s.sampler,
		snap.Seconds("intervals.telemetry", 3*time.Second), s.logger)
	if err := s.logWS.Start(); err != nil {
		return fmt.Errorf("daemon: start live log server: %w", err)
	}
	if err := s.metricsWS.Start(); err != nil {
		return fmt.Errorf("daemon: start live metrics server: %w", err)
	}

	matcher, err := monitor.NewMatcher(snap.StringSlice("monitoring.error_keywords", nil))
	if err != nil {
		return fmt.Errorf("daemon: compile keywords: %w", err)
	}
	var sup monitor.Suppressor
	if s.checker != nil {
		sup = s.checker
	}
	s.manager = monitor.NewManager(s.id.SystemIP, matcher, sup, s.broker,
		s.logWS.PublishLine, snap.String("logging.path", ""), s.logger)
	s.manager.Reconcile(snap.MonitoredFiles(), snap.Int("monitoring.max_files", monitor.DefaultMaxFiles))
	s.setComponent("monitor", "running")

	s.procs = procmon.NewMonitor(procmon.DefaultHistorySize, s.logger)

	var supSource control.SuppressionSource
	if s.checker != nil {
		supSource = s.checker
	}
	ctl := control.NewServer(s.id.NodeID, s.version, s.id.SystemIP, s.store,
		s.procs, s.logWS, s.metricsWS, s, supSource, s.manager, s.logger)
	s.setComponent("control", "running")

	s.store.OnReload(s.applyChanges)

	s.spawn(func() { s.sampler.Run(ctx) })
	s.spawn(func() { s.publisher.Run(ctx) })
	s.spawn(func() { s.metricsWS.Run(ctx) })
	s.spawn(func() { s.heartbeatLoop(ctx) })
	s.spawn(func() { s.historySweep(ctx) })
	s.spawn(func() {
		if err := s.store.Watch(ctx); err != nil {
			s.logger.Warn("daemon: config watch unavailable", slog.Any("error", err))
		}
	})
	s.spawn(func() {
		if err := control.Serve(ctx, s.controlAddr, ctl); err != nil {
			s.logger.Error("daemon: control api failed", slog.Any("error", err))
			s.setComponent("control", "degraded")
		}
	})

	s.logger.Info("daemon: started",
		slog.String("control_addr", s.controlAddr),
		slog.Int("monitored_files", len(s.manager.Active())))

	<-ctx.Done()
	return s.shutdown()
}

// shutdown stops components in reverse boot order inside the shutdown window.
func (s *Supervisor) shutdown() error {
	s.logger.Info("daemon: shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
	defer cancel()

	s.manager.Stop()
	s.wg.Wait()

	// Final flush of anything the sampler spooled before it stopped.
	s.publisher.Drain(stopCtx)

	if err := s.logWS.Stop(stopCtx); err != nil {
		s.logger.Warn("daemon: live log server stop", slog.Any("error", err))
	}
	if err := s.metricsWS.Stop(stopCtx); err != nil {
		s.logger.Warn("daemon: live metrics server stop", slog.Any("error", err))
	}
	if err := s.broker.Close(); err != nil {
		s.logger.Warn("daemon: broker close", slog.Any("error", err))
	}
	if s.pgStore != nil {
		s.pgStore.Close()
	}
	if err := s.spool.Close(); err != nil {
		s.logger.Warn("daemon: spool close", slog.Any("error", err))
	}

	s.logger.Info("daemon: stopped")
	return nil
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// spoolSink marshals one snapshot to the flat wire payload and enqueues it.
func (s *Supervisor) spoolSink(snap telemetry.Snapshot) {
	payload, err := json.Marshal(snap.Flat())
	if err != nil {
		s.logger.Error("daemon: marshal snapshot", slog.Any("error", err))
		return
	}
	if _, err := s.spool.Enqueue(s.runCtx, snap.Timestamp, payload); err != nil {
		s.logger.Warn("daemon: spool enqueue failed", slog.Any("error", err))
	}
}

// openSuppression connects the Postgres rules store when suppression is
// configured. A connection failure degrades to "nothing suppressed" rather
// than blocking startup.
func (s *Supervisor) openSuppression(ctx context.Context, snap *config.Snapshot) {
	host := snap.String("suppression.db.host", "")
	if host == "" {
		s.setComponent("suppression", "stopped")
		return
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, snap.Int("suppression.db.port", 5432)),
		Path:   "/" + snap.String("suppression.db.name", ""),
		User: url.UserPassword(
			snap.String("suppression.db.user", ""),
			s.store.Secret("db_password")),
	}
	store, err := suppress.NewStore(ctx, u.String())
	if err != nil {
		s.logger.Warn("daemon: suppression store unavailable",
			slog.String("host", host), slog.Any("error", err))
		s.setComponent("suppression", "degraded")
		return
	}
	s.pgStore = store
	s.checker = suppress.NewChecker(store,
		snap.Seconds("suppression.cache_ttl", suppress.DefaultCacheTTL), s.logger)
	s.setComponent("suppression", "running")
}

// ---- heartbeat ----

type heartbeat struct {
	NodeID    string `json:"node_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// heartbeatLoop posts a liveness ping on the configured interval. Failures
// are logged and the loop carries on.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	interval := s.store.Snapshot().Seconds("intervals.heartbeat", 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sendHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if got := s.store.Snapshot().Seconds("intervals.heartbeat", 30*time.Second); got != interval {
				interval = got
				ticker.Reset(interval)
			}
			s.sendHeartbeat(ctx)
		}
	}
}

func (s *Supervisor) sendHeartbeat(ctx context.Context) {
	snap := s.store.Snapshot()
	endpoint := snap.String("connectivity.heartbeat_url", apiURL(snap)+"/daemon/heartbeat")

	body, err := json.Marshal(heartbeat{
		NodeID:    s.id.NodeID,
		Status:    s.overallStatus(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("daemon: heartbeat request", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("daemon: heartbeat failed", slog.Any("error", err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("daemon: heartbeat rejected", slog.Int("status", resp.StatusCode))
	}
}

// historySweep prunes stale per-process history points.
func (s *Supervisor) historySweep(ctx context.Context) {
	ticker := time.NewTicker(historySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.procs.CleanupHistory(historyMaxAge); n > 0 {
				s.logger.Debug("daemon: pruned process history", slog.Int("pids", n))
			}
		}
	}
}

// ---- component status ----

func (s *Supervisor) setComponent(name, state string) {
	s.compMu.Lock()
	s.components[name] = state
	s.compMu.Unlock()
}

// Components reports the state of every subsystem. Broadcaster entries track
// their live running state since the control API can stop and restart them.
func (s *Supervisor) Components() map[string]string {
	s.compMu.Lock()
	out := make(map[string]string, len(s.components)+2)
	for k, v := range s.components {
		out[k] = v
	}
	s.compMu.Unlock()

	out["livelogs"] = serverState(s.logWS != nil && s.logWS.Running())
	out["telemetry_ws"] = serverState(s.metricsWS != nil && s.metricsWS.Running())
	return out
}

// overallStatus is "running" unless any component is degraded.
func (s *Supervisor) overallStatus() string {
	s.compMu.Lock()
	defer s.compMu.Unlock()
	for _, state := range s.components {
		if state == "degraded" {
			return "degraded"
		}
	}
	return "running"
}

func serverState(running bool) string {
	if running {
		return "running"
	}
	return "stopped"
}

// ---- config reload fan-out ----

// applyChanges propagates a configuration reload to the affected components.
func (s *Supervisor) applyChanges(changes config.Changes) {
	snap := s.store.Snapshot()

	if changedUnder(changes, "monitoring.error_keywords") {
		if err := s.manager.SetKeywords(snap.StringSlice("monitoring.error_keywords", nil)); err != nil {
			s.logger.Error("daemon: keyword reload rejected", slog.Any("error", err))
		}
	}
	if changedUnder(changes, "monitoring.log_files") || changedUnder(changes, "monitoring.max_files") {
		s.manager.Reconcile(snap.MonitoredFiles(), snap.Int("monitoring.max_files", monitor.DefaultMaxFiles))
	}
	if changedUnder(changes, "alerts.thresholds") {
		s.engine.SetRules(alert.RulesFromSnapshot(snap))
	}
	if changedUnder(changes, "telemetry.interval") {
		s.sampler.SetInterval(snap.Seconds("telemetry.interval", 3*time.Second))
	}
	if changedUnder(changes, "intervals.telemetry") {
		s.metricsWS.SetInterval(snap.Seconds("intervals.telemetry", 3*time.Second))
	}
	if changedUnder(changes, "messaging.rabbitmq") {
		s.broker.Reconfigure(
			snap.String("messaging.rabbitmq.url", ""),
			snap.String("messaging.rabbitmq.queue", "error_logs_queue"))
	}
	if changedUnder(changes, "logging.level") && s.level != nil {
		s.level.Set(ParseLevel(snap.String("logging.level", "INFO")))
	}
}

// changedUnder reports whether any changed path is prefix or a descendant of
// it.
func changedUnder(changes config.Changes, prefix string) bool {
	for path := range changes {
		if path == prefix || strings.HasPrefix(path, prefix+".") {
			return true
		}
	}
	return false
}

// ParseLevel maps a configured level name to its slog level. Unknown names
// fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ---- endpoint derivation ----

func apiURL(snap *config.Snapshot) string {
	return strings.TrimRight(snap.String("connectivity.api_url", "http://localhost:3000/api"), "/")
}

func telemetryEndpoint(snap *config.Snapshot) string {
	base := strings.TrimRight(snap.String("connectivity.telemetry_backend_url", "http://localhost:3000"), "/")
	return base + "/api/telemetry/snapshot"
}

// backoffVector converts telemetry.retry_backoff (seconds) to durations.
func backoffVector(snap *config.Snapshot) []time.Duration {
	raw, ok := snap.Get("telemetry.retry_backoff", nil).([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]time.Duration, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case int:
			out = append(out, time.Duration(n)*time.Second)
		case int64:
			out = append(out, time.Duration(n)*time.Second)
		case float64:
			out = append(out, time.Duration(n*float64(time.Second)))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
