package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/resolvix/agent/internal/telemetry"
)

// baselineMinSamples is how many samples the network baseline needs before
// spike detection engages.
const baselineMinSamples = 20

// Ticket is the payload posted to the alert endpoint. Field names are part
// of the wire contract.
type Ticket struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    string  `json:"priority"`
	Status      string  `json:"status"`
	Application string  `json:"application"`
	SystemIP    string  `json:"system_ip"`
	AlertType   string  `json:"alert_type"`
	MetricValue float64 `json:"metric_value"`
}

// Config carries the Engine's wiring.
type Config struct {
	Endpoint string // alert-ticket URL
	Hostname string
	SystemIP string
	Timeout  time.Duration // per-ticket POST timeout; 10s when zero
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type breachState struct {
	firstBreach time.Time
	lastEmitted time.Time
}

// Engine tracks one breach state per rule and raises tickets when a breach
// outlasts the rule's required duration. Evaluate is called from the sampler
// goroutine; rule swaps arrive from config reload. A single mutex covers
// both.
type Engine struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	rules    map[string]Rule
	breaches map[string]*breachState

	baseSentTotal float64
	baseRecvTotal float64
	baseSamples   int
}

// New builds an Engine with the given rules.
func New(cfg Config, rules map[string]Rule, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	e := &Engine{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		now:      time.Now,
		rules:    rules,
		breaches: map[string]*breachState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetRules swaps the rule set. Breach state for rules that survive the swap
// is retained. Used by config hot reload.
func (e *Engine) SetRules(rules map[string]Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	for key := range e.breaches {
		if _, ok := rules[key]; !ok {
			delete(e.breaches, key)
		}
	}
}

// Evaluate runs every configured rule against snap. It is registered as a
// sampler sink; ticket POSTs happen inline and are bounded by the configured
// timeout.
func (e *Engine) Evaluate(snap telemetry.Snapshot) {
	now := e.now()

	e.check(now, "cpu_critical", snap.Metrics.CPU.UsagePercent, nil)
	e.check(now, "cpu_high", snap.Metrics.CPU.UsagePercent, nil)
	e.check(now, "memory_critical", snap.Metrics.Memory.UsagePercent, map[string]any{
		"memory_used_gb":      snap.Metrics.Memory.UsedGB,
		"memory_available_gb": snap.Metrics.Memory.AvailableGB,
	})
	e.check(now, "memory_high", snap.Metrics.Memory.UsagePercent, nil)

	// Disk alerts fire on the fullest mount so a saturated volume is never
	// hidden by an aggregate.
	mount, diskPct := fullestMount(snap.Metrics.Disk.Usage)
	diskMeta := map[string]any{"mount": mount}
	e.check(now, "disk_critical", diskPct, diskMeta)
	e.check(now, "disk_high", diskPct, diskMeta)

	if ratio, ok := e.networkSpikeRatio(snap.Metrics.Network); ok {
		e.check(now, "network_spike", ratio, map[string]any{
			"sent_mb_per_sec": snap.Metrics.Network.SentMBPerSec,
			"recv_mb_per_sec": snap.Metrics.Network.RecvMBPerSec,
		})
	}
	e.check(now, "high_process_count", float64(snap.Metrics.Processes.Count), nil)
}

// check walks one rule through the breach algorithm.
func (e *Engine) check(now time.Time, key string, value float64, meta map[string]any) {
	e.mu.Lock()
	rule, ok := e.rules[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	state := e.breaches[key]
	if state == nil {
		state = &breachState{}
		e.breaches[key] = state
	}

	if value < rule.Threshold {
		if !state.firstBreach.IsZero() {
			e.logger.Info("alert: metric returned to normal", slog.String("rule", key))
			state.firstBreach = time.Time{}
		}
		e.mu.Unlock()
		return
	}
	if state.firstBreach.IsZero() {
		state.firstBreach = now
		e.logger.Info("alert: threshold breached",
			slog.String("rule", key), slog.Float64("value", value))
		e.mu.Unlock()
		return
	}
	duration := now.Sub(state.firstBreach)
	if duration < rule.Duration {
		e.mu.Unlock()
		return
	}
	if !state.lastEmitted.IsZero() && now.Sub(state.lastEmitted) < rule.Cooldown {
		e.mu.Unlock()
		return
	}
	state.lastEmitted = now
	state.firstBreach = time.Time{}
	e.mu.Unlock()

	e.emit(rule, value, duration, meta)
}

// emit posts one ticket. Failures are logged only: if the condition holds,
// the next tick past cooldown raises it again.
func (e *Engine) emit(rule Rule, value float64, duration time.Duration, meta map[string]any) {
	ticket := Ticket{
		Title:       e.title(rule, value, duration),
		Description: e.description(rule, value, duration, meta),
		Priority:    rule.Priority,
		Status:      "open",
		Application: "System Monitor",
		SystemIP:    e.cfg.SystemIP,
		AlertType:   rule.Key,
		MetricValue: value,
	}

	if e.cfg.Endpoint == "" {
		e.logger.Warn("alert: no endpoint configured, dropping ticket",
			slog.String("rule", rule.Key))
		return
	}

	body, err := json.Marshal(ticket)
	if err != nil {
		e.logger.Error("alert: marshal ticket", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("alert: build ticket request", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("alert: ticket send failed",
			slog.String("rule", rule.Key), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		e.logger.Warn("alert: ticket rejected",
			slog.String("rule", rule.Key), slog.Int("status", resp.StatusCode))
		return
	}
	e.logger.Info("alert: ticket created",
		slog.String("rule", rule.Key), slog.Float64("value", value))
}

// networkSpikeRatio accumulates the traffic baseline and, once enough
// samples exist, returns the current-to-average ratio of the busier
// direction. Caller evaluates the ratio against the spike multiplier.
func (e *Engine) networkSpikeRatio(n telemetry.Network) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.baseSentTotal += n.SentMBPerSec
	e.baseRecvTotal += n.RecvMBPerSec
	e.baseSamples++
	if e.baseSamples < baselineMinSamples {
		return 0, false
	}

	avgSent := e.baseSentTotal / float64(e.baseSamples)
	avgRecv := e.baseRecvTotal / float64(e.baseSamples)

	ratio := 0.0
	if avgSent > 0 {
		ratio = n.SentMBPerSec / avgSent
	}
	if avgRecv > 0 {
		if r := n.RecvMBPerSec / avgRecv; r > ratio {
			ratio = r
		}
	}
	return ratio, ratio > 0
}

func (e *Engine) title(rule Rule, value float64, duration time.Duration) string {
	minutes := duration.Minutes()
	switch rule.Key {
	case "cpu_critical":
		return fmt.Sprintf("CRITICAL: CPU usage at %.1f%% for %.1f minutes on %s", value, minutes, e.cfg.Hostname)
	case "cpu_high":
		return fmt.Sprintf("HIGH: CPU usage at %.1f%% for %.1f minutes on %s", value, minutes, e.cfg.Hostname)
	case "memory_critical":
		return fmt.Sprintf("CRITICAL: Memory usage at %.1f%% for %.1f minutes on %s", value, minutes, e.cfg.Hostname)
	case "memory_high":
		return fmt.Sprintf("HIGH: Memory usage at %.1f%% for %.1f minutes on %s", value, minutes, e.cfg.Hostname)
	case "disk_critical":
		return fmt.Sprintf("CRITICAL: Disk usage at %.1f%% on %s. Immediate action required", value, e.cfg.Hostname)
	case "disk_high":
		return fmt.Sprintf("WARNING: Disk usage at %.1f%% on %s. Plan cleanup soon", value, e.cfg.Hostname)
	case "network_spike":
		return fmt.Sprintf("Network traffic spike detected: %.1fx normal on %s", value, e.cfg.Hostname)
	case "high_process_count":
		return fmt.Sprintf("High process count: %.0f processes running on %s", value, e.cfg.Hostname)
	default:
		return fmt.Sprintf("ALERT: %s at %.1f on %s", rule.Key, value, e.cfg.Hostname)
	}
}

// description renders the ticket body as markdown with the breach detail,
// rule configuration, extra metrics and recommended actions.
func (e *Engine) description(rule Rule, value float64, duration time.Duration, meta map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Alert Type:** %s\n", titleWords(rule.Key))
	fmt.Fprintf(&b, "**Timestamp:** %s\n", e.now().UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "**Host:** %s (%s)\n", e.cfg.Hostname, e.cfg.SystemIP)
	fmt.Fprintf(&b, "**Metric Value:** %.2f\n", value)
	fmt.Fprintf(&b, "**Duration:** %.1f minutes\n\n", duration.Minutes())

	fmt.Fprintf(&b, "**Threshold Configuration:**\n")
	fmt.Fprintf(&b, "- Threshold: %.0f\n", rule.Threshold)
	fmt.Fprintf(&b, "- Required Duration: %.0fs\n", rule.Duration.Seconds())
	fmt.Fprintf(&b, "- Priority: %s\n\n", rule.Priority)

	fmt.Fprintf(&b, "**Additional Metrics:**\n")
	if len(meta) == 0 {
		b.WriteString("No additional metrics\n")
	} else {
		for key, v := range meta {
			switch t := v.(type) {
			case float64:
				fmt.Fprintf(&b, "- %s: %.2f\n", key, t)
			default:
				fmt.Fprintf(&b, "- %s: %v\n", key, v)
			}
		}
	}

	fmt.Fprintf(&b, "\n**Recommended Actions:**\n%s", recommendations(rule.Key))
	return b.String()
}

func recommendations(key string) string {
	switch key {
	case "cpu_critical":
		return "1. Check top processes: `top` or `htop`\n2. Kill unnecessary processes\n3. Consider scaling horizontally"
	case "cpu_high":
		return "1. Identify CPU-intensive processes\n2. Optimize application code\n3. Monitor trends for capacity planning"
	case "memory_critical":
		return "1. Check for memory leaks: `ps aux --sort=-%mem`\n2. Restart leaking services\n3. Consider adding more RAM"
	case "memory_high":
		return "1. Clear caches: `sync; echo 3 > /proc/sys/vm/drop_caches`\n2. Review application memory usage\n3. Plan memory upgrade"
	case "disk_critical":
		return "1. Delete old logs under /var/log\n2. Clear temp files\n3. Identify large files: `du -h --max-depth=1 / | sort -hr`"
	case "disk_high":
		return "1. Run disk cleanup\n2. Archive old data\n3. Plan storage expansion"
	case "network_spike":
		return "1. Check active connections: `netstat -tunap`\n2. Verify no DDoS attack\n3. Review application logs"
	case "high_process_count":
		return "1. Check for zombie processes\n2. Review application spawning logic\n3. Increase process limits if needed"
	default:
		return "Review system logs and metrics"
	}
}

// titleWords renders a rule key like "high_process_count" as
// "High Process Count".
func titleWords(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func fullestMount(usage map[string]telemetry.DiskUsage) (string, float64) {
	mount, pct := "", 0.0
	for m, u := range usage {
		if u.UsagePercent > pct {
			mount, pct = m, u.UsagePercent
		}
	}
	return mount, pct
}
