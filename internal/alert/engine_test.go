package alert_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/resolvix/agent/internal/alert"
	"github.com/resolvix/agent/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// ticketSink records tickets posted to the alert endpoint.
type ticketSink struct {
	mu      sync.Mutex
	tickets []alert.Ticket
}

func (ts *ticketSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var t alert.Ticket
		_ = json.NewDecoder(r.Body).Decode(&t)
		ts.mu.Lock()
		ts.tickets = append(ts.tickets, t)
		ts.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}
}

func (ts *ticketSink) count() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tickets)
}

func (ts *ticketSink) last(t *testing.T) alert.Ticket {
	t.Helper()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.tickets) == 0 {
		t.Fatal("no tickets received")
	}
	return ts.tickets[len(ts.tickets)-1]
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// cpuSnapshot returns a snapshot whose only interesting metric is CPU usage.
func cpuSnapshot(percent float64) telemetry.Snapshot {
	return telemetry.Snapshot{
		Timestamp: time.Now().UTC(),
		NodeID:    "node-1",
		Metrics:   telemetry.Metrics{CPU: telemetry.CPU{UsagePercent: percent}},
	}
}

// newEngine wires an Engine with one cpu_critical rule against sink.
func newEngine(t *testing.T, sink *ticketSink, clock *fakeClock, rules map[string]alert.Rule) *alert.Engine {
	t.Helper()
	srv := httptest.NewServer(sink.handler())
	t.Cleanup(srv.Close)
	return alert.New(alert.Config{
		Endpoint: srv.URL,
		Hostname: "web-01",
		SystemIP: "10.0.0.5",
	}, rules, testLogger(), alert.WithClock(clock.Now))
}

func cpuCriticalRule(duration, cooldown time.Duration) map[string]alert.Rule {
	return map[string]alert.Rule{
		"cpu_critical": {
			Key: "cpu_critical", Threshold: 90, Duration: duration,
			Priority: "critical", Cooldown: cooldown,
		},
	}
}

// ---------------------------------------------------------------------------
// Breach algorithm
// ---------------------------------------------------------------------------

func TestEvaluate_BelowThreshold_NoTicket(t *testing.T) {
	sink := &ticketSink{}
	e := newEngine(t, sink, newFakeClock(), cpuCriticalRule(5*time.Minute, 30*time.Minute))

	e.Evaluate(cpuSnapshot(50))
	if sink.count() != 0 {
		t.Errorf("tickets = %d for a healthy metric, want 0", sink.count())
	}
}

func TestEvaluate_BreachMustPersistForDuration(t *testing.T) {
	sink := &ticketSink{}
	clock := newFakeClock()
	e := newEngine(t, sink, clock, cpuCriticalRule(5*time.Minute, 30*time.Minute))

	// First breach only arms the state.
	e.Evaluate(cpuSnapshot(95))
	if sink.count() != 0 {
		t.Fatalf("ticket raised on first breach, want armed state only")
	}

	// Still inside the required duration.
	clock.Advance(4 * time.Minute)
	e.Evaluate(cpuSnapshot(95))
	if sink.count() != 0 {
		t.Fatalf("ticket raised before required duration elapsed")
	}

	// Past the required duration.
	clock.Advance(2 * time.Minute)
	e.Evaluate(cpuSnapshot(95))
	if sink.count() != 1 {
		t.Fatalf("tickets = %d after sustained breach, want 1", sink.count())
	}

	ticket := sink.last(t)
	if ticket.AlertType != "cpu_critical" || ticket.Priority != "critical" {
		t.Errorf("ticket = %+v", ticket)
	}
	if ticket.Status != "open" || ticket.Application != "System Monitor" {
		t.Errorf("ticket constants = status %q application %q", ticket.Status, ticket.Application)
	}
	if ticket.SystemIP != "10.0.0.5" {
		t.Errorf("SystemIP = %q", ticket.SystemIP)
	}
	if !strings.Contains(ticket.Description, "Recommended Actions") {
		t.Error("description missing recommended actions section")
	}
}

func TestEvaluate_RecoveryClearsBreach(t *testing.T) {
	sink := &ticketSink{}
	clock := newFakeClock()
	e := newEngine(t, sink, clock, cpuCriticalRule(5*time.Minute, 30*time.Minute))

	e.Evaluate(cpuSnapshot(95))
	clock.Advance(3 * time.Minute)
	e.Evaluate(cpuSnapshot(40)) // recovered, breach cleared
	clock.Advance(3 * time.Minute)
	e.Evaluate(cpuSnapshot(95)) // re-armed, duration restarts
	clock.Advance(4 * time.Minute)
	e.Evaluate(cpuSnapshot(95))

	if sink.count() != 0 {
		t.Errorf("tickets = %d, want 0: recovery must reset the breach window", sink.count())
	}
}

func TestEvaluate_CooldownSuppressesRepeat(t *testing.T) {
	sink := &ticketSink{}
	clock := newFakeClock()
	e := newEngine(t, sink, clock, cpuCriticalRule(0, 30*time.Minute))

	// Zero duration alerts on the second breached tick.
	e.Evaluate(cpuSnapshot(95))
	clock.Advance(time.Second)
	e.Evaluate(cpuSnapshot(95))
	if sink.count() != 1 {
		t.Fatalf("tickets = %d, want 1", sink.count())
	}

	// Within cooldown nothing new fires even though the breach persists.
	clock.Advance(10 * time.Minute)
	e.Evaluate(cpuSnapshot(95))
	clock.Advance(time.Second)
	e.Evaluate(cpuSnapshot(95))
	if sink.count() != 1 {
		t.Fatalf("tickets = %d within cooldown, want still 1", sink.count())
	}

	// Past cooldown it fires again.
	clock.Advance(31 * time.Minute)
	e.Evaluate(cpuSnapshot(95))
	clock.Advance(time.Second)
	e.Evaluate(cpuSnapshot(95))
	if sink.count() != 2 {
		t.Errorf("tickets = %d past cooldown, want 2", sink.count())
	}
}

func TestEvaluate_DiskUsesFullestMount(t *testing.T) {
	sink := &ticketSink{}
	clock := newFakeClock()
	e := newEngine(t, sink, clock, map[string]alert.Rule{
		"disk_critical": {Key: "disk_critical", Threshold: 90, Priority: "critical", Cooldown: time.Hour},
	})

	snap := telemetry.Snapshot{
		Metrics: telemetry.Metrics{
			Disk: telemetry.Disk{Usage: map[string]telemetry.DiskUsage{
				"/":     {UsagePercent: 40},
				"/data": {UsagePercent: 97},
			}},
		},
	}
	e.Evaluate(snap) // arms
	clock.Advance(time.Second)
	e.Evaluate(snap) // fires (duration 0)

	if sink.count() != 1 {
		t.Fatalf("tickets = %d, want 1 from the fullest mount", sink.count())
	}
	if got := sink.last(t).MetricValue; got != 97 {
		t.Errorf("MetricValue = %.1f, want 97", got)
	}
}

func TestEvaluate_NetworkSpikeNeedsBaseline(t *testing.T) {
	sink := &ticketSink{}
	clock := newFakeClock()
	e := newEngine(t, sink, clock, map[string]alert.Rule{
		"network_spike": {Key: "network_spike", Threshold: 5, Priority: "medium", Cooldown: time.Hour},
	})

	steady := telemetry.Snapshot{
		Metrics: telemetry.Metrics{Network: telemetry.Network{SentMBPerSec: 1, RecvMBPerSec: 1}},
	}
	// 19 samples build the baseline without engaging detection.
	for i := 0; i < 19; i++ {
		e.Evaluate(steady)
		clock.Advance(time.Second)
	}
	if sink.count() != 0 {
		t.Fatalf("tickets = %d while baseline is forming, want 0", sink.count())
	}

	// Sustained 50x spike well past the 5x multiplier.
	spike := telemetry.Snapshot{
		Metrics: telemetry.Metrics{Network: telemetry.Network{SentMBPerSec: 50, RecvMBPerSec: 1}},
	}
	e.Evaluate(spike) // arms
	clock.Advance(time.Second)
	e.Evaluate(spike) // fires (duration 0 in this rule)

	if sink.count() != 1 {
		t.Errorf("tickets = %d after spike, want 1", sink.count())
	}
}

func TestSetRules_DropsRemovedBreachState(t *testing.T) {
	sink := &ticketSink{}
	clock := newFakeClock()
	e := newEngine(t, sink, clock, cpuCriticalRule(0, time.Hour))

	e.Evaluate(cpuSnapshot(95)) // arms cpu_critical

	// Rule removed; the armed breach must not fire after re-add.
	e.SetRules(map[string]alert.Rule{})
	e.SetRules(cpuCriticalRule(0, time.Hour))
	clock.Advance(time.Second)
	e.Evaluate(cpuSnapshot(95)) // arms again from scratch
	if sink.count() != 0 {
		t.Errorf("tickets = %d after rule swap, want 0 (state reset)", sink.count())
	}
}
