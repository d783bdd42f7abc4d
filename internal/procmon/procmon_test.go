package procmon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// History ring
// ---------------------------------------------------------------------------

func TestHistory_WindowAndStatistics(t *testing.T) {
	m := NewMonitor(0, testLogger())
	now := time.Now()
	m.history[42] = []HistoryPoint{
		{Timestamp: now.Add(-30 * time.Hour), CPUPercent: 99, MemoryPercent: 99},
		{Timestamp: now.Add(-2 * time.Hour), CPUPercent: 10, MemoryPercent: 20},
		{Timestamp: now.Add(-1 * time.Hour), CPUPercent: 30, MemoryPercent: 40},
	}

	report := m.History(42, 24)
	if report.DataPoints != 2 {
		t.Fatalf("DataPoints = %d, want 2 (30h-old point outside window)", report.DataPoints)
	}
	stats := report.Statistics
	if stats == nil {
		t.Fatal("Statistics = nil with points in window")
	}
	if stats.AvgCPU != 20 || stats.MaxCPU != 30 {
		t.Errorf("cpu stats = avg %v max %v, want avg 20 max 30", stats.AvgCPU, stats.MaxCPU)
	}
	if stats.AvgMemory != 30 || stats.MaxMemory != 40 {
		t.Errorf("memory stats = avg %v max %v, want avg 30 max 40", stats.AvgMemory, stats.MaxMemory)
	}
}

func TestHistory_UnknownPID(t *testing.T) {
	m := NewMonitor(0, testLogger())
	report := m.History(9999999, 24)
	if report.DataPoints != 0 || len(report.History) != 0 {
		t.Errorf("unknown pid report = %+v, want empty", report)
	}
	if report.Statistics != nil {
		t.Error("Statistics non-nil for empty history")
	}
}

func TestRecord_RingLimit(t *testing.T) {
	m := NewMonitor(3, testLogger())
	for i := 0; i < 5; i++ {
		m.record(1, HistoryPoint{Timestamp: time.Now(), CPUPercent: float64(i)})
	}
	points := m.history[1]
	if len(points) != 3 {
		t.Fatalf("ring holds %d points, want 3", len(points))
	}
	if points[0].CPUPercent != 2 || points[2].CPUPercent != 4 {
		t.Errorf("ring kept %v..%v, want oldest entries evicted", points[0].CPUPercent, points[2].CPUPercent)
	}
}

func TestCleanupHistory(t *testing.T) {
	m := NewMonitor(0, testLogger())
	now := time.Now()
	m.history[1] = []HistoryPoint{{Timestamp: now.Add(-72 * time.Hour)}}
	m.history[2] = []HistoryPoint{
		{Timestamp: now.Add(-72 * time.Hour)},
		{Timestamp: now.Add(-time.Hour)},
	}

	removed := m.CleanupHistory(48 * time.Hour)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := m.history[1]; ok {
		t.Error("pid with only stale points was not forgotten")
	}
	if got := len(m.history[2]); got != 1 {
		t.Errorf("pid 2 kept %d points, want 1", got)
	}
}

// ---------------------------------------------------------------------------
// Live process table
// ---------------------------------------------------------------------------

func TestOverview_Live(t *testing.T) {
	m := NewMonitor(0, testLogger())
	ov, err := m.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if ov.TotalProcesses < 1 {
		t.Errorf("TotalProcesses = %d, want at least this test process", ov.TotalProcesses)
	}
	if len(ov.TopCPU) > 10 || len(ov.TopRAM) > 10 {
		t.Errorf("top lists = %d/%d entries, want at most 10 each", len(ov.TopCPU), len(ov.TopRAM))
	}
	if _, err := time.Parse(time.RFC3339, ov.Timestamp); err != nil {
		t.Errorf("Timestamp %q is not RFC3339: %v", ov.Timestamp, err)
	}

	// A scan records history for the scanned processes.
	self := m.History(int32(os.Getpid()), 1)
	if self.DataPoints == 0 {
		t.Error("scan did not record history for this process")
	}
}

func TestDetail_Self(t *testing.T) {
	m := NewMonitor(0, testLogger())
	d, err := m.Detail(context.Background(), int32(os.Getpid()))
	if err != nil {
		t.Fatalf("Detail(self): %v", err)
	}
	if d.PID != int32(os.Getpid()) {
		t.Errorf("PID = %d, want %d", d.PID, os.Getpid())
	}
	if d.Name == "" || d.Cmdline == "" {
		t.Errorf("Name/Cmdline empty: %+v", d.Info)
	}
	if d.NumThreads < 1 {
		t.Errorf("NumThreads = %d, want >= 1", d.NumThreads)
	}
}

func TestDetail_NotFound(t *testing.T) {
	m := NewMonitor(0, testLogger())
	_, err := m.Detail(context.Background(), 1<<22+12345)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestKill_TerminatesChild(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child process: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})

	m := NewMonitor(0, testLogger())
	res, err := m.Kill(context.Background(), int32(cmd.Process.Pid), false)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if res.Forced {
		t.Error("sleep should exit on SIGTERM without escalation")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child still running after Kill reported success")
	}
}

func TestKill_NotFound(t *testing.T) {
	m := NewMonitor(0, testLogger())
	_, err := m.Kill(context.Background(), 1<<22+54321, false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTree_IncludesChild(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child process: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-done
	})

	m := NewMonitor(0, testLogger())
	tree, err := m.Tree(context.Background(), int32(os.Getpid()))
	if err != nil {
		t.Fatalf("Tree(self): %v", err)
	}
	found := false
	for _, child := range tree.Children {
		if child.PID == int32(cmd.Process.Pid) {
			found = true
		}
	}
	if !found {
		t.Errorf("children %+v missing spawned pid %d", tree.Children, cmd.Process.Pid)
	}
	if tree.TotalChildren != len(tree.Children) {
		t.Errorf("TotalChildren = %d, len(Children) = %d", tree.TotalChildren, len(tree.Children))
	}
}
