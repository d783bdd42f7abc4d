package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/resolvix/agent/internal/telemetry"
)

func TestCollect_FirstSampleZeroRates(t *testing.T) {
	s := telemetry.NewSampler("node-1", time.Second, testLogger())

	snap := s.Collect(context.Background())
	if snap.NodeID != "node-1" {
		t.Errorf("NodeID = %q", snap.NodeID)
	}
	if snap.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}
	if snap.Metrics.Network.SentMBPerSec != 0 || snap.Metrics.Network.RecvMBPerSec != 0 {
		t.Errorf("first sample network rates = %.2f/%.2f, want zeros",
			snap.Metrics.Network.SentMBPerSec, snap.Metrics.Network.RecvMBPerSec)
	}
	if snap.Metrics.Disk.IO.ReadMBPerSec != 0 || snap.Metrics.Disk.IO.WriteMBPerSec != 0 {
		t.Errorf("first sample disk rates = %.2f/%.2f, want zeros",
			snap.Metrics.Disk.IO.ReadMBPerSec, snap.Metrics.Disk.IO.WriteMBPerSec)
	}
}

func TestCollect_MonotonicTimestampsAndLatest(t *testing.T) {
	s := telemetry.NewSampler("node-1", time.Second, testLogger())

	first := s.Collect(context.Background())
	second := s.Collect(context.Background())
	if second.Timestamp.Before(first.Timestamp) {
		t.Errorf("timestamps not monotonic: %v then %v", first.Timestamp, second.Timestamp)
	}

	latest := s.Latest()
	if latest == nil {
		t.Fatal("Latest is nil after Collect")
	}
	if !latest.Timestamp.Equal(second.Timestamp) {
		t.Errorf("Latest = %v, want most recent %v", latest.Timestamp, second.Timestamp)
	}
}

func TestSampler_SetInterval(t *testing.T) {
	s := telemetry.NewSampler("node-1", 3*time.Second, testLogger())
	s.SetInterval(10 * time.Second)
	if got := s.Interval(); got != 10*time.Second {
		t.Errorf("Interval = %v, want 10s", got)
	}
	// Non-positive values are ignored.
	s.SetInterval(0)
	if got := s.Interval(); got != 10*time.Second {
		t.Errorf("Interval = %v after SetInterval(0), want 10s", got)
	}
}
