package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/resolvix/agent/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Flat projection
// ---------------------------------------------------------------------------

func TestFlat_AggregatesDiskAcrossMounts(t *testing.T) {
	snap := telemetry.Snapshot{
		Timestamp:     time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		NodeID:        "node-1",
		UptimeSeconds: 3600,
		Metrics: telemetry.Metrics{
			CPU: telemetry.CPU{UsagePercent: 42.5, LoadAvg1Min: 1.5, LoadAvg5Min: 1.0, LoadAvg15Min: 0.5},
			Memory: telemetry.Memory{
				TotalGB: 16, UsedGB: 8, UsagePercent: 50,
			},
			Disk: telemetry.Disk{
				Usage: map[string]telemetry.DiskUsage{
					"/":     {TotalGB: 100, UsedGB: 40},
					"/data": {TotalGB: 100, UsedGB: 60},
				},
			},
			Network: telemetry.Network{
				BytesSent: 2000, BytesRecv: 4000,
				SentMBPerSec: 1.0, RecvMBPerSec: 2.0,
				ActiveConnections: 17,
			},
			Processes: telemetry.Processes{Count: 231},
		},
	}

	flat := snap.Flat()
	if flat.NodeID != "node-1" {
		t.Errorf("NodeID = %q", flat.NodeID)
	}
	if flat.Timestamp != "2026-08-01T12:00:00Z" {
		t.Errorf("Timestamp = %q, want RFC3339 UTC", flat.Timestamp)
	}
	if flat.DiskTotalGB != 200 || flat.DiskUsedGB != 100 || flat.DiskPercent != 50 {
		t.Errorf("disk aggregate = total %.1f used %.1f pct %.1f, want 200/100/50",
			flat.DiskTotalGB, flat.DiskUsedGB, flat.DiskPercent)
	}
	if flat.MemoryUsedMB != 8192 || flat.MemoryTotalMB != 16384 {
		t.Errorf("memory MB = %.0f/%.0f, want 8192/16384", flat.MemoryUsedMB, flat.MemoryTotalMB)
	}
	if flat.NetworkRxRateMbps != 16 || flat.NetworkTxRateMbps != 8 {
		t.Errorf("rates Mbps = rx %.1f tx %.1f, want 16/8", flat.NetworkRxRateMbps, flat.NetworkTxRateMbps)
	}
	if flat.NetworkRxBytes != 4000 || flat.NetworkTxBytes != 2000 {
		t.Errorf("cumulative bytes = rx %d tx %d", flat.NetworkRxBytes, flat.NetworkTxBytes)
	}
	if flat.UptimeSeconds != 3600 || flat.ProcessCount != 231 || flat.ActiveConnections != 17 {
		t.Errorf("uptime/process/conns = %d/%d/%d", flat.UptimeSeconds, flat.ProcessCount, flat.ActiveConnections)
	}
}

func TestFlat_EmptyDiskAvoidsDivisionByZero(t *testing.T) {
	flat := telemetry.Snapshot{Timestamp: time.Now()}.Flat()
	if flat.DiskPercent != 0 {
		t.Errorf("DiskPercent = %.2f with no mounts, want 0", flat.DiskPercent)
	}
}

// ---------------------------------------------------------------------------
// Token source
// ---------------------------------------------------------------------------

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "agent",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestTokenSource_RefreshesNearExpiry(t *testing.T) {
	stale := signedToken(t, time.Now().Add(10*time.Second))
	fresh := signedToken(t, time.Now().Add(time.Hour))

	calls := 0
	ts := telemetry.NewTokenSource(stale, func(context.Context) (string, error) {
		calls++
		return fresh, nil
	}, testLogger())

	if got := ts.Token(context.Background()); got != fresh {
		t.Error("token near expiry was not refreshed")
	}
	if calls != 1 {
		t.Errorf("refresh called %d times, want 1", calls)
	}

	// Fresh token is served without another refresh.
	ts.Token(context.Background())
	if calls != 1 {
		t.Errorf("refresh called %d times for a fresh token, want 1", calls)
	}
}

func TestTokenSource_RefreshFailureKeepsCurrent(t *testing.T) {
	stale := signedToken(t, time.Now().Add(10*time.Second))
	ts := telemetry.NewTokenSource(stale, func(context.Context) (string, error) {
		return "", errors.New("backend down")
	}, testLogger())

	if got := ts.Token(context.Background()); got != stale {
		t.Error("failed refresh did not keep the current token")
	}
}

func TestTokenSource_OpaqueTokenServedAsIs(t *testing.T) {
	ts := telemetry.NewTokenSource("opaque-api-key", func(context.Context) (string, error) {
		t.Fatal("refresh must not run for a non-JWT token")
		return "", nil
	}, testLogger())

	if got := ts.Token(context.Background()); got != "opaque-api-key" {
		t.Errorf("Token = %q, want opaque-api-key", got)
	}
}
