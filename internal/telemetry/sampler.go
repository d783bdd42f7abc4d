package telemetry

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// DefaultInterval between samples.
	DefaultInterval = 3 * time.Second

	// startupJitterMax spreads fleet agents so samples do not synchronise.
	startupJitterMax = 10 * time.Second

	// topProcessCount is how many processes the snapshot ranks by memory.
	topProcessCount = 5
)

// Sampler collects one Snapshot per tick and hands it to every registered
// sink. Rate fields (network and disk throughput) are derived from deltas
// between consecutive counter reads; the first sample reports zeros.
type Sampler struct {
	nodeID string
	logger *slog.Logger

	intervalNs atomic.Int64
	last       atomic.Pointer[Snapshot]

	mu    sync.Mutex
	sinks []func(Snapshot)

	prevTime time.Time
	prevNet  *gopsnet.IOCountersStat
	prevDisk *disk.IOCountersStat
}

// NewSampler builds a Sampler for nodeID ticking at interval.
func NewSampler(nodeID string, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sampler{nodeID: nodeID, logger: logger}
	s.intervalNs.Store(int64(interval))
	return s
}

// AddSink registers fn to receive every snapshot. Sinks run synchronously on
// the sampling goroutine and must not block.
func (s *Sampler) AddSink(fn func(Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, fn)
}

// SetInterval changes the sampling interval; the new value takes effect at
// the next tick. Used by config hot reload.
func (s *Sampler) SetInterval(interval time.Duration) {
	if interval > 0 {
		s.intervalNs.Store(int64(interval))
	}
}

// Interval returns the current sampling interval.
func (s *Sampler) Interval() time.Duration {
	return time.Duration(s.intervalNs.Load())
}

// Run samples until ctx is cancelled. Startup is delayed by a random jitter
// so a fleet of agents does not hit the backend in lockstep.
func (s *Sampler) Run(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(startupJitterMax)))
	s.logger.Info("telemetry: sampler starting",
		slog.Duration("interval", s.Interval()),
		slog.Duration("jitter", jitter))

	timer := time.NewTimer(jitter)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("telemetry: sampler stopped")
			return
		case <-timer.C:
		}

		snap := s.Collect(ctx)
		s.mu.Lock()
		sinks := make([]func(Snapshot), len(s.sinks))
		copy(sinks, s.sinks)
		s.mu.Unlock()
		for _, sink := range sinks {
			sink(snap)
		}

		timer.Reset(s.Interval())
	}
}

// Collect gathers one snapshot. Subsystem failures are logged at debug and
// leave that section zeroed rather than failing the whole sample.
func (s *Sampler) Collect(ctx context.Context) Snapshot {
	now := time.Now().UTC()
	snap := Snapshot{Timestamp: now, NodeID: s.nodeID}

	snap.Metrics.CPU = s.collectCPU(ctx)
	snap.Metrics.Memory = s.collectMemory(ctx)
	snap.Metrics.Disk = s.collectDisk(ctx, now)
	snap.Metrics.Network = s.collectNetwork(ctx, now)
	snap.Metrics.Processes = s.collectProcesses(ctx)

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		snap.UptimeSeconds = uptime
	}

	s.prevTime = now
	s.last.Store(&snap)
	return snap
}

// Latest returns the most recent snapshot, or nil before the first sample.
// Safe to call from any goroutine.
func (s *Sampler) Latest() *Snapshot {
	return s.last.Load()
}

func (s *Sampler) collectCPU(ctx context.Context) CPU {
	var c CPU

	// Interval 0 measures against the previous call, so the first sample
	// reports zero and each tick reflects the elapsed window.
	if overall, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(overall) > 0 {
		c.UsagePercent = round2(overall[0])
	} else if err != nil {
		s.logger.Debug("telemetry: cpu percent", slog.Any("error", err))
	}
	if perCore, err := cpu.PercentWithContext(ctx, 0, true); err == nil {
		c.PerCorePercent = make([]float64, len(perCore))
		for i, v := range perCore {
			c.PerCorePercent[i] = round2(v)
		}
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		c.LoadAvg1Min = round2(avg.Load1)
		c.LoadAvg5Min = round2(avg.Load5)
		c.LoadAvg15Min = round2(avg.Load15)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		c.CountLogical = n
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		c.CountPhysical = n
	}
	return c
}

func (s *Sampler) collectMemory(ctx context.Context) Memory {
	var m Memory
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.TotalGB = toGB(vm.Total)
		m.UsedGB = toGB(vm.Used)
		m.AvailableGB = toGB(vm.Available)
		m.UsagePercent = round2(vm.UsedPercent)
	} else {
		s.logger.Debug("telemetry: virtual memory", slog.Any("error", err))
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		m.SwapTotalGB = toGB(swap.Total)
		m.SwapUsedGB = toGB(swap.Used)
		m.SwapPercent = round2(swap.UsedPercent)
	}
	return m
}

func (s *Sampler) collectDisk(ctx context.Context, now time.Time) Disk {
	d := Disk{Usage: map[string]DiskUsage{}}

	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil {
				continue
			}
			d.Usage[p.Mountpoint] = DiskUsage{
				TotalGB:      toGB(usage.Total),
				UsedGB:       toGB(usage.Used),
				FreeGB:       toGB(usage.Free),
				UsagePercent: round2(usage.UsedPercent),
			}
		}
	} else {
		s.logger.Debug("telemetry: disk partitions", slog.Any("error", err))
	}

	counters, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return d
	}
	var total disk.IOCountersStat
	for _, c := range counters {
		total.ReadBytes += c.ReadBytes
		total.WriteBytes += c.WriteBytes
		total.ReadCount += c.ReadCount
		total.WriteCount += c.WriteCount
	}
	d.IO.ReadCount = total.ReadCount
	d.IO.WriteCount = total.WriteCount

	if s.prevDisk != nil && !s.prevTime.IsZero() {
		elapsed := now.Sub(s.prevTime).Seconds()
		if elapsed > 0 {
			d.IO.ReadMBPerSec = round2(float64(total.ReadBytes-s.prevDisk.ReadBytes) / elapsed / (1 << 20))
			d.IO.WriteMBPerSec = round2(float64(total.WriteBytes-s.prevDisk.WriteBytes) / elapsed / (1 << 20))
		}
	}
	s.prevDisk = &total
	return d
}

func (s *Sampler) collectNetwork(ctx context.Context, now time.Time) Network {
	var n Network

	counters, err := gopsnet.IOCountersWithContext(ctx, false)
	if err != nil || len(counters) == 0 {
		s.logger.Debug("telemetry: net counters", slog.Any("error", err))
		return n
	}
	cur := counters[0]
	n.BytesSent = cur.BytesSent
	n.BytesRecv = cur.BytesRecv
	n.PacketsSent = cur.PacketsSent
	n.PacketsRecv = cur.PacketsRecv
	n.ErrorsIn = cur.Errin
	n.ErrorsOut = cur.Errout
	n.DropsIn = cur.Dropin
	n.DropsOut = cur.Dropout

	if s.prevNet != nil && !s.prevTime.IsZero() {
		elapsed := now.Sub(s.prevTime).Seconds()
		if elapsed > 0 {
			n.SentMBPerSec = round2(float64(cur.BytesSent-s.prevNet.BytesSent) / elapsed / (1 << 20))
			n.RecvMBPerSec = round2(float64(cur.BytesRecv-s.prevNet.BytesRecv) / elapsed / (1 << 20))
		}
	}
	s.prevNet = &cur

	// Connection enumeration may need elevated permissions; skip on error.
	if conns, err := gopsnet.ConnectionsWithContext(ctx, "inet"); err == nil {
		n.ActiveConnections = len(conns)
	}
	return n
}

func (s *Sampler) collectProcesses(ctx context.Context) Processes {
	var p Processes

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		s.logger.Debug("telemetry: process list", slog.Any("error", err))
		return p
	}
	p.Count = len(procs)

	infos := make([]ProcessInfo, 0, len(procs))
	for _, proc := range procs {
		memPct, err := proc.MemoryPercentWithContext(ctx)
		if err != nil {
			continue
		}
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		infos = append(infos, ProcessInfo{
			PID:           proc.Pid,
			Name:          name,
			MemoryPercent: round2(float64(memPct)),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].MemoryPercent > infos[j].MemoryPercent
	})
	if len(infos) > topProcessCount {
		infos = infos[:topProcessCount]
	}
	p.TopMemory = infos
	return p
}

func toGB(v uint64) float64 {
	return round2(float64(v) / (1 << 30))
}
