// Package procmon provides per-process inspection behind the control API:
// top consumers by CPU and memory, single-process detail, kill with
// terminate-then-kill escalation, an in-memory history ring, and process
// trees.
package procmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	// topN is how many processes each of the top-CPU and top-RAM lists carry.
	topN = 10

	// DefaultHistorySize bounds the per-process history ring.
	DefaultHistorySize = 1000

	// killWait is how long a terminate is given before escalating, and how
	// long the escalated kill is given to take effect.
	killWait = 3 * time.Second
)

var (
	// ErrNotFound reports a PID with no live process behind it.
	ErrNotFound = errors.New("procmon: process not found")

	// ErrAccessDenied reports insufficient privileges for the operation.
	ErrAccessDenied = errors.New("procmon: permission denied")
)

// Info is one process in a top-consumers listing.
type Info struct {
	PID           int32   `json:"pid"`
	Name          string  `json:"name"`
	Username      string  `json:"username"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"started_at,omitempty"`
	Cmdline       string  `json:"cmdline"`
	NumThreads    int32   `json:"num_threads"`
}

// Overview is one full scan of the process table.
type Overview struct {
	Timestamp      string `json:"timestamp"`
	TopCPU         []Info `json:"top_cpu"`
	TopRAM         []Info `json:"top_ram"`
	TotalProcesses int    `json:"total_processes"`
	ZombieCount    int    `json:"zombie_count"`
}

// Detail extends Info with fields worth a dedicated lookup.
type Detail struct {
	Info
	Cwd         string `json:"cwd,omitempty"`
	NumFDs      int32  `json:"num_fds"`
	Connections int    `json:"connections"`
	OpenFiles   int    `json:"open_files"`
	ParentPID   int32  `json:"parent_pid,omitempty"`
	Nice        int32  `json:"nice"`
}

// KillResult describes the outcome of a successful kill.
type KillResult struct {
	PID    int32  `json:"pid"`
	Name   string `json:"name"`
	Forced bool   `json:"forced"`
}

// HistoryPoint is one sample in a process's history ring.
type HistoryPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryMB      float64   `json:"memory_mb"`
}

// HistoryStats aggregates a history window.
type HistoryStats struct {
	AvgCPU    float64 `json:"avg_cpu"`
	MaxCPU    float64 `json:"max_cpu"`
	AvgMemory float64 `json:"avg_memory"`
	MaxMemory float64 `json:"max_memory"`
}

// HistoryReport is the per-process history response.
type HistoryReport struct {
	PID        int32          `json:"pid"`
	Hours      int            `json:"hours"`
	History    []HistoryPoint `json:"history"`
	Statistics *HistoryStats  `json:"statistics"`
	DataPoints int            `json:"data_points"`
}

// TreeNode is one process in a tree response.
type TreeNode struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
	MemoryMB   float64 `json:"memory_mb,omitempty"`
}

// Tree is the parent-and-children view of one process.
type Tree struct {
	PID           int32      `json:"pid"`
	Name          string     `json:"name"`
	Parent        *TreeNode  `json:"parent"`
	Children      []TreeNode `json:"children"`
	TotalChildren int        `json:"total_children"`
}

// Monitor scans the process table and keeps a bounded in-memory history per
// PID. Safe for concurrent use.
type Monitor struct {
	historySize int
	logger      *slog.Logger

	mu      sync.Mutex
	history map[int32][]HistoryPoint
}

// NewMonitor creates a Monitor keeping at most historySize points per PID.
// A non-positive historySize uses DefaultHistorySize.
func NewMonitor(historySize int, logger *slog.Logger) *Monitor {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Monitor{
		historySize: historySize,
		logger:      logger,
		history:     make(map[int32][]HistoryPoint),
	}
}

// Overview scans every visible process, records a history point for each,
// and returns the top consumers by CPU and by memory. Processes that vanish
// or deny access mid-scan are skipped.
func (m *Monitor) Overview(ctx context.Context) (*Overview, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("procmon: list processes: %w", err)
	}

	now := time.Now()
	all := make([]Info, 0, len(procs))
	zombies := 0
	for _, p := range procs {
		info, ok := m.collect(ctx, p)
		if !ok {
			continue
		}
		all = append(all, info)
		if info.Status == process.Zombie {
			zombies++
		}
		m.record(p.Pid, HistoryPoint{
			Timestamp:     now,
			CPUPercent:    info.CPUPercent,
			MemoryPercent: info.MemoryPercent,
			MemoryMB:      info.MemoryMB,
		})
	}

	return &Overview{
		Timestamp:      now.UTC().Format(time.RFC3339),
		TopCPU:         topBy(all, func(a, b Info) bool { return a.CPUPercent > b.CPUPercent }),
		TopRAM:         topBy(all, func(a, b Info) bool { return a.MemoryPercent > b.MemoryPercent }),
		TotalProcesses: len(all),
		ZombieCount:    zombies,
	}, nil
}

// collect reads the listing fields for one process. ok is false when the
// process disappeared or denied access.
func (m *Monitor) collect(ctx context.Context, p *process.Process) (Info, bool) {
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return Info{}, false
	}

	info := Info{PID: p.Pid, Name: name, Username: "unknown", Cmdline: name, Status: "unknown"}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		info.Username = user
	}
	if pct, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPUPercent = round2(pct)
	}
	if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
		info.MemoryPercent = round2(float64(pct))
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		info.MemoryMB = round2(float64(mi.RSS) / 1024 / 1024)
	}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
		info.Status = st[0]
	}
	if created, err := p.CreateTimeWithContext(ctx); err == nil && created > 0 {
		info.StartedAt = time.UnixMilli(created).UTC().Format(time.RFC3339)
	}
	if cmdline, err := p.CmdlineWithContext(ctx); err == nil && cmdline != "" {
		info.Cmdline = cmdline
	}
	if threads, err := p.NumThreadsWithContext(ctx); err == nil {
		info.NumThreads = threads
	}
	return info, true
}

// Detail returns extended information for one PID.
func (m *Monitor) Detail(ctx context.Context, pid int32) (*Detail, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, ErrNotFound
	}
	info, ok := m.collect(ctx, p)
	if !ok {
		return nil, classifyErr(ctx, p)
	}

	d := &Detail{Info: info}
	if cwd, err := p.CwdWithContext(ctx); err == nil {
		d.Cwd = cwd
	}
	if fds, err := p.NumFDsWithContext(ctx); err == nil {
		d.NumFDs = fds
	}
	if conns, err := p.ConnectionsWithContext(ctx); err == nil {
		d.Connections = len(conns)
	}
	if files, err := p.OpenFilesWithContext(ctx); err == nil {
		d.OpenFiles = len(files)
	}
	if ppid, err := p.PpidWithContext(ctx); err == nil {
		d.ParentPID = ppid
	}
	if nice, err := p.NiceWithContext(ctx); err == nil {
		d.Nice = nice
	}
	return d, nil
}

// Kill terminates pid. Without force a SIGTERM is sent first and escalated
// to SIGKILL if the process survives the grace window; with force SIGKILL is
// sent immediately. The result reports whether escalation happened.
func (m *Monitor) Kill(ctx context.Context, pid int32, force bool) (*KillResult, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, ErrNotFound
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return nil, classifyErr(ctx, p)
	}

	m.logger.Info("procmon: killing process",
		slog.Int("pid", int(pid)),
		slog.String("name", name),
		slog.Bool("force", force))

	send := p.TerminateWithContext
	if force {
		send = p.KillWithContext
	}
	if err := send(ctx); err != nil {
		return nil, classifySignalErr(err, pid)
	}

	if m.waitGone(ctx, p, killWait) {
		return &KillResult{PID: pid, Name: name, Forced: force}, nil
	}
	if force {
		return nil, fmt.Errorf("procmon: pid %d survived SIGKILL", pid)
	}

	m.logger.Warn("procmon: process ignored SIGTERM, escalating",
		slog.Int("pid", int(pid)), slog.String("name", name))
	if err := p.KillWithContext(ctx); err != nil {
		return nil, classifySignalErr(err, pid)
	}
	if !m.waitGone(ctx, p, killWait) {
		return nil, fmt.Errorf("procmon: pid %d survived SIGKILL", pid)
	}
	return &KillResult{PID: pid, Name: name, Forced: true}, nil
}

// waitGone polls for process exit up to wait.
func (m *Monitor) waitGone(ctx context.Context, p *process.Process, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	return false
}

// History returns the recorded points for pid within the last hours hours,
// plus aggregate statistics. An unknown PID yields an empty report, not an
// error.
func (m *Monitor) History(pid int32, hours int) *HistoryReport {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	m.mu.Lock()
	points := m.history[pid]
	filtered := make([]HistoryPoint, 0, len(points))
	for _, pt := range points {
		if pt.Timestamp.After(cutoff) {
			filtered = append(filtered, pt)
		}
	}
	m.mu.Unlock()

	report := &HistoryReport{
		PID:        pid,
		Hours:      hours,
		History:    filtered,
		DataPoints: len(filtered),
	}
	if len(filtered) > 0 {
		stats := HistoryStats{MaxCPU: filtered[0].CPUPercent, MaxMemory: filtered[0].MemoryPercent}
		var cpuSum, memSum float64
		for _, pt := range filtered {
			cpuSum += pt.CPUPercent
			memSum += pt.MemoryPercent
			stats.MaxCPU = math.Max(stats.MaxCPU, pt.CPUPercent)
			stats.MaxMemory = math.Max(stats.MaxMemory, pt.MemoryPercent)
		}
		stats.AvgCPU = round2(cpuSum / float64(len(filtered)))
		stats.AvgMemory = round2(memSum / float64(len(filtered)))
		stats.MaxCPU = round2(stats.MaxCPU)
		stats.MaxMemory = round2(stats.MaxMemory)
		report.Statistics = &stats
	}
	return report
}

// CleanupHistory drops points older than maxAge and forgets PIDs whose
// history becomes empty. Returns how many PIDs were forgotten.
func (m *Monitor) CleanupHistory(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for pid, points := range m.history {
		kept := points[:0]
		for _, pt := range points {
			if pt.Timestamp.After(cutoff) {
				kept = append(kept, pt)
			}
		}
		if len(kept) == 0 {
			delete(m.history, pid)
			removed++
			continue
		}
		m.history[pid] = kept
	}
	if removed > 0 {
		m.logger.Info("procmon: pruned process history", slog.Int("pids_removed", removed))
	}
	return removed
}

// Tree returns pid's parent and recursive children.
func (m *Monitor) Tree(ctx context.Context, pid int32) (*Tree, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, ErrNotFound
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return nil, classifyErr(ctx, p)
	}

	tree := &Tree{PID: pid, Name: name, Children: []TreeNode{}}
	if parent, err := p.ParentWithContext(ctx); err == nil && parent != nil {
		node := TreeNode{PID: parent.Pid, Name: "unknown", Status: "unknown"}
		if pname, err := parent.NameWithContext(ctx); err == nil {
			node.Name = pname
		}
		if st, err := parent.StatusWithContext(ctx); err == nil && len(st) > 0 {
			node.Status = st[0]
		}
		tree.Parent = &node
	}

	m.appendChildren(ctx, p, tree)
	tree.TotalChildren = len(tree.Children)
	return tree, nil
}

// appendChildren walks the child tree depth-first.
func (m *Monitor) appendChildren(ctx context.Context, p *process.Process, tree *Tree) {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return
	}
	for _, child := range children {
		node := TreeNode{PID: child.Pid, Name: "unknown", Status: "unknown"}
		if name, err := child.NameWithContext(ctx); err == nil {
			node.Name = name
		}
		if st, err := child.StatusWithContext(ctx); err == nil && len(st) > 0 {
			node.Status = st[0]
		}
		if pct, err := child.CPUPercentWithContext(ctx); err == nil {
			node.CPUPercent = round2(pct)
		}
		if mi, err := child.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			node.MemoryMB = round2(float64(mi.RSS) / 1024 / 1024)
		}
		tree.Children = append(tree.Children, node)
		m.appendChildren(ctx, child, tree)
	}
}

// record appends one history point under the ring size limit.
func (m *Monitor) record(pid int32, pt HistoryPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	points := append(m.history[pid], pt)
	if len(points) > m.historySize {
		points = points[len(points)-m.historySize:]
	}
	m.history[pid] = points
}

// classifyErr distinguishes a vanished process from a permission problem.
func classifyErr(ctx context.Context, p *process.Process) error {
	if running, err := p.IsRunningWithContext(ctx); err != nil || !running {
		return ErrNotFound
	}
	return ErrAccessDenied
}

// classifySignalErr maps a signal delivery failure.
func classifySignalErr(err error, pid int32) error {
	if errors.Is(err, os.ErrPermission) {
		return ErrAccessDenied
	}
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return ErrNotFound
	}
	return fmt.Errorf("procmon: signal pid %d: %w", pid, err)
}

// topBy returns the first topN entries of infos under less, without
// mutating the input.
func topBy(infos []Info, less func(a, b Info) bool) []Info {
	sorted := append([]Info(nil), infos...)
	sort.SliceStable(sorted, func(i, j int) bool { return less(sorted[i], sorted[j]) })
	if len(sorted) > topN {
		sorted = sorted[:topN]
	}
	return sorted
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
