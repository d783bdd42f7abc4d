package monitor

import (
	"context"
	"log/slog"
	"sync"

	"github.com/resolvix/agent/internal/config"
)

// DefaultMaxFiles caps how many files are tailed at once when the
// configuration does not say otherwise.
const DefaultMaxFiles = 100

// Manager runs one Tailer per enabled monitored file and reconciles the
// running set against configuration changes.
type Manager struct {
	systemIP string
	matcher  *Matcher
	suppress Suppressor
	emitter  Emitter
	onLine   func(line string)
	agentLog string
	logger   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running map[string]*runningTailer
	wg      sync.WaitGroup
}

type runningTailer struct {
	spec   config.MonitoredFile
	cancel context.CancelFunc
}

// NewManager builds a Manager. agentLog is the path of the agent's own log
// file; if that path is monitored its lines are tagged for self-suppression.
// onLine may be nil.
func NewManager(systemIP string, matcher *Matcher, sup Suppressor,
	emitter Emitter, onLine func(string), agentLog string, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		systemIP: systemIP,
		matcher:  matcher,
		suppress: sup,
		emitter:  emitter,
		onLine:   onLine,
		agentLog: agentLog,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*runningTailer),
	}
}

// Reconcile brings the set of running tailers in line with files. Disabled
// entries are skipped, at most maxFiles are tailed, removed files stop their
// tailer, and a file whose label or priority changed restarts its tailer.
func (m *Manager) Reconcile(files []config.MonitoredFile, maxFiles int) {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}

	want := make(map[string]config.MonitoredFile, len(files))
	for _, f := range files {
		if !f.Enabled || f.Path == "" {
			continue
		}
		if len(want) >= maxFiles {
			m.logger.Warn("monitor: file limit reached, skipping",
				slog.String("file", f.Path), slog.Int("max_files", maxFiles))
			continue
		}
		if _, dup := want[f.Path]; dup {
			continue
		}
		want[f.Path] = f
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}

	for path, rt := range m.running {
		spec, keep := want[path]
		if keep && spec.Label == rt.spec.Label && spec.Priority == rt.spec.Priority {
			delete(want, path)
			continue
		}
		rt.cancel()
		delete(m.running, path)
	}
	for path, spec := range want {
		m.startLocked(path, spec)
	}
}

// startLocked launches one tailer goroutine. Callers hold m.mu.
func (m *Manager) startLocked(path string, spec config.MonitoredFile) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.running[path] = &runningTailer{spec: spec, cancel: cancel}

	t := NewTailer(spec, m.systemIP, m.matcher, m.suppress, m.emitter,
		m.onLine, path == m.agentLog, m.logger)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.Run(ctx)
	}()
}

// SetKeywords swaps the match keyword set shared by all tailers.
func (m *Manager) SetKeywords(keywords []string) error {
	return m.matcher.SetKeywords(keywords)
}

// Active returns the monitored files currently being tailed.
func (m *Manager) Active() []config.MonitoredFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]config.MonitoredFile, 0, len(m.running))
	for _, rt := range m.running {
		out = append(out, rt.spec)
	}
	return out
}

// Stop cancels every tailer and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancel()
	m.running = make(map[string]*runningTailer)
	m.mu.Unlock()
	m.wg.Wait()
}
