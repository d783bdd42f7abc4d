package monitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/resolvix/agent/internal/broker"
	"github.com/resolvix/agent/internal/config"
)

type recordEmitter struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordEmitter) Publish(_ context.Context, evt broker.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, evt.LogLine)
	return nil
}

func (r *recordEmitter) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// TestTailer_ReopensAfterRotation renames the tailed file away and puts a new
// one at its path, the way logrotate does. Once EOF has persisted past the
// rotation poll the tailer must notice the inode change and follow the new
// generation.
func TestTailer_ReopensAfterRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rotated.log")
	if err := os.WriteFile(path, []byte("seed line\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	matcher, err := NewMatcher([]string{"error"})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	emit := &recordEmitter{}
	tailer := NewTailer(config.MonitoredFile{
		Path: path, Label: "rotated", Priority: "low", Enabled: true,
	}, "10.0.0.5", matcher, nil, emit, nil, false,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	tailer.rotatePoll = 200 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tailer.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(300 * time.Millisecond)

	appendTo(t, path, "ERROR: before rotation\n")
	waitFor(t, func() bool { return len(emit.snapshot()) == 1 }, "pre-rotation line never emitted")

	if err := os.Rename(path, path+".1"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("new generation: %v", err)
	}

	// Detection runs on the read-poll wakeup after the quiet window; give it
	// a couple of cycles to reopen before writing to the new file.
	time.Sleep(3 * time.Second)
	appendTo(t, path, "ERROR: after rotation\n")

	waitFor(t, func() bool { return len(emit.snapshot()) == 2 }, "post-rotation line never emitted")
	if got := emit.snapshot()[1]; got != "ERROR: after rotation" {
		t.Errorf("second line = %q, want the post-rotation line", got)
	}
}

func appendTo(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}
