package monitor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/resolvix/agent/internal/broker"
	"github.com/resolvix/agent/internal/config"
	"github.com/resolvix/agent/internal/suppress"
)

const (
	// appearPollInterval is how often a tailer restats a path that does not
	// exist yet.
	appearPollInterval = 5 * time.Second

	// readPollInterval is the sleep between reads at end of file.
	readPollInterval = 1 * time.Second

	// rotatePollInterval is how long EOF must persist before the tailer
	// restats the path looking for a rotation.
	rotatePollInterval = 30 * time.Second

	// selfLogTag identifies the agent's own log lines. When the agent's log
	// file is monitored these lines are never re-emitted.
	selfLogTag = "resolvix"
)

// Suppressor is the slice of the suppression checker a tailer needs.
type Suppressor interface {
	ShouldSuppress(ctx context.Context, line, nodeID string) (bool, *suppress.Rule)
}

// Emitter delivers one error event. The production implementation is the
// broker publisher.
type Emitter interface {
	Publish(ctx context.Context, evt broker.Event) error
}

// Tailer follows one log file and emits error events for matching lines.
type Tailer struct {
	spec     config.MonitoredFile
	systemIP string
	matcher  *Matcher
	suppress Suppressor
	emitter  Emitter
	logger   *slog.Logger

	// onLine receives every tailed line for the live logs broadcaster.
	// May be nil.
	onLine func(line string)

	// isAgentLog marks the agent's own log file for self-suppression.
	isAgentLog bool

	// rotatePoll is how long EOF must persist before a rotation restat.
	rotatePoll time.Duration
}

// NewTailer builds a Tailer for spec. onLine may be nil.
func NewTailer(spec config.MonitoredFile, systemIP string, matcher *Matcher,
	sup Suppressor, emitter Emitter, onLine func(string), isAgentLog bool,
	logger *slog.Logger) *Tailer {
	return &Tailer{
		spec:       spec,
		systemIP:   systemIP,
		matcher:    matcher,
		suppress:   sup,
		emitter:    emitter,
		onLine:     onLine,
		isAgentLog: isAgentLog,
		rotatePoll: rotatePollInterval,
		logger: logger.With(
			slog.String("file", spec.Path),
			slog.String("label", spec.Label)),
	}
}

// Run tails the file until ctx is cancelled. A missing file is polled for; a
// rotated or truncated file is reopened from the start.
func (t *Tailer) Run(ctx context.Context) {
	t.logger.Info("monitor: tailer starting")
	defer t.logger.Info("monitor: tailer stopped")

	for ctx.Err() == nil {
		file, err := t.waitForFile(ctx)
		if err != nil {
			return
		}
		t.follow(ctx, file)
		_ = file.Close()
	}
}

// waitForFile polls until the path exists, then opens it and seeks to the
// end so only new lines are observed.
func (t *Tailer) waitForFile(ctx context.Context) (*os.File, error) {
	wait := backoff.WithContext(backoff.NewConstantBackOff(appearPollInterval), ctx)

	var file *os.File
	err := backoff.Retry(func() error {
		f, err := os.Open(t.spec.Path)
		if err != nil {
			return err
		}
		file = f
		return nil
	}, wait)
	if err != nil {
		return nil, err
	}

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		_ = file.Close()
		return nil, err
	}
	return file, nil
}

// follow reads lines until the file rotates or ctx is cancelled. Returning
// hands control back to Run, which reopens from scratch.
func (t *Tailer) follow(ctx context.Context, file *os.File) {
	reader := bufio.NewReader(file)
	openInfo, _ := file.Stat()
	var offset int64
	if pos, err := file.Seek(0, io.SeekCurrent); err == nil {
		offset = pos
	}
	idleSince := time.Time{}

	// pending holds the head of a line whose terminator has not been written
	// yet, so a line arriving in several chunks is reassembled whole.
	var pending strings.Builder

	for ctx.Err() == nil {
		chunk, err := reader.ReadString('\n')
		if len(chunk) > 0 {
			offset += int64(len(chunk))
			idleSince = time.Time{}
			pending.WriteString(chunk)
			if err == nil {
				line := pending.String()
				pending.Reset()
				t.handleLine(ctx, strings.TrimRight(line, "\r\n"))
				continue
			}
		}

		// EOF with no complete line available.
		if idleSince.IsZero() {
			idleSince = time.Now()
		}

		// Truncation: the file shrank below our read position. Any held
		// fragment belonged to discarded content.
		if info, serr := file.Stat(); serr == nil && info.Size() < offset {
			t.logger.Info("monitor: file truncated, reopening from start")
			t.reopenFromStart(file, reader, &offset)
			pending.Reset()
			idleSince = time.Time{}
			continue
		}

		// Rotation: EOF has persisted; check whether the path now points at
		// a different file.
		if time.Since(idleSince) >= t.rotatePoll {
			if info, serr := os.Stat(t.spec.Path); serr == nil && openInfo != nil && !os.SameFile(openInfo, info) {
				t.logger.Info("monitor: file rotated, reopening")
				return
			}
			idleSince = time.Now()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(readPollInterval):
		}
	}
}

// reopenFromStart rewinds the open descriptor after a truncation.
func (t *Tailer) reopenFromStart(file *os.File, reader *bufio.Reader, offset *int64) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		t.logger.Warn("monitor: rewind after truncation failed", slog.Any("error", err))
		return
	}
	reader.Reset(file)
	*offset = 0
}

// handleLine runs the per-line pipeline: live fan-out, self-suppression,
// keyword match, suppression consult, classification, emit.
func (t *Tailer) handleLine(ctx context.Context, line string) {
	if line == "" {
		return
	}
	if t.onLine != nil {
		t.onLine(line)
	}
	if t.isAgentLog && strings.Contains(line, selfLogTag) {
		return
	}
	if !t.matcher.Match(line) {
		return
	}
	if t.suppress != nil {
		if suppressed, rule := t.suppress.ShouldSuppress(ctx, line, t.systemIP); suppressed {
			t.logger.Debug("monitor: line suppressed",
				slog.Int64("rule_id", rule.ID))
			return
		}
	}

	evt := broker.Event{
		Timestamp:   eventTimestamp(line),
		SystemIP:    t.systemIP,
		LogPath:     t.spec.Path,
		LogLabel:    t.spec.Label,
		Application: t.spec.Label,
		LogLine:     line,
		Severity:    Severity(line),
		Priority:    Priority(t.spec.Priority, line),
	}
	if err := t.emitter.Publish(ctx, evt); err != nil {
		// Report once and drop; error events have no durable spool.
		t.logger.Warn("monitor: event publish failed, dropping",
			slog.String("severity", evt.Severity), slog.Any("error", err))
	}
}

// timestampLayouts are tried in order against the head of the line.
var timestampLayouts = []struct {
	length int
	layout string
}{
	{len(time.RFC3339), time.RFC3339},
	{len("2006-01-02T15:04:05"), "2006-01-02T15:04:05"},
	{len("2006-01-02 15:04:05"), "2006-01-02 15:04:05"},
	{len("Jan _2 15:04:05"), time.Stamp},
}

// eventTimestamp parses a leading timestamp from the line when one is
// recognizable, falling back to the current wall clock. Always UTC RFC3339.
func eventTimestamp(line string) string {
	for _, l := range timestampLayouts {
		if len(line) < l.length {
			continue
		}
		head := line[:l.length]
		if ts, err := time.Parse(l.layout, head); err == nil {
			// Syslog timestamps carry no year; assume the current one.
			if ts.Year() == 0 {
				now := time.Now()
				ts = ts.AddDate(now.Year(), 0, 0)
			}
			return ts.UTC().Format(time.RFC3339)
		}
	}
	return time.Now().UTC().Format(time.RFC3339)
}
