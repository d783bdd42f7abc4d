// Package monitor tails configured log files, matches error keywords, and
// emits classified error events. One Tailer runs per enabled monitored file;
// the Manager reconciles running tailers against the configured file list.
package monitor

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
)

// Severity levels, weakest to strongest. Classification picks the strongest
// group with a word-boundary match in the line.
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityFailure  = "failure"
	SeverityCritical = "critical"
)

// severityGroups are evaluated in order; the first matching group wins.
var severityGroups = []struct {
	severity string
	re       *regexp.Regexp
}{
	{SeverityCritical, regexp.MustCompile(`(?i)\b(panic|fatal|critical|crit)\b`)},
	{SeverityFailure, regexp.MustCompile(`(?i)\b(fail|failed|failure)\b`)},
	{SeverityError, regexp.MustCompile(`(?i)\b(err|error)\b`)},
	{SeverityWarn, regexp.MustCompile(`(?i)\b(warn|warning)\b`)},
}

// Severity classifies a log line.
func Severity(line string) string {
	for _, g := range severityGroups {
		if g.re.MatchString(line) {
			return g.severity
		}
	}
	return SeverityInfo
}

// Priority ranks, used for upgrade-only derivation.
var priorityRank = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

var (
	criticalHints = []string{"fatal", "panic", "kernel panic", "out of memory", "segmentation fault"}
	highHints     = []string{"error", "failed", "exception", "denied", "timeout"}
)

// Priority derives an event priority: start from the file's configured
// priority and upgrade on strong hints in the line. Never downgrades.
func Priority(base, line string) string {
	lower := strings.ToLower(line)

	derived := base
	if _, ok := priorityRank[derived]; !ok {
		derived = "medium"
	}
	for _, hint := range criticalHints {
		if strings.Contains(lower, hint) {
			return "critical"
		}
	}
	for _, hint := range highHints {
		if strings.Contains(lower, hint) && priorityRank[derived] < priorityRank["high"] {
			return "high"
		}
	}
	return derived
}

// Matcher holds the compiled keyword expression behind an atomic pointer so
// tailers can match lock-free while config reloads swap the keyword set.
type Matcher struct {
	re atomic.Pointer[regexp.Regexp]
}

// NewMatcher compiles keywords into a matcher.
func NewMatcher(keywords []string) (*Matcher, error) {
	m := &Matcher{}
	if err := m.SetKeywords(keywords); err != nil {
		return nil, err
	}
	return m, nil
}

// SetKeywords recompiles the keyword expression and swaps it atomically.
// An empty keyword set matches nothing.
func (m *Matcher) SetKeywords(keywords []string) error {
	re, err := compileKeywords(keywords)
	if err != nil {
		return err
	}
	m.re.Store(re)
	return nil
}

// Match reports whether line contains any configured keyword with
// case-insensitive word-boundary semantics.
func (m *Matcher) Match(line string) bool {
	re := m.re.Load()
	if re == nil {
		return false
	}
	return re.MatchString(line)
}

func compileKeywords(keywords []string) (*regexp.Regexp, error) {
	quoted := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(kw))
	}
	if len(quoted) == 0 {
		// Match nothing rather than everything.
		return regexp.Compile(`\A\z.`)
	}
	re, err := regexp.Compile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
	if err != nil {
		return nil, fmt.Errorf("monitor: compile keyword expression: %w", err)
	}
	return re, nil
}
