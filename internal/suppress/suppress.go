// Package suppress decides whether an error line should be dropped before it
// is published, based on operator-managed suppression rules held in an
// external PostgreSQL store. Rules are cached for a configurable TTL so the
// hot tailer path does not query the database per line; match statistics are
// written back best-effort.
package suppress

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCacheTTL is used when the configured TTL is not positive.
const DefaultCacheTTL = 60 * time.Second

// Rule is a read-only view of one suppression rule.
type Rule struct {
	ID            int64
	Name          string
	MatchText     string
	NodeIP        string // empty means the rule applies to every node
	DurationType  string
	Enabled       bool
	ExpiresAt     *time.Time
	MatchCount    int64
	LastMatchedAt *time.Time
}

// RuleSource loads active rules and records matches. The production
// implementation is Store; tests substitute their own.
type RuleSource interface {
	// ActiveRules returns enabled rules that have not expired.
	ActiveRules(ctx context.Context) ([]Rule, error)
	// RecordMatch increments the rule's match counter and stamps the match
	// time. Failures are tolerated by the caller.
	RecordMatch(ctx context.Context, ruleID int64) error
}

// Stats summarises checker activity for the control API.
type Stats struct {
	TotalChecks     int64   `json:"total_checks"`
	TotalSuppressed int64   `json:"total_suppressed"`
	SuppressionRate float64 `json:"suppression_rate"`
	CachedRules     int     `json:"cached_rules"`
}

// Checker caches rules from a RuleSource and answers suppression queries.
// It is safe for concurrent use by multiple tailers.
type Checker struct {
	source RuleSource
	ttl    time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	rules     []Rule
	loaded    bool
	refreshed time.Time

	checks     atomic.Int64
	suppressed atomic.Int64
}

// NewChecker builds a Checker over source. The first rule load happens on the
// first ShouldSuppress call, so an unreachable database at startup degrades
// to "nothing suppressed" rather than blocking the agent.
func NewChecker(source RuleSource, ttl time.Duration, logger *slog.Logger) *Checker {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Checker{source: source, ttl: ttl, logger: logger}
}

// ShouldSuppress reports whether line from nodeID matches an active rule.
// Matching is case-sensitive substring containment; a rule with a node filter
// only matches events from that node. On match the rule's statistics are
// updated best-effort and the matched rule is returned.
func (c *Checker) ShouldSuppress(ctx context.Context, line, nodeID string) (bool, *Rule) {
	c.checks.Add(1)

	rules := c.activeRules(ctx)
	for i := range rules {
		rule := &rules[i]
		if rule.NodeIP != "" && rule.NodeIP != nodeID {
			continue
		}
		if !strings.Contains(line, rule.MatchText) {
			continue
		}

		c.suppressed.Add(1)
		if err := c.source.RecordMatch(ctx, rule.ID); err != nil {
			c.logger.Warn("suppress: cannot record match",
				slog.Int64("rule_id", rule.ID), slog.Any("error", err))
		}
		c.logger.Debug("suppress: line suppressed",
			slog.Int64("rule_id", rule.ID),
			slog.String("rule", rule.Name),
			slog.String("node_id", nodeID))
		return true, rule
	}
	return false, nil
}

// Refresh discards the cache so the next check reloads rules immediately.
func (c *Checker) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
}

// Stats returns checker activity counters and the cached rule count.
func (c *Checker) Stats() Stats {
	checks := c.checks.Load()
	suppressed := c.suppressed.Load()
	rate := 0.0
	if checks > 0 {
		rate = float64(suppressed) / float64(checks) * 100
	}

	c.mu.Lock()
	cached := len(c.rules)
	c.mu.Unlock()

	return Stats{
		TotalChecks:     checks,
		TotalSuppressed: suppressed,
		SuppressionRate: rate,
		CachedRules:     cached,
	}
}

// activeRules returns the cached rule set, refreshing it when the TTL has
// elapsed. A failed refresh keeps serving the previous rules.
func (c *Checker) activeRules(ctx context.Context) []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && time.Since(c.refreshed) < c.ttl {
		return c.rules
	}

	rules, err := c.source.ActiveRules(ctx)
	if err != nil {
		c.logger.Error("suppress: cannot load rules, keeping previous cache",
			slog.Any("error", err))
		// Back off for one TTL before retrying the source.
		c.refreshed = time.Now()
		c.loaded = true
		return c.rules
	}

	c.rules = rules
	c.loaded = true
	c.refreshed = time.Now()
	c.logger.Info("suppress: loaded active rules", slog.Int("count", len(rules)))
	return c.rules
}
