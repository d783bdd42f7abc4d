// Package alert evaluates sustained-threshold rules against metric snapshots
// and raises tickets on the backend when a breach persists. One breach state
// is tracked per rule; cooldowns stop a flapping metric from spamming the
// ticket queue.
package alert

import (
	"time"

	"github.com/resolvix/agent/internal/config"
)

// Rule is one threshold rule. For network_spike Threshold holds the traffic
// multiplier rather than an absolute value.
type Rule struct {
	Key       string
	Threshold float64
	Duration  time.Duration
	Priority  string
	Cooldown  time.Duration
}

// RulesFromSnapshot parses alerts.thresholds from the configuration. Entries
// missing a threshold (or multiplier) are skipped.
func RulesFromSnapshot(snap *config.Snapshot) map[string]Rule {
	rules := map[string]Rule{}
	tree := snap.Map("alerts.thresholds")
	for key := range tree {
		base := "alerts.thresholds." + key
		threshold := snap.Float(base+".threshold", -1)
		if threshold < 0 {
			threshold = snap.Float(base+".threshold_multiplier", -1)
		}
		if threshold < 0 {
			continue
		}
		rules[key] = Rule{
			Key:       key,
			Threshold: threshold,
			Duration:  snap.Seconds(base+".duration", 0),
			Priority:  snap.String(base+".priority", "medium"),
			Cooldown:  snap.Seconds(base+".cooldown", 30*time.Minute),
		}
	}
	return rules
}
