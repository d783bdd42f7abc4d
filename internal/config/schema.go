package config

import (
	"errors"
	"fmt"
	"strings"
)

// settingRule validates a single dotted path. Paths not present in the rule
// table are accepted as-is so backend-introduced settings do not break older
// agents.
type settingRule struct {
	desc  string
	check func(value any) error
}

func intRule(min, max int) settingRule {
	return settingRule{
		desc: fmt.Sprintf("integer between %d and %d", min, max),
		check: func(value any) error {
			n, ok := asInt(value)
			if !ok {
				return errors.New("must be an integer")
			}
			if n < min || n > max {
				return fmt.Errorf("must be between %d and %d", min, max)
			}
			return nil
		},
	}
}

func stringRule(allowed ...string) settingRule {
	desc := "string"
	if len(allowed) > 0 {
		desc = "one of " + strings.Join(allowed, ", ")
	}
	return settingRule{
		desc: desc,
		check: func(value any) error {
			s, ok := value.(string)
			if !ok {
				return errors.New("must be a string")
			}
			if len(allowed) == 0 {
				return nil
			}
			for _, a := range allowed {
				if s == a {
					return nil
				}
			}
			return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
		},
	}
}

// Schema lists every validated setting path with a human-readable constraint
// description. Paths outside the table are accepted unvalidated.
func Schema() map[string]string {
	out := make(map[string]string, len(settingRules))
	for path, rule := range settingRules {
		out[path] = rule.desc
	}
	return out
}

var settingRules = map[string]settingRule{
	"connectivity.api_url":               stringRule(),
	"connectivity.telemetry_backend_url": stringRule(),
	"messaging.rabbitmq.url":             stringRule(),
	"messaging.rabbitmq.queue":           stringRule(),
	"telemetry.interval":                 intRule(1, 3600),
	"telemetry.timeout":                  intRule(1, 300),
	"telemetry.queue_max_size":           intRule(1, 1000000),
	"monitoring.max_files":               intRule(1, 10000),
	"ports.control":                      intRule(1, 65535),
	"ports.ws":                           intRule(1, 65535),
	"ports.telemetry_ws":                 intRule(1, 65535),
	"intervals.telemetry":                intRule(1, 3600),
	"intervals.heartbeat":                intRule(1, 3600),
	"logging.level":                      stringRule("DEBUG", "INFO", "WARNING", "ERROR"),
	"logging.max_bytes":                  intRule(1024, 1<<30),
	"logging.backup_count":               intRule(0, 100),
	"suppression.db.port":                intRule(1, 65535),
	"suppression.cache_ttl":              intRule(1, 86400),
}

// validateSetting checks one dotted path against the rule table. Unknown
// paths pass.
func validateSetting(path string, value any) error {
	rule, ok := settingRules[path]
	if !ok {
		return nil
	}
	if err := rule.check(value); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// validateTree checks a fully merged configuration tree before it becomes the
// active snapshot: every ruled path that resolves must pass, the monitored
// file list must respect the tailer ceiling, and file paths must be unique.
func validateTree(tree map[string]any) error {
	snap := &Snapshot{data: tree}
	var errs []error
	for path, rule := range settingRules {
		v := snap.Get(path, nil)
		if v == nil {
			continue
		}
		if err := rule.check(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	files := snap.MonitoredFiles()
	maxFiles := snap.Int("monitoring.max_files", 100)
	if len(files) > maxFiles {
		errs = append(errs, fmt.Errorf("monitoring.log_files: %d files exceeds monitoring.max_files %d", len(files), maxFiles))
	}
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f.Path] {
			errs = append(errs, fmt.Errorf("monitoring.log_files: duplicate path %s", f.Path))
		}
		seen[f.Path] = true
	}

	return errors.Join(errs...)
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
