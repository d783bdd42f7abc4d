package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Snapshot is one immutable view of the effective configuration. Values are
// addressed by dotted path with a typed default, mirroring how the rest of
// the agent consumes configuration.
type Snapshot struct {
	data map[string]any
}

func newSnapshot(data map[string]any) *Snapshot {
	return &Snapshot{data: deepCopy(data)}
}

// Get returns the raw value at the dotted path, or def when the path does not
// resolve.
func (s *Snapshot) Get(path string, def any) any {
	var cur any = s.data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return def
		}
		cur, ok = m[key]
		if !ok {
			return def
		}
	}
	return cur
}

// String returns the string at path, or def.
func (s *Snapshot) String(path, def string) string {
	if v, ok := s.Get(path, nil).(string); ok {
		return v
	}
	return def
}

// Int returns the integer at path, accepting any numeric representation the
// decoders produce, or def.
func (s *Snapshot) Int(path string, def int) int {
	switch v := s.Get(path, nil).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Float returns the float at path, or def.
func (s *Snapshot) Float(path string, def float64) float64 {
	switch v := s.Get(path, nil).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the boolean at path, or def.
func (s *Snapshot) Bool(path string, def bool) bool {
	if v, ok := s.Get(path, nil).(bool); ok {
		return v
	}
	return def
}

// Seconds reads an integer number of seconds at path and returns it as a
// Duration, or def.
func (s *Snapshot) Seconds(path string, def time.Duration) time.Duration {
	if v := s.Int(path, -1); v >= 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

// StringSlice returns the list of strings at path, or def.
func (s *Snapshot) StringSlice(path string, def []string) []string {
	raw, ok := s.Get(path, nil).([]any)
	if !ok {
		return def
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if str, ok := v.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

// Map returns the subtree at path, or nil.
func (s *Snapshot) Map(path string) map[string]any {
	if m, ok := s.Get(path, nil).(map[string]any); ok {
		return m
	}
	return nil
}

// All returns a deep copy of the whole configuration tree.
func (s *Snapshot) All() map[string]any {
	return deepCopy(s.data)
}

// redactedKeys are configuration key names whose values are masked by
// Redacted regardless of where they appear in the tree.
var redactedKeys = map[string]bool{
	"password": true,
	"token":    true,
	"secret":   true,
	"api_key":  true,
}

// Redacted returns a deep copy of the configuration tree with sensitive
// values replaced by "***". This is the only form the control API serves.
func (s *Snapshot) Redacted() map[string]any {
	return redactTree(s.data)
}

func redactTree(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if redactedKeys[strings.ToLower(k)] {
			if str, ok := v.(string); !ok || str != "" {
				out[k] = "***"
				continue
			}
		}
		if child, ok := v.(map[string]any); ok {
			out[k] = redactTree(child)
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

// MonitoredFiles parses the monitoring.log_files list. Files without a label
// get one derived from the path's base name; files without a priority default
// to medium; the enabled flag defaults to true.
func (s *Snapshot) MonitoredFiles() []MonitoredFile {
	raw, ok := s.Get("monitoring.log_files", nil).([]any)
	if !ok {
		return nil
	}
	files := make([]MonitoredFile, 0, len(raw))
	for i, v := range raw {
		entry, ok := v.(map[string]any)
		if !ok {
			// Bare string entries are accepted as a path-only shorthand.
			if path, ok := v.(string); ok && path != "" {
				files = append(files, MonitoredFile{
					ID:       fmt.Sprintf("file-%d", i+1),
					Path:     path,
					Label:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
					Priority: "medium",
					Enabled:  true,
				})
			}
			continue
		}
		f := MonitoredFile{
			ID:       stringField(entry, "id"),
			Path:     stringField(entry, "path"),
			Label:    stringField(entry, "label"),
			Priority: stringField(entry, "priority"),
			Enabled:  true,
		}
		if f.Path == "" {
			continue
		}
		if f.ID == "" {
			f.ID = fmt.Sprintf("file-%d", i+1)
		}
		if f.Label == "" {
			f.Label = strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
		}
		if f.Priority == "" {
			f.Priority = "medium"
		}
		if enabled, ok := entry["enabled"].(bool); ok {
			f.Enabled = enabled
		}
		files = append(files, f)
	}
	return files
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// deepCopy clones a configuration tree. Done through JSON so every snapshot
// owns its memory and later merges cannot mutate published trees.
func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
