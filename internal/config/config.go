// Package config implements the layered runtime configuration store for the
// resolvix agent.
//
// Four sources are merged, in increasing precedence:
//
//  1. Hardcoded defaults (Defaults).
//  2. The local on-disk configuration file.
//  3. Backend-provided configuration fetched per node.
//  4. Runtime overrides applied through the control API.
//
// The effective configuration is published as an immutable *Snapshot behind
// an atomic pointer, so readers on the hot path never take a lock and never
// observe a partially merged tree. Every successful backend fetch is mirrored
// to a durable cache file; when the backend is unreachable at startup the
// cache is used instead.
//
// Secrets live in a separate 0600 file and are never part of a Snapshot.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Default filesystem locations. Overridable through Paths for tests and
// non-root installs.
const (
	DefaultConfigDir = "/etc/resolvix"
	DefaultStateDir  = "/var/lib/resolvix"
	configFileName   = "config.json"
	secretsFileName  = "secrets.json"
	cacheFileName    = "config_cache.json"
	fetchTimeout     = 10 * time.Second
	secretsFileMode  = 0o600
	cacheFileMode    = 0o644
)

// Paths locates the three on-disk artefacts the store manages.
type Paths struct {
	ConfigFile  string // local operator overrides (JSON or YAML)
	SecretsFile string // restricted secrets file (JSON, 0600)
	CacheFile   string // durable mirror of the last backend fetch (JSON)
}

// DefaultPaths returns the production file locations under /etc/resolvix.
func DefaultPaths() Paths {
	return Paths{
		ConfigFile:  filepath.Join(DefaultConfigDir, configFileName),
		SecretsFile: filepath.Join(DefaultConfigDir, secretsFileName),
		CacheFile:   filepath.Join(DefaultConfigDir, cacheFileName),
	}
}

// MonitoredFile describes one log file the agent tails. Parsed from the
// monitoring.log_files list.
type MonitoredFile struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Label    string `json:"label"`
	Priority string `json:"priority"`
	Enabled  bool   `json:"enabled"`
}

// Change records one configuration value transition produced by a reload or
// an override application.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// Changes maps dotted configuration paths to their transitions.
type Changes map[string]Change

// Store is the layered configuration store. It is safe for concurrent use:
// readers obtain an immutable Snapshot, writers serialise through an internal
// mutex and publish a fresh snapshot with an atomic pointer swap.
type Store struct {
	nodeID     string
	backendURL string
	paths      Paths
	client     *http.Client
	logger     *slog.Logger

	snap atomic.Pointer[Snapshot]

	mu        sync.Mutex // guards secrets, overrides, lastSync and rebuilds
	secrets   map[string]string
	overrides map[string]any // dotted path -> value, highest precedence
	lastSync  time.Time

	reloadMu sync.Mutex
	onReload []func(Changes)
}

// New creates a Store for nodeID against backendURL and performs the initial
// load. backendURL may be empty, in which case the backend layer (and the
// durable cache) is skipped entirely.
func New(nodeID, backendURL string, paths Paths, logger *slog.Logger) (*Store, error) {
	if paths.ConfigFile == "" {
		paths = DefaultPaths()
	}
	s := &Store{
		nodeID:     nodeID,
		backendURL: strings.TrimRight(backendURL, "/"),
		paths:      paths,
		client:     &http.Client{Timeout: fetchTimeout},
		logger:     logger,
		secrets:    map[string]string{},
		overrides:  map[string]any{},
	}

	if err := os.MkdirAll(filepath.Dir(paths.ConfigFile), 0o755); err != nil {
		logger.Warn("config: cannot create config directory", slog.Any("error", err))
	}

	if _, err := s.load(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current effective configuration. The returned value is
// immutable; callers may hold it for the duration of an operation.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Secret returns the named secret, or "" when it is not set. Secrets are
// never exposed through Snapshot or the control API.
func (s *Store) Secret(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets[name]
}

// SetSecret stores a secret and persists the secrets file with 0600
// permissions.
func (s *Store) SetSecret(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value

	raw, err := json.MarshalIndent(s.secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal secrets: %w", err)
	}
	if err := os.WriteFile(s.paths.SecretsFile, raw, secretsFileMode); err != nil {
		return fmt.Errorf("config: write secrets file: %w", err)
	}
	return nil
}

// Reload rebuilds the effective configuration from all layers, refreshing the
// backend layer, and returns the dotted-path diff against the previous
// snapshot. Registered reload listeners are invoked with the same diff.
func (s *Store) Reload(ctx context.Context) (Changes, error) {
	changes, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.notify(changes)
	return changes, nil
}

// ApplyOverrides validates and applies runtime overrides keyed by dotted
// path, rebuilds the snapshot, and returns the resulting diff. When any entry
// fails schema validation, nothing is applied and the previous snapshot
// remains in force.
func (s *Store) ApplyOverrides(settings map[string]any) (Changes, error) {
	for path, value := range settings {
		if err := validateSetting(path, value); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	prev := make(map[string]any, len(settings))
	for path, value := range settings {
		if v, ok := s.overrides[path]; ok {
			prev[path] = v
		}
		s.overrides[path] = value
	}
	rollback := func() {
		for path := range settings {
			if v, ok := prev[path]; ok {
				s.overrides[path] = v
			} else {
				delete(s.overrides, path)
			}
		}
	}
	old := s.snap.Load()
	merged, err := s.mergeLockedLayers()
	if err != nil {
		rollback()
		s.mu.Unlock()
		return nil, err
	}
	if err := validateTree(merged); err != nil {
		rollback()
		s.mu.Unlock()
		return nil, err
	}
	next := newSnapshot(merged)
	s.snap.Store(next)
	s.mu.Unlock()

	changes := diff(old.data, next.data, "")
	s.notify(changes)
	return changes, nil
}

// OnReload registers fn to be called with the diff produced by every
// successful Reload or ApplyOverrides. Listeners run synchronously on the
// reloading goroutine and must not block.
func (s *Store) OnReload(fn func(Changes)) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	s.onReload = append(s.onReload, fn)
}

func (s *Store) notify(changes Changes) {
	if len(changes) == 0 {
		return
	}
	s.reloadMu.Lock()
	listeners := make([]func(Changes), len(s.onReload))
	copy(listeners, s.onReload)
	s.reloadMu.Unlock()
	for _, fn := range listeners {
		fn(changes)
	}
}

// load rebuilds the snapshot from all four layers. It returns the diff
// against the previous snapshot (empty on first load).
func (s *Store) load(ctx context.Context) (Changes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadSecretsLocked()
	s.fetchBackendLocked(ctx)

	old := s.snap.Load()
	merged, err := s.mergeLockedLayers()
	if err != nil {
		return nil, err
	}
	if err := validateTree(merged); err != nil {
		return nil, err
	}
	next := newSnapshot(merged)
	s.snap.Store(next)

	if old == nil {
		return Changes{}, nil
	}
	return diff(old.data, next.data, ""), nil
}

// mergeLockedLayers produces the merged configuration tree. Caller holds s.mu.
func (s *Store) mergeLockedLayers() (map[string]any, error) {
	merged := Defaults()

	if local, err := s.readConfigFile(); err != nil {
		s.logger.Error("config: cannot read local config file", slog.Any("error", err))
	} else if local != nil {
		if err := mergo.Merge(&merged, local, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: merge local config: %w", err)
		}
	}

	if backend := s.readCacheFile(); backend != nil {
		if err := mergo.Merge(&merged, backend, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: merge backend config: %w", err)
		}
	}

	for path, value := range s.overrides {
		setPath(merged, path, value)
	}
	return merged, nil
}

// readConfigFile parses the local configuration file. The file is documented
// as JSON but parsed with the YAML reader, which accepts both; operators that
// prefer YAML lose nothing.
func (s *Store) readConfigFile() (map[string]any, error) {
	raw, err := os.ReadFile(s.paths.ConfigFile)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse %q: %w", s.paths.ConfigFile, err)
	}
	return normalize(m), nil
}

// loadSecretsLocked reads the secrets file, tightening its permissions when
// possible. Missing file is not an error. Caller holds s.mu.
func (s *Store) loadSecretsLocked() {
	raw, err := os.ReadFile(s.paths.SecretsFile)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.logger.Error("config: cannot read secrets file", slog.Any("error", err))
		return
	}
	var secrets map[string]string
	if err := json.Unmarshal(raw, &secrets); err != nil {
		s.logger.Error("config: cannot parse secrets file", slog.Any("error", err))
		return
	}
	s.secrets = secrets
	_ = os.Chmod(s.paths.SecretsFile, secretsFileMode)
}

// fetchBackendLocked fetches the per-node configuration from the backend and
// mirrors it to the durable cache file. On any failure the previous cache is
// left untouched so mergeLockedLayers keeps serving the last known backend
// layer. Caller holds s.mu.
func (s *Store) fetchBackendLocked(ctx context.Context) {
	if s.backendURL == "" || s.nodeID == "" {
		return
	}

	url := fmt.Sprintf("%s/api/settings/daemon/%s", s.backendURL, s.nodeID)
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		s.logger.Warn("config: build backend request", slog.Any("error", err))
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("config: backend unreachable, serving cached configuration",
			slog.String("url", url), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("config: backend returned non-OK status",
			slog.Int("status", resp.StatusCode))
		return
	}

	var body struct {
		Success bool           `json:"success"`
		Config  map[string]any `json:"config"`
		Error   string         `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.logger.Warn("config: decode backend response", slog.Any("error", err))
		return
	}
	if !body.Success {
		s.logger.Warn("config: backend rejected request", slog.String("error", body.Error))
		return
	}

	s.lastSync = time.Now().UTC()
	cache := map[string]any{
		"config":    body.Config,
		"timestamp": s.lastSync.Format(time.RFC3339),
	}
	raw, err := json.MarshalIndent(cache, "", "  ")
	if err == nil {
		if werr := os.WriteFile(s.paths.CacheFile, raw, cacheFileMode); werr != nil {
			s.logger.Warn("config: cannot write durable cache", slog.Any("error", werr))
		}
	}
	s.logger.Info("config: synced configuration from backend",
		slog.String("node_id", s.nodeID))
}

// readCacheFile returns the backend layer from the durable cache, or nil when
// no cache exists or it is unreadable.
func (s *Store) readCacheFile() map[string]any {
	raw, err := os.ReadFile(s.paths.CacheFile)
	if err != nil {
		return nil
	}
	var cache struct {
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal(raw, &cache); err != nil {
		s.logger.Error("config: corrupt durable cache, ignoring", slog.Any("error", err))
		return nil
	}
	return cache.Config
}

// LastSync reports when the backend layer was last fetched successfully.
func (s *Store) LastSync() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// setPath writes value at the dotted path, creating intermediate maps.
func setPath(m map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	for _, key := range keys[:len(keys)-1] {
		child, ok := m[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			m[key] = child
		}
		m = child
	}
	m[keys[len(keys)-1]] = value
}

// diff walks old and new trees and records every leaf transition keyed by
// dotted path.
func diff(old, new map[string]any, prefix string) Changes {
	changes := Changes{}
	for key, newVal := range new {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		oldVal, existed := old[key]
		if !existed {
			changes[path] = Change{Old: nil, New: newVal}
			continue
		}
		oldMap, oldIsMap := oldVal.(map[string]any)
		newMap, newIsMap := newVal.(map[string]any)
		if oldIsMap && newIsMap {
			for p, c := range diff(oldMap, newMap, path) {
				changes[p] = c
			}
			continue
		}
		if !equalValue(oldVal, newVal) {
			changes[path] = Change{Old: oldVal, New: newVal}
		}
	}
	for key, oldVal := range old {
		if _, still := new[key]; !still {
			path := key
			if prefix != "" {
				path = prefix + "." + key
			}
			changes[path] = Change{Old: oldVal, New: nil}
		}
	}
	return changes
}

// equalValue compares two configuration leaves through their JSON rendering,
// which flattens the int/float distinction introduced by the different
// decoders in play.
func equalValue(a, b any) bool {
	ar, aerr := json.Marshal(a)
	br, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ar) == string(br)
}

// normalize rewrites the map[any]any nodes the YAML decoder can produce into
// map[string]any so the whole tree has one shape.
func normalize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalize(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
