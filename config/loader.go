package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "STREAMRELAY"

// durationPaths lists the fields written as duration strings ("2s")
var durationPaths = [][]string{
	{"nats", "reconnect_wait"},
	{"nats", "connect_timeout"},
	{"discovery", "timeout"},
	{"discovery", "rescan_interval"},
	{"discovery", "directory_ttl"},
	{"relay", "cycle_sleep"},
	{"relay", "quiet_after"},
	{"relay", "warn_interval"},
}

// replacedKeys are top-level sections a layer replaces instead of merging
// into, so a file listing its own sources drops the default table.
var replacedKeys = map[string]bool{"sources": true}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader that validates by default
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables the final Validate call
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load applies defaults, every layer, then environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "load "+path)
		}
		merged, err := l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "merge "+path)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a JSON or YAML file into a map, checks it against the
// schema and converts duration strings
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrParsingFailed, err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, path := range durationPaths {
		section, ok := data[path[0]].(map[string]any)
		if !ok {
			continue
		}
		value, ok := section[path[1]].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(value)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %v", errors.ErrInvalidConfig, path[0], path[1], err)
		}
		section[path[1]] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	for key := range replacedKeys {
		if v, ok := override[key]; ok && v != nil {
			delete(baseMap, key)
		}
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
				"Loader", "applyEnvOverrides", "read "+key)
		}
		return val, nil
	}

	strs := []struct {
		name   string
		target *string
	}{
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"SUBJECT_PREFIX", &cfg.Network.SubjectPrefix},
		{"DISCOVERY_BACKEND", &cfg.Discovery.Backend},
	}
	for _, s := range strs {
		val, err := lookup(s.name)
		if err != nil {
			return err
		}
		if val != "" {
			*s.target = val
		}
	}

	urls, err := lookup("NATS_URLS")
	if err != nil {
		return err
	}
	if urls != "" {
		cfg.NATS.URLs = nil
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.NATS.URLs = append(cfg.NATS.URLs, u)
			}
		}
	}

	port, err := lookup("METRICS_PORT")
	if err != nil {
		return err
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return errors.WrapFatal(fmt.Errorf("%w: %s_METRICS_PORT=%q", errors.ErrInvalidConfig, l.envPrefix, port),
				"Loader", "applyEnvOverrides", "parse metrics port")
		}
		cfg.Metrics.Port = n
	}
	return nil
}

// SaveToFile writes the configuration as indented JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}
