// Package config loads the relay configuration: which network to use, how
// discovery runs, relay loop timings, the source registry table and the
// ops endpoint. Configuration is read once at startup and never changes.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/discovery"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/errors"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/pkg/buffer"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/stream"
	"github.com/sidguru2/EEG-Neurofeedback-Ball-Game/supervisor"
)

// Config represents the complete relay configuration
type Config struct {
	NATS      NATSConfig        `json:"nats"`
	Network   NetworkConfig     `json:"network"`
	Discovery DiscoveryConfig   `json:"discovery"`
	Relay     RelayConfig       `json:"relay"`
	Sources   map[string]string `json:"sources"`
	Metrics   MetricsConfig     `json:"metrics"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs           []string      `json:"urls,omitempty"`
	Name           string        `json:"name,omitempty"`
	MaxReconnects  int           `json:"max_reconnects,omitempty"`
	ReconnectWait  time.Duration `json:"reconnect_wait,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	Token          string        `json:"token,omitempty"`
}

// NetworkConfig defines how streams map onto subjects
type NetworkConfig struct {
	SubjectPrefix string `json:"subject_prefix"`
}

// DiscoveryConfig defines which streams are candidates and how they are found
type DiscoveryConfig struct {
	Backend        string        `json:"backend"`
	Type           string        `json:"type"`
	RequireName    string        `json:"require_name"`
	Timeout        time.Duration `json:"timeout"`
	RescanInterval time.Duration `json:"rescan_interval"`
	Bucket         string        `json:"bucket,omitempty"`
	DirectoryTTL   time.Duration `json:"directory_ttl,omitempty"`
}

// RelayConfig defines the forwarding loop
type RelayConfig struct {
	CycleSleep     time.Duration `json:"cycle_sleep"`
	BufferSize     int           `json:"buffer_size"`
	OverflowPolicy string        `json:"overflow_policy"`
	QuietAfter     time.Duration `json:"quiet_after"`
	WarnInterval   time.Duration `json:"warn_interval"`
}

// MetricsConfig defines the ops HTTP endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Tap     bool   `json:"tap"`
}

// DefaultSources is the registry table used when the configuration names none
func DefaultSources() map[string]string {
	return map[string]string{
		"Muse4958F72E-7C39-0160-BF5F-CF3B502830A9": "Muse-07D2",
		"MuseAEA692BD-3F88-9724-A811-249F4450D2B3": "Muse-FDCA",
	}
}

// Default returns the configuration used when no file overrides it
func Default() *Config {
	disc := discovery.DefaultConfig()
	sup := supervisor.DefaultConfig()
	net := stream.DefaultNetworkConfig()
	return &Config{
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			Name:           "streamrelay",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		Network: NetworkConfig{
			SubjectPrefix: stream.DefaultPrefix,
		},
		Discovery: DiscoveryConfig{
			Backend:        stream.BackendQuery,
			Type:           disc.Type,
			RequireName:    disc.RequireName,
			Timeout:        disc.Timeout,
			RescanInterval: sup.RescanInterval,
			Bucket:         net.Bucket,
			DirectoryTTL:   net.DirectoryTTL,
		},
		Relay: RelayConfig{
			CycleSleep:     sup.CycleSleep,
			BufferSize:     stream.DefaultInletBuffer,
			OverflowPolicy: buffer.DropOldest.String(),
			QuietAfter:     sup.QuietAfter,
			WarnInterval:   sup.WarnInterval,
		},
		Sources: DefaultSources(),
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
			Tap:     true,
		},
	}
}

// Validate checks the configuration for values the relay cannot run with
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if len(c.NATS.URLs) == 0 {
		add("nats.urls must name at least one server")
	}
	for _, raw := range c.NATS.URLs {
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			add("nats.urls: %q is not a server URL", raw)
		}
	}

	if !isValidNATSSubjectPart(c.Network.SubjectPrefix) {
		add("network.subject_prefix %q is not a valid subject token", c.Network.SubjectPrefix)
	}

	switch c.Discovery.Backend {
	case stream.BackendQuery:
	case stream.BackendDirectory:
		if c.Discovery.DirectoryTTL <= 0 {
			add("discovery.directory_ttl must be positive with the directory backend")
		}
	default:
		add("discovery.backend must be %q or %q, got %q", stream.BackendQuery, stream.BackendDirectory, c.Discovery.Backend)
	}
	if c.Discovery.Type == "" {
		add("discovery.type is required")
	}
	if c.Discovery.Timeout <= 0 {
		add("discovery.timeout must be positive")
	}
	if c.Discovery.RescanInterval <= 0 {
		add("discovery.rescan_interval must be positive")
	}

	if c.Relay.CycleSleep <= 0 {
		add("relay.cycle_sleep must be positive")
	}
	if c.Relay.BufferSize <= 0 {
		add("relay.buffer_size must be positive")
	}
	if _, ok := buffer.ParseOverflowPolicy(c.Relay.OverflowPolicy); !ok {
		add("relay.overflow_policy %q is not drop_oldest or drop_newest", c.Relay.OverflowPolicy)
	}

	if len(c.Sources) == 0 {
		add("sources must register at least one source")
	}
	for id, name := range c.Sources {
		if strings.TrimSpace(id) == "" || strings.TrimSpace(name) == "" {
			add("sources: empty source id or name (%q -> %q)", id, name)
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port %d out of range", c.Metrics.Port)
	}

	if len(problems) > 0 {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

// isValidNATSSubjectPart checks that s can be used as one subject token
func isValidNATSSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || r == '.' || r == '*' || r == '>' {
			return false
		}
	}
	return true
}

// DiscoveryProbeConfig returns the probe settings
func (c *Config) DiscoveryProbeConfig() discovery.Config {
	return discovery.Config{
		Type:        c.Discovery.Type,
		RequireName: c.Discovery.RequireName,
		Timeout:     c.Discovery.Timeout,
	}
}

// SupervisorConfig returns the loop timings
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		RescanInterval: c.Discovery.RescanInterval,
		CycleSleep:     c.Relay.CycleSleep,
		QuietAfter:     c.Relay.QuietAfter,
		WarnInterval:   c.Relay.WarnInterval,
	}
}

// StreamNetworkConfig returns the settings shared by inlets and outlets
func (c *Config) StreamNetworkConfig() stream.NetworkConfig {
	policy, _ := buffer.ParseOverflowPolicy(c.Relay.OverflowPolicy)
	return stream.NetworkConfig{
		Prefix:         c.Network.SubjectPrefix,
		Backend:        c.Discovery.Backend,
		Bucket:         c.Discovery.Bucket,
		DirectoryTTL:   c.Discovery.DirectoryTTL,
		BufferSize:     c.Relay.BufferSize,
		OverflowPolicy: policy,
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	clone := *c
	clone.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	if c.Sources != nil {
		clone.Sources = make(map[string]string, len(c.Sources))
		for k, v := range c.Sources {
			clone.Sources[k] = v
		}
	}
	return &clone
}

// Redacted returns a copy with credentials masked, safe to log
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	for _, secret := range []*string{&clone.NATS.Password, &clone.NATS.Token} {
		if *secret != "" {
			*secret = "***"
		}
	}
	return clone
}

// String returns a JSON representation of the config with credentials masked
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
