// Package config handles deskpresence configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/deskpresence/internal/topics"
)

// ErrNoConfig is returned by [FindConfig] when no file exists on the
// search path.
var ErrNoConfig = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/deskpresence/config.yaml, /etc/deskpresence/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "deskpresence", "config.yaml"))
	}

	paths = append(paths, "/etc/deskpresence/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all deskpresence configuration.
type Config struct {
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Identity  IdentityConfig `yaml:"identity"`
	Presence  PresenceConfig `yaml:"presence"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// MQTTConfig defines the broker connection and topic layout.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883, mqtts://host:8883
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Protocol selects the wire protocol: "5" (default) or "3.1.1".
	Protocol string `yaml:"protocol"`

	// ClientID overrides the client identifier derived from the
	// device identity.
	ClientID string `yaml:"client_id"`

	DiscoveryPrefix string `yaml:"discovery_prefix"` // default: homeassistant
	StatePrefix     string `yaml:"state_prefix"`     // default: deskpresence

	KeepAliveSec      int `yaml:"keepalive_sec"`
	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	PublishTimeoutSec int `yaml:"publish_timeout_sec"`

	// RetractStaleDiscovery clears the discovery config topics of a
	// previously announced device slug when the identity changes.
	RetractStaleDiscovery bool `yaml:"retract_stale_discovery"`
}

// Configured reports whether enough MQTT settings are present to
// attempt a connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// KeepAlive returns the keep-alive interval.
func (c MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSec) * time.Second
}

// ConnectTimeout bounds a single connect attempt.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// PublishTimeout bounds a single publish.
func (c MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSec) * time.Second
}

// IdentityConfig overrides parts of the resolved device identity.
type IdentityConfig struct {
	HostName   string `yaml:"host_name"`
	HardwareID string `yaml:"hardware_id"`

	// UseHardwareID controls whether the machine's hardware identifier
	// is folded into topic names. Nil means true.
	UseHardwareID *bool `yaml:"use_hardware_id"`
}

// HardwareIDEnabled reports whether the hardware identifier should be
// part of the identity.
func (c IdentityConfig) HardwareIDEnabled() bool {
	return c.UseHardwareID == nil || *c.UseHardwareID
}

// PresenceConfig controls sampling of the watched signals.
type PresenceConfig struct {
	TickIntervalMS int `yaml:"tick_interval_ms"` // default: 1000

	// IdleCommand prints the user's idle time in milliseconds.
	IdleCommand      []string `yaml:"idle_command"` // default: [xprintidle]
	IdleThresholdSec int      `yaml:"idle_threshold_sec"`

	// LockEnabled turns the workstation lock watcher on. Nil means true.
	LockEnabled *bool `yaml:"lock_enabled"`

	// LockSession is the logind session whose LockedHint is watched.
	// Empty means $XDG_SESSION_ID, falling back to "auto".
	LockSession        string `yaml:"lock_session"`
	LockPollIntervalMS int    `yaml:"lock_poll_interval_ms"`

	// PublishPlaceholders publishes an "unknown" state for each signal
	// after the first announcement. Nil means true.
	PublishPlaceholders *bool `yaml:"publish_placeholders"`
}

// TickInterval returns the run loop period.
func (c PresenceConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// IdleThreshold returns the idle cutoff.
func (c PresenceConfig) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSec) * time.Second
}

// LockPollInterval returns how often logind is polled for the lock hint.
func (c PresenceConfig) LockPollInterval() time.Duration {
	return time.Duration(c.LockPollIntervalMS) * time.Millisecond
}

// LockWatcherEnabled reports whether the lock watcher should run.
func (c PresenceConfig) LockWatcherEnabled() bool {
	return c.LockEnabled == nil || *c.LockEnabled
}

// PlaceholdersEnabled reports whether "unknown" placeholders are published.
func (c PresenceConfig) PlaceholdersEnabled() bool {
	return c.PublishPlaceholders == nil || *c.PublishPlaceholders
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// broker set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.MQTT.Protocol == "" {
		c.MQTT.Protocol = "5"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.StatePrefix == "" {
		c.MQTT.StatePrefix = "deskpresence"
	}
	if c.MQTT.KeepAliveSec <= 0 {
		c.MQTT.KeepAliveSec = 30
	}
	if c.MQTT.ConnectTimeoutSec <= 0 {
		c.MQTT.ConnectTimeoutSec = 10
	}
	if c.MQTT.PublishTimeoutSec <= 0 {
		c.MQTT.PublishTimeoutSec = 5
	}
	if c.Presence.TickIntervalMS <= 0 {
		c.Presence.TickIntervalMS = 1000
	}
	if len(c.Presence.IdleCommand) == 0 {
		c.Presence.IdleCommand = []string{"xprintidle"}
	}
	if c.Presence.IdleThresholdSec <= 0 {
		c.Presence.IdleThresholdSec = 300
	}
	if c.Presence.LockPollIntervalMS <= 0 {
		c.Presence.LockPollIntervalMS = 1000
	}
}

// Validate checks the configuration for values that would otherwise
// fail later at runtime.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}

	if !c.MQTT.Configured() {
		return errors.New("mqtt.broker is required")
	}
	u, err := url.Parse(c.MQTT.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt.broker: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "tls":
	default:
		return fmt.Errorf("mqtt.broker scheme %q not supported (valid: mqtt, tcp, mqtts, ssl, tls)", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("mqtt.broker %q has no host", c.MQTT.Broker)
	}

	switch c.MQTT.Protocol {
	case "5", "3.1.1":
	default:
		return fmt.Errorf("unknown mqtt.protocol %q (valid: 5, 3.1.1)", c.MQTT.Protocol)
	}

	for name, prefix := range map[string]string{
		"mqtt.discovery_prefix": c.MQTT.DiscoveryPrefix,
		"mqtt.state_prefix":     c.MQTT.StatePrefix,
	} {
		if err := validatePrefix(prefix); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// validatePrefix rejects topic prefixes that would produce invalid or
// wildcard topics once device and object segments are appended.
func validatePrefix(p string) error {
	if !topics.Valid(p) {
		return fmt.Errorf("%q is not a valid topic prefix (no wildcards, empty levels, leading or trailing '/', or characters outside printable ASCII)", p)
	}
	return nil
}
