// ABOUTME: Configuration loading and parsing for the yaragent orchestrator
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Floors applied to agent timing values. Configured values below a floor are raised to it.
const (
	MinHeartbeatInterval = time.Second
	MinEphemeralLease    = 30 * time.Second
	MinCleanupInterval   = 10 * time.Second
	MinOrphanAfter       = 5 * time.Minute
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig selects the Control-State Store backend.
// Driver is "sqlite" (Path) or "postgres" (DSN).
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// AuthConfig holds caller authentication configuration.
// Leaving both fields empty disables authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	APIToken  string `yaml:"api_token" toml:"api_token"`
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || a.APIToken != ""
}

// AgentsConfig holds agent liveness, lease and sweep timing
type AgentsConfig struct {
	StaleAfter          time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval   time.Duration `yaml:"-" toml:"-"`
	EphemeralLease      time.Duration `yaml:"-" toml:"-"`
	EphemeralGrace      time.Duration `yaml:"-" toml:"-"`
	CleanupInterval     time.Duration `yaml:"-" toml:"-"`
	OrphanAfter         time.Duration `yaml:"-" toml:"-"`
	DispatchTimeout     time.Duration `yaml:"-" toml:"-"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats" toml:"max_missed_heartbeats"`
	StaleRetentionDays  int           `yaml:"stale_retention_days" toml:"stale_retention_days"`
	// AutoDeleteEphemeral is a pointer so an absent key keeps the default (true).
	AutoDeleteEphemeral *bool `yaml:"auto_delete_ephemeral" toml:"auto_delete_ephemeral"`

	// Raw string values for unmarshaling
	StaleAfterRaw        string `yaml:"stale_after" toml:"stale_after"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	EphemeralLeaseRaw    string `yaml:"ephemeral_lease" toml:"ephemeral_lease"`
	EphemeralGraceRaw    string `yaml:"ephemeral_grace" toml:"ephemeral_grace"`
	CleanupIntervalRaw   string `yaml:"cleanup_interval" toml:"cleanup_interval"`
	OrphanAfterRaw       string `yaml:"orphan_after" toml:"orphan_after"`
	DispatchTimeoutRaw   string `yaml:"dispatch_timeout" toml:"dispatch_timeout"`
}

// AutoDelete reports whether ephemeral lease expiry is enabled.
func (a AgentsConfig) AutoDelete() bool {
	return a.AutoDeleteEphemeral == nil || *a.AutoDeleteEphemeral
}

// InactivityThreshold is the age after which a connected agent is archived:
// the larger of StaleAfter and HeartbeatInterval × MaxMissedHeartbeats.
func (a AgentsConfig) InactivityThreshold() time.Duration {
	missed := a.HeartbeatInterval * time.Duration(a.MaxMissedHeartbeats)
	if missed > a.StaleAfter {
		return missed
	}
	return a.StaleAfter
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration populated with built-in defaults.
func Default() *Config {
	autoDelete := true
	return &Config{
		Server:   ServerConfig{HTTPAddr: "0.0.0.0:8002"},
		Database: DatabaseConfig{Driver: "sqlite"},
		Agents: AgentsConfig{
			StaleAfter:          90 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			MaxMissedHeartbeats: 3,
			EphemeralLease:      120 * time.Second,
			EphemeralGrace:      300 * time.Second,
			CleanupInterval:     60 * time.Second,
			AutoDeleteEphemeral: &autoDelete,
			OrphanAfter:         6 * time.Hour,
			StaleRetentionDays:  30,
			DispatchTimeout:     15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyFloors()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver)
	}

	if c.Agents.StaleAfter <= 0 {
		return fmt.Errorf("agents.stale_after must be positive")
	}
	if c.Agents.DispatchTimeout <= 0 {
		return fmt.Errorf("agents.dispatch_timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}

	return nil
}

// applyFloors raises agent timing values to their minimums.
func (c *Config) applyFloors() {
	a := &c.Agents
	a.HeartbeatInterval = max(a.HeartbeatInterval, MinHeartbeatInterval)
	a.EphemeralLease = max(a.EphemeralLease, MinEphemeralLease)
	a.EphemeralGrace = max(a.EphemeralGrace, 0)
	a.CleanupInterval = max(a.CleanupInterval, MinCleanupInterval)
	a.OrphanAfter = max(a.OrphanAfter, MinOrphanAfter)
	a.MaxMissedHeartbeats = max(a.MaxMissedHeartbeats, 1)
	a.StaleRetentionDays = max(a.StaleRetentionDays, 1)
}

// parseDurations converts the raw duration strings into time.Duration values.
// Empty strings leave the default in place.
func parseDurations(cfg *Config) error {
	a := &cfg.Agents
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"stale_after", a.StaleAfterRaw, &a.StaleAfter},
		{"heartbeat_interval", a.HeartbeatIntervalRaw, &a.HeartbeatInterval},
		{"ephemeral_lease", a.EphemeralLeaseRaw, &a.EphemeralLease},
		{"ephemeral_grace", a.EphemeralGraceRaw, &a.EphemeralGrace},
		{"cleanup_interval", a.CleanupIntervalRaw, &a.CleanupInterval},
		{"orphan_after", a.OrphanAfterRaw, &a.OrphanAfter},
		{"dispatch_timeout", a.DispatchTimeoutRaw, &a.DispatchTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// DefaultPath returns the config file location: YARAGENT_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/yaragent/orchestrator.yaml.
func DefaultPath() string {
	if p := os.Getenv("YARAGENT_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "orchestrator.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "yaragent", "orchestrator.yaml")
}
