// Package config loads the bridge configuration from a YAML file, fills in
// defaults, applies environment overrides, and watches the file for changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Provider  ProviderConfig  `yaml:"provider"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Journal   JournalConfig   `yaml:"journal"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
}

// ServerConfig controls the HTTP API and websocket feed.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// AuthToken guards every endpoint except /healthz when set.
	AuthToken string `yaml:"auth_token"`
	// RateLimit is requests per second per remote address. Zero disables
	// limiting.
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the bucket size used with RateLimit.
	RateBurst int `yaml:"rate_burst"`
}

// LogConfig controls slog output.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// StoreConfig selects where channel records live.
type StoreConfig struct {
	// Backend is file or redis.
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis channel store backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ProviderConfig configures the messaging transport's device database.
type ProviderConfig struct {
	// Dialect is sqlite or postgres.
	Dialect string `yaml:"dialect"`
	// DSN is the sqlite file path or the postgres connection string.
	DSN string `yaml:"dsn"`
	// DeviceName shows up on the paired phone's linked-devices screen.
	DeviceName string `yaml:"device_name"`
}

// PairingConfig bounds how long create and regenerate wait for a pairing
// code before answering with whatever state the channel reached.
type PairingConfig struct {
	WaitMS   int `yaml:"wait_ms"`
	SettleMS int `yaml:"settle_ms"`
}

func (p PairingConfig) Wait() time.Duration   { return time.Duration(p.WaitMS) * time.Millisecond }
func (p PairingConfig) Settle() time.Duration { return time.Duration(p.SettleMS) * time.Millisecond }

// ReconnectConfig shapes the backoff applied after unexpected closes.
type ReconnectConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// JournalConfig controls the transition journal and its retention sweep.
type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	// PruneSchedule is a cron expression. Empty disables pruning.
	PruneSchedule string `yaml:"prune_schedule"`
	// CensusSchedule is a cron expression for the periodic health event.
	CensusSchedule string `yaml:"census_schedule"`
}

// TracingConfig configures the OTLP trace exporter. An empty endpoint
// disables tracing.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Protocol is grpc or http.
	Protocol string `yaml:"protocol"`
	Insecure bool   `yaml:"insecure"`
}

// TailscaleConfig exposes the API over a tailnet instead of a plain
// listener.
type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Hostname string `yaml:"hostname"`
	StateDir string `yaml:"state_dir"`
	// AuthKey falls back to TS_AUTHKEY.
	AuthKey string `yaml:"auth_key"`
}

// DefaultDir returns the bridge's state directory, ~/.wabridge.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wabridge"
	}
	return filepath.Join(home, ".wabridge")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	dir := DefaultDir()
	return &Config{
		Server: ServerConfig{
			Listen:    "127.0.0.1:8377",
			RateLimit: 20,
			RateBurst: 40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    filepath.Join(dir, "channels.json"),
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "wabridge",
			},
		},
		Provider: ProviderConfig{
			Dialect:    "sqlite",
			DSN:        filepath.Join(dir, "devices.db"),
			DeviceName: "wabridge",
		},
		Pairing: PairingConfig{
			WaitMS:   15000,
			SettleMS: 1000,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelayMS: 3000,
			MaxDelayMS:  60000,
		},
		Journal: JournalConfig{
			Path:           filepath.Join(dir, "journal.db"),
			RetentionDays:  14,
			PruneSchedule:  "0 * * * *",
			CensusSchedule: "* * * * *",
		},
		Tracing: TracingConfig{
			Protocol: "grpc",
			Insecure: true,
		},
		Tailscale: TailscaleConfig{
			Hostname: "wabridge",
			StateDir: filepath.Join(dir, "tsnet"),
		},
	}
}

// Load reads the config file at path, or the default location when path is
// empty. A missing file is not an error; the defaults are returned so the
// daemon runs out of the box. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := yaml.Unmarshal(data, cfg); uerr != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, uerr)
		}
	case os.IsNotExist(err) && !explicit:
		// Fresh install, defaults apply.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)
	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployments override the file without editing it.
func applyEnv(cfg *Config) {
	if v := os.Getenv("WABRIDGE_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("WABRIDGE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("WABRIDGE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WABRIDGE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("WABRIDGE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("WABRIDGE_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("WABRIDGE_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("WABRIDGE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.Redis.DB = n
		}
	}
	if v := os.Getenv("WABRIDGE_PROVIDER_DSN"); v != "" {
		cfg.Provider.DSN = v
	}
	if v := os.Getenv("WABRIDGE_TRACE_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("TS_AUTHKEY"); v != "" && cfg.Tailscale.AuthKey == "" {
		cfg.Tailscale.AuthKey = v
	}
}

func expandPaths(cfg *Config) {
	cfg.Store.Path = ExpandHome(cfg.Store.Path)
	cfg.Journal.Path = ExpandHome(cfg.Journal.Path)
	cfg.Tailscale.StateDir = ExpandHome(cfg.Tailscale.StateDir)
	if cfg.Provider.Dialect == "" || cfg.Provider.Dialect == "sqlite" {
		cfg.Provider.DSN = ExpandHome(cfg.Provider.DSN)
	}
}

// ExpandHome resolves a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	switch c.Store.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Provider.Dialect {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown provider dialect %q", c.Provider.Dialect)
	}
	switch c.Tracing.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("config: unknown tracing protocol %q", c.Tracing.Protocol)
	}
	if c.Server.Listen == "" && !c.Tailscale.Enabled {
		return fmt.Errorf("config: server.listen is empty")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("config: reconnect.max_attempts is negative")
	}
	if c.Reconnect.BaseDelayMS <= 0 {
		return fmt.Errorf("config: reconnect.base_delay_ms must be positive")
	}
	if c.Reconnect.MaxDelayMS < c.Reconnect.BaseDelayMS {
		return fmt.Errorf("config: reconnect.max_delay_ms is below base_delay_ms")
	}
	if c.Pairing.WaitMS <= 0 {
		return fmt.Errorf("config: pairing.wait_ms must be positive")
	}
	if c.Journal.PruneSchedule != "" && c.Journal.RetentionDays <= 0 {
		return fmt.Errorf("config: journal.retention_days must be positive when pruning is scheduled")
	}
	return nil
}

// LogLevel converts the configured level to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
