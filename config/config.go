package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is prepended to every environment override, e.g. SANDBOXD_ADAPTER_KIND.
const EnvPrefix = "SANDBOXD"

// Config represents the application configuration
type Config struct {
	AdapterKind           string            `mapstructure:"adapter_kind"`
	DefaultTimeoutSeconds int               `mapstructure:"default_timeout_seconds"`
	DefaultTemplate       string            `mapstructure:"default_template"`
	RuntimeHint           string            `mapstructure:"runtime_hint"`
	StateRoot             string            `mapstructure:"state_root"`
	Metadata              map[string]string `mapstructure:"metadata"`
	Workdir               string            `mapstructure:"workdir"`
	Resources             ResourcesConfig   `mapstructure:"resources"`
	Watchdog              WatchdogConfig    `mapstructure:"watchdog"`
	Pool                  PoolConfig        `mapstructure:"pool"`
	Remote                RemoteConfig      `mapstructure:"remote"`
	Process               ProcessConfig     `mapstructure:"process"`
	Server                ServerConfig      `mapstructure:"server"`
	Logging               LoggingConfig     `mapstructure:"logging"`
}

// ResourcesConfig holds default resource limits for new sandboxes
type ResourcesConfig struct {
	CPULimit    float64 `mapstructure:"cpu_limit"`
	MemoryLimit string  `mapstructure:"memory_limit"`
	PidsLimit   int     `mapstructure:"pids_limit"`
	Network     string  `mapstructure:"network"`
}

// WatchdogConfig holds idle-timeout reaper configuration
type WatchdogConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxDestroyRetries int           `mapstructure:"max_destroy_retries"`
	// LivenessInterval is how often running sessions are checked for a vanished
	// backend. Zero disables the check.
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
	// PendingGrace is how long a record may stay pending before prune treats
	// it as left behind by a create that never finished.
	PendingGrace time.Duration `mapstructure:"pending_grace"`
}

// PoolConfig holds the pre-created session pool configuration
type PoolConfig struct {
	// Size is the number of sessions kept ready. Zero disables the pool.
	Size int `mapstructure:"size"`
}

// RemoteConfig holds configuration for the remote HTTP adapter
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ProcessConfig holds configuration for the host-process adapter
type ProcessConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport   string `mapstructure:"transport"`
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration from the default
// search path and the environment.
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path (or the default search path when path is
// empty), applies SANDBOXD_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sandboxd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			v.AddConfigPath(filepath.Join(configHome, "sandboxd"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		jsonStringToMapHook(),
	))); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if config.Metadata == nil {
		config.Metadata = map[string]string{}
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("adapter_kind", "container")
	v.SetDefault("default_timeout_seconds", 300)
	v.SetDefault("default_template", "python:3.11-slim")
	v.SetDefault("runtime_hint", "")
	v.SetDefault("state_root", DefaultStateRoot())
	v.SetDefault("metadata", map[string]string{})
	v.SetDefault("workdir", "/workspace")

	v.SetDefault("resources.cpu_limit", 0)
	v.SetDefault("resources.memory_limit", "")
	v.SetDefault("resources.pids_limit", 0)
	v.SetDefault("resources.network", "bridge")

	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.poll_interval", "1s")
	v.SetDefault("watchdog.max_destroy_retries", 5)
	v.SetDefault("watchdog.liveness_interval", "30s")
	v.SetDefault("watchdog.pending_grace", "10m")

	v.SetDefault("pool.size", 0)

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.request_timeout", "60s")

	v.SetDefault("process.enabled", false)

	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// jsonStringToMapHook lets map-valued keys be given as a JSON object string,
// which is the only way to pass them through the environment.
func jsonStringToMapHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Map {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return map[string]string{}, nil
		}
		var out map[string]string
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("expected a JSON object, got %q: %w", raw, err)
		}
		return out, nil
	}
}

// DefaultStateRoot resolves the default directory for the registry store.
// Preference order:
// 1. $XDG_STATE_HOME/sandboxd
// 2. ~/.local/state/sandboxd
// 3. $TMPDIR/sandboxd
func DefaultStateRoot() string {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "sandboxd")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "sandboxd")
	}
	return filepath.Join(os.TempDir(), "sandboxd")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	supportedAdapters := map[string]bool{
		"container": true,
		"remote":    true,
		"process":   c.Process.Enabled, // process only enabled if specifically allowed
	}
	if !supportedAdapters[c.AdapterKind] {
		return fmt.Errorf("unsupported adapter_kind: %s", c.AdapterKind)
	}

	if c.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("default_timeout_seconds must be positive, got: %d", c.DefaultTimeoutSeconds)
	}

	if strings.TrimSpace(c.DefaultTemplate) == "" {
		return fmt.Errorf("default_template must not be empty")
	}

	switch c.RuntimeHint {
	case "", "docker", "podman":
	default:
		return fmt.Errorf("invalid runtime_hint: %s, must be 'docker' or 'podman'", c.RuntimeHint)
	}

	if strings.TrimSpace(c.StateRoot) == "" {
		return fmt.Errorf("state_root must not be empty")
	}

	switch c.Resources.Network {
	case "", "none", "bridge", "host":
	default:
		return fmt.Errorf("invalid resources.network: %s, must be 'none', 'bridge' or 'host'", c.Resources.Network)
	}

	if c.Resources.CPULimit < 0 || c.Resources.PidsLimit < 0 {
		return fmt.Errorf("resources limits must not be negative")
	}

	if c.Watchdog.PollInterval <= 0 {
		return fmt.Errorf("watchdog.poll_interval must be positive, got: %s", c.Watchdog.PollInterval)
	}

	if c.Watchdog.MaxDestroyRetries <= 0 {
		return fmt.Errorf("watchdog.max_destroy_retries must be positive, got: %d", c.Watchdog.MaxDestroyRetries)
	}

	if c.Watchdog.LivenessInterval < 0 {
		return fmt.Errorf("watchdog.liveness_interval must not be negative, got: %s", c.Watchdog.LivenessInterval)
	}

	if c.Watchdog.PendingGrace <= 0 {
		return fmt.Errorf("watchdog.pending_grace must be positive, got: %s", c.Watchdog.PendingGrace)
	}

	if c.Pool.Size < 0 {
		return fmt.Errorf("pool.size must not be negative, got: %d", c.Pool.Size)
	}

	if c.AdapterKind == "remote" && strings.TrimSpace(c.Remote.BaseURL) == "" {
		return fmt.Errorf("remote.base_url is required when adapter_kind is 'remote'")
	}

	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.MetricsPath != "" && (!strings.HasPrefix(c.Server.MetricsPath, "/") || c.Server.MetricsPath == "/mcp") {
		return fmt.Errorf("invalid server.metrics_path: %s, must start with '/' and differ from /mcp", c.Server.MetricsPath)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetDefaultTimeout returns the default idle timeout as a duration
func (c *Config) GetDefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// RegistryPath returns the location of the registry store file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.StateRoot, "registry.json")
}

// TemplatesDBPath returns the location of the template catalog database.
func (c *Config) TemplatesDBPath() string {
	return filepath.Join(c.StateRoot, "templates.db")
}
