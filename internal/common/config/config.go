// Package config loads clawden configuration from defaults, config.yaml and
// CLAWDEN_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/codervisor/clawden/internal/common/logger"
)

// Config holds every configuration section.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Paths    PathsConfig          `mapstructure:"paths"`
	Database DatabaseConfig       `mapstructure:"database"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Docker   DockerConfig         `mapstructure:"docker"`
	Process  ProcessConfig        `mapstructure:"process"`
	Install  InstallConfig        `mapstructure:"install"`
	Health   HealthConfig         `mapstructure:"health"`
	Recovery RecoveryConfig       `mapstructure:"recovery"`
	Runtimes RuntimesConfig       `mapstructure:"runtimes"`
	Audit    AuditConfig          `mapstructure:"audit"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// PathsConfig locates the on-disk state root. Sub-directories derive from Root.
type PathsConfig struct {
	Root string `mapstructure:"root"`
}

// DatabaseConfig selects the fleet store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file, defaults to <root>/clawden.db
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS settings. An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client settings.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Network    string `mapstructure:"network"`
}

// ProcessConfig tunes the process manager.
type ProcessConfig struct {
	DefaultMode       string   `mapstructure:"defaultMode"` // auto, container, native
	StopGracePeriodMs int      `mapstructure:"stopGracePeriodMs"`
	EnvAllowlist      []string `mapstructure:"envAllowlist"`
	LogMaxSizeMB      int      `mapstructure:"logMaxSizeMb"`
	LogMaxBackups     int      `mapstructure:"logMaxBackups"`
	LogCompress       bool     `mapstructure:"logCompress"`
}

// InstallConfig tunes the installer.
type InstallConfig struct {
	LockWaitMs         int `mapstructure:"lockWaitMs"`
	LockPollMs         int `mapstructure:"lockPollMs"`
	DownloadTimeoutSec int `mapstructure:"downloadTimeoutSec"`
}

// HealthConfig tunes the health monitor.
type HealthConfig struct {
	IntervalMs int `mapstructure:"intervalMs"`
	TimeoutMs  int `mapstructure:"timeoutMs"`
}

// RecoveryConfig tunes the recovery engine.
type RecoveryConfig struct {
	Threshold             int  `mapstructure:"threshold"`
	BaseBackoffMs         int  `mapstructure:"baseBackoffMs"`
	MaxBackoffMs          int  `mapstructure:"maxBackoffMs"`
	MaxAttempts           int  `mapstructure:"maxAttempts"`
	HealthyResetMs        int  `mapstructure:"healthyResetMs"`
	DegradedServesTraffic bool `mapstructure:"degradedServesTraffic"`
}

// RuntimesConfig restricts which catalog runtimes get adapters. Empty means all.
type RuntimesConfig struct {
	Enabled []string `mapstructure:"enabled"`
}

// AuditConfig locates the audit log.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

func (p PathsConfig) RuntimesDir() string { return filepath.Join(p.Root, "runtimes") }
func (p PathsConfig) DownloadsDir() string {
	return filepath.Join(p.Root, "cache", "downloads")
}
func (p PathsConfig) LogsDir() string { return filepath.Join(p.Root, "logs") }
func (p PathsConfig) RunDir() string  { return filepath.Join(p.Root, "run") }

// StopGracePeriod returns the SIGTERM to SIGKILL window.
func (p *ProcessConfig) StopGracePeriod() time.Duration {
	return time.Duration(p.StopGracePeriodMs) * time.Millisecond
}

func (i *InstallConfig) LockWait() time.Duration {
	return time.Duration(i.LockWaitMs) * time.Millisecond
}

func (i *InstallConfig) LockPoll() time.Duration {
	return time.Duration(i.LockPollMs) * time.Millisecond
}

func (i *InstallConfig) DownloadTimeout() time.Duration {
	return time.Duration(i.DownloadTimeoutSec) * time.Second
}

func (h *HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalMs) * time.Millisecond
}

// Timeout returns the per-check deadline, never longer than the interval.
func (h *HealthConfig) Timeout() time.Duration {
	if h.TimeoutMs <= 0 || h.TimeoutMs > h.IntervalMs {
		return h.Interval()
	}
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

func (r *RecoveryConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMs) * time.Millisecond
}

func (r *RecoveryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

func (r *RecoveryConfig) HealthyReset() time.Duration {
	return time.Duration(r.HealthyResetMs) * time.Millisecond
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawden"
	}
	return filepath.Join(home, ".clawden")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("paths.root", defaultRoot())

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Empty URL means the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "clawden")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.network", "")

	v.SetDefault("process.defaultMode", "auto")
	v.SetDefault("process.stopGracePeriodMs", 2000)
	v.SetDefault("process.envAllowlist", []string{"PATH", "HOME", "LANG", "TZ", "USER"})
	v.SetDefault("process.logMaxSizeMb", 10)
	v.SetDefault("process.logMaxBackups", 5)
	v.SetDefault("process.logCompress", false)

	v.SetDefault("install.lockWaitMs", 30000)
	v.SetDefault("install.lockPollMs", 100)
	v.SetDefault("install.downloadTimeoutSec", 300)

	v.SetDefault("health.intervalMs", 5000)
	v.SetDefault("health.timeoutMs", 2000)

	v.SetDefault("recovery.threshold", 3)
	v.SetDefault("recovery.baseBackoffMs", 1000)
	v.SetDefault("recovery.maxBackoffMs", 30000)
	v.SetDefault("recovery.maxAttempts", 5)
	v.SetDefault("recovery.healthyResetMs", 60000)
	v.SetDefault("recovery.degradedServesTraffic", false)

	v.SetDefault("runtimes.enabled", []string{})

	v.SetDefault("audit.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration, searching configPath first when set.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CLAWDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys need explicit SNAKE_CASE bindings.
	_ = v.BindEnv("paths.root", "CLAWDEN_HOME", "CLAWDEN_PATHS_ROOT")
	_ = v.BindEnv("health.intervalMs", "CLAWDEN_HEALTH_INTERVAL_MS")
	_ = v.BindEnv("health.timeoutMs", "CLAWDEN_HEALTH_TIMEOUT_MS")
	_ = v.BindEnv("recovery.baseBackoffMs", "CLAWDEN_RECOVERY_BASE_BACKOFF_MS")
	_ = v.BindEnv("recovery.maxBackoffMs", "CLAWDEN_RECOVERY_MAX_BACKOFF_MS")
	_ = v.BindEnv("recovery.maxAttempts", "CLAWDEN_RECOVERY_MAX_ATTEMPTS")
	_ = v.BindEnv("recovery.degradedServesTraffic", "CLAWDEN_RECOVERY_DEGRADED_SERVES_TRAFFIC")
	_ = v.BindEnv("process.defaultMode", "CLAWDEN_PROCESS_DEFAULT_MODE")
	_ = v.BindEnv("install.lockWaitMs", "CLAWDEN_INSTALL_LOCK_WAIT_MS")
	_ = v.BindEnv("database.dsn", "CLAWDEN_DATABASE_DSN", "DATABASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/clawden/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.applyDerived()

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	c.Paths.Root = expandHome(c.Paths.Root)
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Paths.Root, "clawden.db")
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.Paths.LogsDir(), "audit.jsonl")
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Paths.Root == "" {
		errs = append(errs, "paths.root is required")
	}

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	switch cfg.Process.DefaultMode {
	case "auto", "container", "native":
	default:
		errs = append(errs, "process.defaultMode must be one of: auto, container, native")
	}
	if cfg.Process.StopGracePeriodMs <= 0 {
		errs = append(errs, "process.stopGracePeriodMs must be positive")
	}

	if cfg.Install.LockWaitMs <= 0 || cfg.Install.LockPollMs <= 0 {
		errs = append(errs, "install.lockWaitMs and install.lockPollMs must be positive")
	}

	if cfg.Health.IntervalMs <= 0 {
		errs = append(errs, "health.intervalMs must be positive")
	}

	if cfg.Recovery.Threshold <= 0 {
		errs = append(errs, "recovery.threshold must be positive")
	}
	if cfg.Recovery.BaseBackoffMs <= 0 || cfg.Recovery.MaxBackoffMs < cfg.Recovery.BaseBackoffMs {
		errs = append(errs, "recovery.baseBackoffMs must be positive and not exceed recovery.maxBackoffMs")
	}
	if cfg.Recovery.MaxAttempts <= 0 {
		errs = append(errs, "recovery.maxAttempts must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
