// Package config provides configuration management for clipforge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultWorkerCount     = 1
	defaultPollInterval    = 2 * time.Second
	defaultFreshnessWindow = 24 * time.Hour
	defaultHandlerTimeout  = 2 * time.Hour
	defaultCancelGrace     = 30 * time.Second

	defaultTickInterval     = 15 * time.Second
	defaultStuckThreshold   = 180 * time.Second
	defaultOrphanThreshold  = 600 * time.Second
	defaultRetryMax         = 3
	defaultRetryWindow      = 10 * time.Minute
	defaultRetryEveryTicks  = 2
	defaultContinuityTicks  = 4
	defaultRetentionDays    = 7
	defaultMinFreeDiskBytes = 1 * 1024 * 1024 * 1024 // 1GB

	defaultDownloadTimeout = 60 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Download   DownloadConfig   `mapstructure:"download"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration. Project artifacts and the
// per-stage analysis cache live under {data_dir}/projects/{project_id}.
type StorageConfig struct {
	DataDir     string `mapstructure:"data_dir"`
	ProjectsDir string `mapstructure:"projects_dir"`
	TempDir     string `mapstructure:"temp_dir"`
	// MinFreeDisk is the free-space floor reported as degraded by the
	// resource probe. Supports human-readable values like "1GB".
	MinFreeDisk ByteSize `mapstructure:"min_free_disk"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// QueueConfig holds dispatcher configuration.
type QueueConfig struct {
	// Workers is the number of concurrent job workers.
	Workers int `mapstructure:"workers"`
	// PollInterval is how long an idle worker sleeps between claims.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// FreshnessWindow bounds how old a pending job may be and still get
	// claimed.
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	// HandlerTimeout bounds a single handler invocation.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	// CancelGrace is how long a cancelled handler may keep running before
	// its subprocesses are force-killed.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
}

// SupervisorConfig holds the health-scan loop configuration.
type SupervisorConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`
	// OrphanThreshold is the minimum age of a transient project before the
	// orphan scan will touch it.
	OrphanThreshold time.Duration `mapstructure:"orphan_threshold"`
	RetryMax        int           `mapstructure:"retry_max"`
	// RetryWindow bounds how far back the auto-retry scan looks for
	// failures.
	RetryWindow time.Duration `mapstructure:"retry_window"`
	// RetryEveryTicks runs the auto-retry action every Nth tick.
	RetryEveryTicks int `mapstructure:"retry_every_ticks"`
	// ContinuityEveryTicks runs the workflow-continuity action every Nth tick.
	ContinuityEveryTicks int `mapstructure:"continuity_every_ticks"`
	// AutoRecovery toggles stuck/orphan/retry actions at startup. Mutable at
	// runtime through the supervisor API.
	AutoRecovery bool `mapstructure:"auto_recovery"`
}

// RetentionConfig holds terminal-job retention configuration.
type RetentionConfig struct {
	// Age is how old a terminal job must be before the purge removes it.
	// Supports day/week units, e.g. "7d".
	Age Duration `mapstructure:"age"`
	// Cron is the purge schedule (6-field cron, default nightly at 3 AM).
	Cron    string `mapstructure:"cron"`
	Enabled bool   `mapstructure:"enabled"`
}

// ToolsConfig holds paths to external collaborator binaries.
type ToolsConfig struct {
	FFmpeg       string `mapstructure:"ffmpeg"`
	FFprobe      string `mapstructure:"ffprobe"`
	Whisper      string `mapstructure:"whisper"`
	WhisperModel string `mapstructure:"whisper_model"`
	YtDlp        string `mapstructure:"ytdlp"`
}

// DownloadConfig holds direct-URL source download configuration.
type DownloadConfig struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	UserAgent   string        `mapstructure:"user_agent"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CLIPFORGE_ and use underscores for
// nesting. Example: CLIPFORGE_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/clipforge")
		v.AddConfigPath("$HOME/.clipforge")
	}

	// Environment variable settings
	v.SetEnvPrefix("CLIPFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "clipforge.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.projects_dir", "projects")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.min_free_disk", defaultMinFreeDiskBytes)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Queue defaults
	v.SetDefault("queue.workers", defaultWorkerCount)
	v.SetDefault("queue.poll_interval", defaultPollInterval)
	v.SetDefault("queue.freshness_window", defaultFreshnessWindow)
	v.SetDefault("queue.handler_timeout", defaultHandlerTimeout)
	v.SetDefault("queue.cancel_grace", defaultCancelGrace)

	// Supervisor defaults
	v.SetDefault("supervisor.tick_interval", defaultTickInterval)
	v.SetDefault("supervisor.stuck_threshold", defaultStuckThreshold)
	v.SetDefault("supervisor.orphan_threshold", defaultOrphanThreshold)
	v.SetDefault("supervisor.retry_max", defaultRetryMax)
	v.SetDefault("supervisor.retry_window", defaultRetryWindow)
	v.SetDefault("supervisor.retry_every_ticks", defaultRetryEveryTicks)
	v.SetDefault("supervisor.continuity_every_ticks", defaultContinuityTicks)
	v.SetDefault("supervisor.auto_recovery", true)

	// Retention defaults
	v.SetDefault("retention.age", fmt.Sprintf("%dd", defaultRetentionDays))
	v.SetDefault("retention.cron", "0 0 3 * * *") // Daily at 3 AM (6-field cron)
	v.SetDefault("retention.enabled", true)

	// Tools defaults (empty path = resolve from PATH)
	v.SetDefault("tools.ffmpeg", "ffmpeg")
	v.SetDefault("tools.ffprobe", "ffprobe")
	v.SetDefault("tools.whisper", "whisper")
	v.SetDefault("tools.whisper_model", "base")
	v.SetDefault("tools.ytdlp", "yt-dlp")

	// Download defaults
	v.SetDefault("download.http_timeout", defaultDownloadTimeout)
	v.SetDefault("download.user_agent", "clipforge/1.0")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Storage validation
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Queue validation
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be positive")
	}
	if c.Queue.FreshnessWindow <= 0 {
		return fmt.Errorf("queue.freshness_window must be positive")
	}

	// Supervisor validation
	if c.Supervisor.TickInterval < time.Second {
		return fmt.Errorf("supervisor.tick_interval must be at least 1s")
	}
	if c.Supervisor.StuckThreshold <= 0 {
		return fmt.Errorf("supervisor.stuck_threshold must be positive")
	}
	if c.Supervisor.RetryMax < 0 {
		return fmt.Errorf("supervisor.retry_max must not be negative")
	}
	if c.Supervisor.RetryEveryTicks < 1 {
		return fmt.Errorf("supervisor.retry_every_ticks must be at least 1")
	}
	if c.Supervisor.ContinuityEveryTicks < 1 {
		return fmt.Errorf("supervisor.continuity_every_ticks must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProjectsPath returns the full path to the projects directory.
func (c *StorageConfig) ProjectsPath() string {
	return fmt.Sprintf("%s/%s", c.DataDir, c.ProjectsDir)
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return fmt.Sprintf("%s/%s", c.DataDir, c.TempDir)
}

// ProjectPath returns the artifact directory for one project.
func (c *StorageConfig) ProjectPath(projectID string) string {
	return fmt.Sprintf("%s/%s", c.ProjectsPath(), projectID)
}
