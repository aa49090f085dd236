// Copyright (C) 2026 LazyAF
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppConfig holds all application configuration.
// It is instantiated by NewConfig() and passed to components that need it (dependency injection).
type AppConfig struct {
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
	Registry RegistryConfig `mapstructure:"registry"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	EventBus EventBusConfig `mapstructure:"event_bus"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Git      GitConfig      `mapstructure:"git"`
	Runner   RunnerConfig   `mapstructure:"runner"`
}

// DatabaseConfig holds all database configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// LogConfig holds comprehensive logging configuration
type LogConfig struct {
	Level    string            `mapstructure:"level"`
	Format   string            `mapstructure:"format"`
	Output   []LogOutputConfig `mapstructure:"output"`
	Levels   map[string]string `mapstructure:"levels"`
	Context  LogContextConfig  `mapstructure:"context"`
	Sampling LogSamplingConfig `mapstructure:"sampling"`
}

// LogOutputConfig defines where logs are written
type LogOutputConfig struct {
	Type    string          `mapstructure:"type"` // "file", "console"
	Enabled bool            `mapstructure:"enabled"`
	Path    string          `mapstructure:"path"`   // For file output
	Rotate  LogRotateConfig `mapstructure:"rotate"` // For file output
}

// LogRotateConfig defines log rotation settings
type LogRotateConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// LogContextConfig defines what context to include in logs
type LogContextConfig struct {
	IncludeCaller     bool   `mapstructure:"include_caller"`
	IncludeTimestamp  bool   `mapstructure:"include_timestamp"`
	IncludeLevel      bool   `mapstructure:"include_level"`
	IncludeStackTrace string `mapstructure:"include_stack_trace"` // Level at which to include stack trace
}

// LogSamplingConfig defines log sampling settings
type LogSamplingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Initial    uint32        `mapstructure:"initial"`
	Thereafter uint32        `mapstructure:"thereafter"`
	Tick       time.Duration `mapstructure:"tick"`
}

// ServerConfig holds the listen addresses for the two transport surfaces:
// the HTTP API (UI-facing) and the runner websocket endpoint.
type ServerConfig struct {
	HTTPListenAddr   string   `mapstructure:"http_listen_addr"`
	RunnerListenAddr string   `mapstructure:"runner_listen_addr"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"` // Empty = allow all (development); set for production
	MaxBodyBytes     int64    `mapstructure:"max_body_bytes"`
}

// RegistryConfig holds runner registry and heartbeat monitoring settings.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatDeadline time.Duration `mapstructure:"heartbeat_deadline"`
}

// DispatchConfig holds step dispatcher settings.
type DispatchConfig struct {
	AssignAckTimeout   time.Duration `mapstructure:"assign_ack_timeout"`
	MaxAssignRetries   int           `mapstructure:"max_assign_retries"`
	StepDefaultTimeout time.Duration `mapstructure:"step_default_timeout"`
	CancelGraceWindow  time.Duration `mapstructure:"cancel_grace_window"`
}

// EventBusConfig holds ring buffer sizing for the event fan-out bus.
type EventBusConfig struct {
	StateRingSize int `mapstructure:"state_ring_size"`
	LogRingSize   int `mapstructure:"log_ring_size"`
}

// DebugConfig holds debug session settings.
type DebugConfig struct {
	DefaultTTL        time.Duration `mapstructure:"default_ttl"`
	ExtensionQuantum  time.Duration `mapstructure:"extension_quantum"`
	MaxActiveSessions int           `mapstructure:"max_active_sessions"`
}

// GitConfig holds git substrate configuration.
type GitConfig struct {
	RepoStorageRoot string `mapstructure:"repo_storage_root"`
	DefaultBranch   string `mapstructure:"default_branch"`
}

// RunnerConfig holds configuration for the runner agent binary.
// Only read by cmd/runner; the control plane ignores it.
type RunnerConfig struct {
	ServerURL         string            `mapstructure:"server_url"`
	Name              string            `mapstructure:"name"`
	RunnerType        string            `mapstructure:"runner_type"`
	Labels            map[string]string `mapstructure:"labels"`
	WorkspaceDir      string            `mapstructure:"workspace_dir"`
	DockerHost        string            `mapstructure:"docker_host"`
	DefaultImage      string            `mapstructure:"default_image"`
	LogBatchInterval  time.Duration     `mapstructure:"log_batch_interval"`
	LogBatchMaxLines  int               `mapstructure:"log_batch_max_lines"`
	ReconnectBackoff  time.Duration     `mapstructure:"reconnect_backoff"`
	ContainerStopWait time.Duration     `mapstructure:"container_stop_wait"`
}

// NewConfig creates a new AppConfig by reading from a file, environment variables,
// and applying defaults.
func NewConfig(configPath string) (*AppConfig, error) {
	// Create a new config struct with default values
	cfg := defaultConfig()

	v := viper.New()

	// Set config file if provided, otherwise search in standard locations
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/lazyaf/")
		v.AddConfigPath("$HOME/.lazyaf")
	}

	// Configure viper to use environment variables
	v.SetEnvPrefix("LAZYAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read the config file. It's okay if it doesn't exist.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal the viper configuration into our config struct.
	// This will overwrite the default values with any values found in the config file or env vars.
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand paths that may contain ~ or environment variables
	cfg.expandPaths()

	// Validate the final configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// defaultConfig returns an AppConfig with default values.
// This is more type-safe than using viper.SetDefault().
func defaultConfig() AppConfig {
	return AppConfig{
		Database: DatabaseConfig{
			Driver:   "sqlite",
			Database: "lazyaf.db",
			Host:     "localhost",
			Port:     5432,
			SSLMode:  "disable",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			Output: []LogOutputConfig{
				{
					Type:    "file",
					Enabled: true,
					Path:    "./logs/lazyaf.log",
					Rotate: LogRotateConfig{
						MaxSizeMB:  100,
						MaxBackups: 7,
						MaxAgeDays: 30,
						Compress:   true,
					},
				},
				{
					Type:    "console",
					Enabled: true,
				},
			},
			Levels: map[string]string{
				"registry":  "INFO",
				"dispatch":  "INFO",
				"executor":  "INFO",
				"eventbus":  "WARN",
				"git":       "INFO",
				"database":  "INFO",
				"api":       "INFO",
				"runnerhub": "INFO",
				"debug":     "INFO",
			},
			Context: LogContextConfig{
				IncludeCaller:     true,
				IncludeTimestamp:  true,
				IncludeLevel:      true,
				IncludeStackTrace: "ERROR",
			},
			Sampling: LogSamplingConfig{
				Enabled:    false,
				Initial:    100,
				Thereafter: 100,
				Tick:       time.Second,
			},
		},
		Server: ServerConfig{
			HTTPListenAddr:   "127.0.0.1:8080",
			RunnerListenAddr: "127.0.0.1:8081",
			MaxBodyBytes:     1 << 20,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 10 * time.Second,
			HeartbeatDeadline: 30 * time.Second,
		},
		Dispatch: DispatchConfig{
			AssignAckTimeout:   10 * time.Second,
			MaxAssignRetries:   3,
			StepDefaultTimeout: 300 * time.Second,
			CancelGraceWindow:  15 * time.Second,
		},
		EventBus: EventBusConfig{
			StateRingSize: 256,
			LogRingSize:   4096,
		},
		Debug: DebugConfig{
			DefaultTTL:        1800 * time.Second,
			ExtensionQuantum:  1800 * time.Second,
			MaxActiveSessions: 16,
		},
		Git: GitConfig{
			RepoStorageRoot: "./repos",
			DefaultBranch:   "main",
		},
		Runner: RunnerConfig{
			ServerURL:         "ws://127.0.0.1:8081/ws/runner",
			RunnerType:        "shell",
			WorkspaceDir:      "./workspaces",
			DockerHost:        "unix:///var/run/docker.sock",
			DefaultImage:      "ubuntu:22.04",
			LogBatchInterval:  500 * time.Millisecond,
			LogBatchMaxLines:  200,
			ReconnectBackoff:  2 * time.Second,
			ContainerStopWait: 10 * time.Second,
		},
	}
}

// expandPaths expands ~ and environment variables in path configuration values
func (c *AppConfig) expandPaths() {
	if c.Git.RepoStorageRoot != "" {
		c.Git.RepoStorageRoot = expandPath(c.Git.RepoStorageRoot)
	}
	if c.Runner.WorkspaceDir != "" {
		c.Runner.WorkspaceDir = expandPath(c.Runner.WorkspaceDir)
	}
	if c.Runner.DockerHost != "" {
		c.Runner.DockerHost = expandPath(c.Runner.DockerHost)
	}
}

// expandPath expands ~ to home directory and environment variables
func expandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	path = os.ExpandEnv(path)

	return path
}

// validate checks if the configuration is valid.
func (c *AppConfig) validate() error {
	if c.Database.Driver == "" {
		return errors.New("database driver is required")
	}

	validLogLevels := map[string]bool{
		"TRACE": true, "DEBUG": true, "INFO": true, "WARN": true, "ERROR": true, "FATAL": true, "PANIC": true,
	}
	if !validLogLevels[strings.ToUpper(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	if c.Server.HTTPListenAddr == "" {
		return errors.New("server.http_listen_addr is required")
	}
	if c.Server.RunnerListenAddr == "" {
		return errors.New("server.runner_listen_addr is required")
	}

	if c.Registry.HeartbeatInterval <= 0 {
		return fmt.Errorf("registry.heartbeat_interval must be positive, got %s", c.Registry.HeartbeatInterval)
	}
	if c.Registry.HeartbeatDeadline <= c.Registry.HeartbeatInterval {
		return fmt.Errorf("registry.heartbeat_deadline (%s) must exceed heartbeat_interval (%s)",
			c.Registry.HeartbeatDeadline, c.Registry.HeartbeatInterval)
	}

	if c.Dispatch.AssignAckTimeout <= 0 {
		return errors.New("dispatch.assign_ack_timeout must be positive")
	}
	if c.Dispatch.MaxAssignRetries < 1 {
		return fmt.Errorf("dispatch.max_assign_retries must be at least 1, got %d", c.Dispatch.MaxAssignRetries)
	}
	if c.Dispatch.StepDefaultTimeout <= 0 {
		return errors.New("dispatch.step_default_timeout must be positive")
	}
	if c.Dispatch.CancelGraceWindow <= 0 {
		return errors.New("dispatch.cancel_grace_window must be positive")
	}

	if c.EventBus.StateRingSize <= 0 || c.EventBus.LogRingSize <= 0 {
		return errors.New("event_bus ring sizes must be positive")
	}

	if c.Debug.DefaultTTL <= 0 {
		return errors.New("debug.default_ttl must be positive")
	}

	if c.Git.RepoStorageRoot == "" {
		return errors.New("git.repo_storage_root is required")
	}
	if c.Git.DefaultBranch == "" {
		return errors.New("git.default_branch is required")
	}

	return nil
}

// GetDSN returns the database connection string.
func (dc *DatabaseConfig) GetDSN() string {
	switch dc.Driver {
	case "sqlite":
		dsn := dc.Database
		if dsn == ":memory:" {
			dsn = "file::memory:?cache=shared"
		}
		return dsn
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			dc.Host, dc.Port, dc.Username, dc.Password, dc.Database, dc.SSLMode)
	default:
		// Fallback for other drivers that might just use a connection string directly
		return dc.Database
	}
}
