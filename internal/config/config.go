// Package config loads fieldsync configuration and defines the Session, the
// explicit current-user context handed to the sync components.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session identifies whose data a client process is synchronizing.
//
// It is passed explicitly into the dispatcher, puller, and listener instead
// of living in package-level state, so multiple accounts (or tests) can run
// in one process without cross-contamination.
type Session struct {
	// OwnerID is the user/employee the local records belong to.
	OwnerID string

	// DeviceID distinguishes this client among the owner's devices.
	DeviceID string
}

// Validate checks that the session is usable.
func (s Session) Validate() error {
	if s.OwnerID == "" {
		return fmt.Errorf("owner id is required")
	}
	if s.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	return nil
}

// Config is the full fieldsync configuration, shared by the agent and the
// server commands. Sync tunables are deliberately configuration rather than
// constants; the right values are an operational decision.
type Config struct {
	// DBPath is the client local store location.
	DBPath string `mapstructure:"db_path"`

	// ServerURL is the ingestion API base URL, e.g. "http://localhost:8080".
	ServerURL string `mapstructure:"server_url"`

	// ListenAddr is where the serve command listens.
	ListenAddr string `mapstructure:"listen_addr"`

	// ServerDBPath is the authoritative store location for serve.
	ServerDBPath string `mapstructure:"server_db_path"`

	// SpoolDir is the import spool watched by the agent.
	SpoolDir string `mapstructure:"spool_dir"`

	// LogFile, when set, routes daemon logs to a rotated file.
	LogFile string `mapstructure:"log_file"`

	DrainInterval  time.Duration `mapstructure:"drain_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	CoalesceWindow time.Duration `mapstructure:"coalesce_window"`
	RetryCeiling   int           `mapstructure:"retry_ceiling"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	StuckTimeout   time.Duration `mapstructure:"stuck_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// setDefaults registers every tunable's default on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", ".fieldsync/local.db")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("server_db_path", ".fieldsync/server.db")
	v.SetDefault("spool_dir", ".fieldsync/spool")
	v.SetDefault("log_file", "")
	v.SetDefault("drain_interval", 5*time.Second)
	v.SetDefault("batch_size", 50)
	v.SetDefault("coalesce_window", 10*time.Second)
	v.SetDefault("retry_ceiling", 8)
	v.SetDefault("attempt_timeout", 10*time.Second)
	v.SetDefault("stuck_timeout", 60*time.Second)
	v.SetDefault("send_buffer", 32)
}

// Load reads configuration from the given file (optional), the environment
// (FIELDSYNC_* variables), and defaults, in ascending precedence of
// defaults < file < environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.DrainInterval <= 0 {
		return fmt.Errorf("drain_interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.CoalesceWindow < 0 {
		return fmt.Errorf("coalesce_window cannot be negative")
	}
	if c.RetryCeiling < 1 {
		return fmt.Errorf("retry_ceiling must be at least 1")
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be positive")
	}
	if c.StuckTimeout <= 0 {
		return fmt.Errorf("stuck_timeout must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	return nil
}
