package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory: mount points, downloads and the job lock
	WorkDir string `mapstructure:"work-dir"`

	// Logging
	LogLevel string `mapstructure:"log-level"`
	JSONLogs bool   `mapstructure:"json-logs"`

	// Copy and layout
	ChunkSize       int   `mapstructure:"chunk-size"`
	ESPSizeWindows  int64 `mapstructure:"esp-size-windows"`
	ESPSizeMacOS    int64 `mapstructure:"esp-size-macos"`
	MinDeviceSize   int64 `mapstructure:"min-device-size"`
	AllowFAT32Split bool  `mapstructure:"allow-fat32-split"`
	PreferNTFS      bool  `mapstructure:"prefer-ntfs"`

	// macOS. The ratio guards OpenCore zip extraction.
	OpenCorePath    string  `mapstructure:"opencore-path"`
	MaxArchiveRatio float64 `mapstructure:"max-archive-ratio"`

	// S3 image mirror
	S3Bucket string            `mapstructure:"s3-bucket"`
	S3Region string            `mapstructure:"s3-region"`
	S3Prefix string            `mapstructure:"s3-prefix"`
	Distros  map[string]string `mapstructure:"distros"`

	// S3Endpoint selects an S3-compatible mirror; public mirrors are read
	// without credentials.
	S3Endpoint  string `mapstructure:"s3-endpoint"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

const sectorSize = 512

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/ruuf.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("work-dir", filepath.Join(os.TempDir(), "ruuf"))
	viper.SetDefault("log-level", "info")
	viper.SetDefault("json-logs", false)
	viper.SetDefault("chunk-size", 4*1024*1024)
	viper.SetDefault("esp-size-windows", 260*1024*1024)
	viper.SetDefault("esp-size-macos", 200*1024*1024)
	viper.SetDefault("min-device-size", 1024*1024*1024)
	viper.SetDefault("allow-fat32-split", true)
	viper.SetDefault("prefer-ntfs", true)
	viper.SetDefault("max-archive-ratio", 100.0)
	viper.SetDefault("opencore-path", "")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-prefix", "images/")
	viper.SetDefault("distros", map[string]string{})
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-anonymous", true)
	viper.SetDefault("fsm-max-retries", 3)

	// Environment variables (will be RUUF_WORK_DIR, etc.)
	viper.SetEnvPrefix("RUUF")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.ruuf")

	// Read config file (ignore if not found)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk-size must be positive")
	}
	if c.ChunkSize%sectorSize != 0 {
		return fmt.Errorf("chunk-size must be a multiple of %d, got %d", sectorSize, c.ChunkSize)
	}
	if c.ESPSizeWindows <= 0 || c.ESPSizeMacOS <= 0 {
		return fmt.Errorf("esp sizes must be positive")
	}
	if c.MinDeviceSize < 0 {
		return fmt.Errorf("min-device-size must be non-negative")
	}
	if c.MaxArchiveRatio <= 0 {
		return fmt.Errorf("max-archive-ratio must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}

// EnsureDirectories creates the work directory, the sqlite parent and the
// FSM store, which superfly/fsm keeps as a directory.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.WorkDir, filepath.Dir(c.SQLitePath), c.FSMDBPath}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
