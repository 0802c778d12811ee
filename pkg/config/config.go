// Package config provides YAML-based configuration loading for relaygw.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the node
	AppName string `mapstructure:"app_name"`

	// DataDir base directory for persistent data (peer book)
	DataDir string `mapstructure:"data_dir"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transports in routing order
	Transports []TransportConfig `mapstructure:"transports"`

	// Neighbors known at startup
	Neighbors []NeighborConfig `mapstructure:"neighbors"`

	Relay   RelayConfig   `mapstructure:"relay"`
	Peers   PeersConfig   `mapstructure:"peers"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RelayConfig controls flooding of received records to the other neighbors.
type RelayConfig struct {
	Enable bool `mapstructure:"enable"`
	// DedupSize is the number of recent record digests remembered.
	DedupSize int `mapstructure:"dedup_size"`
}

// PeersConfig controls per-neighbor statistics and the discovered peer book.
type PeersConfig struct {
	StatsTTL  time.Duration `mapstructure:"stats_ttl"`
	StatsSize int           `mapstructure:"stats_size"`
	// BookFile is relative to DataDir unless absolute; empty disables the book.
	BookFile string `mapstructure:"book_file"`
	// BookFormat: cbor, json or proto
	BookFormat string `mapstructure:"book_format"`
}

type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "relaygw-node",
		DataDir: "./data",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/relaygw.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transports: []TransportConfig{
			{Kind: "tcp", Port: 14265},
			{Kind: "udp", Port: 14600},
		},
		Relay: RelayConfig{Enable: false, DedupSize: 4096},
		Peers: PeersConfig{
			StatsTTL:   10 * time.Minute,
			StatsSize:  1024,
			BookFile:   "peers.book",
			BookFormat: "cbor",
		},
		Metrics: MetricsConfig{Enable: false, Listen: "127.0.0.1:9464"},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix RELAYGW and `.`/`-` are replaced with `_`.
// Example: RELAYGW_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAYGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transports", cfg.Transports)
	v.SetDefault("relay.enable", cfg.Relay.Enable)
	v.SetDefault("relay.dedup_size", cfg.Relay.DedupSize)
	v.SetDefault("peers.stats_ttl", cfg.Peers.StatsTTL)
	v.SetDefault("peers.stats_size", cfg.Peers.StatsSize)
	v.SetDefault("peers.book_file", cfg.Peers.BookFile)
	v.SetDefault("peers.book_format", cfg.Peers.BookFormat)
	v.SetDefault("metrics.enable", cfg.Metrics.Enable)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)

	if path == "" {
		if envPath := os.Getenv("RELAYGW_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relaygw")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".relaygw"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// decode into a fresh value: list sections must replace the defaults,
	// not be merged into them element by element
	cfg = &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Level = lvl
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if len(c.Transports) == 0 {
		return errors.New("at least one transport is required")
	}
	for i := range c.Transports {
		tc := &c.Transports[i]
		tc.Kind = strings.ToLower(strings.TrimSpace(tc.Kind))
		if tc.Kind == "" {
			return fmt.Errorf("transports[%d]: kind is required", i)
		}
		if tc.Port < 0 || tc.Port > 65535 {
			return fmt.Errorf("transports[%d]: invalid port %d", i, tc.Port)
		}
		if tc.MaxPacketsPerSec < 0 {
			return fmt.Errorf("transports[%d]: max_packets_per_sec must not be negative", i)
		}
		if tc.ReadBuffer < 0 || tc.WriteBuffer < 0 {
			return fmt.Errorf("transports[%d]: socket buffer sizes must not be negative", i)
		}
	}

	seen := make(map[string]bool, len(c.Neighbors))
	for i := range c.Neighbors {
		nc := &c.Neighbors[i]
		nc.Address = strings.TrimSpace(nc.Address)
		if nc.Address == "" {
			return fmt.Errorf("neighbors[%d]: address is required", i)
		}
		if seen[nc.Address] {
			return fmt.Errorf("neighbors[%d]: duplicate address %q", i, nc.Address)
		}
		seen[nc.Address] = true
		nc.Match = strings.ToLower(strings.TrimSpace(nc.Match))
		switch nc.Match {
		case "", "exact", "host":
		case "prefix":
			if nc.Prefix == "" {
				return fmt.Errorf("neighbors[%d]: prefix match needs a prefix", i)
			}
		default:
			return fmt.Errorf("neighbors[%d]: invalid match %q", i, nc.Match)
		}
	}

	if c.Relay.DedupSize <= 0 {
		c.Relay.DedupSize = 4096
	}
	if c.Peers.StatsSize <= 0 {
		c.Peers.StatsSize = 1024
	}
	c.Peers.BookFormat = strings.ToLower(strings.TrimSpace(c.Peers.BookFormat))
	switch c.Peers.BookFormat {
	case "":
		c.Peers.BookFormat = "cbor"
	case "cbor", "json", "proto":
	default:
		return fmt.Errorf("invalid peers.book_format: %q", c.Peers.BookFormat)
	}
	return nil
}

// BookPath returns the peer book location, or "" when the book is disabled.
func (c *Config) BookPath() string {
	if c.Peers.BookFile == "" {
		return ""
	}
	if filepath.IsAbs(c.Peers.BookFile) {
		return c.Peers.BookFile
	}
	return filepath.Join(c.DataDir, c.Peers.BookFile)
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
