// Package config loads nexus settings from defaults, an optional YAML file and
// NEXUS_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NEXUS_TRANSFER_MAX_CONCURRENT.
const EnvPrefix = "NEXUS"

// Config holds all server and CLI configuration.
type Config struct {
	ScratchDir     string        `mapstructure:"scratch_dir"`
	CatalogPath    string        `mapstructure:"catalog_path"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RcloneBinary   string        `mapstructure:"rclone_binary"`
	RcloneConfig   string        `mapstructure:"rclone_config"`
	// User is the identity the CLI acts as against the catalog.
	User     string         `mapstructure:"user"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Log      LogConfig      `mapstructure:"log"`
}

// TransferConfig tunes the transfer manager.
type TransferConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RecordTTL     time.Duration `mapstructure:"record_ttl"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
}

// LogConfig configures internal/logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Load reads the configuration. When file is empty, nexus.yaml is searched for
// in the working directory, ./config and $HOME/.nexus; a missing file is not
// an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		expanded, err := homedir.Expand(file)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(expanded)
	} else {
		v.SetConfigName("nexus")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.nexus")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scratch_dir", filepath.Join(os.TempDir(), "nexus-staging"))
	v.SetDefault("catalog_path", "~/.nexus/connections.yaml")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("connect_timeout", 15*time.Second)
	v.SetDefault("rclone_binary", "rclone")
	v.SetDefault("rclone_config", "")
	v.SetDefault("user", "")

	v.SetDefault("transfer.max_concurrent", 4)
	v.SetDefault("transfer.record_ttl", time.Hour)
	v.SetDefault("transfer.heartbeat", 500*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.ScratchDir, &c.CatalogPath, &c.RcloneConfig, &c.Log.File} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func (c *Config) validate() error {
	var problems []string
	if c.ScratchDir == "" {
		problems = append(problems, "scratch_dir must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		problems = append(problems, "connect_timeout must be positive")
	}
	if c.Transfer.MaxConcurrent < 1 {
		problems = append(problems, "transfer.max_concurrent must be at least 1")
	}
	if c.Transfer.RecordTTL <= 0 {
		problems = append(problems, "transfer.record_ttl must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
