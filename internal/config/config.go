package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds process configuration for the server and CLI
type Config struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	SQLiteCachePath string        `mapstructure:"sqlite_cache_path"`
	MaxDepth        int           `mapstructure:"max_depth"`
	MaxChecks       int           `mapstructure:"max_checks"`
	MaxRules        int           `mapstructure:"max_rules"`
	RefreshWorkers  int           `mapstructure:"refresh_workers"`
}

// Load reads configuration from an optional fraudrules.yaml in the working
// directory (or path, when non-empty) and from environment variables, which
// take precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fraudrules")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "INFO")
	v.SetDefault("refresh_interval", 30*time.Second)
	v.SetDefault("stale_after", 5*time.Minute)
	v.SetDefault("sqlite_cache_path", "")
	v.SetDefault("max_depth", 32)
	v.SetDefault("max_checks", 256)
	v.SetDefault("max_rules", 10000)
	v.SetDefault("refresh_workers", 8)
}

// Validate reports the first configuration problem found
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %s", c.RefreshInterval)
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("STALE_AFTER must not be negative, got %s", c.StaleAfter)
	}
	if c.MaxDepth < 1 || c.MaxChecks < 1 || c.MaxRules < 1 {
		return errors.New("MAX_DEPTH, MAX_CHECKS and MAX_RULES must be at least 1")
	}
	if c.RefreshWorkers < 1 {
		return fmt.Errorf("REFRESH_WORKERS must be at least 1, got %d", c.RefreshWorkers)
	}
	return nil
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
