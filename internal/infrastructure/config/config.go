// Package config provides centralized configuration management.
//
// Configuration can be loaded from:
//  1. YAML file (config.yaml)
//  2. Environment variables (fallback)
//
// Example usage:
//
//	cfg := config.LoadOrEnv("config.yaml")
//	dbPath := cfg.Storage.DatabasePath
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config represents the entire application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Detection     DetectionConfig     `yaml:"detection"`
	Currency      CurrencyConfig      `yaml:"currency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig holds database configuration
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DetectionConfig holds candidate detection tuning
type DetectionConfig struct {
	LookbackMonths  int `yaml:"lookback_months"`
	MinOccurrences  int `yaml:"min_occurrences"`
	CooldownMinutes int `yaml:"cooldown_minutes"`
	MaxCandidates   int `yaml:"max_candidates"`
	MaxSampleIDs    int `yaml:"max_sample_ids"`
}

// CurrencyConfig holds the base currency and the conversion rate table.
// Rates express the base-currency value of one unit of the keyed currency.
type CurrencyConfig struct {
	BaseCurrency string             `yaml:"base_currency"`
	Rates        map[string]float64 `yaml:"rates"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${SUBTRACK_DB_PATH})
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration from environment variables only
func LoadFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SUBTRACK_PORT", 8080),
		},
		Storage: StorageConfig{
			DatabasePath: getEnv("SUBTRACK_DB_PATH", "subtrack.db"),
		},
		Currency: CurrencyConfig{
			BaseCurrency: getEnv("SUBTRACK_BASE_CURRENCY", "USD"),
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  getEnv("SUBTRACK_LOG_LEVEL", "info"),
				Format: getEnv("SUBTRACK_LOG_FORMAT", "text"),
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadOrEnv loads the config file if it exists, falling back to environment
// variables otherwise
func LoadOrEnv(path string) *Config {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		if err == nil {
			return cfg
		}
		fmt.Fprintf(os.Stderr, "warning: failed to load %s, using env config: %v\n", path, err)
	}
	return LoadFromEnv()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "subtrack.db"
	}
	if c.Detection.LookbackMonths == 0 {
		c.Detection.LookbackMonths = 12
	}
	if c.Detection.MinOccurrences == 0 {
		c.Detection.MinOccurrences = 3
	}
	if c.Detection.CooldownMinutes == 0 {
		c.Detection.CooldownMinutes = 60
	}
	if c.Detection.MaxCandidates == 0 {
		c.Detection.MaxCandidates = 50
	}
	if c.Detection.MaxSampleIDs == 0 {
		c.Detection.MaxSampleIDs = 10
	}
	if c.Currency.BaseCurrency == "" {
		c.Currency.BaseCurrency = "USD"
	}
	if c.Observability.Logging.Level == "" {
		c.Observability.Logging.Level = "info"
	}
	if c.Observability.Logging.Format == "" {
		c.Observability.Logging.Format = "text"
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
