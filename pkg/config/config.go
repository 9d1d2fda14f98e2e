// Package config loads, validates and exposes the runtime
// configuration: server, database, resource budget, LLM providers and
// wise-authority settings, assembled from YAML files and environment
// variables.
package config

import (
	"time"

	"github.com/steward-ai/steward/pkg/cleanup"
	"github.com/steward-ai/steward/pkg/resources"
)

// Config is the umbrella configuration object returned by Initialize
// and threaded through the application.
type Config struct {
	configDir string

	Server    ServerConfig            `yaml:"server"`
	Database  DatabaseConfig          `yaml:"database"`
	Resources resources.Budget        `yaml:"resources"`
	LLM       LLMConfig               `yaml:"llm"`
	Wise      WiseConfig              `yaml:"wise_authority"`
	Shutdown  ShutdownConfig          `yaml:"shutdown"`
	Retention cleanup.RetentionConfig `yaml:"retention"`

	// LLMProviderRegistry is built from LLM.Providers after load.
	LLMProviderRegistry *LLMProviderRegistry `yaml:"-"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	Path         string        `yaml:"path"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// LLMConfig groups the language-model provider settings. MockMode is
// resolved from the environment and flags, never from YAML.
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `yaml:"providers"`
	MockMode  bool                         `yaml:"-"`
}

// WiseConfig holds the wise-authority settings.
type WiseConfig struct {
	KeyDir       string        `yaml:"key_dir"`
	DeferralTTL  time.Duration `yaml:"deferral_ttl"`
	ReviewWindow time.Duration `yaml:"review_window"`
}

// ShutdownConfig holds the shutdown budgets.
type ShutdownConfig struct {
	GracefulTimeout  time.Duration `yaml:"graceful_timeout"`
	EmergencyTimeout time.Duration `yaml:"emergency_timeout"`
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats contains statistics about the loaded configuration.
type Stats struct {
	LLMProviders int
	MockMode     bool
}

// Stats returns configuration statistics for logging.
func (c *Config) Stats() Stats {
	s := Stats{MockMode: c.LLM.MockMode}
	if c.LLMProviderRegistry != nil {
		s.LLMProviders = c.LLMProviderRegistry.Len()
	}
	return s
}

// DefaultConfig returns the configuration used when no YAML files are
// present. Environment bootstrap and validation still apply on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path:         "data/steward.db",
			BusyTimeout:  5 * time.Second,
			MaxOpenConns: 4,
		},
		Resources: resources.DefaultBudget(),
		LLM: LLMConfig{
			Providers: map[string]LLMProviderConfig{},
		},
		Wise: WiseConfig{
			KeyDir:       "data/wa_keys",
			DeferralTTL:  24 * time.Hour,
			ReviewWindow: time.Hour,
		},
		Shutdown: ShutdownConfig{
			GracefulTimeout:  30 * time.Second,
			EmergencyTimeout: 5 * time.Second,
		},
		Retention: cleanup.DefaultRetentionConfig(),
	}
}
