package database

import (
	"os"
	"strconv"
	"time"
)

// Config holds database configuration.
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// LoadConfigFromEnv loads database configuration from environment
// variables, falling back to defaults suitable for a single-node agent.
func LoadConfigFromEnv() Config {
	maxOpen, _ := strconv.Atoi(getEnvOrDefault("DB_MAX_OPEN_CONNS", "4"))
	if maxOpen <= 0 {
		maxOpen = 4
	}
	return Config{
		Path:         getEnvOrDefault("STEWARD_DB_PATH", "data/steward.db"),
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: maxOpen,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
