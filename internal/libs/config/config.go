// Package config provides application configuration management from environment variables.
package config

import "os"

// Config holds the ndbserver demo's runtime configuration.
type Config struct {
	DataDir  string
	Port     string
	Host     string
	LogLevel string
}

// Load reads configuration from environment variables, falling back to
// sensible defaults for local use.
func Load() *Config {
	return &Config{
		DataDir:  getEnv("NDB_DATA_DIR", "./data"),
		Port:     getEnv("NDB_PORT", "8080"),
		Host:     getEnv("NDB_HOST", "0.0.0.0"),
		LogLevel: getEnv("NDB_LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
