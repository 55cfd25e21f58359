// Package mcpserver exposes the job API to MCP clients. Each tool call
// is proxied to the dataloader REST API through a circuit breaker, so a
// wedged dataloader degrades tool calls fast instead of hanging agents.
package mcpserver

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the MCP server settings, loaded from the environment.
type Config struct {
	Port   int
	Host   string
	APIURL string
	APIKey string

	// BreakerTimeout is how long the circuit stays open after tripping.
	BreakerTimeout time.Duration
	// RequestTimeout bounds one proxied REST call.
	RequestTimeout time.Duration
}

// Load reads the configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:           getEnvAsInt("MCP_PORT", 8002),
		Host:           getEnv("MCP_HOST", "0.0.0.0"),
		APIURL:         getEnv("DATALOADER_API_URL", "http://127.0.0.1:8001"),
		APIKey:         getEnv("DATALOADER_API_KEY", ""),
		BreakerTimeout: getEnvAsDuration("MCP_BREAKER_TIMEOUT", 30*time.Second),
		RequestTimeout: getEnvAsDuration("MCP_REQUEST_TIMEOUT", 15*time.Second),
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
