package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Scripts   ScriptsConfig
}

type ServerConfig struct {
	Port   string
	Host   string
	APIKey string
	// AllowInsecure disables the API key check. Development only.
	AllowInsecure bool
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type SchedulerConfig struct {
	// TickInterval is how often the cron evaluator checks for due jobs.
	TickInterval time.Duration
	// OutputCapBytes is the retained tail per output stream of a run.
	OutputCapBytes int
	// Interpreter runs the loader scripts.
	Interpreter string
}

type ScriptsConfig struct {
	Dir string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          getEnv("PORT", "8001"),
			Host:          getEnv("HOST", "localhost"),
			APIKey:        getEnv("DATALOADER_API_KEY", ""),
			AllowInsecure: getEnvAsBool("DATALOADER_ALLOW_INSECURE", false),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "marketlens"),
			Password: getEnv("DB_PASSWORD", "marketlens123"),
			DBName:   getEnv("DB_NAME", "marketlens_core"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Scheduler: SchedulerConfig{
			TickInterval:   getEnvAsDuration("SCHEDULER_TICK_INTERVAL", time.Minute),
			OutputCapBytes: getEnvAsInt("RUN_OUTPUT_CAP_BYTES", 100*1024),
			Interpreter:    getEnv("SCRIPT_INTERPRETER", "python3"),
		},
		Scripts: ScriptsConfig{
			Dir: getEnv("SCRIPTS_DIR", "./scripts"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func (c *Config) DatabaseURL() string {
	// If DATABASE_URL is set, use it directly
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		return databaseURL
	}

	// Otherwise, construct from individual components
	return "postgres://" + c.Database.User + ":" + c.Database.Password +
		"@" + c.Database.Host + ":" + c.Database.Port +
		"/" + c.Database.DBName + "?sslmode=" + c.Database.SSLMode
}
