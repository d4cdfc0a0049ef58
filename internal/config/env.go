package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads a .env file from the working directory into the process
// environment. Variables already set are left untouched; a missing file is not an error.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// ApplyEnv overrides cfg fields from WPP_* environment variables.
func ApplyEnv(cfg *Config) {
	cfg.DefaultSession = getEnv("WPP_SESSION", cfg.DefaultSession)
	cfg.HTTP.Addr = getEnv("WPP_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.HTTP.RateLimit = getEnvInt("WPP_HTTP_RATE_LIMIT", cfg.HTTP.RateLimit)
	cfg.Backup.Dir = getEnv("WPP_BACKUP_DIR", cfg.Backup.Dir)
	cfg.Backup.SchedulerEnabled = getEnvBool("WPP_BACKUP_SCHEDULER", cfg.Backup.SchedulerEnabled)
	cfg.Outbox.MessagesPerMin = getEnvInt("WPP_OUTBOX_PER_MINUTE", cfg.Outbox.MessagesPerMin)
	if v := os.Getenv("WPP_OUTBOX_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Outbox.PollInterval = Duration{d}
		}
	}
	cfg.Relay.RedisURL = getEnv("WPP_RELAY_REDIS_URL", cfg.Relay.RedisURL)
	cfg.Log.Level = getEnv("WPP_LOG_LEVEL", cfg.Log.Level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
