package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the report intake service
type Config struct {
	// Server configuration
	Port           string
	AllowedOrigins []string

	// Backend the drafts are submitted to
	BackendURL     string
	BackendTimeout time.Duration

	// Rate limiting
	RateLimitPerMinute int

	// Draft lifetime
	DraftTTL      time.Duration
	SweepInterval time.Duration

	// Location
	LocationTimeout       time.Duration
	LocationBackupTimeout time.Duration
	DefaultLatitude       float64
	DefaultLongitude      float64

	// Submission events
	AMQPURL          string
	EventsExchange   string
	EventsRoutingKey string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables
func Load() *Config {
	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getListEnv("ALLOWED_ORIGINS", []string{"*"}),

		BackendURL:     getEnv("BACKEND_URL", "http://localhost:5000"),
		BackendTimeout: getDurationEnv("BACKEND_TIMEOUT", 30*time.Second),

		RateLimitPerMinute: getIntEnv("RATE_LIMIT_PER_MINUTE", 120),

		DraftTTL:      getDurationEnv("DRAFT_TTL", 2*time.Hour),
		SweepInterval: getDurationEnv("DRAFT_SWEEP_INTERVAL", time.Minute),

		LocationTimeout:       getDurationEnv("LOCATION_TIMEOUT", 8*time.Second),
		LocationBackupTimeout: getDurationEnv("LOCATION_BACKUP_TIMEOUT", 10*time.Second),
		// Kanpur city centre
		DefaultLatitude:  getFloatEnv("DEFAULT_LATITUDE", 26.4499),
		DefaultLongitude: getFloatEnv("DEFAULT_LONGITUDE", 80.3319),

		AMQPURL:          getEnv("AMQP_URL", ""),
		EventsExchange:   getEnv("EVENTS_EXCHANGE", "civicportal"),
		EventsRoutingKey: getEnv("EVENTS_ROUTING_KEY", "report.submitted"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	return config
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping blanks
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
