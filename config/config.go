package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort string

	// Evidence
	EvidenceRoot   string
	EvidenceBucket string
	ExportDir      string

	// AWS
	AWSRegion string

	// Monitoring
	StallTimeout    time.Duration
	MonitorInterval time.Duration

	// Reporting
	LogTail int
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		DatabaseURL:     getEnv("DATABASE_URL", "sqlite://./data/runs.db"),
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		EvidenceRoot:    getEnv("EVIDENCE_ROOT", "."),
		EvidenceBucket:  getEnv("EVIDENCE_BUCKET", ""),
		ExportDir:       getEnv("EXPORT_DIR", "./exports"),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		StallTimeout:    getEnvDuration("STALL_TIMEOUT", 0),
		MonitorInterval: getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
		LogTail:         getEnvInt("LOG_TAIL", 50),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		log.Printf("Invalid %s %q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		log.Printf("Invalid %s %q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}
