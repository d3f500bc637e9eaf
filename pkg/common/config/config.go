package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Record source
	SourceBaseURL      string
	SourceAPIKey       string
	SourceClientID     string
	SourceClientSecret string
	SourceTokenURL     string
	SourceTimeout      time.Duration
	SourceMaxAttempts  int
	SourceMaxPages     int

	// Cleaning
	ReferenceDate string
	DedupPolicy   string

	// Aggregation
	BucketWidth     int
	TerminologyPath string

	// Cohort bounds; negative means unset
	MinAge int
	MaxAge int

	// Export
	OutputDir string

	// Serve mode
	ListenAddr   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func Load() *Config {
	return &Config{
		SourceBaseURL:      getEnv("SOURCE_BASE_URL", "http://localhost:8081"),
		SourceAPIKey:       getEnv("SOURCE_API_KEY", ""),
		SourceClientID:     getEnv("SOURCE_CLIENT_ID", ""),
		SourceClientSecret: getEnv("SOURCE_CLIENT_SECRET", ""),
		SourceTokenURL:     getEnv("SOURCE_TOKEN_URL", ""),
		SourceTimeout:      getDuration("SOURCE_TIMEOUT", 30*time.Second),
		SourceMaxAttempts:  getIntEnv("SOURCE_MAX_ATTEMPTS", 4),
		SourceMaxPages:     getIntEnv("SOURCE_MAX_PAGES", 1000),

		ReferenceDate: getEnv("REFERENCE_DATE", ""),
		DedupPolicy:   getEnv("DEDUP_POLICY", "first"),

		BucketWidth:     getIntEnv("BUCKET_WIDTH", 10),
		TerminologyPath: getEnv("TERMINOLOGY_PATH", ""),

		MinAge: getIntEnv("MIN_AGE", -1),
		MaxAge: getIntEnv("MAX_AGE", -1),

		OutputDir: getEnv("OUTPUT_DIR", "./reports"),

		ListenAddr:   getEnv("LISTEN_ADDR", "0.0.0.0:8080"),
		ReadTimeout:  getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getDuration("WRITE_TIMEOUT", 120*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
