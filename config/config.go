// Package config provides configuration for the replay engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the replay engine configuration, including the analysis
// heuristic constants so deployments can tune them without code changes.
type Config struct {
	// Database
	DatabaseURL string

	// Analysis heuristics
	PeakWindow              time.Duration
	SpikeThresholdPerMinute float64
	SpikeSkipFactor         float64
	MinEventSpacing         time.Duration
	MaxTimelineEvents       int

	// Playback
	TickInterval time.Duration

	// Lifecycle
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		DatabaseURL:             getEnv("DATABASE_URL", "file:pairtrace.db?cache=shared&mode=rwc"),
		PeakWindow:              time.Duration(getEnvInt("PEAK_WINDOW_MS", 60000)) * time.Millisecond,
		SpikeThresholdPerMinute: getEnvFloat("SPIKE_THRESHOLD_PER_MIN", 10),
		SpikeSkipFactor:         getEnvFloat("SPIKE_SKIP_FACTOR", 0.5),
		MinEventSpacing:         time.Duration(getEnvInt("MIN_EVENT_SPACING_MS", 0)) * time.Millisecond,
		MaxTimelineEvents:       getEnvInt("MAX_TIMELINE_EVENTS", 0),
		TickInterval:            time.Duration(getEnvInt("TICK_INTERVAL_MS", 100)) * time.Millisecond,
		IdleTimeout:             time.Duration(getEnvInt("IDLE_TIMEOUT_MS", 3600000)) * time.Millisecond,
		SweepInterval:           time.Duration(getEnvInt("SWEEP_INTERVAL_MS", 300000)) * time.Millisecond,
		LogLevel:                getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}
