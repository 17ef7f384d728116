package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all feed-engine configuration loaded from environment
// variables.
type Config struct {
	// Vendor credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string // base32 seed or otpauth:// URI

	// Streaming
	StreamURL string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PlanDBPath    string
	MetricsAddr   string

	// Reconnect policy
	ReconnectBase        time.Duration
	ReconnectMultiplier  float64
	MaxReconnectAttempts int

	// Health thresholds
	FrameStaleAfter time.Duration
	PongStaleAfter  time.Duration

	// Periodic market-data request interval
	DataRequestInterval time.Duration

	// Dispatch
	DispatchWorkers int
	TickQueueSize   int
}

// Load reads configuration from environment variables with sensible
// defaults. Credentials are required.
func Load() *Config {
	return &Config{
		AngelAPIKey:     mustEnv("ANGEL_API_KEY"),
		AngelClientCode: mustEnv("ANGEL_CLIENT_CODE"),
		AngelPassword:   mustEnv("ANGEL_PASSWORD"),
		AngelTOTPSecret: mustEnv("ANGEL_TOTP_SECRET"),

		StreamURL: getEnv("STREAM_URL", "wss://smartapisocket.angelone.in/smart-stream"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		PlanDBPath:    getEnv("PLAN_DB_PATH", "data/plans.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		ReconnectBase:        getEnvDuration("RECONNECT_BASE", 5*time.Second),
		ReconnectMultiplier:  getEnvFloat("RECONNECT_MULTIPLIER", 1.5),
		MaxReconnectAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),

		FrameStaleAfter: getEnvDuration("FRAME_STALE_AFTER", 5*time.Minute),
		PongStaleAfter:  getEnvDuration("PONG_STALE_AFTER", 2*time.Minute),

		DataRequestInterval: getEnvDuration("DATA_REQUEST_INTERVAL", 60*time.Second),

		DispatchWorkers: getEnvInt("DISPATCH_WORKERS", 4),
		TickQueueSize:   getEnvInt("TICK_QUEUE_SIZE", 1024),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
