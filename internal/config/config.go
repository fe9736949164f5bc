package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port          string `env:"PORT"`
	LogLevel      string `env:"LOG_LEVEL"`
	DatabaseURL   string `env:"DATABASE_URL,secret"`
	RedisURL      string `env:"REDIS_URL,secret"`
	JWTPrivateKey string `env:"JWT_PRIVATE_KEY,secret"`
	JWTPublicKey  string `env:"JWT_PUBLIC_KEY,secret"`

	// Playback timing contract.
	DefaultBufferMs int64 `env:"DEFAULT_BUFFER_MS"`
	MaxBufferMs     int64 `env:"MAX_BUFFER_MS"`
	RttMultiplier   int64 `env:"RTT_MULTIPLIER"`
	SyncTickMs      int64 `env:"SYNC_TICK_MS"`

	// Voting lifecycle.
	VoteTTLSeconds        int64   `env:"VOTE_TTL_S"`
	MutinyCooldownSeconds int64   `env:"MUTINY_COOLDOWN_S"`
	MutinyThreshold       float64 `env:"MUTINY_THRESHOLD"`

	// Ephemeral connection records.
	ConnectionTTLSeconds int64 `env:"CONNECTION_TTL_S"`
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisURL:      getEnv("REDIS_URL", ""),
		JWTPrivateKey: getEnv("JWT_PRIVATE_KEY", ""),
		JWTPublicKey:  getEnv("JWT_PUBLIC_KEY", ""),

		DefaultBufferMs: getEnvInt64("DEFAULT_BUFFER_MS", 100),
		MaxBufferMs:     getEnvInt64("MAX_BUFFER_MS", 500),
		RttMultiplier:   getEnvInt64("RTT_MULTIPLIER", 2),
		SyncTickMs:      getEnvInt64("SYNC_TICK_MS", 10000),

		VoteTTLSeconds:        getEnvInt64("VOTE_TTL_S", 300),
		MutinyCooldownSeconds: getEnvInt64("MUTINY_COOLDOWN_S", 600),
		MutinyThreshold:       getEnvFloat64("MUTINY_THRESHOLD", 0.51),

		ConnectionTTLSeconds: getEnvInt64("CONNECTION_TTL_S", 300),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
