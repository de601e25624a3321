package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	ServerPort string
	ServerHost string

	// JWT verification for the access gate
	JWTSecret string

	// Collaboration engine tunables
	MaxParticipants   int
	ConnectionTimeout time.Duration
	SweepInterval     time.Duration
	RatePerSecond     int
	RatePerMinute     int
	MaxMessageBytes   int

	// Observability
	JaegerEndpoint string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "quantum_collab"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		ServerPort: getEnv("SERVER_PORT", "8080"),
		ServerHost: getEnv("SERVER_HOST", "localhost"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		MaxParticipants:   getEnvInt("COLLAB_MAX_PARTICIPANTS", 100),
		ConnectionTimeout: time.Duration(getEnvInt("COLLAB_CONNECTION_TIMEOUT_SECONDS", 300)) * time.Second,
		SweepInterval:     time.Duration(getEnvInt("COLLAB_SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
		RatePerSecond:     getEnvInt("COLLAB_RATE_PER_SECOND", 10),
		RatePerMinute:     getEnvInt("COLLAB_RATE_PER_MINUTE", 500),
		MaxMessageBytes:   getEnvInt("COLLAB_MAX_MESSAGE_BYTES", 100*1024),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
