package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                 string
	DBUrl                string
	JWTSecret            string
	RedisURL             string
	ConversationCacheTTL time.Duration
	NotifyChannel        string
	AppEnv               string
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	jwtSecret, exists := os.LookupEnv("JWT_SECRET")
	if !exists || jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	dbURL := getEnv("DB_URL", "")
	if dbURL == "" {
		return nil, fmt.Errorf("DB_URL is required")
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DBUrl:                dbURL,
		JWTSecret:            jwtSecret,
		RedisURL:             getEnv("REDIS_URL", ""),
		ConversationCacheTTL: getEnvDuration("CONVERSATION_CACHE_TTL", 2*time.Minute),
		NotifyChannel:        getEnv("NOTIFY_CHANNEL", "message_changes"),
		AppEnv:               normalizeEnv(getEnv("APP_ENV", "production")),
	}, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		log.Printf("Invalid %s %q, using %s", key, value, fallback)
		return fallback
	}
	return parsed
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "stage", "staging":
		return "staging"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}

func (c *Config) CacheEnabled() bool {
	return c != nil && c.RedisURL != ""
}
