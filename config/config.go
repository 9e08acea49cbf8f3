package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Config represents runtime configuration for the reservation service.
type Config struct {
	Port string
	Env  string

	RedisURL    string
	DatabaseURL string

	JWTSecret string
	JWTExpiry time.Duration

	ReservationTTL time.Duration
	MinQuantity    int
	MaxQuantity    int

	RateLimitPerMinute   int
	RateLimitPerIPMinute int

	IdempotencyTTL      time.Duration
	ExpiryCheckInterval time.Duration

	ReconInterval      time.Duration
	ReconPendingCutoff time.Duration
}

// FromEnv loads configuration from environment variables.
func FromEnv() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	jwtMinutes := parseIntEnv("JWT_EXPIRY_MINUTES", 15)
	if jwtMinutes <= 0 {
		return nil, fmt.Errorf("invalid JWT_EXPIRY_MINUTES %d", jwtMinutes)
	}

	ttlSeconds := parseIntEnv("RESERVATION_TTL_SECONDS", 300)
	if ttlSeconds <= 0 {
		return nil, fmt.Errorf("invalid RESERVATION_TTL_SECONDS %d", ttlSeconds)
	}

	minQty := parseIntEnv("MIN_QUANTITY_PER_RESERVE", 1)
	maxQty := parseIntEnv("MAX_QUANTITY_PER_RESERVE", 5)
	if minQty < 1 || maxQty < minQty {
		return nil, fmt.Errorf("invalid quantity bounds [%d, %d]", minQty, maxQty)
	}

	idemSeconds := parseIntEnv("IDEMPOTENCY_CACHE_TTL_SECONDS", 310)
	if idemSeconds < ttlSeconds {
		// A replay arriving near the reservation's end of life must still
		// resolve deterministically.
		return nil, fmt.Errorf("IDEMPOTENCY_CACHE_TTL_SECONDS %d must not be below RESERVATION_TTL_SECONDS %d", idemSeconds, ttlSeconds)
	}

	sweepSeconds := parseIntEnv("EXPIRY_CHECK_INTERVAL_SECONDS", 10)
	if sweepSeconds <= 0 {
		return nil, fmt.Errorf("invalid EXPIRY_CHECK_INTERVAL_SECONDS %d", sweepSeconds)
	}

	rateLimit := parseIntEnv("RATE_LIMIT_PER_MINUTE", 10)
	ipRateLimit := parseIntEnv("RATE_LIMIT_PER_IP_MINUTE", 100)
	if rateLimit <= 0 || ipRateLimit <= 0 {
		return nil, fmt.Errorf("rate limits must be positive")
	}

	reconSeconds := parseIntEnv("RECON_INTERVAL_SECONDS", 300)
	reconCutoff := parseIntEnv("RECON_PENDING_CUTOFF_SECONDS", 600)

	return &Config{
		Port:                 getEnvDefault("PORT", "8000"),
		Env:                  getEnvDefault("ENV", "dev"),
		RedisURL:             getEnvDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:          dbURL,
		JWTSecret:            secret,
		JWTExpiry:            time.Duration(jwtMinutes) * time.Minute,
		ReservationTTL:       time.Duration(ttlSeconds) * time.Second,
		MinQuantity:          minQty,
		MaxQuantity:          maxQty,
		RateLimitPerMinute:   rateLimit,
		RateLimitPerIPMinute: ipRateLimit,
		IdempotencyTTL:       time.Duration(idemSeconds) * time.Second,
		ExpiryCheckInterval:  time.Duration(sweepSeconds) * time.Second,
		ReconInterval:        time.Duration(reconSeconds) * time.Second,
		ReconPendingCutoff:   time.Duration(reconCutoff) * time.Second,
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}
