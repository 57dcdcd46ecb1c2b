package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database      DatabaseConfig
	Redis         RedisConfig
	Server        ServerConfig
	Auth          AuthConfig
	BruteForce    BruteForceConfig
	RateLimit     RateLimitConfig
	IPRestriction IPRestrictionConfig
	DeviceTrust   DeviceTrustConfig
	Email         EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MinIdleConns int
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	TrustedProxies []string
	AllowedOrigins []string
}

type AuthConfig struct {
	JWTSecret       string
	CleanupInterval time.Duration
}

// BruteForceConfig controls the failed-login lockout counters.
type BruteForceConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// RateLimitConfig controls the sliding-window limiter and the violation
// escalator that feeds the automatic blacklist.
type RateLimitConfig struct {
	Enabled       bool
	Presets       map[string]RateLimitPreset
	AutoBlacklist AutoBlacklistConfig
}

type RateLimitPreset struct {
	PerMinute int
	PerHour   int
}

type AutoBlacklistConfig struct {
	Enabled            bool
	ViolationThreshold int
	WithinMinutes      int
	BlockDuration      time.Duration
}

// IPRestrictionConfig controls the blacklist/whitelist matcher cache.
type IPRestrictionConfig struct {
	CacheTTL time.Duration
}

// DeviceTrustConfig controls the step-up approval flow.
type DeviceTrustConfig struct {
	ApprovalExpiry  time.Duration
	MaxCodeAttempts int
	RiskThreshold   int
}

type EmailConfig struct {
	Enabled         bool
	AWSRegion       string
	FromAddress     string
	ApprovalURLBase string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			TrustedProxies: getEnvAsSlice("TRUSTED_PROXIES"),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS"),
		},
		Auth: AuthConfig{
			JWTSecret:       jwtSecret,
			CleanupInterval: getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
		},
		BruteForce: BruteForceConfig{
			MaxAttempts:     getEnvAsInt("BRUTE_FORCE_MAX_ATTEMPTS", 5),
			LockoutDuration: time.Duration(getEnvAsInt("BRUTE_FORCE_LOCKOUT_MINUTES", 15)) * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvAsBool("RATE_LIMIT_ENABLED", true),
			Presets: loadPresets(),
			AutoBlacklist: AutoBlacklistConfig{
				Enabled:            getEnvAsBool("AUTO_BLACKLIST_ENABLED", true),
				ViolationThreshold: getEnvAsInt("AUTO_BLACKLIST_VIOLATION_THRESHOLD", 10),
				WithinMinutes:      getEnvAsInt("AUTO_BLACKLIST_WITHIN_MINUTES", 10),
				BlockDuration:      time.Duration(getEnvAsInt("AUTO_BLACKLIST_BLOCK_DURATION_MINUTES", 60)) * time.Minute,
			},
		},
		IPRestriction: IPRestrictionConfig{
			CacheTTL: time.Duration(getEnvAsInt("RESTRICTION_CACHE_TTL_MINUTES", 5)) * time.Minute,
		},
		DeviceTrust: DeviceTrustConfig{
			ApprovalExpiry:  time.Duration(getEnvAsInt("DEVICE_APPROVAL_EXPIRY_MINUTES", 15)) * time.Minute,
			MaxCodeAttempts: getEnvAsInt("DEVICE_MAX_CODE_ATTEMPTS", 5),
			RiskThreshold:   getEnvAsInt("DEVICE_RISK_THRESHOLD", 50),
		},
		Email: EmailConfig{
			Enabled:         getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
			FromAddress:     getEnv("EMAIL_FROM_ADDRESS", "no-reply@localhost"),
			ApprovalURLBase: getEnv("APPROVAL_URL_BASE", "http://localhost:8080/devices/approve"),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadPresets builds the named rate limit policies. The default preset always
// exists; unknown preset names resolve to it at check time. Each preset can
// be overridden per environment without code changes.
func loadPresets() map[string]RateLimitPreset {
	return map[string]RateLimitPreset{
		"default": {
			PerMinute: getEnvAsInt("RATE_LIMIT_DEFAULT_PER_MINUTE", 60),
			PerHour:   getEnvAsInt("RATE_LIMIT_DEFAULT_PER_HOUR", 1000),
		},
		"login": {
			PerMinute: getEnvAsInt("RATE_LIMIT_LOGIN_PER_MINUTE", 10),
			PerHour:   getEnvAsInt("RATE_LIMIT_LOGIN_PER_HOUR", 100),
		},
		"sensitive": {
			PerMinute: getEnvAsInt("RATE_LIMIT_SENSITIVE_PER_MINUTE", 5),
			PerHour:   getEnvAsInt("RATE_LIMIT_SENSITIVE_PER_HOUR", 30),
		},
	}
}

// validateJWTSecret enforces minimum security standards for the JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsSlice(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
