package internal

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// Application base URL (for Stripe redirect URLs)
	BaseURL string

	// Usage store: "postgres", "redis" or "memory"
	UsageStore  string
	DatabaseUrl string
	RedisURL    string
	RedisPrefix string

	// Billing months roll over at midnight on the 1st in this zone
	BillingTimezone string

	// Quota enforcement policy
	QuotaFailOpen       bool // Serve requests when the usage store is unreachable
	QuotaAllowAnonymous bool // Serve requests without a user id, unmetered
	AnonRateLimit       int  // Anonymous requests per minute per client IP; 0 disables throttling
	AnonRateBurst       int

	// Reverse proxies (IPs or CIDRs) whose X-Forwarded-For is believed
	TrustedProxies []string

	// Bearer token verification. Empty secret disables authentication and
	// user ids are taken from request bodies only.
	AuthJWTSecret string
	AuthJWTIssuer string

	// Browser origins allowed to call the API
	CORSAllowedOrigins []string

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string // Base directory for local file storage

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2Endpoint        string // Optional, overrides the account endpoint

	// AI Provider Configuration
	AIProvider       string // "anthropic" or "mock"
	AnthropicAPIKey  string
	AnthropicModel   string
	AIMaxTokens      int
	AIMaxRetries     int
	AIRetryBaseDelay time.Duration
	AIRequestTimeout time.Duration

	// Stripe Billing Configuration
	// In development, billing endpoints answer 501 if the secret key is empty.
	StripeSecretKey     string // Stripe API secret key (sk_test_... or sk_live_...)
	StripeWebhookSecret string // Stripe webhook signing secret (whsec_...)

	// Stripe Price IDs for subscription plans
	StripeBasicMonthlyPriceID   string
	StripeBasicYearlyPriceID    string
	StripePremiumMonthlyPriceID string
	StripePremiumYearlyPriceID  string

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		UsageStore:  getEnv("USAGE_STORE", "postgres"),
		DatabaseUrl: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		RedisPrefix: getEnv("REDIS_PREFIX", "fortuna:"),

		BillingTimezone: getEnv("BILLING_TIMEZONE", "UTC"),

		QuotaFailOpen:       getEnvBool("QUOTA_FAIL_OPEN", true),
		QuotaAllowAnonymous: getEnvBool("QUOTA_ALLOW_ANONYMOUS", true),
		AnonRateLimit:       getEnvInt("ANON_RATE_LIMIT", 10),
		AnonRateBurst:       getEnvInt("ANON_RATE_BURST", 5),

		AuthJWTSecret: getEnv("AUTH_JWT_SECRET", ""),
		AuthJWTIssuer: getEnv("AUTH_JWT_ISSUER", ""),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		TrustedProxies:     getEnvList("TRUSTED_PROXIES"),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2Endpoint:        getEnv("R2_ENDPOINT", ""),

		// AI provider defaults
		AIProvider:       getEnv("AI_PROVIDER", "mock"),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		AIMaxTokens:      getEnvInt("AI_MAX_TOKENS", 1500),
		AIMaxRetries:     getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay: getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 60*time.Second),

		// Stripe billing (optional)
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		StripeBasicMonthlyPriceID:   getEnv("STRIPE_BASIC_MONTHLY_PRICE_ID", ""),
		StripeBasicYearlyPriceID:    getEnv("STRIPE_BASIC_YEARLY_PRICE_ID", ""),
		StripePremiumMonthlyPriceID: getEnv("STRIPE_PREMIUM_MONTHLY_PRICE_ID", ""),
		StripePremiumYearlyPriceID:  getEnv("STRIPE_PREMIUM_YEARLY_PRICE_ID", ""),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	// Validate usage store configuration
	switch cfg.UsageStore {
	case "postgres":
		if cfg.DatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required when USAGE_STORE is 'postgres'")
		}
	case "redis":
		if cfg.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when USAGE_STORE is 'redis'")
		}
	case "memory":
		if cfg.Env == "production" {
			return fmt.Errorf("USAGE_STORE 'memory' is not allowed in production")
		}
	default:
		return fmt.Errorf("USAGE_STORE must be 'postgres', 'redis' or 'memory', got: %s", cfg.UsageStore)
	}

	if _, err := time.LoadLocation(cfg.BillingTimezone); err != nil {
		return fmt.Errorf("BILLING_TIMEZONE is not a valid time zone: %w", err)
	}

	if cfg.AnonRateLimit < 0 {
		return fmt.Errorf("ANON_RATE_LIMIT must not be negative")
	}
	if cfg.AnonThrottled() && cfg.AnonRateBurst <= 0 {
		return fmt.Errorf("ANON_RATE_BURST must be positive when ANON_RATE_LIMIT is set")
	}

	for _, p := range cfg.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", p)
		}
	}

	// Validate storage configuration
	if cfg.StorageProvider == "r2" {
		if cfg.R2AccountID == "" && cfg.R2Endpoint == "" {
			return fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" {
			return fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2SecretAccessKey == "" {
			return fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	} else if cfg.StorageProvider != "local" {
		return fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	// Validate AI provider configuration
	if cfg.AIProvider == "anthropic" {
		if cfg.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is 'anthropic'")
		}
	} else if cfg.AIProvider != "mock" {
		return fmt.Errorf("AI_PROVIDER must be either 'anthropic' or 'mock', got: %s", cfg.AIProvider)
	}

	if cfg.AIMaxRetries < 1 {
		return fmt.Errorf("AI_MAX_RETRIES must be at least 1, got: %d", cfg.AIMaxRetries)
	}

	if cfg.StripeSecretKey != "" && cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}

	return nil
}

// AnonThrottled reports whether anonymous requests are rate limited per IP.
func (cfg *Config) AnonThrottled() bool {
	return cfg.AnonRateLimit > 0
}

// Location returns the billing time zone. Validated by NewConfig.
func (cfg *Config) Location() *time.Location {
	loc, err := time.LoadLocation(cfg.BillingTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
