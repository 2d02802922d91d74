package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DukeRupert/fortuna/internal"
	"github.com/DukeRupert/fortuna/internal/ai"
	"github.com/DukeRupert/fortuna/internal/ai/anthropic"
	"github.com/DukeRupert/fortuna/internal/ai/mock"
	"github.com/DukeRupert/fortuna/internal/billing"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/handler"
	"github.com/DukeRupert/fortuna/internal/metrics"
	"github.com/DukeRupert/fortuna/internal/middleware"
	"github.com/DukeRupert/fortuna/internal/service"
	"github.com/DukeRupert/fortuna/internal/storage"
	"github.com/DukeRupert/fortuna/internal/usage"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize usage store
	store, closeStore, err := openUsageStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Plan catalog is validated once, at startup
	catalog, err := domain.NewPlanCatalog(domain.DefaultPlanTable())
	if err != nil {
		return fmt.Errorf("plan catalog invalid: %w", err)
	}

	// Initialize reading storage
	files, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}

	// Initialize AI provider
	provider, err := openAIProvider(cfg, logger)
	if err != nil {
		return err
	}

	// Initialize services
	quotaService := service.NewQuotaService(store, service.QuotaConfig{
		Catalog:  catalog,
		Location: cfg.Location(),
	}, logger)
	readingService := service.NewReadingService(provider, files, service.NewImagingProcessor(), service.ReadingConfig{
		MaxTokens: cfg.AIMaxTokens,
	}, logger)

	var billingService billing.Service
	if cfg.StripeSecretKey != "" {
		billingService = billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, billing.PriceConfig{
			BasicMonthlyPriceID:   cfg.StripeBasicMonthlyPriceID,
			BasicYearlyPriceID:    cfg.StripeBasicYearlyPriceID,
			PremiumMonthlyPriceID: cfg.StripePremiumMonthlyPriceID,
			PremiumYearlyPriceID:  cfg.StripePremiumYearlyPriceID,
		})
		logger.Info("Stripe billing enabled")
	} else {
		logger.Warn("Stripe billing disabled, STRIPE_SECRET_KEY not set")
	}

	// Initialize middleware
	isSecure := cfg.Env != "development"
	authMw := middleware.NewAuthMiddleware(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, logger)
	if !authMw.Enabled() {
		logger.Warn("Bearer authentication disabled, user ids are taken from request bodies")
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return fmt.Errorf("trusted proxies invalid: %w", err)
	}

	// A nil limiter leaves anonymous requests unthrottled.
	var anonLimiter handler.RequestLimiter
	if cfg.AnonThrottled() {
		rl := middleware.NewRateLimiter(cfg.AnonRateLimit, cfg.AnonRateBurst, logger).TrustProxies(proxies)
		defer rl.Close()
		anonLimiter = rl
	} else {
		logger.Warn("Anonymous requests are not rate limited, ANON_RATE_LIMIT is 0")
	}

	billingLimiter := middleware.NewRateLimiter(10, 5, logger).TrustProxies(proxies)
	defer billingLimiter.Close()
	billingRateLimit := middleware.NewRateLimitMiddleware(billingLimiter, logger)

	// Billing acts on an account, so it needs a verified identity when
	// tokens are in use.
	billingStack := billingRateLimit.Limit
	if authMw.Enabled() {
		billingStack = middleware.Stack(billingRateLimit.Limit, authMw.RequireUser)
	}

	// Initialize handlers
	fortuneHandler := handler.NewFortuneHandler(quotaService, readingService, anonLimiter, handler.QuotaPolicy{
		FailOpen:       cfg.QuotaFailOpen,
		AllowAnonymous: cfg.QuotaAllowAnonymous,
	}, logger)
	accountHandler := handler.NewAccountHandler(quotaService, readingService, logger)
	billingHandler := handler.NewBillingHandler(billingService, store, cfg.BaseURL, logger)
	webhookHandler := handler.NewWebhookHandler(billingService, store, logger)

	logger.Info("Quota policy",
		"fail_open", cfg.QuotaFailOpen,
		"allow_anonymous", cfg.QuotaAllowAnonymous,
		"anon_throttled", cfg.AnonThrottled(),
		"usage_store", cfg.UsageStore,
		"billing_timezone", cfg.BillingTimezone,
	)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics
	metricsAuth := middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword)
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))
	if cfg.MetricsUsername == "" && cfg.MetricsPassword == "" {
		logger.Warn("/metrics endpoint is unprotected, set METRICS_USERNAME and METRICS_PASSWORD")
	}

	fortuneHandler.RegisterRoutes(mux)
	accountHandler.RegisterRoutes(mux)
	billingHandler.RegisterRoutes(mux, billingStack)
	webhookHandler.RegisterRoutes(mux)

	// Metrics sits closest to the mux so it sees the matched pattern.
	logging := middleware.NewRequestLoggingMiddleware(logger)
	security := middleware.NewSecurityHeadersMiddleware(isSecure, cfg.CORSAllowedOrigins)
	root := middleware.Stack(
		logging.Handler,
		security.Handler,
		authMw.WithUser,
		metrics.Middleware,
	)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.AIRequestTimeout*time.Duration(max(cfg.AIMaxRetries, 1)) + 30*time.Second,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// openUsageStore connects the configured usage store. The returned func
// releases its connections.
func openUsageStore(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (usage.Store, func(), error) {
	switch cfg.UsageStore {
	case usage.ProviderPostgres:
		db, err := sql.Open("pgx", cfg.DatabaseUrl)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		if err := internal.RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
		logger.Info("Database ready")
		return usage.NewPostgresStore(db, logger), func() { db.Close() }, nil

	case usage.ProviderRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info("Redis ready", "prefix", cfg.RedisPrefix)
		return usage.NewRedisStore(client, cfg.RedisPrefix, logger), func() { client.Close() }, nil

	default:
		logger.Warn("Using in-memory usage store, counters are lost on restart")
		return usage.NewMemoryStore(), func() {}, nil
	}
}

func openStorage(cfg *internal.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.StorageProvider == storage.ProviderR2 {
		s, err := storage.NewR2Storage(storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			Endpoint:        cfg.R2Endpoint,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("storage initialization failed: %w", err)
		}
		logger.Info("Storage initialized", "provider", "r2", "bucket", cfg.R2BucketName)
		return s, nil
	}

	s, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: cfg.LocalStoragePath}, logger)
	if err != nil {
		return nil, fmt.Errorf("storage initialization failed: %w", err)
	}
	logger.Info("Storage initialized", "provider", "local", "path", cfg.LocalStoragePath)
	return s, nil
}

func openAIProvider(cfg *internal.Config, logger *slog.Logger) (ai.Provider, error) {
	if cfg.AIProvider != "anthropic" {
		logger.Info("AI provider initialized", "provider", "mock")
		return mock.New(logger), nil
	}

	p, err := anthropic.New(anthropic.Config{
		APIKey: cfg.AnthropicAPIKey,
		Model:  cfg.AnthropicModel,
		ProviderConfig: ai.ProviderConfig{
			MaxRetries:     cfg.AIMaxRetries,
			RetryBaseDelay: cfg.AIRetryBaseDelay,
			RequestTimeout: cfg.AIRequestTimeout,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("AI provider initialization failed: %w", err)
	}
	logger.Info("AI provider initialized", "provider", "anthropic", "model", cfg.AnthropicModel)
	return p, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
