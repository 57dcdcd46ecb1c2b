package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/background"
	"github.com/BradenHooton/bastion/internal/config"
	"github.com/BradenHooton/bastion/internal/database"
	"github.com/BradenHooton/bastion/internal/handlers"
	middlewareCustom "github.com/BradenHooton/bastion/internal/middleware"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/repositories"
	"github.com/BradenHooton/bastion/internal/routes"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize Redis
	cache, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer cache.Close()

	// Initialize repositories
	restrictionRepo := repositories.NewRestrictionRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	refreshTokenRepo := repositories.NewRefreshTokenRepository(db)

	// Initialize cleanup manager
	cleanupManager := background.NewCleanupManager(restrictionRepo, refreshTokenRepo, logger, cfg.Auth.CleanupInterval)

	auditLogger := pkglogger.NewAuditLogger(logger)

	// IP restriction matcher with cache-aside restriction lists
	ipRestrictionService := services.NewIPRestrictionService(restrictionRepo, cache, services.IPRestrictionConfig{
		CacheTTL: cfg.IPRestriction.CacheTTL,
	}, logger)

	// Sliding-window rate limiter
	presets := make(map[string]models.RateLimitPreset, len(cfg.RateLimit.Presets))
	for name, preset := range cfg.RateLimit.Presets {
		presets[name] = models.RateLimitPreset{
			PerMinute: preset.PerMinute,
			PerHour:   preset.PerHour,
		}
	}
	rateLimitService := services.NewRateLimitService(cache, services.RateLimitServiceConfig{
		Enabled: cfg.RateLimit.Enabled,
		Presets: presets,
	}, logger)

	// Violation escalator feeding the automatic blacklist
	violationService := services.NewViolationService(cache, ipRestrictionService, services.ViolationConfig{
		Enabled:            cfg.RateLimit.AutoBlacklist.Enabled,
		ViolationThreshold: cfg.RateLimit.AutoBlacklist.ViolationThreshold,
		WithinMinutes:      cfg.RateLimit.AutoBlacklist.WithinMinutes,
		BlockDuration:      cfg.RateLimit.AutoBlacklist.BlockDuration,
	}, logger)

	// Brute-force lockout counters
	bruteForceService := services.NewBruteForceService(cache, services.BruteForceConfig{
		MaxAttempts:     cfg.BruteForce.MaxAttempts,
		LockoutDuration: cfg.BruteForce.LockoutDuration,
	}, logger)

	// Device trust state machine
	deviceTrustService := services.NewDeviceTrustService(deviceRepo, refreshTokenRepo, services.DeviceTrustConfig{
		ApprovalExpiry:  cfg.DeviceTrust.ApprovalExpiry,
		MaxCodeAttempts: cfg.DeviceTrust.MaxCodeAttempts,
	}, logger)

	// Approval email delivery
	var notifier services.ApprovalNotifier
	if cfg.Email.Enabled {
		sesNotifier, err := services.NewAWSSESNotifier(
			cfg.Email.AWSRegion,
			cfg.Email.FromAddress,
			cfg.Email.ApprovalURLBase,
			logger,
		)
		if err != nil {
			logger.Error("failed to initialize email notifier", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = sesNotifier
	} else {
		notifier = services.NewNoopNotifier(logger)
	}

	// Token validation for the service and admin surfaces
	tokenValidator := auth.NewTokenValidator(cfg.Auth.JWTSecret)

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	// Initialize handlers
	gateHandler := handlers.NewGateHandler(ipRestrictionService, rateLimitService, violationService, bruteForceService, auditLogger, ipConfig)
	restrictionHandler := handlers.NewRestrictionHandler(ipRestrictionService, auditLogger)
	deviceHandler := handlers.NewDeviceHandler(deviceTrustService, notifier, auditLogger, ipConfig, cfg.DeviceTrust.RiskThreshold)

	corsConfig := middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, gateHandler, restrictionHandler, deviceHandler, tokenValidator, corsConfig)

	// Health check with database and Redis
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")

		if err := db.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		if err := cache.Client.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","redis":"down"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up","redis":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
