package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/api"
	"github.com/crpwatch/crpwatch/internal/api/middleware"
	"github.com/crpwatch/crpwatch/internal/app"
	"github.com/crpwatch/crpwatch/internal/config"
	"github.com/crpwatch/crpwatch/internal/observability"
	"github.com/crpwatch/crpwatch/internal/repository/postgres"
	rediscache "github.com/crpwatch/crpwatch/internal/repository/redis"
	"github.com/crpwatch/crpwatch/internal/storage"
	"github.com/crpwatch/crpwatch/internal/temporal"
)

const requestsPerMinute = 300

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger(string(cfg.Env), cfg.GetLogLevel())
	defer logger.Sync()

	logger.Info("Starting crpwatch API", zap.String("environment", string(cfg.Env)))

	// Connect to PostgreSQL
	db, err := postgres.New(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		logger.Fatal("Failed to migrate database", zap.Error(err))
	}
	logger.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
	)

	routerCfg := api.RouterConfig{
		Results:              postgres.NewRepositories(db.DB).Results,
		Metrics:              observability.NewMetrics("crpwatch", prometheus.NewRegistry()),
		Checks:               map[string]api.HealthChecker{"database": db, "redis": nil},
		Logger:               logger,
		EnableCORS:           true,
		RateLimit:            requestsPerMinute,
		InvestigationTimeout: cfg.Temporal.ActivityTimeout,
	}

	// Connect to Redis (optional)
	if cfg.Redis.Enabled {
		cache, err := rediscache.New(cfg.Redis)
		if err != nil {
			logger.Warn("Failed to connect to Redis, caching disabled", zap.Error(err))
		} else {
			defer cache.Close()
			routerCfg.Cache = cache
			routerCfg.Limiter = cache
			routerCfg.Checks["redis"] = cache
			logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))
		}
	}
	// Connect to object storage (optional, adds screenshot links)
	if cfg.Storage.Enabled {
		store, err := storage.NewMinIOClient(storage.MinIOConfig{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKey,
			SecretAccessKey: cfg.Storage.SecretKey,
			UseSSL:          cfg.Storage.UseSSL,
			BucketName:      cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
		}, logger.Named("storage"))
		if err != nil {
			logger.Warn("Failed to connect to object storage, screenshot links disabled", zap.Error(err))
		} else {
			routerCfg.Artefacts = store
			routerCfg.LinkExpiry = cfg.Storage.LinkExpiry
			routerCfg.Checks["storage"] = store
		}
	}

	if routerCfg.Limiter == nil {
		routerCfg.Limiter = middleware.NewLocalLimiter()
	}

	// Connect to Temporal (optional but required for submissions)
	tc, err := temporal.NewClient(cfg.Temporal, logger)
	if err != nil {
		logger.Warn("Failed to connect to Temporal, submissions disabled", zap.Error(err))
	} else {
		defer tc.Close()
		routerCfg.Starter = tc
		logger.Info("Connected to Temporal",
			zap.String("address", cfg.Temporal.Addr()),
			zap.String("namespace", cfg.Temporal.Namespace),
		)
	}

	router := api.NewRouter(routerCfg)

	// Create HTTP server
	addr := cfg.Server.Addr()
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("API server listening", zap.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("Server error", zap.Error(err))

	case sig := <-shutdown:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed, forcing close", zap.Error(err))
			server.Close()
		}

		logger.Info("Server stopped gracefully")
	}
}
