package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/crpwatch/crpwatch/internal/activities/investigation"
	"github.com/crpwatch/crpwatch/internal/app"
	"github.com/crpwatch/crpwatch/internal/config"
	"github.com/crpwatch/crpwatch/internal/pipeline"
	"github.com/crpwatch/crpwatch/internal/temporal"
	"github.com/crpwatch/crpwatch/internal/workflows"
)

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

	logger.Info("Starting crpwatch worker",
		zap.String("environment", string(cfg.Env)),
		zap.String("temporal_address", cfg.Temporal.Addr()),
		zap.String("namespace", cfg.Temporal.Namespace),
		zap.String("task_queue", cfg.Temporal.TaskQueue),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(ctx, cfg, logger, app.Options{UseDatabase: true})
	if err != nil {
		logger.Fatal("Failed to initialise pipeline", zap.Error(err))
	}
	defer stack.Close()

	tc, err := temporal.NewClient(cfg.Temporal, logger)
	if err != nil {
		logger.Fatal("Failed to create Temporal client", zap.Error(err))
	}
	defer tc.Close()

	logger.Info("Connected to Temporal server")

	w := worker.New(tc.Client, cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     cfg.Temporal.WorkerCount,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.Temporal.WorkerCount,
	})

	workflows.Register(w)

	opts := []investigation.Option{investigation.WithMetrics(stack.Metrics)}
	if stack.Cache != nil {
		opts = append(opts, investigation.WithPublisher(stack.Cache))
	}
	sessions := func(ctx context.Context) (investigation.BrowserSession, error) {
		s, err := stack.NewSession(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	activity := investigation.NewActivity(stack.Runner(pipeline.Sinks{stack.Results}), sessions, logger, opts...)
	investigation.RegisterActivities(w, activity)

	logger.Info("Registered workflows and activities",
		zap.Int("activity_count", 2),
		zap.Int("workflow_count", 1),
	)

	metricsServer := &http.Server{Addr: cfg.Server.Addr(), Handler: stack.Metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", zap.Error(err))
		}
	}()
	defer metricsServer.Close()

	// Start worker in goroutine
	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- w.Run(worker.InterruptCh())
	}()

	logger.Info("Worker started successfully",
		zap.String("task_queue", cfg.Temporal.TaskQueue),
		zap.String("metrics_addr", cfg.Server.Addr()),
	)

	select {
	case err := <-workerErrors:
		if err != nil {
			logger.Fatal("Worker error", zap.Error(err))
		}

	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		w.Stop()
		logger.Info("Worker stopped gracefully")
	}
}
