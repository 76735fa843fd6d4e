package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"PulseDispatch/internal/api"
	"PulseDispatch/internal/config"
	"PulseDispatch/internal/db"
	"PulseDispatch/internal/dispatch"
	"PulseDispatch/internal/email"
	"PulseDispatch/internal/metrics"
	"PulseDispatch/internal/queue"
	"PulseDispatch/internal/ratelimit"
	"PulseDispatch/internal/redisclient"
	"PulseDispatch/internal/render"
	"PulseDispatch/internal/worker"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ------------------------------------------------
	// Database (templates + SMTP settings)
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx, logger); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Redis (queue + rate limiter)
	// ------------------------------------------------
	rdb, err := redisclient.Open(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	// ------------------------------------------------
	// Pipeline components
	// ------------------------------------------------
	renderer := render.New(store, logger.Named("render"))

	limiter := ratelimit.New(rdb, cfg.RateLimit, cfg.RateLimitWindow, logger.Named("ratelimit"))

	jobs := queue.New(rdb, cfg.QueuePrefix, logger.Named("queue"),
		queue.WithMaxAttempts(cfg.RetryAttempts),
		queue.WithBackoff(cfg.BackoffBase, time.Hour),
		queue.WithLockDuration(cfg.LockDuration),
		queue.WithMaxStalled(cfg.MaxStalled),
	)

	transport := email.NewTransport(store, logger.Named("smtp"),
		email.WithPoolSize(cfg.SMTPPoolSize),
		email.WithSendTimeout(cfg.SMTPSendTimeout),
		email.WithVerifyInterval(cfg.SMTPVerifyInterval),
	)
	defer transport.Close()

	// Settings may not exist yet; the first delivery retries the init.
	if err := transport.Init(ctx); err != nil {
		logger.Warn("smtp transport not initialized", zap.Error(err))
	}

	service := dispatch.New(renderer, limiter, jobs, transport, logger.Named("dispatch"), dispatch.Options{
		MaxBatch: cfg.MaxBatch,
	})

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init(prometheus.DefaultRegisterer)
	prometheus.MustRegister(metrics.NewQueueCollector(jobs, logger))
	jobs.Subscribe(metrics.Observer(logger.Named("jobs")))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	worker.StartPool(
		ctx,
		&wg,
		worker.Options{
			Workers:         cfg.WorkerCount,
			PollInterval:    cfg.PollInterval,
			StalledInterval: cfg.StalledEvery,
			Retention:       cfg.RetainFinished,
		},
		jobs,
		service,
		rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendRate),
		logger.Named("worker"),
	)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Dispatch:   service,
		Store:      store,
		Limits:     limiter,
		Log:        logger.Named("api"),
		MaxCSVRows: cfg.MaxCSVRows,
		MaxBatch:   cfg.MaxBatch,
		Ping: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
			return store.Pool.Ping(ctx)
		},
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop accepting new emails
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Wait for workers to finish in-flight deliveries
	wg.Wait()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
