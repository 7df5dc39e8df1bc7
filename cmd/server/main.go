package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"PacedSend/internal/api"
	"PacedSend/internal/config"
	"PacedSend/internal/db"
	"PacedSend/internal/email"
	"PacedSend/internal/metrics"
	"PacedSend/internal/queue"
	"PacedSend/internal/ratelimit"
	"PacedSend/internal/scheduler"
	"PacedSend/internal/worker"
)

type jobStore interface {
	scheduler.Store
	worker.Store
	Ping(ctx context.Context) error
}

// backend is everything that differs between the postgres and memory modes.
type backend struct {
	store   jobStore
	queue   queue.Queue
	windows ratelimit.Store
	checks  map[string]func(context.Context) error
	close   func()
}

func main() {

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ------------------------------------------------
	// Storage, Queue, Rate Limit Windows
	// ------------------------------------------------
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage setup failed", zap.Error(err))
	}
	defer be.close()

	limiter := ratelimit.New(be.windows)

	// ------------------------------------------------
	// Email Transport
	// ------------------------------------------------
	transport, err := newTransport(cfg, logger)
	if err != nil {
		logger.Fatal("email transport setup failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()
	prometheus.MustRegister(metrics.NewQueueCollector(be.queue))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Scheduler
	// ------------------------------------------------
	svc := scheduler.New(be.store, be.queue, logger, scheduler.WithMaxRetries(cfg.MaxRetries))

	requeued, err := svc.Resync(ctx)
	if err != nil {
		logger.Error("queue resync failed", zap.Error(err))
	} else {
		logger.Info("queue resynced", zap.Int("jobs", requeued))
	}

	// ------------------------------------------------
	// Worker Pool
	// ------------------------------------------------
	var wg sync.WaitGroup

	if cfg.RunWorker {
		pool := worker.New(be.queue, be.store, limiter, transport, logger, worker.Config{
			Workers:         cfg.WorkerCount,
			Rate:            cfg.RateLimit,
			DefaultDelay:    cfg.SendDelay,
			RescheduleFloor: cfg.RescheduleFloor,
			SendTimeout:     cfg.SendTimeout,
		})
		pool.Start(ctx, &wg)
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	var apiServer *http.Server

	if cfg.RunAPI {
		apiHandler := &api.Handler{
			Service:      svc,
			Limiter:      limiter,
			Log:          logger,
			Checks:       be.checks,
			MaxBatchRows: cfg.MaxBatchRows,
		}

		apiServer = &http.Server{
			Addr:              ":" + cfg.APIPort,
			Handler:           apiHandler.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("api server started", zap.String("port", cfg.APIPort))
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal("api server error", zap.Error(err))
			}
		}()
	}

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", zap.Error(err))
		}
	}

	// Workers finish their in-flight send; unfinished leases expire and are
	// redelivered after restart.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("workers did not stop before shutdown timeout")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	qopts := queue.Options{
		LeaseTimeout: cfg.LeaseTimeout,
		PollInterval: cfg.PollInterval,
		MaxAttempts:  cfg.MaxRetries,
		BackoffBase:  cfg.RetryBackoff,
	}

	if cfg.Storage == "memory" {
		logger.Warn("using in-memory storage; jobs do not survive a restart")

		store := db.NewMemoryStore()
		return &backend{
			store:   store,
			queue:   queue.NewMemoryQueue(qopts),
			windows: ratelimit.NewMemoryStore(),
			checks:  map[string]func(context.Context) error{"store": store.Ping},
			close:   func() {},
		}, nil
	}

	store, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := store.Migrate(ctx, logger); err != nil {
			store.Close()
			return nil, err
		}
	}

	rdb, err := db.NewRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &backend{
		store:   store,
		queue:   queue.NewRedisQueue(rdb, cfg.QueueName, qopts),
		windows: ratelimit.NewRedisStore(rdb),
		checks: map[string]func(context.Context) error{
			"postgres": store.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		close: func() {
			closeRedis(rdb, logger)
			store.Close()
		},
	}, nil
}

func closeRedis(rdb *redis.Client, logger *zap.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Error("redis close failed", zap.Error(err))
	}
}

func newTransport(cfg *config.Config, logger *zap.Logger) (email.Transport, error) {
	switch cfg.Transport {
	case "postmark":
		pm, err := email.NewPostmarkTransport(cfg.PostmarkServerToken, cfg.PostmarkAccountToken)
		if err != nil {
			return nil, err
		}
		return pm, nil
	case "log":
		return &email.LogTransport{Log: logger}, nil
	}
	return &email.SMTPTransport{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPassword,
	}, nil
}
