package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-authz/internal/app"
	"github.com/odyssey-erp/odyssey-authz/internal/auditlog"
	"github.com/odyssey-erp/odyssey-authz/internal/decisioncache"
	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/views"
	"github.com/odyssey-erp/odyssey-authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "authz-worker"})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr}
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	refresher := views.NewRefresher(pool, redisClient, cfg.ViewsStaleAfter, logger)
	decisions := decisioncache.New(redisClient, cfg.CacheTTL, logger)
	refreshJob := jobs.NewViewsRefreshJob(refresher, decisions, logger, metrics)

	batchHandler := auditlog.NewBatchHandler(auditlog.NewPostgresStore(pool), logger)
	flushJob := jobs.NewAuditFlushJob(batchHandler, metrics)

	refreshTask, err := jobs.NewViewsRefreshTask(false)
	if err != nil {
		logger.Error("build views refresh task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: cache.AsynqOpt(redisOpts),
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskViewsRefresh, Handler: refreshJob.Handle},
			{Type: jobs.TaskAuditBatch, Handler: flushJob.Handle},
			{Type: jobs.TaskAuditEntry, Handler: batchHandler.HandleEntry},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ViewsRefreshCron, Task: refreshTask},
		},
		Aggregation: &jobs.Aggregation{
			Aggregator:  asynq.GroupAggregatorFunc(auditlog.Aggregate),
			MaxSize:     cfg.AuditBatchSize,
			MaxDelay:    cfg.AuditBatchDelay,
			GracePeriod: time.Second,
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
