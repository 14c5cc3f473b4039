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
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-authz/internal/abac"
	"github.com/odyssey-erp/odyssey-authz/internal/app"
	"github.com/odyssey-erp/odyssey-authz/internal/auditlog"
	"github.com/odyssey-erp/odyssey-authz/internal/decisioncache"
	"github.com/odyssey-erp/odyssey-authz/internal/engine"
	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/policy"
	"github.com/odyssey-erp/odyssey-authz/internal/ratelimit"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{ApplicationName: "authzd"})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
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

	metrics := observability.NewMetrics()

	decisions := decisioncache.New(redisClient, cfg.CacheTTL, logger)
	if err := decisions.ListenForInvalidation(ctx, decisioncache.BumpChannel); err != nil {
		logger.Warn("subscribe to cache bumps, reading version from redis", slog.Any("error", err))
	}

	limiter := ratelimit.New(redisClient, ratelimit.Config{Threshold: cfg.RateLimit, Window: cfg.RateWindow}, logger)
	limiter.OnError(metrics.RateLimiterFailOpen)

	asynqOpts := cache.AsynqOpt(redisOpts)
	asynqClient := asynq.NewClient(asynqOpts)
	defer asynqClient.Close()
	jobClient := jobs.NewClient(asynqOpts, logger)
	defer jobClient.Close()
	inspector := asynq.NewInspector(asynqOpts)
	defer inspector.Close()

	audit := auditlog.NewPipeline(
		auditlog.NewAsynqQueue(asynqClient),
		auditlog.NewPostgresStore(pool),
		auditlog.PipelineConfig{Buffer: cfg.AuditBuffer, Metrics: metrics},
		logger,
	)

	rbacService := rbac.NewService(rbac.NewRepository(pool), decisions, jobClient, logger)
	abacService := abac.NewService(abac.NewRepository(pool), decisions, logger)
	policyService := policy.NewService(policy.NewRepository(pool), decisions, logger)

	authz, err := engine.New(engine.Options{
		Roles:    rbacService,
		Rules:    abacService,
		Policies: policyService,
		Cache:    decisions,
		Limiter:  limiter,
		Audit:    audit,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("init engine", slog.Any("error", err))
		os.Exit(1)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Metrics: metrics,
		Checks: map[string]app.HealthCheck{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		Cache:           decisions,
		Views:           jobClient,
		Limits:          limiter,
		DecisionHandler: engine.NewHandler(authz, logger),
		JobHandler:      jobs.NewHandler(inspector, logger),
		RolesHandler:    rbac.NewHandler(logger, rbacService),
		RulesHandler:    abac.NewHandler(logger, abacService),
		PolicyHandler:   policy.NewHandler(logger, policyService),
	})

	server := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	// The audit pipeline outlives the server so entries from in-flight
	// requests are drained.
	auditCtx, stopAudit := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return audit.Run(auditCtx)
	})
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		stopAudit()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("authzd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
