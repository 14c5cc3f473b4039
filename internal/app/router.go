package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/abac"
	"github.com/odyssey-erp/odyssey-authz/internal/engine"
	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-authz/internal/policy"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/jobs"
)

// CacheBumper invalidates every cached decision.
type CacheBumper interface {
	Bump(ctx context.Context) error
}

// ViewsEnqueuer submits view refresh tasks.
type ViewsEnqueuer interface {
	EnqueueViewsRefresh(ctx context.Context, force bool, views ...string) (*asynq.TaskInfo, error)
}

// LimitAdmin overrides the per-subject rate limit.
type LimitAdmin interface {
	BlockUser(ctx context.Context, subjectID, scopeID string) error
	ResetLimits(ctx context.Context, subjectID, scopeID string) error
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
	Checks  map[string]HealthCheck

	Cache           CacheBumper
	Views           ViewsEnqueuer
	Limits          LimitAdmin
	DecisionHandler *engine.Handler
	JobHandler      *jobs.Handler
	RolesHandler    *rbac.Handler
	RulesHandler    *abac.Handler
	PolicyHandler   *policy.Handler
}

type limitRequest struct {
	SubjectID string `json:"subject_id" validate:"required"`
	ScopeID   string `json:"scope_id"`
}

type viewsRefreshRequest struct {
	Views []string `json:"views" validate:"dive,oneof=authz_user_effective_roles authz_user_effective_permissions"`
	Force bool     `json:"force"`
}

// NewRouter constructs the ops chi.Router.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", healthHandler(params.Checks, logger))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.DecisionHandler != nil {
		r.Route("/v1", params.DecisionHandler.MountRoutes)
	}

	validate := validator.New()
	r.Route("/admin", func(r chi.Router) {
		r.Use(chimw.Logger)
		r.Post("/cache/bump", func(w http.ResponseWriter, r *http.Request) {
			if params.Cache == nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "decision cache not configured")
				return
			}
			if err := params.Cache.Bump(r.Context()); err != nil {
				logger.Error("bump decision cache", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			logger.Info("decision cache bumped", slog.String("actor", httpx.Actor(r)))
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/views/refresh", func(w http.ResponseWriter, r *http.Request) {
			if params.Views == nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "job queue not configured")
				return
			}
			var req viewsRefreshRequest
			if r.ContentLength != 0 {
				if err := httpx.DecodeJSON(r, &req); err != nil {
					httpx.RespondError(w, err)
					return
				}
			}
			if err := validate.Struct(req); err != nil {
				httpx.RespondError(w, err)
				return
			}
			info, err := params.Views.EnqueueViewsRefresh(r.Context(), req.Force, req.Views...)
			if err != nil {
				logger.Error("enqueue views refresh", slog.Any("error", err))
				httpx.RespondError(w, err)
				return
			}
			httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": info.ID})
		})
		r.Post("/ratelimit/block", limitHandler(params.Limits, validate, logger, LimitAdmin.BlockUser))
		r.Post("/ratelimit/reset", limitHandler(params.Limits, validate, logger, LimitAdmin.ResetLimits))
		if params.RolesHandler != nil {
			r.Route("/roles", params.RolesHandler.MountRoutes)
		}
		if params.RulesHandler != nil {
			r.Route("/abac", params.RulesHandler.MountRoutes)
		}
		if params.PolicyHandler != nil {
			r.Route("/policies", params.PolicyHandler.MountRoutes)
		}
	})
	return r
}

func healthHandler(checks map[string]HealthCheck, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn("health check failed", slog.String("check", name), slog.Any("error", err))
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[name] = err.Error()
			}
		}
		httpx.JSON(w, status, body)
	}
}

func limitHandler(limits LimitAdmin, validate *validator.Validate, logger *slog.Logger, apply func(LimitAdmin, context.Context, string, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limits == nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "rate limiter not configured")
			return
		}
		var req limitRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		if err := validate.Struct(req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		if err := apply(limits, r.Context(), req.SubjectID, req.ScopeID); err != nil {
			logger.Error("update rate limit", slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
		logger.Info("rate limit updated", slog.String("path", r.URL.Path), slog.String("subject", req.SubjectID), slog.String("scope", req.ScopeID), slog.String("actor", httpx.Actor(r)))
		w.WriteHeader(http.StatusNoContent)
	}
}
