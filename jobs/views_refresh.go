package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/views"
)

// ViewRefresher is the part of views.Refresher the job drives.
type ViewRefresher interface {
	Refresh(ctx context.Context, view string) error
	NeedsRefresh(ctx context.Context, view string) bool
}

// Invalidator drops cached decisions.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// ViewsRefreshJob refreshes stale permission views. Decisions cached while
// a view was stale are invalidated once any view has been rebuilt.
type ViewsRefreshJob struct {
	Refresher ViewRefresher
	Cache     Invalidator
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewViewsRefreshJob wires dependencies for the refresh handler.
func NewViewsRefreshJob(refresher ViewRefresher, cache Invalidator, logger *slog.Logger, metrics *jobmetrics.Metrics) *ViewsRefreshJob {
	return &ViewsRefreshJob{Refresher: refresher, Cache: cache, Logger: logger, Metrics: metrics}
}

// Handle processes TaskViewsRefresh tasks. It stops at the first failing
// view and reports the error without retrying.
func (j *ViewsRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Refresher == nil {
		return errors.New("views refresh: handler not configured")
	}
	var payload ViewsRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	names := payload.Views
	if len(names) == 0 {
		names = views.Names
	}

	tracker := j.metrics().Track(TaskViewsRefresh)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Bool("force", payload.Force))
	start := time.Now()
	refreshed := 0
	for _, view := range names {
		if !payload.Force && !j.Refresher.NeedsRefresh(ctx, view) {
			continue
		}
		err := j.Refresher.Refresh(ctx, view)
		j.metrics().ViewRefreshed(view, err)
		if err != nil {
			resultErr = err
			logger.Error("refresh view", slog.String("view", view), slog.Any("error", err))
			j.invalidate(ctx, logger, refreshed)
			return resultErr
		}
		refreshed++
	}
	j.invalidate(ctx, logger, refreshed)
	logger.Info("completed views refresh", slog.Int("refreshed", refreshed), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *ViewsRefreshJob) invalidate(ctx context.Context, logger *slog.Logger, refreshed int) {
	if refreshed == 0 || j.Cache == nil {
		return
	}
	if err := j.Cache.Bump(ctx); err != nil {
		logger.Warn("invalidate decisions after refresh", slog.Any("error", err))
	}
}

func (j *ViewsRefreshJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskViewsRefresh))
	}
	return slog.Default().With(slog.String("job", TaskViewsRefresh))
}

func (j *ViewsRefreshJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
