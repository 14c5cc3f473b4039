package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/auditlog"
	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries audit entries and their aggregated batches.
	QueueAudit = auditlog.QueueAudit

	// TaskViewsRefresh refreshes the permission materialized views.
	TaskViewsRefresh = "authz:views:refresh"
	// TaskAuditBatch writes an aggregated batch of audit entries.
	TaskAuditBatch = auditlog.TaskBatch
	// TaskAuditEntry writes a single audit entry.
	TaskAuditEntry = auditlog.TaskEntry
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ViewsRefreshPayload selects the views to refresh. An empty list means all
// managed views; Force refreshes views that are not stale yet.
type ViewsRefreshPayload struct {
	Views []string `json:"views,omitempty"`
	Force bool     `json:"force"`
}

// NewViewsRefreshTask builds a refresh task. Refresh tasks never retry: a
// failed run waits for the next scheduled tick.
func NewViewsRefreshTask(force bool, views ...string) (*asynq.Task, error) {
	body, err := json.Marshal(ViewsRefreshPayload{Views: views, Force: force})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskViewsRefresh, body, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}
