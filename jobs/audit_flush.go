package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/auditlog"
	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
)

// AuditFlushJob writes aggregated audit batches with job instrumentation.
type AuditFlushJob struct {
	Handler *auditlog.BatchHandler
	Metrics *jobmetrics.Metrics
}

// NewAuditFlushJob wires the batch handler.
func NewAuditFlushJob(handler *auditlog.BatchHandler, metrics *jobmetrics.Metrics) *AuditFlushJob {
	return &AuditFlushJob{Handler: handler, Metrics: metrics}
}

// Handle processes TaskAuditBatch tasks.
func (j *AuditFlushJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Handler == nil {
		return errors.New("audit flush: handler not configured")
	}
	metrics := j.Metrics
	if metrics == nil {
		metrics = defaultJobMetrics
	}
	tracker := metrics.Track(TaskAuditBatch)
	err := j.Handler.HandleBatch(ctx, t)
	if err == nil {
		var entries []json.RawMessage
		if json.Unmarshal(t.Payload(), &entries) == nil {
			metrics.ObserveAuditBatch(len(entries))
		}
	}
	return tracker.End(err)
}
