package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	// QueueAudit is the asynq queue audit tasks travel on.
	QueueAudit = "audit"
	// GroupAudit is the aggregation group for single-entry tasks.
	GroupAudit = "audit"
	// TaskEntry carries one entry.
	TaskEntry = "authz:audit:entry"
	// TaskBatch carries an aggregated batch of entries.
	TaskBatch = "authz:audit:batch"
)

// Queue accepts entries for deferred persistence.
type Queue interface {
	Enqueue(ctx context.Context, e Entry) error
}

// AsynqQueue publishes entries as grouped asynq tasks.
type AsynqQueue struct {
	client *asynq.Client
}

// NewAsynqQueue wraps an asynq client.
func NewAsynqQueue(client *asynq.Client) *AsynqQueue {
	return &AsynqQueue{client: client}
}

// Enqueue publishes a single-entry task in the audit group.
func (q *AsynqQueue) Enqueue(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskEntry, body),
		asynq.Queue(QueueAudit), asynq.Group(GroupAudit), asynq.MaxRetry(10))
	return err
}

// Aggregate folds the grouped single-entry tasks into one batch task. It
// satisfies asynq.GroupAggregatorFunc.
func Aggregate(group string, tasks []*asynq.Task) *asynq.Task {
	entries := make([]json.RawMessage, 0, len(tasks))
	for _, t := range tasks {
		if json.Valid(t.Payload()) {
			entries = append(entries, json.RawMessage(t.Payload()))
		}
	}
	body, _ := json.Marshal(entries)
	return asynq.NewTask(TaskBatch, body)
}

// BatchHandler writes aggregated batches. A failing write returns the error
// so asynq retries the whole batch.
type BatchHandler struct {
	store  Store
	logger *slog.Logger
}

// NewBatchHandler wires the store into an asynq handler.
func NewBatchHandler(store Store, logger *slog.Logger) *BatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchHandler{store: store, logger: logger.With(slog.String("component", "auditlog"))}
}

// HandleBatch processes TaskBatch tasks.
func (h *BatchHandler) HandleBatch(ctx context.Context, t *asynq.Task) error {
	var entries []Entry
	if err := json.Unmarshal(t.Payload(), &entries); err != nil {
		h.logger.Error("discarding undecodable audit batch", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := h.store.WriteBatch(ctx, entries); err != nil {
		h.logger.Error("write audit batch", slog.Int("size", len(entries)), slog.Any("error", err))
		return err
	}
	h.logger.Debug("audit batch written", slog.Int("size", len(entries)))
	return nil
}

// HandleEntry processes a TaskEntry that reached a worker without
// aggregation.
func (h *BatchHandler) HandleEntry(ctx context.Context, t *asynq.Task) error {
	var e Entry
	if err := json.Unmarshal(t.Payload(), &e); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return h.store.WriteBatch(ctx, []Entry{e})
}
