package auditlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBuffer is the number of entries held between Enqueue and the
// dispatcher.
const DefaultBuffer = 1024

// Fallback reasons reported to the Recorder.
const (
	FallbackQueueError = "queue_error"
	FallbackBufferFull = "buffer_full"
	FallbackShutdown   = "shutdown"
)

// Recorder observes degraded paths.
type Recorder interface {
	AuditFallback(reason string)
	AuditDropped()
}

// Pipeline hands entries to the queue without blocking the caller. When the
// queue rejects an entry it is written straight to the store instead.
type Pipeline struct {
	queue   Queue
	store   Store
	buf     chan Entry
	logger  *slog.Logger
	metrics Recorder
	clock   func() time.Time
	direct  sync.WaitGroup
	timeout time.Duration
}

// PipelineConfig tunes the pipeline.
type PipelineConfig struct {
	Buffer int
	// WriteTimeout bounds each queue publish and direct store write.
	WriteTimeout time.Duration
	Metrics      Recorder
}

// NewPipeline constructs a pipeline. Run must be started for queued
// entries to leave the buffer.
func NewPipeline(queue Queue, store Store, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		queue:   queue,
		store:   store,
		buf:     make(chan Entry, cfg.Buffer),
		logger:  logger.With(slog.String("component", "auditlog")),
		metrics: cfg.Metrics,
		clock:   func() time.Time { return time.Now().UTC() },
		timeout: cfg.WriteTimeout,
	}
}

// Enqueue accepts an entry and returns immediately. If the buffer is full
// the entry is written to the store from a separate goroutine.
func (p *Pipeline) Enqueue(e Entry) {
	if p == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = p.clock()
	}
	select {
	case p.buf <- e:
	default:
		p.fallback(FallbackBufferFull)
		p.direct.Add(1)
		go func() {
			defer p.direct.Done()
			p.write(e)
		}()
	}
}

// Run dispatches buffered entries until ctx is cancelled, then drains what
// is left and waits for in-flight direct writes.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.direct.Wait()
	for {
		if ctx.Err() != nil {
			p.drain()
			return nil
		}
		select {
		case <-ctx.Done():
			p.drain()
			return nil
		case e := <-p.buf:
			p.dispatch(e)
		}
	}
}

func (p *Pipeline) dispatch(e Entry) {
	if p.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.queue.Enqueue(ctx, e)
		cancel()
		if err == nil {
			return
		}
		p.logger.Warn("audit queue unavailable, writing directly", slog.String("request_id", e.RequestID), slog.Any("error", err))
		p.fallback(FallbackQueueError)
	}
	p.write(e)
}

// drain flushes remaining entries in one store batch.
func (p *Pipeline) drain() {
	var pending []Entry
	for {
		select {
		case e := <-p.buf:
			pending = append(pending, e)
			continue
		default:
		}
		break
	}
	if len(pending) == 0 {
		return
	}
	p.fallback(FallbackShutdown)
	p.write(pending...)
}

func (p *Pipeline) write(entries ...Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.store.WriteBatch(ctx, entries); err != nil {
		for _, e := range entries {
			p.logger.Error("audit entry lost", slog.String("request_id", e.RequestID), slog.String("subject", e.SubjectID), slog.Any("error", err))
			if p.metrics != nil {
				p.metrics.AuditDropped()
			}
		}
	}
}

func (p *Pipeline) fallback(reason string) {
	if p.metrics != nil {
		p.metrics.AuditFallback(reason)
	}
}
