// Package ratelimit bounds how many access checks a (subject, scope) pair
// may trigger per fixed window. Counters live in Redis so every engine
// instance shares them.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultThreshold is the number of checks admitted per window.
	DefaultThreshold = 50
	// DefaultWindow is the length of a counting window.
	DefaultWindow = 300 * time.Second

	counterPrefix = "authz:ratelimit:count"
	blockPrefix   = "authz:ratelimit:block"
)

// Config tunes the limiter.
type Config struct {
	Threshold int
	Window    time.Duration
}

// Limiter is a fixed-window counter. Every Redis failure fails open: the
// pair is treated as not limited and the error is logged, so an outage of
// Redis cannot take the authorization path down with it.
type Limiter struct {
	client    *redis.Client
	threshold int64
	window    time.Duration
	logger    *slog.Logger
	onError   func(op string)
}

// New constructs a Limiter. A nil client disables limiting.
func New(client *redis.Client, cfg Config, logger *slog.Logger) *Limiter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		client:    client,
		threshold: int64(cfg.Threshold),
		window:    cfg.Window,
		logger:    logger.With(slog.String("component", "ratelimit")),
	}
}

// OnError registers a hook invoked with the failing operation whenever the
// limiter fails open.
func (l *Limiter) OnError(fn func(op string)) {
	if l != nil {
		l.onError = fn
	}
}

// IsRateLimited reports whether the pair is blocked or has used up its
// window.
func (l *Limiter) IsRateLimited(ctx context.Context, subjectID, scopeID string) bool {
	if l == nil || l.client == nil {
		return false
	}
	pipe := l.client.Pipeline()
	blocked := pipe.Exists(ctx, key(blockPrefix, subjectID, scopeID))
	count := pipe.Get(ctx, key(counterPrefix, subjectID, scopeID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		l.failOpen("check", err)
		return false
	}
	if blocked.Val() > 0 {
		return true
	}
	n, err := count.Int64()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		l.failOpen("check", err)
		return false
	}
	return n >= l.threshold
}

// IncrementRequestCount counts one check against the pair's current window.
// The window starts with the first increment.
func (l *Limiter) IncrementRequestCount(ctx context.Context, subjectID, scopeID string) {
	if l == nil || l.client == nil {
		return
	}
	k := key(counterPrefix, subjectID, scopeID)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, k, 0, l.window)
		pipe.Incr(ctx, k)
		return nil
	})
	if err != nil {
		l.failOpen("increment", err)
	}
}

// BlockUser rejects the pair for one full window regardless of its count.
func (l *Limiter) BlockUser(ctx context.Context, subjectID, scopeID string) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Set(ctx, key(blockPrefix, subjectID, scopeID), 1, l.window).Err()
}

// ResetLimits clears both the counter and any block for the pair.
func (l *Limiter) ResetLimits(ctx context.Context, subjectID, scopeID string) error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Del(ctx, key(counterPrefix, subjectID, scopeID), key(blockPrefix, subjectID, scopeID)).Err()
}

func (l *Limiter) failOpen(op string, err error) {
	l.logger.Warn("rate limiter unavailable, failing open", slog.String("op", op), slog.Any("error", err))
	if l.onError != nil {
		l.onError(op)
	}
}

func key(prefix, subjectID, scopeID string) string {
	return strings.Join([]string{prefix, subjectID, scopeID}, ":")
}
