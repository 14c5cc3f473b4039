// Package decisioncache stores access decisions in Redis behind a global
// version counter so configuration writes invalidate every entry at once.
package decisioncache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	versionKey = "authz:cache:version"
	keyPrefix  = "authz:decision"
	// BumpChannel carries the new version after each Bump.
	BumpChannel = "authz.bump"
)

// DefaultTTL bounds staleness when a version bump is missed.
const DefaultTTL = 5 * time.Minute

// Key identifies a cached decision.
type Key struct {
	SubjectID   string
	ScopeID     string
	Fingerprint string
}

// Loader computes a value on a miss. Values reported as not cacheable are
// returned to the caller but never stored.
type Loader func(ctx context.Context) (value any, cacheable bool, err error)

// Cache wraps Redis based caching with versioning controls. Redis failures
// never fail a lookup: they are logged and the loader runs instead.
type Cache struct {
	client    *redis.Client
	ttl       time.Duration
	logger    *slog.Logger
	group     singleflight.Group
	listening atomic.Bool
	version   atomic.Int64
}

// New instantiates the cache helper. A nil client disables caching.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, ttl: ttl, logger: logger.With(slog.String("component", "decisioncache"))}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	if c.listening.Load() {
		if v := c.version.Load(); v > 0 {
			return v, nil
		}
	}
	ver, err := c.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, versionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		ver, err = c.client.Get(ctx, versionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, versionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	c.version.Store(ver)
	return ver, nil
}

// BuildKey composes the Redis key for k under the current version. Each
// component is length-prefixed so ids containing ':' cannot collide.
func (c *Cache) BuildKey(ctx context.Context, k Key) (string, error) {
	var b strings.Builder
	b.WriteString(keyPrefix)
	for _, part := range []string{k.SubjectID, k.ScopeID, k.Fingerprint} {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte('.')
		b.WriteString(part)
	}
	base := b.String()
	if c == nil || c.client == nil {
		return base, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", base, ver), nil
}

// Fetch decodes the cached value for k into dest or populates it using the
// loader. hit reports whether dest came from Redis. Concurrent misses for
// the same key share one loader call.
func (c *Cache) Fetch(ctx context.Context, k Key, dest any, loader Loader) (hit bool, err error) {
	if loader == nil {
		return false, errors.New("decisioncache: loader required")
	}
	if c == nil || c.client == nil {
		value, _, err := loader(ctx)
		if err != nil {
			return false, err
		}
		return false, assign(value, dest)
	}

	key, err := c.BuildKey(ctx, k)
	if err != nil {
		c.logger.Warn("cache version unavailable, bypassing cache", slog.Any("error", err))
		value, _, err := loader(ctx)
		if err != nil {
			return false, err
		}
		return false, assign(value, dest)
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		if uerr := json.Unmarshal(payload, dest); uerr == nil {
			return true, nil
		}
		c.logger.Warn("discarding undecodable cache entry", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	res := <-c.group.DoChan(key, func() (any, error) {
		value, cacheable, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if cacheable {
			if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				c.logger.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
			}
		}
		return raw, nil
	})
	if res.Err != nil {
		return false, res.Err
	}
	return false, json.Unmarshal(res.Val.([]byte), dest)
}

// Bump invalidates every entry by incrementing the global version and
// publishing the new value.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, versionKey).Result()
	if err != nil {
		return err
	}
	c.version.Store(ver)
	return c.client.Publish(ctx, BumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation subscribes to version bump notifications and keeps
// a process-local copy of the version, saving a round trip per lookup.
func (c *Cache) ListenForInvalidation(ctx context.Context, channel string) error {
	if c == nil || c.client == nil {
		return nil
	}
	if channel == "" {
		channel = BumpChannel
	}
	pubsub := c.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	if _, err := c.Version(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	c.listening.Store(true)
	go func() {
		defer func() {
			c.listening.Store(false)
			_ = pubsub.Close()
		}()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					c.logger.Warn("ignoring malformed bump", slog.String("payload", msg.Payload))
					continue
				}
				if ver > c.version.Load() {
					c.version.Store(ver)
				}
			}
		}
	}()
	return nil
}

// Fingerprint hashes the JSON encoding of parts. Map keys are encoded in
// sorted order, so equal requests hash equally.
func Fingerprint(parts ...any) (string, error) {
	raw, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func assign(value any, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
