package decisioncache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))), mr
}

func countingLoader(calls *int, d decision, cacheable bool) Loader {
	return func(ctx context.Context) (any, bool, error) {
		*calls++
		return d, cacheable, nil
	}
}

func TestFetchCachesUntilBump(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := Key{SubjectID: "u1", ScopeID: "s1", Fingerprint: "f"}
	calls := 0

	var got decision
	hit, err := cache.Fetch(ctx, key, &got, countingLoader(&calls, decision{Allowed: true, Reason: "ok"}, true))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, got.Allowed)

	got = decision{}
	hit, err = cache.Fetch(ctx, key, &got, countingLoader(&calls, decision{}, true))
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "ok", got.Reason)
	assert.Equal(t, 1, calls)

	require.NoError(t, cache.Bump(ctx))
	hit, err = cache.Fetch(ctx, key, &got, countingLoader(&calls, decision{Allowed: false, Reason: "RBAC denied"}, true))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, got.Allowed)
	assert.Equal(t, 2, calls)
}

func TestFetchExpiresAfterTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	key := Key{SubjectID: "u1", ScopeID: "s1", Fingerprint: "f"}
	calls := 0

	var got decision
	_, err := cache.Fetch(ctx, key, &got, countingLoader(&calls, decision{Allowed: true}, true))
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	hit, err := cache.Fetch(ctx, key, &got, countingLoader(&calls, decision{Allowed: true}, true))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, calls)
}

func TestFetchSkipsUncacheable(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := Key{SubjectID: "u1", ScopeID: "s1", Fingerprint: "f"}
	calls := 0

	var got decision
	for i := 0; i < 2; i++ {
		hit, err := cache.Fetch(ctx, key, &got, countingLoader(&calls, decision{Reason: "config error"}, false))
		require.NoError(t, err)
		assert.False(t, hit)
	}
	assert.Equal(t, 2, calls)
}

func TestFetchSeparatesKeys(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0

	var got decision
	_, err := cache.Fetch(ctx, Key{SubjectID: "u1", ScopeID: "s1", Fingerprint: "a"}, &got, countingLoader(&calls, decision{Allowed: true}, true))
	require.NoError(t, err)
	_, err = cache.Fetch(ctx, Key{SubjectID: "u1", ScopeID: "s2", Fingerprint: "a"}, &got, countingLoader(&calls, decision{Allowed: false}, true))
	require.NoError(t, err)
	assert.False(t, got.Allowed)
	assert.Equal(t, 2, calls)
}

func TestFetchColonIDsDoNotCollide(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	calls := 0

	admin := Key{SubjectID: "user:alice", ScopeID: "p1", Fingerprint: "roles"}
	other := Key{SubjectID: "user", ScopeID: "alice:p1", Fingerprint: "roles"}

	k1, err := cache.BuildKey(ctx, admin)
	require.NoError(t, err)
	k2, err := cache.BuildKey(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	var got decision
	_, err = cache.Fetch(ctx, admin, &got, countingLoader(&calls, decision{Allowed: true}, true))
	require.NoError(t, err)
	got = decision{}
	hit, err := cache.Fetch(ctx, other, &got, countingLoader(&calls, decision{Allowed: false}, true))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, got.Allowed)
	assert.Equal(t, 2, calls)
}

func TestFetchFallsThroughWhenRedisDown(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()
	calls := 0

	var got decision
	hit, err := cache.Fetch(context.Background(), Key{SubjectID: "u1"}, &got, countingLoader(&calls, decision{Allowed: true}, true))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, got.Allowed)
	assert.Equal(t, 1, calls)
}

func TestFetchPropagatesLoaderError(t *testing.T) {
	cache, _ := newTestCache(t)
	boom := errors.New("boom")
	var got decision
	_, err := cache.Fetch(context.Background(), Key{SubjectID: "u1"}, &got, func(ctx context.Context) (any, bool, error) {
		return nil, false, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestNilCacheRunsLoader(t *testing.T) {
	var cache *Cache
	calls := 0
	var got decision
	hit, err := cache.Fetch(context.Background(), Key{}, &got, countingLoader(&calls, decision{Allowed: true}, true))
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, got.Allowed)
	assert.NoError(t, cache.Bump(context.Background()))
}

func TestListenForInvalidationTracksVersion(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, cache.ListenForInvalidation(ctx, ""))
	before, err := cache.Version(ctx)
	require.NoError(t, err)

	other := New(cache.client, time.Minute, nil)
	require.NoError(t, other.Bump(ctx))

	assert.Eventually(t, func() bool {
		v, err := cache.Version(ctx)
		return err == nil && v == before+1
	}, time.Second, 10*time.Millisecond)
}

func TestFingerprintIsStable(t *testing.T) {
	a, err := Fingerprint("doc:read", map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	b, err := Fingerprint("doc:read", map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	c, err := Fingerprint("doc:write", map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
