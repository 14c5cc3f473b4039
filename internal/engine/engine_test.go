package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/abac"
	"github.com/odyssey-erp/odyssey-authz/internal/auditlog"
	"github.com/odyssey-erp/odyssey-authz/internal/condition"
	"github.com/odyssey-erp/odyssey-authz/internal/decisioncache"
	"github.com/odyssey-erp/odyssey-authz/internal/policy"
	"github.com/odyssey-erp/odyssey-authz/internal/ratelimit"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

type fakeConfig struct {
	mu          sync.Mutex
	roles       []rbac.Role
	assignments map[string][]string
	ruleSets    map[string]abac.RuleSet
	policies    []policy.Policy
	err         error
	loads       int
}

func (f *fakeConfig) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.roles, nil
}

func (f *fakeConfig) SubjectRoles(ctx context.Context, subjectID, scopeID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.assignments[subjectID+"|"+scopeID], nil
}

func (f *fakeConfig) RuleSet(ctx context.Context, scopeID string) (abac.RuleSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return abac.RuleSet{}, f.err
	}
	return f.ruleSets[scopeID], nil
}

func (f *fakeConfig) ActivePolicies(ctx context.Context, scopeID string) ([]policy.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []policy.Policy
	for _, p := range f.policies {
		if p.Active && (p.ScopeID == "" || p.ScopeID == scopeID) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeConfig) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []auditlog.Entry
}

func (r *recordingAuditor) Enqueue(e auditlog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type harness struct {
	engine *Engine
	config *fakeConfig
	audit  *recordingAuditor
	cache  *decisioncache.Cache
	redis  *miniredis.Miniredis
	client *redis.Client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t testing.TB, cfg *fakeConfig) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	cache := decisioncache.New(client, time.Minute, discardLogger())
	audit := &recordingAuditor{}
	eng, err := New(Options{
		Roles:    cfg,
		Rules:    cfg,
		Policies: cfg,
		Cache:    cache,
		Audit:    audit,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	return &harness{engine: eng, config: cfg, audit: audit, cache: cache, redis: mr, client: client}
}

func viewerConfig() *fakeConfig {
	return &fakeConfig{
		roles: []rbac.Role{
			{Name: "viewer", Permissions: []string{"api:read"}},
			{Name: "admin", Permissions: []string{rbac.SuperPermission}},
			{Name: "developer", Permissions: []string{"project:read", "project:write"}},
		},
		assignments: map[string][]string{
			"alice|p1": {"viewer"},
			"root|p1":  {"admin"},
		},
	}
}

func TestCheckAccessRBACDenied(t *testing.T) {
	h := newHarness(t, viewerConfig())
	d := h.engine.CheckAccess(context.Background(), Request{
		Subject:  Subject{ID: "alice", ScopeID: "p1"},
		Resource: Resource{Type: "api", ID: "orders"},
		Action:   "api:write",
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRBACDenied, d.Reason)
	assert.Equal(t, OutcomeDenied, d.Outcome)
	assert.NotEmpty(t, d.RequestID)

	require.Len(t, h.audit.entries, 1)
	entry := h.audit.entries[0]
	assert.Equal(t, d.RequestID, entry.RequestID)
	assert.Equal(t, "alice", entry.SubjectID)
	assert.Equal(t, "p1", entry.ScopeID)
	assert.False(t, entry.Allowed)
	assert.Equal(t, ReasonRBACDenied, entry.Reason)
}

func TestCheckAccessAdminWildcard(t *testing.T) {
	h := newHarness(t, viewerConfig())
	d := h.engine.CheckAccess(context.Background(), Request{
		Subject:  Subject{ID: "root", ScopeID: "p1"},
		Resource: Resource{Type: "project", ID: "p1"},
		Action:   "project:delete",
	})
	assert.True(t, d.Allowed)
	assert.Equal(t, OutcomeAllowed, d.Outcome)
	assert.Empty(t, d.MatchedPolicies)
}

func TestCheckAccessABACEnvironmentRule(t *testing.T) {
	cfg := viewerConfig()
	cfg.ruleSets = map[string]abac.RuleSet{
		"p1": {ScopeID: "p1", Enabled: true, Rules: []abac.Rule{{
			ScopeID: "p1",
			Name:    "dev-only",
			Conditions: map[string]any{
				abac.RequiredRolesKey: []any{"developer", "admin"},
				"environment":         "development",
			},
		}}},
	}
	h := newHarness(t, cfg)
	ctx := context.Background()

	dev := Request{
		Subject:  Subject{ID: "dana", Roles: []string{"developer"}, ScopeID: "p1", Environment: "development"},
		Resource: Resource{Type: "project", ID: "p1"},
		Action:   "project:write",
	}
	d := h.engine.CheckAccess(ctx, dev)
	assert.True(t, d.Allowed, d.Reason)

	prod := dev
	prod.Subject.Environment = "production"
	d = h.engine.CheckAccess(ctx, prod)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonABACDenied, d.Reason)
}

func TestCheckAccessPolicyDenyOverridesAllow(t *testing.T) {
	cfg := viewerConfig()
	cfg.policies = []policy.Policy{
		{ID: "no-prod-delete", Name: "no prod delete", Active: true, Statements: []policy.Statement{
			{Effect: policy.EffectDeny, Actions: []string{"project:delete"}, Resources: []string{"prod-*"}},
		}},
		{ID: "allow-all", Name: "allow all", Active: true, Statements: []policy.Statement{
			{Effect: policy.EffectAllow, Actions: []string{"*"}, Resources: []string{"*"}},
		}},
	}
	h := newHarness(t, cfg)
	ctx := context.Background()
	subject := Subject{ID: "root", ScopeID: "p1"}

	d := h.engine.CheckAccess(ctx, Request{Subject: subject, Resource: Resource{ID: "prod-42"}, Action: "project:delete"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPolicyDenied, d.Reason)
	assert.Equal(t, []string{"no-prod-delete"}, d.MatchedPolicies)

	d = h.engine.CheckAccess(ctx, Request{Subject: subject, Resource: Resource{ID: "dev-42"}, Action: "project:delete"})
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{"allow-all"}, d.MatchedPolicies)
}

func TestCheckAccessPolicyConditionsSeeRequestAttributes(t *testing.T) {
	cfg := viewerConfig()
	cfg.policies = []policy.Policy{{ID: "own-only", Name: "own only", Active: true, Statements: []policy.Statement{{
		Effect:    policy.EffectAllow,
		Actions:   []string{"api:*"},
		Resources: []string{"*"},
		Conditions: []condition.Node{
			{Condition: condition.Leaf{Operator: condition.OpEquals, Attribute: "resource.owner", Value: "alice"}},
			{Condition: condition.Leaf{Operator: condition.OpLessThan, Attribute: "environment.timeOfDay", Value: 18}},
		},
	}}}}
	h := newHarness(t, cfg)
	ctx := context.Background()
	morning := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	d := h.engine.CheckAccess(ctx, Request{
		Subject:     Subject{ID: "alice", ScopeID: "p1"},
		Resource:    Resource{ID: "orders", Owner: "alice"},
		Action:      "api:read",
		Environment: Environment{Timestamp: morning},
	})
	assert.True(t, d.Allowed, d.Reason)
	assert.Equal(t, []string{"own-only"}, d.MatchedPolicies)

	d = h.engine.CheckAccess(ctx, Request{
		Subject:     Subject{ID: "alice", ScopeID: "p1"},
		Resource:    Resource{ID: "orders", Owner: "bob"},
		Action:      "api:read",
		Environment: Environment{Timestamp: morning},
	})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonPolicyDenied, d.Reason)
	assert.Empty(t, d.MatchedPolicies)
}

func TestCheckAccessCachesUntilTTL(t *testing.T) {
	h := newHarness(t, viewerConfig())
	ctx := context.Background()
	req := Request{Subject: Subject{ID: "alice", ScopeID: "p1"}, Resource: Resource{ID: "orders"}, Action: "api:read"}

	first := h.engine.CheckAccess(ctx, req)
	require.True(t, first.Allowed)
	assert.False(t, first.Cached)
	loads := h.config.loadCount()

	h.config.mu.Lock()
	h.config.roles = []rbac.Role{{Name: "viewer", Permissions: nil}}
	h.config.mu.Unlock()

	second := h.engine.CheckAccess(ctx, req)
	assert.True(t, second.Allowed, "served from cache before the ttl")
	assert.True(t, second.Cached)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, loads, h.config.loadCount())

	h.redis.FastForward(time.Minute)
	third := h.engine.CheckAccess(ctx, req)
	assert.False(t, third.Allowed, "recomputed at the ttl")
	assert.False(t, third.Cached)
	assert.Equal(t, ReasonRBACDenied, third.Reason)
}

func TestCheckAccessBumpInvalidates(t *testing.T) {
	h := newHarness(t, viewerConfig())
	ctx := context.Background()
	req := Request{Subject: Subject{ID: "alice", ScopeID: "p1"}, Action: "api:read"}

	require.True(t, h.engine.CheckAccess(ctx, req).Allowed)
	h.config.mu.Lock()
	h.config.assignments = nil
	h.config.mu.Unlock()
	require.NoError(t, h.cache.Bump(ctx))

	d := h.engine.CheckAccess(ctx, req)
	assert.False(t, d.Allowed)
	assert.False(t, d.Cached)
}

func TestCheckAccessTimestampDoesNotSplitCache(t *testing.T) {
	h := newHarness(t, viewerConfig())
	ctx := context.Background()
	req := Request{Subject: Subject{ID: "alice", ScopeID: "p1"}, Action: "api:read"}

	req.Environment.Timestamp = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	h.engine.CheckAccess(ctx, req)
	req.Environment.Timestamp = req.Environment.Timestamp.Add(time.Second)
	assert.True(t, h.engine.CheckAccess(ctx, req).Cached)
}

func TestCheckAccessHourBoundarySplitsCache(t *testing.T) {
	cfg := viewerConfig()
	cfg.policies = []policy.Policy{{
		ID: "office-hours", Name: "office-hours", Active: true,
		Statements: []policy.Statement{{
			Effect:    policy.EffectAllow,
			Actions:   []string{"*"},
			Resources: []string{"*"},
			Conditions: []condition.Node{{Condition: condition.Leaf{
				Operator: condition.OpLessThan, Attribute: "environment.timeOfDay", Value: 17,
			}}},
		}},
	}}
	h := newHarness(t, cfg)
	ctx := context.Background()
	req := Request{Subject: Subject{ID: "alice", ScopeID: "p1"}, Action: "api:read"}

	req.Environment.Timestamp = time.Date(2024, 1, 1, 16, 59, 0, 0, time.UTC)
	require.True(t, h.engine.CheckAccess(ctx, req).Allowed)

	req.Environment.Timestamp = time.Date(2024, 1, 1, 17, 1, 0, 0, time.UTC)
	d := h.engine.CheckAccess(ctx, req)
	assert.False(t, d.Cached)
	assert.False(t, d.Allowed)
}

func TestCheckAccessConfigErrorDeniesAndSkipsCache(t *testing.T) {
	cfg := viewerConfig()
	cfg.ruleSets = map[string]abac.RuleSet{
		"p1": {ScopeID: "p1", Enabled: true, Rules: []abac.Rule{{
			ScopeID:    "p1",
			Name:       "broken",
			Conditions: map[string]any{"level": map[string]any{"operator": "SOUNDS_LIKE", "value": "x"}},
		}}},
	}
	h := newHarness(t, cfg)
	ctx := context.Background()
	req := Request{Subject: Subject{ID: "alice", ScopeID: "p1", Attributes: map[string]any{"level": "x"}}, Action: "api:read"}

	for i := 0; i < 2; i++ {
		d := h.engine.CheckAccess(ctx, req)
		assert.False(t, d.Allowed)
		assert.Equal(t, OutcomeConfigError, d.Outcome)
		assert.False(t, d.Cached)
	}
}

func TestCheckAccessStoreFailureDenies(t *testing.T) {
	cfg := viewerConfig()
	cfg.err = errors.New("connection refused")
	h := newHarness(t, cfg)

	d := h.engine.CheckAccess(context.Background(), Request{Subject: Subject{ID: "root", ScopeID: "p1"}, Action: "project:read"})
	assert.False(t, d.Allowed)
	assert.Equal(t, OutcomeConfigError, d.Outcome)
}

func TestCheckAccessWithoutRedisRecomputes(t *testing.T) {
	h := newHarness(t, viewerConfig())
	h.redis.Close()

	d := h.engine.CheckAccess(context.Background(), Request{Subject: Subject{ID: "root", ScopeID: "p1"}, Action: "project:read"})
	assert.True(t, d.Allowed)
	assert.False(t, d.Cached)
}

func TestCheckAccessRateLimited(t *testing.T) {
	cfg := viewerConfig()
	h := newHarness(t, cfg)
	limiter := ratelimit.New(h.client, ratelimit.Config{Threshold: 2, Window: time.Minute}, discardLogger())
	h.engine.limiter = limiter
	ctx := context.Background()
	req := Request{Subject: Subject{ID: "alice", ScopeID: "p1"}, Action: "api:read"}

	assert.True(t, h.engine.CheckAccess(ctx, req).Allowed)
	assert.True(t, h.engine.CheckAccess(ctx, req).Allowed)

	d := h.engine.CheckAccess(ctx, req)
	assert.False(t, d.Allowed)
	assert.Equal(t, OutcomeRateLimited, d.Outcome)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	require.Len(t, h.audit.entries, 3)
	assert.Equal(t, string(OutcomeRateLimited), h.audit.entries[2].Outcome)

	other := req
	other.Subject.ScopeID = "p2"
	assert.NotEqual(t, OutcomeRateLimited, h.engine.CheckAccess(ctx, other).Outcome)

	require.NoError(t, limiter.ResetLimits(ctx, "alice", "p1"))
	assert.True(t, h.engine.CheckAccess(ctx, req).Allowed)
}

func TestCheckAccessWithoutOptionalCollaborators(t *testing.T) {
	cfg := viewerConfig()
	eng, err := New(Options{Roles: cfg, Rules: cfg, Policies: cfg, Logger: discardLogger()})
	require.NoError(t, err)

	d := eng.CheckAccess(context.Background(), Request{Subject: Subject{ID: "alice", ScopeID: "p1"}, Action: "api:write"})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRBACDenied, d.Reason)
}

func TestNewRequiresSources(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHasPermission(t *testing.T) {
	cfg := viewerConfig()
	cfg.roles = append(cfg.roles, rbac.Role{Name: "editor", Parent: "viewer", Permissions: []string{"api:write"}})
	cfg.assignments["erin|p1"] = []string{"editor"}
	h := newHarness(t, cfg)
	ctx := context.Background()

	assert.True(t, h.engine.HasPermission(ctx, "erin", "p1", "api:read"))
	assert.True(t, h.engine.HasPermission(ctx, "erin", "p1", "api:write"))
	assert.False(t, h.engine.HasPermission(ctx, "erin", "p1", "project:read"))
	assert.False(t, h.engine.HasPermission(ctx, "erin", "p2", "api:read"))
	assert.True(t, h.engine.HasPermission(ctx, "root", "p1", "billing:refund"))
}

func TestEnvironmentAttributes(t *testing.T) {
	attrs := environmentAttributes(Environment{Timestamp: time.Date(2024, 6, 2, 14, 30, 0, 0, time.UTC), IP: "10.0.0.1"})
	assert.Equal(t, 14, attrs["timeOfDay"])
	assert.Equal(t, 0, attrs["dayOfWeek"])
	assert.Equal(t, "2024-06-02T14:30:00Z", attrs["timestamp"])
	assert.Equal(t, "10.0.0.1", attrs["ip"])
}
