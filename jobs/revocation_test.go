package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/abac"
	"github.com/odyssey-erp/odyssey-authz/internal/decisioncache"
	"github.com/odyssey-erp/odyssey-authz/internal/engine"
	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/policy"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// viewBackedRoles serves subject roles from a materialized copy of the
// assignment table that only Refresh brings up to date.
type viewBackedRoles struct {
	mu    sync.Mutex
	table map[string][]string
	view  map[string][]string
}

func (v *viewBackedRoles) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	return []rbac.Role{{Name: "admin", Permissions: []string{rbac.SuperPermission}}}, nil
}

func (v *viewBackedRoles) SubjectRoles(ctx context.Context, subjectID, scopeID string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.view[subjectID+"|"+scopeID], nil
}

func (v *viewBackedRoles) RuleSet(ctx context.Context, scopeID string) (abac.RuleSet, error) {
	return abac.RuleSet{ScopeID: scopeID}, nil
}

func (v *viewBackedRoles) ActivePolicies(ctx context.Context, scopeID string) ([]policy.Policy, error) {
	return nil, nil
}

func (v *viewBackedRoles) Refresh(ctx context.Context, view string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.view = make(map[string][]string, len(v.table))
	for k, roles := range v.table {
		v.view[k] = roles
	}
	return nil
}

func (v *viewBackedRoles) NeedsRefresh(ctx context.Context, view string) bool { return true }

func TestRevokedRoleStopsGrantingAfterRefresh(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := decisioncache.New(client, time.Minute, discardLogger())

	roles := &viewBackedRoles{table: map[string][]string{"root|p1": {"admin"}}}
	require.NoError(t, roles.Refresh(ctx, ""))

	eng, err := engine.New(engine.Options{Roles: roles, Rules: roles, Policies: roles, Cache: cache, Logger: discardLogger()})
	require.NoError(t, err)
	check := func(action string) engine.Decision {
		return eng.CheckAccess(ctx, engine.Request{
			Subject:  engine.Subject{ID: "root", ScopeID: "p1"},
			Resource: engine.Resource{Type: "project", ID: "p1"},
			Action:   action,
		})
	}
	require.True(t, check("project:delete").Allowed)

	// Revocation bumps the cache before the view catches up.
	roles.mu.Lock()
	delete(roles.table, "root|p1")
	roles.mu.Unlock()
	require.NoError(t, cache.Bump(ctx))
	assert.True(t, check("project:read").Allowed, "stale view still lists the role")

	task, err := NewViewsRefreshTask(false)
	require.NoError(t, err)
	job := NewViewsRefreshJob(roles, cache, discardLogger(), jobmetrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, job.Handle(ctx, task))

	d := check("project:write")
	assert.False(t, d.Allowed)
	assert.Equal(t, engine.ReasonRBACDenied, d.Reason)
	assert.False(t, check("project:read").Allowed)
}
