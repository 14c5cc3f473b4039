package engine

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-authz/internal/abac"
	"github.com/odyssey-erp/odyssey-authz/internal/decisioncache"
	"github.com/odyssey-erp/odyssey-authz/internal/policy"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// RoleSource exposes the role graph and role assignments.
type RoleSource interface {
	ListRoles(ctx context.Context) ([]rbac.Role, error)
	SubjectRoles(ctx context.Context, subjectID, scopeID string) ([]string, error)
}

// RuleSource exposes per-scope ABAC rules.
type RuleSource interface {
	RuleSet(ctx context.Context, scopeID string) (abac.RuleSet, error)
}

// PolicySource exposes the active policies of a scope, global ones
// included.
type PolicySource interface {
	ActivePolicies(ctx context.Context, scopeID string) ([]policy.Policy, error)
}

// snapshot is the configuration a scope's decisions are computed from.
type snapshot struct {
	Roles    []rbac.Role     `json:"roles"`
	Rules    abac.RuleSet    `json:"rules"`
	Policies []policy.Policy `json:"policies"`
}

func (e *Engine) loadSnapshot(ctx context.Context, scopeID string) (snapshot, error) {
	var snap snapshot
	_, err := e.cache.Fetch(ctx, decisioncache.Key{ScopeID: scopeID, Fingerprint: "config"}, &snap, func(ctx context.Context) (any, bool, error) {
		roles, err := e.roles.ListRoles(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("load roles: %w", err)
		}
		rules, err := e.rules.RuleSet(ctx, scopeID)
		if err != nil {
			return nil, false, fmt.Errorf("load abac rules: %w", err)
		}
		policies, err := e.policies.ActivePolicies(ctx, scopeID)
		if err != nil {
			return nil, false, fmt.Errorf("load policies: %w", err)
		}
		return snapshot{Roles: roles, Rules: rules, Policies: policies}, true, nil
	})
	return snap, err
}

// subjectRoles merges the roles assigned in scopeID with the role claims
// presented by the caller.
func (e *Engine) subjectRoles(ctx context.Context, subject Subject, scopeID string) ([]string, error) {
	var assigned []string
	if subject.ID != "" {
		_, err := e.cache.Fetch(ctx, decisioncache.Key{SubjectID: subject.ID, ScopeID: scopeID, Fingerprint: "roles"}, &assigned, func(ctx context.Context) (any, bool, error) {
			roles, err := e.roles.SubjectRoles(ctx, subject.ID, scopeID)
			if err != nil {
				return nil, false, fmt.Errorf("load subject roles: %w", err)
			}
			if roles == nil {
				roles = []string{}
			}
			return roles, true, nil
		})
		if err != nil {
			return nil, err
		}
	}
	seen := make(map[string]struct{}, len(assigned)+len(subject.Roles))
	out := make([]string, 0, len(assigned)+len(subject.Roles))
	for _, list := range [][]string{assigned, subject.Roles} {
		for _, r := range list {
			if _, ok := seen[r]; ok || r == "" {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out, nil
}
