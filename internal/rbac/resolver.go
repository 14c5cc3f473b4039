package rbac

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrRoleCycle indicates a parent assignment that would create a cycle.
	ErrRoleCycle = errors.New("rbac: role hierarchy cycle")
	// ErrUnknownParent indicates a parent role that does not exist.
	ErrUnknownParent = errors.New("rbac: unknown parent role")
)

// Resolver answers permission questions over an immutable role graph.
type Resolver struct {
	roles map[string]Role
}

// NewResolver indexes roles by name.
func NewResolver(roles []Role) *Resolver {
	index := make(map[string]Role, len(roles))
	for _, role := range roles {
		index[role.Name] = role
	}
	return &Resolver{roles: index}
}

// HasPermission reports whether any of subjectRoles, or one of their
// ancestors, holds a permission matching required. Unknown roles contribute
// nothing and an empty role list never matches.
func (r *Resolver) HasPermission(subjectRoles []string, required string) bool {
	for _, name := range subjectRoles {
		found := false
		r.walk(name, func(role Role) bool {
			for _, held := range role.Permissions {
				if Matches(held, required) {
					found = true
					return false
				}
			}
			return true
		})
		if found {
			return true
		}
	}
	return false
}

// EffectivePermissions returns the sorted union of permissions held by
// subjectRoles and their ancestors.
func (r *Resolver) EffectivePermissions(subjectRoles []string) []string {
	set := make(map[string]struct{})
	for _, name := range subjectRoles {
		r.walk(name, func(role Role) bool {
			for _, p := range role.Permissions {
				set[p] = struct{}{}
			}
			return true
		})
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms
}

// walk visits name and its ancestors until visit returns false or the chain
// ends. Disabled roles are skipped but their parents are still visited.
func (r *Resolver) walk(name string, visit func(Role) bool) {
	visited := make(map[string]struct{}, 4)
	for name != "" {
		if _, seen := visited[name]; seen {
			return
		}
		visited[name] = struct{}{}
		role, ok := r.roles[name]
		if !ok {
			return
		}
		if !role.Disabled && !visit(role) {
			return
		}
		name = role.Parent
	}
}

// ValidateHierarchy checks that candidate, placed into existing, keeps the
// parent graph acyclic and references a known parent.
func ValidateHierarchy(existing []Role, candidate Role) error {
	if candidate.Parent == "" {
		return nil
	}
	index := make(map[string]Role, len(existing)+1)
	for _, role := range existing {
		index[role.Name] = role
	}
	index[candidate.Name] = candidate
	if _, ok := index[candidate.Parent]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParent, candidate.Parent)
	}
	seen := map[string]struct{}{candidate.Name: {}}
	for name := candidate.Parent; name != ""; {
		if _, loop := seen[name]; loop {
			return fmt.Errorf("%w: %s -> %s", ErrRoleCycle, candidate.Name, candidate.Parent)
		}
		seen[name] = struct{}{}
		role, ok := index[name]
		if !ok {
			return nil
		}
		name = role.Parent
	}
	return nil
}
