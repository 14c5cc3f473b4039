// Package abac evaluates per-scope attribute rules.
package abac

import "time"

// RequiredRolesKey is the condition key listing roles of which the subject
// must hold at least one.
const RequiredRolesKey = "requiredRoles"

// Rule is a named set of conditions. Every key other than RequiredRolesKey
// names an attribute; its value is either the expected value (equality) or
// an operator clause {"operator": ..., "value": ..., "negate": ...}.
type Rule struct {
	ScopeID     string         `json:"scope_id" validate:"required"`
	Name        string         `json:"name" validate:"required,max=128"`
	Description string         `json:"description,omitempty" validate:"max=512"`
	Conditions  map[string]any `json:"conditions" validate:"required"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RuleSet holds the rules of one scope. ABAC is opt-in per scope.
type RuleSet struct {
	ScopeID string `json:"scope_id"`
	Enabled bool   `json:"enabled"`
	Rules   []Rule `json:"rules"`
}

// Input carries the attributes a rule may reference.
type Input struct {
	Roles       []string
	Subject     map[string]any
	Resource    map[string]any
	Environment map[string]any
	Context     map[string]any
}

// Result reports the outcome of a rule-set evaluation.
type Result struct {
	Allowed bool
	Rule    string
}
