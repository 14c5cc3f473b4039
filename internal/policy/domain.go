// Package policy evaluates statement-based policies with explicit-deny
// precedence.
package policy

import (
	"time"

	"github.com/odyssey-erp/odyssey-authz/internal/condition"
)

// Effect is the outcome a matching statement contributes.
type Effect string

const (
	EffectAllow Effect = "ALLOW"
	EffectDeny  Effect = "DENY"
)

// Statement grants or denies actions on resources matching one of the
// patterns when every condition holds.
type Statement struct {
	Sid        string           `json:"sid,omitempty"`
	Effect     Effect           `json:"effect" validate:"required,oneof=ALLOW DENY"`
	Actions    []string         `json:"actions" validate:"required,min=1,dive,required"`
	Resources  []string         `json:"resources" validate:"required,min=1,dive,required"`
	Conditions []condition.Node `json:"conditions,omitempty"`
}

// Policy is a versioned, ordered list of statements. An empty ScopeID makes
// the policy apply to every scope.
type Policy struct {
	ID         string      `json:"id"`
	ScopeID    string      `json:"scope_id,omitempty" validate:"max=128"`
	Name       string      `json:"name" validate:"required,max=128"`
	Version    int         `json:"version"`
	Statements []Statement `json:"statements" validate:"required,min=1,dive"`
	Active     bool        `json:"active"`
	CreatedBy  string      `json:"created_by"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedBy  string      `json:"updated_by"`
	UpdatedAt  time.Time   `json:"updated_at"`
}
