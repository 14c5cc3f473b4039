// Package engine combines RBAC, ABAC and statement policies into a single
// access decision.
package engine

import (
	"time"
)

// Subject is the caller asking for access.
type Subject struct {
	ID           string         `json:"id"`
	Roles        []string       `json:"roles,omitempty"`
	Organization string         `json:"organization,omitempty"`
	ScopeID      string         `json:"scope_id,omitempty"`
	Environment  string         `json:"environment,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// Resource is the object being accessed.
type Resource struct {
	Type       string         `json:"type,omitempty"`
	ID         string         `json:"id,omitempty"`
	Owner      string         `json:"owner,omitempty"`
	ScopeID    string         `json:"scope_id,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Environment describes the circumstances of the request. A zero Timestamp
// is replaced by the engine clock.
type Environment struct {
	Timestamp  time.Time      `json:"-"`
	IP         string         `json:"ip,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Request asks whether Subject may perform Action on Resource.
type Request struct {
	RequestID   string         `json:"-"`
	Subject     Subject        `json:"subject"`
	Resource    Resource       `json:"resource"`
	Action      string         `json:"action"`
	Environment Environment    `json:"environment"`
	Context     map[string]any `json:"context,omitempty"`
}

// Scope returns the scope the request is evaluated in: the resource's scope
// when set, otherwise the subject's.
func (r Request) Scope() string {
	if r.Resource.ScopeID != "" {
		return r.Resource.ScopeID
	}
	return r.Subject.ScopeID
}

// Outcome classifies a decision for logs and metrics.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeDenied      Outcome = "denied"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeConfigError Outcome = "config_error"
)

// Denial reasons.
const (
	ReasonAllowed      = "allowed"
	ReasonRBACDenied   = "RBAC denied"
	ReasonABACDenied   = "ABAC denied"
	ReasonPolicyDenied = "Policy denied"
	ReasonRateLimited  = "rate limit exceeded"
	ReasonConfigError  = "configuration error"
)

// Decision is the answer to a Request. Denial is a normal outcome, never an
// error.
type Decision struct {
	Allowed         bool      `json:"allowed"`
	Reason          string    `json:"reason"`
	MatchedPolicies []string  `json:"matched_policies,omitempty"`
	Outcome         Outcome   `json:"outcome"`
	RequestID       string    `json:"request_id"`
	Cached          bool      `json:"cached"`
	At              time.Time `json:"at"`
}
