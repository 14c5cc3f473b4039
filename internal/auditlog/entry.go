// Package auditlog records every access decision. Entries are handed to a
// queue off the request path and written to Postgres in batches.
package auditlog

import "time"

// Entry is one audited decision.
type Entry struct {
	ID              string    `json:"id"`
	RequestID       string    `json:"request_id"`
	SubjectID       string    `json:"subject_id"`
	ScopeID         string    `json:"scope_id,omitempty"`
	Action          string    `json:"action"`
	ResourceType    string    `json:"resource_type,omitempty"`
	ResourceID      string    `json:"resource_id,omitempty"`
	Allowed         bool      `json:"allowed"`
	Outcome         string    `json:"outcome"`
	Reason          string    `json:"reason,omitempty"`
	MatchedPolicies []string  `json:"matched_policies,omitempty"`
	Cached          bool      `json:"cached"`
	At              time.Time `json:"at"`
}
