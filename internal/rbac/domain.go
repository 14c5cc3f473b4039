package rbac

import "time"

// Role groups permissions and optionally inherits from a single parent.
type Role struct {
	Name        string         `json:"name" validate:"required,max=64,excludesall=:"`
	Parent      string         `json:"parent,omitempty" validate:"omitempty,max=64,nefield=Name"`
	Permissions []string       `json:"permissions" validate:"dive,required,permission"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Disabled    bool           `json:"disabled"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Assignment grants a role to a subject within a scope. Revoked assignments
// are kept with Active=false.
type Assignment struct {
	SubjectID  string     `json:"subject_id" validate:"required"`
	RoleName   string     `json:"role_name" validate:"required"`
	ScopeID    string     `json:"scope_id" validate:"required"`
	AssignedBy string     `json:"assigned_by" validate:"required"`
	AssignedAt time.Time  `json:"assigned_at"`
	RemovedBy  string     `json:"removed_by,omitempty"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
	Active     bool       `json:"active"`
}
