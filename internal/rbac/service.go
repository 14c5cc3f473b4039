package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrRoleExists indicates a role with the same name already exists.
	ErrRoleExists = errors.New("rbac: role already exists")
	// ErrRoleDisabled indicates an assignment to a soft-disabled role.
	ErrRoleDisabled = errors.New("rbac: role disabled")
	// ErrAssignmentExists indicates an active assignment for the same subject, role and scope.
	ErrAssignmentExists = errors.New("rbac: active assignment already exists")
)

// Repository persists roles and assignments.
type Repository interface {
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	SetRoleDisabled(ctx context.Context, name string, disabled bool, at time.Time) error
	InsertAssignment(ctx context.Context, a Assignment) error
	RemoveAssignment(ctx context.Context, subjectID, roleName, scopeID, removedBy string, at time.Time) error
	SubjectRoles(ctx context.Context, subjectID, scopeID string) ([]string, error)
}

// Invalidator drops cached decisions after configuration changes.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// RefreshScheduler requests a rebuild of the permission views.
type RefreshScheduler interface {
	ScheduleViewsRefresh(ctx context.Context) error
}

// Service orchestrates RBAC administration.
type Service struct {
	repo      Repository
	cache     Invalidator
	refresh   RefreshScheduler
	validator *validator.Validate
	logger    *slog.Logger
	clock     func() time.Time
}

// NewService constructs a Service. cache and refresh may be nil.
func NewService(repo Repository, cache Invalidator, refresh RefreshScheduler, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		cache:     cache,
		refresh:   refresh,
		validator: NewValidator(),
		logger:    logger.With(slog.String("component", "rbac")),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// NewValidator returns a validator that understands the "permission" tag.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
		return ValidPermission(fl.Field().String())
	})
	return v
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// Resolver loads the role graph into a Resolver.
func (s *Service) Resolver(ctx context.Context) (*Resolver, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	return NewResolver(roles), nil
}

// CreateRole validates and inserts a role.
func (s *Service) CreateRole(ctx context.Context, role Role) (Role, error) {
	role = normalizeRole(role)
	if err := s.validator.Struct(role); err != nil {
		return Role{}, fmt.Errorf("rbac: invalid role: %w", err)
	}
	existing, err := s.repo.ListRoles(ctx)
	if err != nil {
		return Role{}, err
	}
	for _, r := range existing {
		if r.Name == role.Name {
			return Role{}, ErrRoleExists
		}
	}
	if err := ValidateHierarchy(existing, role); err != nil {
		return Role{}, err
	}
	now := s.clock()
	role.CreatedAt, role.UpdatedAt = now, now
	created, err := s.repo.CreateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.changed(ctx, "role created", slog.String("role", created.Name))
	return created, nil
}

// UpdateRole replaces the parent, permissions and metadata of a role.
func (s *Service) UpdateRole(ctx context.Context, role Role) (Role, error) {
	role = normalizeRole(role)
	if err := s.validator.Struct(role); err != nil {
		return Role{}, fmt.Errorf("rbac: invalid role: %w", err)
	}
	existing, err := s.repo.ListRoles(ctx)
	if err != nil {
		return Role{}, err
	}
	others := make([]Role, 0, len(existing))
	found := false
	for _, r := range existing {
		if r.Name == role.Name {
			found = true
			role.CreatedAt = r.CreatedAt
			continue
		}
		others = append(others, r)
	}
	if !found {
		return Role{}, ErrNotFound
	}
	if err := ValidateHierarchy(others, role); err != nil {
		return Role{}, err
	}
	role.UpdatedAt = s.clock()
	updated, err := s.repo.UpdateRole(ctx, role)
	if err != nil {
		return Role{}, err
	}
	s.changed(ctx, "role updated", slog.String("role", updated.Name))
	return updated, nil
}

// DisableRole soft-disables a role. Roles are never hard-deleted.
func (s *Service) DisableRole(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if _, err := s.repo.GetRole(ctx, name); err != nil {
		return err
	}
	if err := s.repo.SetRoleDisabled(ctx, name, true, s.clock()); err != nil {
		return err
	}
	s.changed(ctx, "role disabled", slog.String("role", name))
	return nil
}

// AssignRole grants roleName to subjectID within scopeID.
func (s *Service) AssignRole(ctx context.Context, subjectID, roleName, scopeID, assignedBy string) error {
	a := Assignment{
		SubjectID:  strings.TrimSpace(subjectID),
		RoleName:   strings.TrimSpace(roleName),
		ScopeID:    strings.TrimSpace(scopeID),
		AssignedBy: strings.TrimSpace(assignedBy),
		AssignedAt: s.clock(),
		Active:     true,
	}
	if err := s.validator.Struct(a); err != nil {
		return fmt.Errorf("rbac: invalid assignment: %w", err)
	}
	role, err := s.repo.GetRole(ctx, a.RoleName)
	if err != nil {
		return err
	}
	if role.Disabled {
		return ErrRoleDisabled
	}
	if err := s.repo.InsertAssignment(ctx, a); err != nil {
		return err
	}
	s.changed(ctx, "role assigned", slog.String("subject", a.SubjectID), slog.String("role", a.RoleName), slog.String("scope", a.ScopeID))
	s.scheduleRefresh(ctx)
	return nil
}

// RevokeRole soft-removes the active assignment.
func (s *Service) RevokeRole(ctx context.Context, subjectID, roleName, scopeID, removedBy string) error {
	if err := s.repo.RemoveAssignment(ctx, subjectID, roleName, scopeID, removedBy, s.clock()); err != nil {
		return err
	}
	s.changed(ctx, "role revoked", slog.String("subject", subjectID), slog.String("role", roleName), slog.String("scope", scopeID))
	s.scheduleRefresh(ctx)
	return nil
}

// SubjectRoles returns the role names assigned to subjectID in scopeID.
func (s *Service) SubjectRoles(ctx context.Context, subjectID, scopeID string) ([]string, error) {
	return s.repo.SubjectRoles(ctx, subjectID, scopeID)
}

func (s *Service) changed(ctx context.Context, msg string, attrs ...any) {
	s.logger.Info(msg, attrs...)
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("cache invalidation failed, relying on ttl", slog.Any("error", err))
	}
}

func (s *Service) scheduleRefresh(ctx context.Context) {
	if s.refresh == nil {
		return
	}
	if err := s.refresh.ScheduleViewsRefresh(ctx); err != nil {
		s.logger.Warn("schedule views refresh", slog.Any("error", err))
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}

func normalizeRole(role Role) Role {
	role.Name = strings.TrimSpace(role.Name)
	role.Parent = strings.TrimSpace(role.Parent)
	perms := make([]string, 0, len(role.Permissions))
	seen := make(map[string]struct{}, len(role.Permissions))
	for _, p := range role.Permissions {
		p = strings.TrimSpace(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		perms = append(perms, p)
	}
	role.Permissions = perms
	return role
}
