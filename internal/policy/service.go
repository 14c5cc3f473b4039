package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrNotFound indicates that the requested policy does not exist.
var ErrNotFound = errors.New("policy: not found")

// Repository persists policies.
type Repository interface {
	Insert(ctx context.Context, p Policy) (Policy, error)
	Update(ctx context.Context, p Policy) (Policy, error)
	Get(ctx context.Context, id string) (Policy, error)
	Deactivate(ctx context.Context, id, actor string, at time.Time) error
	ListActive(ctx context.Context, scopeID string) ([]Policy, error)
}

// Invalidator drops cached decisions after configuration changes.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service orchestrates policy administration.
type Service struct {
	repo      Repository
	cache     Invalidator
	validator *validator.Validate
	logger    *slog.Logger
	clock     func() time.Time
	newID     func() string
}

// NewService constructs a Service. cache may be nil.
func NewService(repo Repository, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		cache:     cache,
		validator: validator.New(),
		logger:    logger.With(slog.String("component", "policy")),
		clock:     func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
}

// ActivePolicies returns the scope's active policies together with the
// global ones, in evaluation order.
func (s *Service) ActivePolicies(ctx context.Context, scopeID string) ([]Policy, error) {
	return s.repo.ListActive(ctx, scopeID)
}

// GetPolicy fetches a policy by id.
func (s *Service) GetPolicy(ctx context.Context, id string) (Policy, error) {
	return s.repo.Get(ctx, id)
}

// CreatePolicy validates and stores a new active policy at version 1.
func (s *Service) CreatePolicy(ctx context.Context, p Policy, actor string) (Policy, error) {
	if err := s.check(p); err != nil {
		return Policy{}, err
	}
	now := s.clock()
	p.ID = s.newID()
	p.Name = strings.TrimSpace(p.Name)
	p.Version = 1
	p.Active = true
	p.CreatedBy, p.UpdatedBy = actor, actor
	p.CreatedAt, p.UpdatedAt = now, now
	created, err := s.repo.Insert(ctx, p)
	if err != nil {
		return Policy{}, err
	}
	s.changed(ctx, "policy created", slog.String("policy", created.ID), slog.String("scope", created.ScopeID))
	return created, nil
}

// UpdatePolicy replaces the statements of an existing policy and bumps its
// version.
func (s *Service) UpdatePolicy(ctx context.Context, p Policy, actor string) (Policy, error) {
	if err := s.check(p); err != nil {
		return Policy{}, err
	}
	current, err := s.repo.Get(ctx, p.ID)
	if err != nil {
		return Policy{}, err
	}
	p.Name = strings.TrimSpace(p.Name)
	p.Version = current.Version + 1
	p.Active = current.Active
	p.CreatedBy, p.CreatedAt = current.CreatedBy, current.CreatedAt
	p.UpdatedBy, p.UpdatedAt = actor, s.clock()
	updated, err := s.repo.Update(ctx, p)
	if err != nil {
		return Policy{}, err
	}
	s.changed(ctx, "policy updated", slog.String("policy", updated.ID), slog.Int("version", updated.Version))
	return updated, nil
}

// DeletePolicy soft-deletes a policy by deactivating it.
func (s *Service) DeletePolicy(ctx context.Context, id, actor string) error {
	if err := s.repo.Deactivate(ctx, id, actor, s.clock()); err != nil {
		return err
	}
	s.changed(ctx, "policy deactivated", slog.String("policy", id))
	return nil
}

func (s *Service) check(p Policy) error {
	if err := s.validator.Struct(p); err != nil {
		return fmt.Errorf("policy: invalid policy: %w", err)
	}
	if err := Validate(p); err != nil {
		return fmt.Errorf("policy: invalid policy: %w", err)
	}
	return nil
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

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.clock = clock
	}
}
