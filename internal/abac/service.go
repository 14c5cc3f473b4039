package abac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrNotFound indicates that the requested rule does not exist.
var ErrNotFound = errors.New("abac: not found")

// Repository persists rules and the per-scope enabled flag.
type Repository interface {
	RuleSet(ctx context.Context, scopeID string) (RuleSet, error)
	UpsertRule(ctx context.Context, rule Rule) (Rule, error)
	DeleteRule(ctx context.Context, scopeID, name string) error
	SetEnabled(ctx context.Context, scopeID string, enabled bool) error
}

// Invalidator drops cached decisions after configuration changes.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Service orchestrates ABAC rule administration.
type Service struct {
	repo      Repository
	cache     Invalidator
	validator *validator.Validate
	logger    *slog.Logger
	clock     func() time.Time
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
		logger:    logger.With(slog.String("component", "abac")),
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// RuleSet returns the rules and enabled flag for a scope.
func (s *Service) RuleSet(ctx context.Context, scopeID string) (RuleSet, error) {
	return s.repo.RuleSet(ctx, scopeID)
}

// SaveRule validates and stores a rule, replacing one with the same name.
func (s *Service) SaveRule(ctx context.Context, rule Rule) (Rule, error) {
	rule.ScopeID = strings.TrimSpace(rule.ScopeID)
	rule.Name = strings.TrimSpace(rule.Name)
	if err := s.validator.Struct(rule); err != nil {
		return Rule{}, fmt.Errorf("abac: invalid rule: %w", err)
	}
	if err := ValidateRule(rule); err != nil {
		return Rule{}, fmt.Errorf("abac: invalid rule %q: %w", rule.Name, err)
	}
	rule.UpdatedAt = s.clock()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = rule.UpdatedAt
	}
	saved, err := s.repo.UpsertRule(ctx, rule)
	if err != nil {
		return Rule{}, err
	}
	s.changed(ctx, "abac rule saved", slog.String("scope", saved.ScopeID), slog.String("rule", saved.Name))
	return saved, nil
}

// DeleteRule removes a rule from a scope.
func (s *Service) DeleteRule(ctx context.Context, scopeID, name string) error {
	if err := s.repo.DeleteRule(ctx, scopeID, name); err != nil {
		return err
	}
	s.changed(ctx, "abac rule deleted", slog.String("scope", scopeID), slog.String("rule", name))
	return nil
}

// SetEnabled turns ABAC on or off for a scope.
func (s *Service) SetEnabled(ctx context.Context, scopeID string, enabled bool) error {
	if strings.TrimSpace(scopeID) == "" {
		return errors.New("abac: scope id required")
	}
	if err := s.repo.SetEnabled(ctx, scopeID, enabled); err != nil {
		return err
	}
	s.changed(ctx, "abac scope toggled", slog.String("scope", scopeID), slog.Bool("enabled", enabled))
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
