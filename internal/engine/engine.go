package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-authz/internal/abac"
	"github.com/odyssey-erp/odyssey-authz/internal/auditlog"
	"github.com/odyssey-erp/odyssey-authz/internal/condition"
	"github.com/odyssey-erp/odyssey-authz/internal/decisioncache"
	"github.com/odyssey-erp/odyssey-authz/internal/policy"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
)

// Limiter bounds checks per (subject, scope).
type Limiter interface {
	IsRateLimited(ctx context.Context, subjectID, scopeID string) bool
	IncrementRequestCount(ctx context.Context, subjectID, scopeID string)
}

// Auditor receives every decision.
type Auditor interface {
	Enqueue(e auditlog.Entry)
}

// Recorder observes decisions.
type Recorder interface {
	ObserveDecision(outcome string, cached bool, took time.Duration)
	CacheLookup(hit bool)
}

// Options collects the engine's collaborators. Roles, Rules and Policies
// are required; Cache, Limiter, Audit and Metrics may be nil.
type Options struct {
	Roles    RoleSource
	Rules    RuleSource
	Policies PolicySource
	Cache    *decisioncache.Cache
	Limiter  Limiter
	Audit    Auditor
	Metrics  Recorder
	Logger   *slog.Logger
}

// Engine answers access requests. It holds no per-request state and is
// safe for concurrent use.
type Engine struct {
	roles    RoleSource
	rules    RuleSource
	policies PolicySource
	cache    *decisioncache.Cache
	limiter  Limiter
	audit    Auditor
	metrics  Recorder
	logger   *slog.Logger
	clock    func() time.Time
}

// New wires an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Roles == nil || opts.Rules == nil || opts.Policies == nil {
		return nil, errors.New("engine: role, rule and policy sources are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		roles:    opts.Roles,
		rules:    opts.Rules,
		policies: opts.Policies,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
		audit:    opts.Audit,
		metrics:  opts.Metrics,
		logger:   logger.With(slog.String("component", "engine")),
		clock:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the internal clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if e != nil && clock != nil {
		e.clock = clock
	}
}

// CheckAccess decides req. It never returns an error: infrastructure and
// configuration failures resolve to a denial.
func (e *Engine) CheckAccess(ctx context.Context, req Request) Decision {
	start := e.clock()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Environment.Timestamp.IsZero() {
		req.Environment.Timestamp = start
	}
	scope := req.Scope()

	var d Decision
	if e.limiter != nil && e.limiter.IsRateLimited(ctx, req.Subject.ID, scope) {
		d = Decision{Reason: ReasonRateLimited, Outcome: OutcomeRateLimited}
	} else {
		if e.limiter != nil {
			e.limiter.IncrementRequestCount(ctx, req.Subject.ID, scope)
		}
		d = e.decide(ctx, req, scope)
	}
	d.RequestID = req.RequestID
	d.At = start
	e.record(req, scope, d, e.clock().Sub(start))
	return d
}

// HasPermission is the RBAC-only check. Any failure to load roles yields
// false.
func (e *Engine) HasPermission(ctx context.Context, subjectID, scopeID, permission string) bool {
	snap, err := e.loadSnapshot(ctx, scopeID)
	if err != nil {
		e.logger.Error("load authorization config", slog.String("scope", scopeID), slog.Any("error", err))
		return false
	}
	roles, err := e.subjectRoles(ctx, Subject{ID: subjectID}, scopeID)
	if err != nil {
		e.logger.Error("load subject roles", slog.String("subject", subjectID), slog.Any("error", err))
		return false
	}
	return rbac.NewResolver(snap.Roles).HasPermission(roles, permission)
}

func (e *Engine) decide(ctx context.Context, req Request, scope string) Decision {
	// The hour bucket keeps timeOfDay and dayOfWeek conditions from being
	// answered across an hour boundary.
	fingerprint, err := decisioncache.Fingerprint(req, req.Environment.Timestamp.UTC().Format("2006-01-02T15"))
	if err != nil || e.cache == nil {
		return e.evaluate(ctx, req, scope)
	}
	var d Decision
	hit, err := e.cache.Fetch(ctx, decisioncache.Key{SubjectID: req.Subject.ID, ScopeID: scope, Fingerprint: fingerprint}, &d,
		func(ctx context.Context) (any, bool, error) {
			fresh := e.evaluate(ctx, req, scope)
			return fresh, fresh.Outcome != OutcomeConfigError, nil
		})
	if err != nil {
		e.logger.Error("decision cache", slog.String("request_id", req.RequestID), slog.Any("error", err))
		return configError()
	}
	if e.metrics != nil {
		e.metrics.CacheLookup(hit)
	}
	d.Cached = hit
	return d
}

func (e *Engine) evaluate(ctx context.Context, req Request, scope string) Decision {
	logger := e.logger.With(slog.String("request_id", req.RequestID), slog.String("scope", scope))

	snap, err := e.loadSnapshot(ctx, scope)
	if err != nil {
		logger.Error("load authorization config", slog.Any("error", err))
		return configError()
	}
	roles, err := e.subjectRoles(ctx, req.Subject, scope)
	if err != nil {
		logger.Error("load subject roles", slog.Any("error", err))
		return configError()
	}

	if !rbac.NewResolver(snap.Roles).HasPermission(roles, req.Action) {
		return Decision{Reason: ReasonRBACDenied, Outcome: OutcomeDenied}
	}

	if snap.Rules.Enabled {
		res, err := abac.Evaluate(abac.Input{
			Roles:       roles,
			Subject:     subjectAttributes(req.Subject, roles),
			Resource:    resourceAttributes(req.Resource),
			Environment: environmentAttributes(req.Environment),
			Context:     req.Context,
		}, snap.Rules)
		if err != nil {
			logger.Error("evaluate abac rules", slog.Any("error", err))
			return configError()
		}
		if !res.Allowed {
			return Decision{Reason: ReasonABACDenied, Outcome: OutcomeDenied}
		}
	}

	if len(snap.Policies) == 0 {
		return Decision{Allowed: true, Reason: ReasonAllowed, Outcome: OutcomeAllowed}
	}
	res, err := policy.Evaluate(snap.Policies, policy.Request{
		Action:     req.Action,
		ResourceID: req.Resource.ID,
		Attributes: attributeBag(req, roles),
	})
	if err != nil {
		logger.Error("evaluate policies", slog.Any("error", err))
		return configError()
	}
	if !res.Allowed {
		return Decision{Reason: ReasonPolicyDenied, MatchedPolicies: res.Matched, Outcome: OutcomeDenied}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed, MatchedPolicies: res.Matched, Outcome: OutcomeAllowed}
}

func (e *Engine) record(req Request, scope string, d Decision, took time.Duration) {
	attrs := []any{
		slog.String("request_id", d.RequestID),
		slog.String("subject", req.Subject.ID),
		slog.String("scope", scope),
		slog.String("action", req.Action),
		slog.String("resource", req.Resource.ID),
		slog.String("outcome", string(d.Outcome)),
		slog.String("reason", d.Reason),
		slog.Bool("cached", d.Cached),
	}
	switch d.Outcome {
	case OutcomeConfigError:
		e.logger.Error("access decision", attrs...)
	case OutcomeRateLimited:
		e.logger.Warn("access decision", attrs...)
	default:
		e.logger.Info("access decision", attrs...)
	}
	if e.metrics != nil {
		e.metrics.ObserveDecision(string(d.Outcome), d.Cached, took)
	}
	if e.audit != nil {
		e.audit.Enqueue(auditlog.Entry{
			RequestID:       d.RequestID,
			SubjectID:       req.Subject.ID,
			ScopeID:         scope,
			Action:          req.Action,
			ResourceType:    req.Resource.Type,
			ResourceID:      req.Resource.ID,
			Allowed:         d.Allowed,
			Outcome:         string(d.Outcome),
			Reason:          d.Reason,
			MatchedPolicies: d.MatchedPolicies,
			Cached:          d.Cached,
			At:              d.At,
		})
	}
}

func configError() Decision {
	return Decision{Reason: ReasonConfigError, Outcome: OutcomeConfigError}
}

func subjectAttributes(s Subject, roles []string) map[string]any {
	out := make(map[string]any, len(s.Attributes)+5)
	for k, v := range s.Attributes {
		out[k] = v
	}
	setIfPresent(out, "id", s.ID)
	setIfPresent(out, "organization", s.Organization)
	setIfPresent(out, "scopeId", s.ScopeID)
	setIfPresent(out, "environment", s.Environment)
	if len(roles) > 0 {
		list := make([]any, 0, len(roles))
		for _, r := range roles {
			list = append(list, r)
		}
		out["roles"] = list
	}
	return out
}

func resourceAttributes(r Resource) map[string]any {
	out := make(map[string]any, len(r.Attributes)+5)
	for k, v := range r.Attributes {
		out[k] = v
	}
	setIfPresent(out, "type", r.Type)
	setIfPresent(out, "id", r.ID)
	setIfPresent(out, "owner", r.Owner)
	setIfPresent(out, "scopeId", r.ScopeID)
	if len(r.Tags) > 0 {
		tags := make([]any, 0, len(r.Tags))
		for _, t := range r.Tags {
			tags = append(tags, t)
		}
		out["tags"] = tags
	}
	return out
}

// environmentAttributes derives timeOfDay (hour, 0-23) and dayOfWeek
// (0 = Sunday) from the timestamp, in UTC.
func environmentAttributes(env Environment) map[string]any {
	out := make(map[string]any, len(env.Attributes)+4)
	for k, v := range env.Attributes {
		out[k] = v
	}
	ts := env.Timestamp.UTC()
	out["timestamp"] = ts.Format(time.RFC3339)
	out["timeOfDay"] = ts.Hour()
	out["dayOfWeek"] = int(ts.Weekday())
	setIfPresent(out, "ip", env.IP)
	return out
}

// attributeBag flattens the request for policy conditions. Attributes are
// reachable as "subject.x", "resource.x", "environment.x" and "context.x",
// and unqualified as "x" with subject taking precedence.
func attributeBag(req Request, roles []string) condition.Bag {
	return condition.NewBag(
		condition.Source{Namespace: "subject", Attrs: subjectAttributes(req.Subject, roles)},
		condition.Source{Namespace: "resource", Attrs: resourceAttributes(req.Resource)},
		condition.Source{Namespace: "environment", Attrs: environmentAttributes(req.Environment)},
		condition.Source{Namespace: "context", Attrs: req.Context},
	)
}

func setIfPresent(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}
