package engine

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type subjectKey struct{}

// WithSubject stores the authenticated subject on ctx. The authentication
// layer calls it before the middleware runs.
func WithSubject(ctx context.Context, s Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFromContext returns the subject stored by WithSubject.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	s, ok := ctx.Value(subjectKey{}).(Subject)
	return s, ok && s.ID != ""
}

// ResourceFunc describes the resource a request targets.
type ResourceFunc func(r *http.Request) Resource

// Middleware wires access checks into HTTP handlers.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// Require runs CheckAccess for action against the resource described by
// resource. Denials answer 403 and rate-limited subjects 429.
func (m Middleware) Require(action string, resource ResourceFunc) func(http.Handler) http.Handler {
	action = strings.TrimSpace(action)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			req := Request{
				Subject:     subject,
				Action:      action,
				Environment: Environment{IP: clientIP(r)},
			}
			if resource != nil {
				req.Resource = resource(r)
			}
			d := m.Engine.CheckAccess(r.Context(), req)
			switch {
			case d.Allowed:
				next.ServeHTTP(w, r)
			case d.Outcome == OutcomeRateLimited:
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			default:
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			}
		})
	}
}

// RequireAny ensures the subject holds at least one of the permissions
// through RBAC alone, in the subject's own scope.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			subject, ok := SubjectFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, p := range normalized {
				if m.Engine.HasPermission(r.Context(), subject.ID, subject.ScopeID, p) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if m.Logger != nil {
				m.Logger.Debug("rbac require any denied", slog.String("subject", subject.ID), slog.Any("permissions", normalized))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}
