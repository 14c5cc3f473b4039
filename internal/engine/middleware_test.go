package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/ratelimit"
)

func newRouter(h *harness) http.Handler {
	mw := Middleware{Engine: h.engine, Logger: discardLogger()}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if id := req.Header.Get("X-Subject"); id != "" {
				req = req.WithContext(WithSubject(req.Context(), Subject{ID: id, ScopeID: "p1"}))
			}
			next.ServeHTTP(w, req)
		})
	})
	projectResource := func(req *http.Request) Resource {
		return Resource{Type: "project", ID: chi.URLParam(req, "id"), ScopeID: "p1"}
	}
	ok := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.With(mw.Require("project:delete", projectResource)).Delete("/projects/{id}", ok)
	r.With(mw.RequireAny("API:READ", "api:write")).Get("/orders", ok)
	return r
}

func serve(h http.Handler, method, path, subject string) int {
	req := httptest.NewRequest(method, path, nil)
	if subject != "" {
		req.Header.Set("X-Subject", subject)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestMiddlewareRequire(t *testing.T) {
	h := newHarness(t, viewerConfig())
	router := newRouter(h)

	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodDelete, "/projects/p1", "root"))
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodDelete, "/projects/p1", "alice"))
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodDelete, "/projects/p1", ""))

	require.Len(t, h.audit.entries, 2)
	assert.Equal(t, "project", h.audit.entries[0].ResourceType)
	assert.Equal(t, "p1", h.audit.entries[0].ResourceID)
}

func TestMiddlewareCachesAcrossClientPorts(t *testing.T) {
	h := newHarness(t, viewerConfig())
	fixed := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	h.engine.WithClock(func() time.Time { return fixed })
	router := newRouter(h)

	for _, addr := range []string{"10.0.0.7:40100", "10.0.0.7:40101"} {
		req := httptest.NewRequest(http.MethodDelete, "/projects/p1", nil)
		req.Header.Set("X-Subject", "root")
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusNoContent, rr.Code)
	}

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	require.Len(t, h.audit.entries, 2)
	assert.False(t, h.audit.entries[0].Cached)
	assert.True(t, h.audit.entries[1].Cached)
}

func TestMiddlewareRateLimited(t *testing.T) {
	h := newHarness(t, viewerConfig())
	h.engine.limiter = ratelimit.New(h.client, ratelimit.Config{Threshold: 1, Window: time.Minute}, discardLogger())
	router := newRouter(h)

	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodDelete, "/projects/p1", "root"))
	assert.Equal(t, http.StatusTooManyRequests, serve(router, http.MethodDelete, "/projects/p1", "root"))
}

func TestMiddlewareRequireAny(t *testing.T) {
	h := newHarness(t, viewerConfig())
	router := newRouter(h)

	assert.Equal(t, http.StatusNoContent, serve(router, http.MethodGet, "/orders", "alice"))
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodGet, "/orders", "nobody"))
	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodGet, "/orders", ""))
}

func TestSubjectFromContext(t *testing.T) {
	_, ok := SubjectFromContext(context.Background())
	assert.False(t, ok)

	s, ok := SubjectFromContext(WithSubject(context.Background(), Subject{ID: "u1"}))
	require.True(t, ok)
	assert.Equal(t, "u1", s.ID)
}

func TestNormalizePermissions(t *testing.T) {
	assert.Equal(t, []string{"api:read", "api:write"}, normalizePermissions([]string{" API:read", "", "api:write", "api:read"}))
}
