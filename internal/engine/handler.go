package engine

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

// Handler serves access decisions over JSON for callers that do not embed
// the engine.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler builds a Handler instance.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

// MountRoutes registers POST /check and GET /permissions.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Get("/permissions", h.permission)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.Subject.ID = strings.TrimSpace(req.Subject.ID)
	req.Action = strings.TrimSpace(req.Action)
	if req.Subject.ID == "" || req.Action == "" {
		httpx.RespondError(w, httpx.Invalid(errors.New("subject.id and action are required")))
		return
	}
	if req.Environment.IP == "" {
		req.Environment.IP = clientIP(r)
	}
	req.RequestID = r.Header.Get("X-Request-Id")
	httpx.JSON(w, http.StatusOK, h.engine.CheckAccess(r.Context(), req))
}

func (h *Handler) permission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subject, scope, perm := q.Get("subject"), q.Get("scope"), q.Get("permission")
	if subject == "" || perm == "" {
		httpx.RespondError(w, httpx.Invalid(errors.New("subject and permission are required")))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"allowed": h.engine.HasPermission(r.Context(), subject, scope, perm)})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
