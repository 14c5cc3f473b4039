package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

var errorMappings = []httpx.Mapping{
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrRoleExists, Status: http.StatusConflict, Title: "Duplicate"},
	{Err: ErrAssignmentExists, Status: http.StatusConflict, Title: "Duplicate"},
	{Err: ErrRoleDisabled, Status: http.StatusConflict, Title: "Role Disabled"},
	{Err: ErrRoleCycle, Status: http.StatusBadRequest, Title: "Invalid Hierarchy"},
	{Err: ErrUnknownParent, Status: http.StatusBadRequest, Title: "Invalid Hierarchy"},
}

// Handler exposes role administration over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers role and assignment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listRoles)
	r.Post("/", h.createRole)
	r.Post("/assignments", h.assign)
	r.Delete("/assignments", h.revoke)
	r.Get("/subjects/{subject}/scopes/{scope}", h.subjectRoles)
	r.Put("/{name}", h.updateRole)
	r.Delete("/{name}", h.disableRole)
}

type assignmentRequest struct {
	SubjectID string `json:"subject_id"`
	RoleName  string `json:"role_name"`
	ScopeID   string `json:"scope_id"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, roles)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var role Role
	if err := httpx.DecodeJSON(r, &role); err != nil {
		h.fail(w, "create role", err)
		return
	}
	created, err := h.service.CreateRole(r.Context(), role)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	var role Role
	if err := httpx.DecodeJSON(r, &role); err != nil {
		h.fail(w, "update role", err)
		return
	}
	role.Name = chi.URLParam(r, "name")
	updated, err := h.service.UpdateRole(r.Context(), role)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) disableRole(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DisableRole(r.Context(), chi.URLParam(r, "name")); err != nil {
		h.fail(w, "disable role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, "assign role", err)
		return
	}
	if err := h.service.AssignRole(r.Context(), req.SubjectID, req.RoleName, req.ScopeID, httpx.Actor(r)); err != nil {
		h.fail(w, "assign role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	if err := h.service.RevokeRole(r.Context(), req.SubjectID, req.RoleName, req.ScopeID, httpx.Actor(r)); err != nil {
		h.fail(w, "revoke role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) subjectRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.SubjectRoles(r.Context(), chi.URLParam(r, "subject"), chi.URLParam(r, "scope"))
	if err != nil {
		h.fail(w, "subject roles", err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err, errorMappings...)
}
