package policy

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-authz/internal/condition"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/httpx"
)

var errorMappings = []httpx.Mapping{
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Match: condition.IsConfigError, Status: http.StatusBadRequest, Title: "Invalid Condition"},
}

// Handler exposes policy administration.
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

// MountRoutes registers policy routes. GET / lists the policies active for
// the scope query parameter, global ones included.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.delete)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	policies, err := h.service.ActivePolicies(r.Context(), r.URL.Query().Get("scope"))
	if err != nil {
		h.fail(w, "list policies", err)
		return
	}
	if policies == nil {
		policies = []Policy{}
	}
	httpx.JSON(w, http.StatusOK, policies)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "get policy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var p Policy
	if err := httpx.DecodeJSON(r, &p); err != nil {
		h.fail(w, "create policy", err)
		return
	}
	created, err := h.service.CreatePolicy(r.Context(), p, httpx.Actor(r))
	if err != nil {
		h.fail(w, "create policy", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var p Policy
	if err := httpx.DecodeJSON(r, &p); err != nil {
		h.fail(w, "update policy", err)
		return
	}
	p.ID = chi.URLParam(r, "id")
	updated, err := h.service.UpdatePolicy(r.Context(), p, httpx.Actor(r))
	if err != nil {
		h.fail(w, "update policy", err)
		return
	}
	httpx.JSON(w, http.StatusOK, updated)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePolicy(r.Context(), chi.URLParam(r, "id"), httpx.Actor(r)); err != nil {
		h.fail(w, "delete policy", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err, errorMappings...)
}
