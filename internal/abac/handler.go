package abac

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

// Handler exposes per-scope rule administration.
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

// MountRoutes registers rule routes under /scopes/{scope}.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/scopes/{scope}", func(r chi.Router) {
		r.Get("/", h.ruleSet)
		r.Put("/enabled", h.setEnabled)
		r.Put("/rules/{name}", h.saveRule)
		r.Delete("/rules/{name}", h.deleteRule)
	})
}

func (h *Handler) ruleSet(w http.ResponseWriter, r *http.Request) {
	set, err := h.service.RuleSet(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		h.fail(w, "load rule set", err)
		return
	}
	if set.Rules == nil {
		set.Rules = []Rule{}
	}
	httpx.JSON(w, http.StatusOK, set)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := httpx.DecodeJSON(r, &body); err != nil {
		h.fail(w, "toggle abac", err)
		return
	}
	if err := h.service.SetEnabled(r.Context(), chi.URLParam(r, "scope"), body.Enabled); err != nil {
		h.fail(w, "toggle abac", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) saveRule(w http.ResponseWriter, r *http.Request) {
	var rule Rule
	if err := httpx.DecodeJSON(r, &rule); err != nil {
		h.fail(w, "save rule", err)
		return
	}
	rule.ScopeID = chi.URLParam(r, "scope")
	rule.Name = chi.URLParam(r, "name")
	saved, err := h.service.SaveRule(r.Context(), rule)
	if err != nil {
		h.fail(w, "save rule", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *Handler) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRule(r.Context(), chi.URLParam(r, "scope"), chi.URLParam(r, "name")); err != nil {
		h.fail(w, "delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err, errorMappings...)
}
