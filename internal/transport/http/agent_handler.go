package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// AgentHandler serves the local license API of the sidecar. Responses are
// computed from the on-disk certificate; no call reaches the authority.
type AgentHandler struct {
	license AgentLicense
	health  http.Handler
	logger  *slog.Logger
}

// NewAgentHandler creates a new agent handler. health may be nil, in which
// case /license/health is not mounted.
func NewAgentHandler(license AgentLicense, health http.Handler, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		license: license,
		health:  health,
		logger:  logger.With(slog.String("handler", "agent")),
	}
}

// Routes returns a chi router for the /license endpoints
func (h *AgentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Get("/features", h.Features)
	r.Get("/expiry", h.Expiry)
	r.Get("/services/{name}", h.Service)
	if h.health != nil {
		r.Method(http.MethodGet, "/health", h.health)
	}
	return r
}

// Status handles GET /license/status
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.license.Status(r.Context()))
}

// Features handles GET /license/features
func (h *AgentHandler) Features(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.license.Features(r.Context()))
}

// Expiry handles GET /license/expiry
func (h *AgentHandler) Expiry(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.license.Expiry(r.Context()))
}

// Service handles GET /license/services/{name}. A denied service answers 403
// with the same body so callers can read the reason.
func (h *AgentHandler) Service(w http.ResponseWriter, r *http.Request) {
	access := h.license.ServiceAccess(r.Context(), chi.URLParam(r, "name"))
	if !access.Allowed {
		h.logger.DebugContext(r.Context(), "Service access denied",
			slog.String("service", access.Service),
			slog.String("reason", access.Reason),
		)
		render.Status(r, http.StatusForbidden)
	}
	render.JSON(w, r, access)
}
