package http

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/DhaneshPachipulusu/license-poc/internal/authority"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
	appmw "github.com/DhaneshPachipulusu/license-poc/internal/middleware"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

// LicenseHandler serves the public activation authority API
type LicenseHandler struct {
	service     AuthorityService
	validator   *appmw.RequestValidator
	errors      *apperrors.ErrorHandler
	logger      *slog.Logger
	upgradeAuth func(http.Handler) http.Handler
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service AuthorityService, validator *appmw.RequestValidator, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: validator,
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// WithUpgradeAuth guards /upgrade with mw. Without it the route is not
// served, since upgrades change what a customer is entitled to.
func (h *LicenseHandler) WithUpgradeAuth(mw func(http.Handler) http.Handler) *LicenseHandler {
	h.upgradeAuth = mw
	return h
}

// Routes returns a chi router for the authority endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/activate", h.Activate)
	if h.upgradeAuth != nil {
		r.With(h.upgradeAuth).Post("/upgrade", h.Upgrade)
	}
	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/validate", h.Validate)
	r.Get("/public-key", h.PublicKey)
	return r
}

// Activate handles POST /api/v1/activate. Refusals are 200 responses with
// success=false; only malformed requests and throttling are HTTP errors.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req domain.ActivateRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.Activate(ctx, authority.ActivateInput{
		ProductKey:  req.ProductKey,
		Fingerprint: req.MachineFingerprint,
		Hostname:    req.Hostname,
		OSInfo:      req.OSInfo,
		AppVersion:  req.AppVersion,
		IPAddress:   clientIP(r),
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	resp := domain.ActivateResponse{Success: res.Rejection == nil, Message: res.Message}
	if res.Rejection != nil {
		resp.Error = res.Rejection.Reason
		resp.ActiveMachines = machineSummaries(res.Rejection.ActiveMachines)
	} else {
		resp.Certificate = res.Encoded
		h.logger.InfoContext(ctx, "Machine activated",
			slog.String("request_id", middleware.GetReqID(ctx)),
			slog.String("product_key", infrastructure.MaskSecret(req.ProductKey)),
			slog.String("cert_id", res.Certificate.CertID),
			slog.Bool("already_active", res.AlreadyActive),
		)
	}
	render.JSON(w, r, resp)
}

// Upgrade handles POST /api/v1/upgrade
func (h *LicenseHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	var req domain.UpgradeRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.Renew(r.Context(), authority.RenewInput{
		Fingerprint:        req.MachineFingerprint,
		AdditionalDays:     req.AdditionalDays,
		NewTier:            req.NewTier,
		NewMachineLimit:    req.NewMachineLimit,
		AdditionalServices: req.AdditionalServices,
		IPAddress:          clientIP(r),
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	resp := domain.ActivateResponse{Success: res.Rejection == nil, Message: res.Message}
	if res.Rejection != nil {
		resp.Error = res.Rejection.Reason
	} else {
		resp.Certificate = res.Encoded
	}
	render.JSON(w, r, resp)
}

// Heartbeat handles POST /api/v1/heartbeat
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req domain.HeartbeatRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.Heartbeat(r.Context(), authority.HeartbeatInput{
		MachineID:  req.MachineID,
		AppVersion: req.AppVersion,
		Status:     req.Status,
		CertID:     req.CertID,
		IPAddress:  clientIP(r),
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, domain.HeartbeatResponse{
		Status:     res.Status,
		CertUpdate: res.CertUpdate,
		Message:    res.Message,
	})
}

// Validate handles POST /api/v1/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidateRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.service.Validate(r.Context(), req.Certificate, req.Service, clientIP(r))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, domain.ValidateResponse{Valid: res.Valid, Reason: res.Reason, Details: res.Details})
}

// PublicKey handles GET /api/v1/public-key
func (h *LicenseHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := h.service.PublicKeyPEM()
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(pem)
}

func machineSummaries(machines []authority.Machine) []domain.MachineSummary {
	if len(machines) == 0 {
		return nil
	}
	out := make([]domain.MachineSummary, len(machines))
	for i, m := range machines {
		out[i] = domain.MachineSummary{
			MachineID:   m.ID,
			Hostname:    m.Hostname,
			ActivatedAt: m.ActivatedAt,
			LastSeen:    m.LastSeen,
		}
	}
	return out
}

// clientIP returns the caller address without port. RealIP has already
// replaced RemoteAddr with the forwarded address when one was sent.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
