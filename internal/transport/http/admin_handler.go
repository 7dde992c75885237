package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/DhaneshPachipulusu/license-poc/internal/authority"
	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	appmw "github.com/DhaneshPachipulusu/license-poc/internal/middleware"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

// AdminHandler serves customer and machine management. Authentication is
// applied by the router, not here.
type AdminHandler struct {
	service   AdminService
	validator *appmw.RequestValidator
	query     *appmw.QueryParamValidator
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(service AdminService, validator *appmw.RequestValidator, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:   service,
		validator: validator,
		query:     appmw.NewQueryParamValidator(errorHandler),
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns a chi router for the admin endpoints
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/customers", h.CreateCustomer)
	r.Get("/customers", h.ListCustomers)
	r.Get("/customers/{id}", h.GetCustomer)
	r.Post("/customers/{id}/revoke", h.RevokeCustomer)
	r.Post("/machines/{id}/revoke", h.RevokeMachine)
	r.Get("/tiers", h.ListTiers)
	r.Get("/audit", h.ListAudit)
	return r
}

// CreateCustomer handles POST /admin/customers
func (h *AdminHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCustomerRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	c, err := h.service.CreateCustomer(r.Context(), authority.CreateCustomerInput{
		CompanyName:     req.CompanyName,
		ProductKey:      req.ProductKey,
		Tier:            req.Tier,
		MachineLimit:    req.MachineLimit,
		ValidDays:       req.ValidDays,
		AllowedServices: req.AllowedServices,
		Notes:           req.Notes,
		IPAddress:       clientIP(r),
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, customerView(authority.CustomerDetails{Customer: *c}))
}

// ListCustomers handles GET /admin/customers
func (h *AdminHandler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	offset, ok := h.query.ValidateInt(w, r, "offset", 0, 1<<30, 0)
	if !ok {
		return
	}
	limit, ok := h.query.ValidateInt(w, r, "limit", 1, 500, 100)
	if !ok {
		return
	}

	customers, total, err := h.service.ListCustomers(r.Context(), offset, limit)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	views := make([]domain.CustomerView, len(customers))
	for i, c := range customers {
		views[i] = customerView(c)
	}
	render.JSON(w, r, domain.CustomerList{Customers: views, Total: total, Offset: offset, Limit: limit})
}

// GetCustomer handles GET /admin/customers/{id}
func (h *AdminHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.service.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, customerView(*c))
}

// RevokeCustomer handles POST /admin/customers/{id}/revoke
func (h *AdminHandler) RevokeCustomer(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.revokeReason(w, r)
	if !ok {
		return
	}

	c, err := h.service.RevokeCustomer(r.Context(), chi.URLParam(r, "id"), reason, clientIP(r))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, customerView(authority.CustomerDetails{Customer: *c}))
}

// RevokeMachine handles POST /admin/machines/{id}/revoke
func (h *AdminHandler) RevokeMachine(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.revokeReason(w, r)
	if !ok {
		return
	}

	m, err := h.service.Revoke(r.Context(), chi.URLParam(r, "id"), reason, clientIP(r))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, machineView(*m))
}

// ListTiers handles GET /admin/tiers
func (h *AdminHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, certificate.Tiers())
}

// ListAudit handles GET /admin/audit
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.query.ValidateInt(w, r, "limit", 1, 1000, 100)
	if !ok {
		return
	}
	q := r.URL.Query()
	entries, err := h.service.AuditLog(r.Context(), authority.AuditFilter{
		CustomerID: q.Get("customer_id"),
		MachineID:  q.Get("machine_id"),
		Action:     q.Get("action"),
		Limit:      limit,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	views := make([]domain.AuditEntryView, len(entries))
	for i, e := range entries {
		views[i] = domain.AuditEntryView{
			ID:        e.ID,
			Action:    e.Action,
			Details:   e.Details,
			IPAddress: e.IPAddress,
			CreatedAt: e.CreatedAt,
		}
		if e.CustomerID != nil {
			views[i].CustomerID = *e.CustomerID
		}
		if e.MachineID != nil {
			views[i].MachineID = *e.MachineID
		}
	}
	render.JSON(w, r, views)
}

// revokeReason decodes the optional revoke body; an empty body is allowed
func (h *AdminHandler) revokeReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.ContentLength == 0 {
		return "", true
	}
	var req domain.RevokeRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return "", false
	}
	return req.Reason, true
}

func customerView(d authority.CustomerDetails) domain.CustomerView {
	c := d.Customer
	v := domain.CustomerView{
		ID:              c.ID,
		CompanyName:     c.CompanyName,
		ProductKey:      c.ProductKey,
		Tier:            c.Tier,
		MachineLimit:    c.MachineLimit,
		ValidDays:       c.ValidDays,
		AllowedServices: []string(c.AllowedServices),
		Revoked:         c.Revoked,
		Notes:           c.Notes,
		ActiveMachines:  d.ActiveCount,
		CreatedAt:       c.CreatedAt,
	}
	for _, m := range d.Machines {
		v.Machines = append(v.Machines, machineView(m))
	}
	return v
}

func machineView(m authority.Machine) domain.MachineView {
	return domain.MachineView{
		ID:           m.ID,
		CustomerID:   m.CustomerID,
		Fingerprint:  m.Fingerprint,
		Hostname:     m.Hostname,
		OSInfo:       m.OSInfo,
		AppVersion:   m.AppVersion,
		IPAddress:    m.IPAddress,
		Status:       m.Status,
		CertID:       m.CertID,
		ExpiresAt:    m.ExpiresAt,
		ActivatedAt:  m.ActivatedAt,
		LastSeen:     m.LastSeen,
		RevokedAt:    m.RevokedAt,
		RevokeReason: m.RevokeReason,
	}
}
