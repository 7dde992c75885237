// Package domain contains the wire types shared by the license authority, the
// agent and their clients. Field names are the JSON contract and must not
// change without a new API version.
package domain

import (
	"encoding/json"
	"time"
)

// Rejection reasons returned by the authority
const (
	ReasonInvalidKeyFormat = "invalid_key_format"
	ReasonInvalidKey       = "invalid_key"
	ReasonCustomerRevoked  = "customer_revoked"
	ReasonMachineRevoked   = "machine_revoked"
	ReasonMachineNotFound  = "machine_not_found"
	ReasonLimitExceeded    = "limit_exceeded"
	ReasonInvalidTier      = "invalid_tier"
	ReasonThrottled        = "throttled"
)

// Heartbeat statuses
const (
	HeartbeatOK      = "ok"
	HeartbeatRevoked = "revoked"
	HeartbeatExpired = "expired"
)

// ActivateRequest is the body of POST /api/v1/activate
type ActivateRequest struct {
	ProductKey         string `json:"product_key" validate:"required,max=32"`
	MachineFingerprint string `json:"machine_fingerprint" validate:"required,min=16,max=128"`
	Hostname           string `json:"hostname" validate:"required,max=255"`
	OSInfo             string `json:"os_info,omitempty" validate:"max=255"`
	AppVersion         string `json:"app_version,omitempty" validate:"max=64"`
}

// MachineSummary lists one machine holding a slot
type MachineSummary struct {
	MachineID   string    `json:"machine_id"`
	Hostname    string    `json:"hostname"`
	ActivatedAt time.Time `json:"activated_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// ActivateResponse answers activation and upgrade requests
type ActivateResponse struct {
	Success        bool             `json:"success"`
	Certificate    json.RawMessage  `json:"certificate,omitempty"`
	Message        string           `json:"message"`
	Error          string           `json:"error,omitempty"`
	ActiveMachines []MachineSummary `json:"active_machines,omitempty"`
}

// UpgradeRequest is the body of POST /api/v1/upgrade
type UpgradeRequest struct {
	MachineFingerprint string   `json:"machine_fingerprint" validate:"required,min=16,max=128"`
	AdditionalDays     int      `json:"additional_days,omitempty" validate:"min=0,max=3650"`
	NewTier            string   `json:"new_tier,omitempty" validate:"max=32"`
	NewMachineLimit    int      `json:"new_machine_limit,omitempty" validate:"min=0,max=100"`
	AdditionalServices []string `json:"additional_services,omitempty" validate:"dive,required,max=64"`
}

// HeartbeatRequest is the body of POST /api/v1/heartbeat
type HeartbeatRequest struct {
	MachineID  string `json:"machine_id" validate:"required,max=64"`
	AppVersion string `json:"app_version,omitempty" validate:"max=64"`
	Status     string `json:"status,omitempty" validate:"max=32"`
	CertID     string `json:"cert_id,omitempty" validate:"max=64"`
}

// HeartbeatResponse carries the machine's server-side status
type HeartbeatResponse struct {
	Status     string          `json:"status"`
	CertUpdate json.RawMessage `json:"cert_update,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// ValidateRequest is the body of POST /api/v1/validate
type ValidateRequest struct {
	Certificate json.RawMessage `json:"certificate" validate:"required"`
	Service     string          `json:"service,omitempty" validate:"max=64"`
}

// ValidateResponse is the server-side verdict on a certificate
type ValidateResponse struct {
	Valid   bool           `json:"valid"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

// CreateCustomerRequest is the body of POST /api/v1/admin/customers
type CreateCustomerRequest struct {
	CompanyName     string   `json:"company_name" validate:"required,min=1,max=255"`
	ProductKey      string   `json:"product_key,omitempty" validate:"omitempty,productkey"`
	Tier            string   `json:"tier,omitempty" validate:"omitempty,tier"`
	MachineLimit    int      `json:"machine_limit,omitempty" validate:"min=0,max=100"`
	ValidDays       int      `json:"valid_days,omitempty" validate:"min=0,max=3650"`
	AllowedServices []string `json:"allowed_services,omitempty" validate:"dive,required,max=64"`
	Notes           string   `json:"notes,omitempty" validate:"max=2000"`
}

// RevokeRequest is the optional body of the admin revoke routes
type RevokeRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// CustomerView is the admin representation of a customer
type CustomerView struct {
	ID              string        `json:"id"`
	CompanyName     string        `json:"company_name"`
	ProductKey      string        `json:"product_key"`
	Tier            string        `json:"tier"`
	MachineLimit    int           `json:"machine_limit"`
	ValidDays       int           `json:"valid_days"`
	AllowedServices []string      `json:"allowed_services"`
	Revoked         bool          `json:"revoked"`
	Notes           string        `json:"notes,omitempty"`
	ActiveMachines  int           `json:"active_machines"`
	CreatedAt       time.Time     `json:"created_at"`
	Machines        []MachineView `json:"machines,omitempty"`
}

// MachineView is the admin representation of a machine
type MachineView struct {
	ID           string     `json:"id"`
	CustomerID   string     `json:"customer_id"`
	Fingerprint  string     `json:"machine_fingerprint"`
	Hostname     string     `json:"hostname"`
	OSInfo       string     `json:"os_info,omitempty"`
	AppVersion   string     `json:"app_version,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	Status       string     `json:"status"`
	CertID       string     `json:"cert_id"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ActivatedAt  time.Time  `json:"activated_at"`
	LastSeen     time.Time  `json:"last_seen"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokeReason string     `json:"revoke_reason,omitempty"`
}

// LicenseStatus is returned by the agent's /license/status endpoint
type LicenseStatus struct {
	Valid          bool      `json:"valid"`
	Reason         string    `json:"reason,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	CertID         string    `json:"cert_id,omitempty"`
	CustomerName   string    `json:"customer_name,omitempty"`
	Tier           string    `json:"tier,omitempty"`
	ExpiresAt      time.Time `json:"expires_at,omitempty"`
	ExpiresIn      string    `json:"expires_in,omitempty"`
	DaysRemaining  int       `json:"days_remaining"`
	GraceRemaining string    `json:"grace_remaining,omitempty"`
	LastValidated  string    `json:"last_validated,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// LicenseFeatures is returned by the agent's /license/features endpoint
type LicenseFeatures struct {
	Valid       bool     `json:"valid"`
	Services    []string `json:"services"`
	MaxSessions int      `json:"max_sessions"`
	RateLimit   int      `json:"rate_limit"`
}

// ServiceAccess is returned by the agent's /license/services/{name} endpoint
type ServiceAccess struct {
	Service string `json:"service"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// LicenseExpiry is returned by the agent's /license/expiry endpoint. Valid
// refers to the certificate's own expiry, not to the full validation.
type LicenseExpiry struct {
	Valid            bool      `json:"valid"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int64     `json:"remaining_seconds"`
	ExpiresIn        string    `json:"expires_in,omitempty"`
}

// CustomerList is a page of customers
type CustomerList struct {
	Customers []CustomerView `json:"customers"`
	Total     int64          `json:"total"`
	Offset    int            `json:"offset"`
	Limit     int            `json:"limit"`
}

// AuditEntryView is the admin representation of an audit log entry
type AuditEntryView struct {
	ID         string         `json:"id"`
	CustomerID string         `json:"customer_id,omitempty"`
	MachineID  string         `json:"machine_id,omitempty"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
