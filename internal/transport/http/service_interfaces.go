package http

import (
	"context"

	"github.com/DhaneshPachipulusu/license-poc/internal/authority"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

// AuthorityService is the activation authority as seen by the public API
type AuthorityService interface {
	Activate(ctx context.Context, in authority.ActivateInput) (*authority.ActivateResult, error)
	Renew(ctx context.Context, in authority.RenewInput) (*authority.RenewResult, error)
	Heartbeat(ctx context.Context, in authority.HeartbeatInput) (*authority.HeartbeatResult, error)
	Validate(ctx context.Context, data []byte, service, ip string) (*authority.ValidationResult, error)
	PublicKeyPEM() ([]byte, error)
}

// AdminService is the customer and machine management side of the authority
type AdminService interface {
	CreateCustomer(ctx context.Context, in authority.CreateCustomerInput) (*authority.Customer, error)
	ListCustomers(ctx context.Context, offset, limit int) ([]authority.CustomerDetails, int64, error)
	GetCustomer(ctx context.Context, id string) (*authority.CustomerDetails, error)
	RevokeCustomer(ctx context.Context, customerID, reason, ip string) (*authority.Customer, error)
	Revoke(ctx context.Context, machineID, reason, ip string) (*authority.Machine, error)
	AuditLog(ctx context.Context, filter authority.AuditFilter) ([]authority.AuditLogEntry, error)
}

// AgentLicense is the local license manager as seen by the sidecar
type AgentLicense interface {
	Status(ctx context.Context) domain.LicenseStatus
	Features(ctx context.Context) domain.LicenseFeatures
	Expiry(ctx context.Context) domain.LicenseExpiry
	ServiceAccess(ctx context.Context, service string) domain.ServiceAccess
}
