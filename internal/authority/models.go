package authority

import (
	"time"

	"gorm.io/datatypes"
)

// Machine statuses
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
	StatusExpired = "expired"
)

// Audit actions
const (
	ActionMachineActivated    = "machine_activated"
	ActionMachineReactivated  = "machine_reactivated"
	ActionActivationRejected  = "activation_rejected"
	ActionCertificateUpgraded = "certificate_upgraded"
	ActionUpgradeRejected     = "upgrade_rejected"
	ActionMachineRevoked      = "machine_revoked"
	ActionRevokeIgnored       = "revoke_ignored"
	ActionCustomerRevoked     = "customer_revoked"
	ActionCustomerCreated     = "customer_created"
	ActionHeartbeatSuccess    = "heartbeat_success"
	ActionHeartbeatRejected   = "heartbeat_rejected"
	ActionMachineExpired      = "machine_expired"
	ActionValidationChecked   = "validation_checked"
)

// Customer owns a product key and a pool of machine slots
type Customer struct {
	ID              string                      `gorm:"type:varchar(36);primaryKey"`
	CompanyName     string                      `gorm:"size:255;not null"`
	ProductKey      string                      `gorm:"size:32;not null;uniqueIndex"`
	Tier            string                      `gorm:"size:16;not null"`
	MachineLimit    int                         `gorm:"not null"`
	ValidDays       int                         `gorm:"not null"`
	AllowedServices datatypes.JSONSlice[string] `gorm:"not null"`
	Revoked         bool                        `gorm:"not null;default:false"`
	Notes           string                      `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Machines []Machine `gorm:"foreignKey:CustomerID;constraint:OnDelete:CASCADE"`
}

// Machine is one activated host. (customer_id, fingerprint) is unique.
type Machine struct {
	ID           string    `gorm:"type:varchar(36);primaryKey"`
	CustomerID   string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_machines_customer_fingerprint"`
	Fingerprint  string    `gorm:"size:128;not null;uniqueIndex:idx_machines_customer_fingerprint;index"`
	Hostname     string    `gorm:"size:255"`
	OSInfo       string    `gorm:"size:255"`
	AppVersion   string    `gorm:"size:64"`
	IPAddress    string    `gorm:"size:64"`
	Status       string    `gorm:"size:16;not null;index"`
	CertID       string    `gorm:"size:32;index"`
	Certificate  string    `gorm:"type:text"`
	ExpiresAt    time.Time `gorm:"not null"`
	ActivatedAt  time.Time `gorm:"not null"`
	LastSeen     time.Time
	RevokedAt    *time.Time
	RevokeReason string `gorm:"size:500"`
}

// AuditLogEntry is append-only; the store offers no update or delete for it
type AuditLogEntry struct {
	ID         string            `gorm:"type:varchar(36);primaryKey"`
	CustomerID *string           `gorm:"type:varchar(36);index"`
	MachineID  *string           `gorm:"type:varchar(36);index"`
	Action     string            `gorm:"size:32;not null;index"`
	Details    datatypes.JSONMap
	IPAddress  string            `gorm:"size:64"`
	CreatedAt  time.Time         `gorm:"index"`
}

// TableName keeps the historical singular table name
func (AuditLogEntry) TableName() string {
	return "audit_log"
}
