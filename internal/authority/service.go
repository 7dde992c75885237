package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
	"github.com/DhaneshPachipulusu/license-poc/internal/productkey"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

const day = 24 * time.Hour

// Customer defaults and bounds
const (
	DefaultMachineLimit = 3
	MaxMachineLimit     = 100
	DefaultValidDays    = 365
	MaxValidDays        = 3650
)

// Throttle limits failed activations per client address
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
	RecordFailure(ctx context.Context, key string) error
}

// Rejection is a business refusal. It is a result, not an error.
type Rejection struct {
	Reason         string
	Message        string
	ActiveMachines []Machine
}

// ActivateInput is one activation request
type ActivateInput struct {
	ProductKey  string
	Fingerprint string
	Hostname    string
	OSInfo      string
	AppVersion  string
	IPAddress   string
}

// ActivateResult is the outcome of Activate. Exactly one of Certificate and
// Rejection is set.
type ActivateResult struct {
	Certificate   *certificate.Certificate
	Encoded       []byte
	Machine       *Machine
	Message       string
	AlreadyActive bool
	Reactivated   bool
	ActiveCount   int
	Limit         int
	Rejection     *Rejection
}

// RenewInput extends or upgrades the certificate of an activated machine
type RenewInput struct {
	Fingerprint        string
	AdditionalDays     int
	NewTier            string
	NewMachineLimit    int
	AdditionalServices []string
	IPAddress          string
}

// RenewResult is the outcome of Renew
type RenewResult struct {
	Certificate *certificate.Certificate
	Encoded     []byte
	Machine     *Machine
	Message     string
	Rejection   *Rejection
}

// HeartbeatInput is one heartbeat from an agent
type HeartbeatInput struct {
	MachineID  string
	AppVersion string
	Status     string
	CertID     string
	IPAddress  string
}

// HeartbeatResult tells the agent its server-side status
type HeartbeatResult struct {
	Status     string
	CertUpdate []byte
	Message    string
}

// ValidationResult is the server-side verdict on a presented certificate
type ValidationResult struct {
	Valid       bool
	Reason      string
	Certificate *certificate.Certificate
	Details     map[string]any
}

// CreateCustomerInput registers a customer
type CreateCustomerInput struct {
	CompanyName     string
	ProductKey      string
	Tier            string
	MachineLimit    int
	ValidDays       int
	AllowedServices []string
	Notes           string
	IPAddress       string
}

// CustomerDetails is a customer with its machines
type CustomerDetails struct {
	Customer    Customer
	Machines    []Machine
	ActiveCount int
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithThrottle enables failed activation throttling
func WithThrottle(t Throttle) Option {
	return func(s *Service) { s.throttle = t }
}

// WithMetrics records OpenTelemetry metrics
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithGraceDays sets the server-side grace window past expiry
func WithGraceDays(days int) Option {
	return func(s *Service) { s.graceDays = days }
}

// WithDefaultTier sets the tier for customers created without one
func WithDefaultTier(tier string) Option {
	return func(s *Service) { s.defaultTier = tier }
}

// Service is the activation authority
type Service struct {
	store       *Store
	signer      *certificate.Signer
	verifier    *certificate.Verifier
	throttle    Throttle
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	graceDays   int
	defaultTier string
}

// NewService creates the authority service
func NewService(store *Store, signer *certificate.Signer, logger *slog.Logger, opts ...Option) (*Service, error) {
	verifier, err := certificate.NewVerifier(signer.PublicKey())
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:       store,
		signer:      signer,
		verifier:    verifier,
		metrics:     NoopMetrics(),
		logger:      logger.With(slog.String("component", "authority")),
		now:         time.Now,
		graceDays:   7,
		defaultTier: certificate.TierBasic,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := certificate.LookupTier(s.defaultTier); !ok {
		return nil, fmt.Errorf("unknown default tier %q", s.defaultTier)
	}
	return s, nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

// Activate binds a machine to a customer's product key and issues its
// certificate. Re-activating an active machine returns the stored
// certificate unchanged.
func (s *Service) Activate(ctx context.Context, in ActivateInput) (*ActivateResult, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "authority.Activate")
	defer span.End()

	start := time.Now()
	s.metrics.ActivationAttempts.Add(ctx, 1)
	defer func() {
		s.metrics.ActivationDuration.Record(ctx, time.Since(start).Seconds())
	}()

	key := productkey.Normalize(in.ProductKey)
	span.SetAttributes(
		attribute.String("product_key", infrastructure.MaskSecret(key)),
		attribute.String("hostname", in.Hostname),
	)

	if s.throttle != nil && in.IPAddress != "" {
		allowed, err := s.throttle.Allow(ctx, in.IPAddress)
		if err != nil {
			s.logger.WarnContext(ctx, "Activation throttle unavailable",
				slog.String("error", err.Error()))
		} else if !allowed {
			s.logger.WarnContext(ctx, "Activation throttled",
				slog.String("ip_address", in.IPAddress))
			if err := s.auditRejectedKey(ctx, domain.ReasonThrottled, key, in); err != nil {
				return nil, err
			}
			return nil, apperrors.ErrThrottled
		}
	}

	if err := productkey.Validate(key); err != nil {
		s.recordFailure(ctx, in.IPAddress)
		if err := s.auditRejectedKey(ctx, domain.ReasonInvalidKeyFormat, key, in); err != nil {
			return nil, err
		}
		return s.rejectActivation(ctx, domain.ReasonInvalidKeyFormat, "Invalid product key format", nil), nil
	}

	customer, err := s.store.Read(ctx).CustomerByProductKey(key, false)
	if errors.Is(err, apperrors.ErrCustomerNotFound) {
		s.recordFailure(ctx, in.IPAddress)
		if err := s.auditRejectedKey(ctx, domain.ReasonInvalidKey, key, in); err != nil {
			return nil, err
		}
		return s.rejectActivation(ctx, domain.ReasonInvalidKey, "Invalid product key", nil), nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "customer lookup failed")
		return nil, fmt.Errorf("lookup customer: %w", err)
	}

	var result *ActivateResult
	err = s.store.Tx(ctx, func(q *Queries) error {
		result = nil

		// Serializes concurrent activations for this customer.
		customer, err := q.CustomerByID(customer.ID, true)
		if err != nil {
			return err
		}
		if customer.Revoked {
			result = s.rejectActivation(ctx, domain.ReasonCustomerRevoked, "Customer license has been revoked", nil)
			return s.audit(q, ActionActivationRejected, &customer.ID, nil, in.IPAddress, map[string]any{
				"reason":   domain.ReasonCustomerRevoked,
				"hostname": in.Hostname,
			})
		}

		existing, err := q.MachineByFingerprint(customer.ID, in.Fingerprint)
		if err != nil && !errors.Is(err, apperrors.ErrMachineNotFound) {
			return err
		}

		if existing != nil {
			switch existing.Status {
			case StatusActive:
				r, err := s.alreadyActive(q, customer, existing, in)
				result = r
				return err
			case StatusRevoked:
				result = s.rejectActivation(ctx, domain.ReasonMachineRevoked, "This machine has been revoked", nil)
				return s.audit(q, ActionActivationRejected, &customer.ID, &existing.ID, in.IPAddress, map[string]any{
					"reason":   domain.ReasonMachineRevoked,
					"hostname": in.Hostname,
				})
			}
			// expired machines fall through and need a free slot
		}

		active, err := q.ActiveMachines(customer.ID)
		if err != nil {
			return err
		}
		if len(active) >= customer.MachineLimit {
			result = s.rejectActivation(ctx, domain.ReasonLimitExceeded,
				fmt.Sprintf("Machine limit reached (%d/%d machines)", len(active), customer.MachineLimit), active)
			return s.audit(q, ActionActivationRejected, &customer.ID, nil, in.IPAddress, map[string]any{
				"reason":   domain.ReasonLimitExceeded,
				"hostname": in.Hostname,
				"active":   len(active),
				"limit":    customer.MachineLimit,
			})
		}

		r, err := s.activateMachine(q, customer, existing, in, len(active)+1)
		result = r
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		return nil, fmt.Errorf("activate: %w", err)
	}

	if result.Rejection == nil {
		s.metrics.ActivationSuccess.Add(ctx, 1)
		s.logger.InfoContext(ctx, "Machine activated",
			slog.String("customer_id", customer.ID),
			slog.String("machine_id", result.Machine.ID),
			slog.String("cert_id", result.Certificate.CertID),
			slog.Bool("already_active", result.AlreadyActive),
			slog.Bool("reactivated", result.Reactivated),
			slog.Int("active", result.ActiveCount),
			slog.Int("limit", result.Limit),
		)
	}
	return result, nil
}

func (s *Service) alreadyActive(q *Queries, customer *Customer, m *Machine, in ActivateInput) (*ActivateResult, error) {
	cert, err := certificate.Decode([]byte(m.Certificate))
	if err != nil {
		return nil, fmt.Errorf("stored certificate for machine %s: %w", m.ID, err)
	}
	count, err := q.CountActive(customer.ID)
	if err != nil {
		return nil, err
	}
	if err := q.TouchMachine(m.ID, in.AppVersion, in.IPAddress, s.clock()); err != nil {
		return nil, err
	}
	if err := s.audit(q, ActionMachineActivated, &customer.ID, &m.ID, in.IPAddress, map[string]any{
		"cert_id":        m.CertID,
		"already_active": true,
	}); err != nil {
		return nil, err
	}

	return &ActivateResult{
		Certificate:   cert,
		Encoded:       []byte(m.Certificate),
		Machine:       m,
		Message:       fmt.Sprintf("Already activated (%d/%d machines)", count, customer.MachineLimit),
		AlreadyActive: true,
		ActiveCount:   count,
		Limit:         customer.MachineLimit,
	}, nil
}

// activateMachine issues a certificate for a new machine, or reactivates an
// expired one in place
func (s *Service) activateMachine(q *Queries, customer *Customer, existing *Machine, in ActivateInput, count int) (*ActivateResult, error) {
	now := s.clock()

	m := existing
	reactivated := m != nil
	if m == nil {
		m = &Machine{
			ID:          uuid.NewString(),
			CustomerID:  customer.ID,
			Fingerprint: in.Fingerprint,
		}
	}
	m.Hostname = in.Hostname
	m.OSInfo = in.OSInfo
	m.AppVersion = in.AppVersion
	m.IPAddress = in.IPAddress
	m.ActivatedAt = now
	m.LastSeen = now

	ent, _ := certificate.EntitlementsFor(customer.Tier, customer.AllowedServices, nil)
	cert, encoded, err := s.issue(customer, m, ent, customer.Tier, now, now.Add(time.Duration(customer.ValidDays)*day), "")
	if err != nil {
		return nil, err
	}
	applyCertificate(m, cert, encoded)

	action := ActionMachineActivated
	if reactivated {
		action = ActionMachineReactivated
		if err := q.SaveMachine(m); err != nil {
			return nil, err
		}
	} else if err := q.CreateMachine(m); err != nil {
		return nil, err
	}

	if err := s.audit(q, action, &customer.ID, &m.ID, in.IPAddress, map[string]any{
		"cert_id":    cert.CertID,
		"hostname":   in.Hostname,
		"expires_at": cert.ExpiresAt.Format(time.RFC3339),
		"active":     count,
		"limit":      customer.MachineLimit,
	}); err != nil {
		return nil, err
	}

	return &ActivateResult{
		Certificate: cert,
		Encoded:     encoded,
		Machine:     m,
		Message:     fmt.Sprintf("Activation successful! (%d/%d machines)", count, customer.MachineLimit),
		Reactivated: reactivated,
		ActiveCount: count,
		Limit:       customer.MachineLimit,
	}, nil
}

func (s *Service) rejectActivation(ctx context.Context, reason, message string, active []Machine) *ActivateResult {
	s.metrics.ActivationRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	s.logger.InfoContext(ctx, "Activation rejected",
		slog.String("reason", reason),
		slog.Int("active_machines", len(active)),
	)
	return &ActivateResult{
		Message:   message,
		Rejection: &Rejection{Reason: reason, Message: message, ActiveMachines: active},
	}
}

// auditRejectedKey records a rejection that happened before any customer
// was resolved.
func (s *Service) auditRejectedKey(ctx context.Context, reason, key string, in ActivateInput) error {
	return s.audit(s.store.Read(ctx), ActionActivationRejected, nil, nil, in.IPAddress, map[string]any{
		"reason":      reason,
		"product_key": infrastructure.MaskSecret(key),
		"hostname":    in.Hostname,
	})
}

func (s *Service) recordFailure(ctx context.Context, ip string) {
	if s.throttle == nil || ip == "" {
		return
	}
	if err := s.throttle.RecordFailure(ctx, ip); err != nil {
		s.logger.WarnContext(ctx, "Failed to record activation failure",
			slog.String("error", err.Error()))
	}
}

// Renew issues a successor certificate for an activated machine. Expiry is
// extended from the later of the old expiry and now.
func (s *Service) Renew(ctx context.Context, in RenewInput) (*RenewResult, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "authority.Renew")
	defer span.End()

	if in.NewTier != "" {
		if _, ok := certificate.LookupTier(in.NewTier); !ok {
			return s.rejectRenew(ctx, domain.ReasonInvalidTier, fmt.Sprintf("Unknown tier %q", in.NewTier)), nil
		}
	}

	var result *RenewResult
	err := s.store.Tx(ctx, func(q *Queries) error {
		result = nil

		m, err := q.LatestMachineByFingerprint(in.Fingerprint)
		if errors.Is(err, apperrors.ErrMachineNotFound) {
			result = s.rejectRenew(ctx, domain.ReasonMachineNotFound, "Machine not found")
			return s.audit(q, ActionUpgradeRejected, nil, nil, in.IPAddress, map[string]any{
				"reason": domain.ReasonMachineNotFound,
			})
		}
		if err != nil {
			return err
		}

		customer, err := q.CustomerByID(m.CustomerID, true)
		if err != nil {
			return err
		}
		if m, err = q.MachineByID(m.ID, true); err != nil {
			return err
		}

		reject := func(reason, message string) error {
			result = s.rejectRenew(ctx, reason, message)
			return s.audit(q, ActionUpgradeRejected, &customer.ID, &m.ID, in.IPAddress, map[string]any{
				"reason": reason,
			})
		}

		if m.Status == StatusRevoked {
			return reject(domain.ReasonMachineRevoked, "This machine has been revoked")
		}
		if customer.Revoked {
			return reject(domain.ReasonCustomerRevoked, "Customer license has been revoked")
		}

		if in.NewMachineLimit > 0 {
			count, err := q.CountActive(customer.ID)
			if err != nil {
				return err
			}
			if in.NewMachineLimit < count {
				return reject(domain.ReasonLimitExceeded,
					fmt.Sprintf("New machine limit %d is below the %d active machines", in.NewMachineLimit, count))
			}
			customer.MachineLimit = in.NewMachineLimit
		}
		if in.NewTier != "" && in.NewTier != customer.Tier {
			tier, _ := certificate.LookupTier(in.NewTier)
			customer.Tier = tier.Name
			customer.AllowedServices = tier.Services
		}
		for _, svc := range in.AdditionalServices {
			if !slices.Contains(customer.AllowedServices, svc) {
				customer.AllowedServices = append(customer.AllowedServices, svc)
			}
		}

		if m.Status != StatusActive {
			count, err := q.CountActive(customer.ID)
			if err != nil {
				return err
			}
			if count >= customer.MachineLimit {
				return reject(domain.ReasonLimitExceeded,
					fmt.Sprintf("Machine limit reached (%d/%d machines)", count, customer.MachineLimit))
			}
		}

		now := s.clock()
		base := m.ExpiresAt
		if now.After(base) {
			base = now
		}
		days := in.AdditionalDays
		if days == 0 && !m.ExpiresAt.After(now) {
			days = customer.ValidDays
		}
		expires := base.Add(time.Duration(days) * day)

		ent, _ := certificate.EntitlementsFor(customer.Tier, customer.AllowedServices, nil)
		cert, encoded, err := s.issue(customer, m, ent, customer.Tier, now, expires, m.CertID)
		if err != nil {
			return err
		}

		parent := m.CertID
		applyCertificate(m, cert, encoded)
		m.LastSeen = now

		if err := q.SaveCustomer(customer); err != nil {
			return err
		}
		if err := q.SaveMachine(m); err != nil {
			return err
		}
		if err := s.audit(q, ActionCertificateUpgraded, &customer.ID, &m.ID, in.IPAddress, map[string]any{
			"parent_cert_id":  parent,
			"cert_id":         cert.CertID,
			"additional_days": days,
			"tier":            customer.Tier,
			"machine_limit":   customer.MachineLimit,
			"expires_at":      cert.ExpiresAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}

		result = &RenewResult{
			Certificate: cert,
			Encoded:     encoded,
			Machine:     m,
			Message:     fmt.Sprintf("Certificate upgraded, valid until %s", cert.ExpiresAt.Format("2006-01-02")),
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "renew failed")
		return nil, fmt.Errorf("renew: %w", err)
	}

	if result.Rejection == nil {
		s.metrics.UpgradeAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "upgraded")))
		s.logger.InfoContext(ctx, "Certificate upgraded",
			slog.String("machine_id", result.Machine.ID),
			slog.String("cert_id", result.Certificate.CertID),
			slog.String("parent_cert_id", result.Certificate.ParentCertID),
			slog.Time("expires_at", result.Certificate.ExpiresAt),
		)
	}
	return result, nil
}

func (s *Service) rejectRenew(ctx context.Context, reason, message string) *RenewResult {
	s.metrics.UpgradeAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", reason)))
	s.logger.InfoContext(ctx, "Upgrade rejected", slog.String("reason", reason))
	return &RenewResult{
		Message:   message,
		Rejection: &Rejection{Reason: reason, Message: message},
	}
}

// Revoke marks a machine revoked, freeing its slot. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, machineID, reason, ip string) (*Machine, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "authority.Revoke")
	defer span.End()
	span.SetAttributes(attribute.String("machine_id", machineID))

	var machine *Machine
	changed := false
	err := s.store.Tx(ctx, func(q *Queries) error {
		changed = false
		m, err := q.MachineByID(machineID, true)
		if err != nil {
			return err
		}
		machine = m
		if m.Status == StatusRevoked {
			return s.audit(q, ActionRevokeIgnored, &m.CustomerID, &m.ID, ip, map[string]any{
				"reason":     reason,
				"outcome":    "already_revoked",
				"revoked_at": m.RevokedAt,
			})
		}
		changed = true

		now := s.clock()
		m.Status = StatusRevoked
		m.RevokedAt = &now
		m.RevokeReason = reason
		if err := q.SaveMachine(m); err != nil {
			return err
		}
		return s.audit(q, ActionMachineRevoked, &m.CustomerID, &m.ID, ip, map[string]any{
			"reason":   reason,
			"hostname": m.Hostname,
			"cert_id":  m.CertID,
		})
	})
	if errors.Is(err, apperrors.ErrMachineNotFound) {
		if auditErr := s.audit(s.store.Read(ctx), ActionRevokeIgnored, nil, &machineID, ip, map[string]any{
			"reason":  reason,
			"outcome": domain.ReasonMachineNotFound,
		}); auditErr != nil {
			err = multierr.Append(err, auditErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("revoke machine %s: %w", machineID, err)
	}
	if !changed {
		return machine, nil
	}

	s.metrics.Revocations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "machine")))
	s.logger.InfoContext(ctx, "Machine revoked",
		slog.String("machine_id", machine.ID),
		slog.String("customer_id", machine.CustomerID),
		slog.String("reason", reason),
	)
	return machine, nil
}

// RevokeCustomer revokes a customer's license as a whole
func (s *Service) RevokeCustomer(ctx context.Context, customerID, reason, ip string) (*Customer, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "authority.RevokeCustomer")
	defer span.End()

	var customer *Customer
	changed := false
	err := s.store.Tx(ctx, func(q *Queries) error {
		changed = false
		c, err := q.CustomerByID(customerID, true)
		if err != nil {
			return err
		}
		customer = c
		if c.Revoked {
			return s.audit(q, ActionRevokeIgnored, &c.ID, nil, ip, map[string]any{
				"reason":  reason,
				"outcome": "already_revoked",
			})
		}
		changed = true
		c.Revoked = true
		if err := q.SaveCustomer(c); err != nil {
			return err
		}
		return s.audit(q, ActionCustomerRevoked, &c.ID, nil, ip, map[string]any{
			"reason":       reason,
			"company_name": c.CompanyName,
		})
	})
	if errors.Is(err, apperrors.ErrCustomerNotFound) {
		if auditErr := s.audit(s.store.Read(ctx), ActionRevokeIgnored, &customerID, nil, ip, map[string]any{
			"reason":  reason,
			"outcome": "customer_not_found",
		}); auditErr != nil {
			err = multierr.Append(err, auditErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("revoke customer %s: %w", customerID, err)
	}
	if !changed {
		return customer, nil
	}

	s.metrics.Revocations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "customer")))
	s.logger.InfoContext(ctx, "Customer revoked",
		slog.String("customer_id", customer.ID),
		slog.String("reason", reason),
	)
	return customer, nil
}

// Heartbeat records that a machine is alive and reports its status. Unknown
// machines are reported as revoked so the agent stops trusting its copy.
func (s *Service) Heartbeat(ctx context.Context, in HeartbeatInput) (*HeartbeatResult, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "authority.Heartbeat")
	defer span.End()
	span.SetAttributes(attribute.String("machine_id", in.MachineID))

	var result *HeartbeatResult
	err := s.store.Tx(ctx, func(q *Queries) error {
		result = nil

		m, err := q.MachineByID(in.MachineID, false)
		if errors.Is(err, apperrors.ErrMachineNotFound) {
			result = &HeartbeatResult{Status: domain.HeartbeatRevoked, Message: "Machine not found"}
			return s.audit(q, ActionHeartbeatRejected, nil, nil, in.IPAddress, map[string]any{
				"reason":     domain.ReasonMachineNotFound,
				"machine_id": in.MachineID,
			})
		}
		if err != nil {
			return err
		}

		customer, err := q.CustomerByID(m.CustomerID, false)
		if err != nil {
			return err
		}

		now := s.clock()
		if err := q.TouchMachine(m.ID, in.AppVersion, in.IPAddress, now); err != nil {
			return err
		}

		switch {
		case m.Status == StatusRevoked:
			result = &HeartbeatResult{Status: domain.HeartbeatRevoked, Message: "Machine has been revoked"}
		case customer.Revoked:
			result = &HeartbeatResult{Status: domain.HeartbeatRevoked, Message: "Customer license has been revoked"}
		}
		if result != nil {
			return s.audit(q, ActionHeartbeatRejected, &m.CustomerID, &m.ID, in.IPAddress, map[string]any{
				"reason": result.Message,
			})
		}

		if m.Status == StatusActive && now.After(m.ExpiresAt) {
			m.Status = StatusExpired
			if err := q.SetMachineStatus(m.ID, StatusExpired); err != nil {
				return err
			}
			if err := s.audit(q, ActionMachineExpired, &m.CustomerID, &m.ID, in.IPAddress, map[string]any{
				"cert_id":    m.CertID,
				"expired_at": m.ExpiresAt.Format(time.RFC3339),
			}); err != nil {
				return err
			}
		}
		if m.Status == StatusExpired {
			result = &HeartbeatResult{Status: domain.HeartbeatExpired, Message: "Certificate has expired"}
			return nil
		}

		result = &HeartbeatResult{Status: domain.HeartbeatOK}
		if in.CertID != m.CertID && m.Certificate != "" {
			result.CertUpdate = []byte(m.Certificate)
			result.Message = "Certificate updated"
		}
		return s.audit(q, ActionHeartbeatSuccess, &m.CustomerID, &m.ID, in.IPAddress, map[string]any{
			"app_version": in.AppVersion,
			"status":      in.Status,
			"cert_update": result.CertUpdate != nil,
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat failed")
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	s.metrics.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("status", result.Status)))
	s.logger.DebugContext(ctx, "Heartbeat processed",
		slog.String("machine_id", in.MachineID),
		slog.String("status", result.Status),
		slog.Bool("cert_update", result.CertUpdate != nil),
	)
	return result, nil
}

// Validate checks a presented certificate against the authority's records
func (s *Service) Validate(ctx context.Context, data []byte, service, ip string) (*ValidationResult, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "authority.Validate")
	defer span.End()

	result, err := s.validate(ctx, data, service)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var customerID, machineID *string
	if result.Certificate != nil {
		customerID, machineID = &result.Certificate.CustomerID, &result.Certificate.MachineID
	}
	details := map[string]any{"reason": result.Reason, "service": service}
	if err := s.audit(s.store.Read(ctx), ActionValidationChecked, customerID, machineID, ip, details); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit failed")
		return nil, fmt.Errorf("validate: %w", err)
	}

	s.metrics.Validations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", result.Reason)))
	return result, nil
}

func (s *Service) validate(ctx context.Context, data []byte, service string) (*ValidationResult, error) {
	cert, err := s.verifier.VerifyBytes(data)
	if err != nil {
		return &ValidationResult{Reason: "invalid_signature", Details: map[string]any{"error": err.Error()}}, nil
	}

	q := s.store.Read(ctx)
	m, err := q.MachineByID(cert.MachineID, false)
	if errors.Is(err, apperrors.ErrMachineNotFound) {
		return &ValidationResult{Reason: domain.ReasonMachineNotFound, Certificate: cert}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if m.Status == StatusRevoked {
		return &ValidationResult{Reason: "revoked", Certificate: cert}, nil
	}

	customer, err := q.CustomerByID(m.CustomerID, false)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if customer.Revoked {
		return &ValidationResult{Reason: domain.ReasonCustomerRevoked, Certificate: cert}, nil
	}

	now := s.clock()
	details := map[string]any{
		"cert_id":        cert.CertID,
		"tier":           cert.Tier,
		"expires_at":     cert.ExpiresAt.Format(time.RFC3339),
		"days_remaining": cert.DaysRemaining(now),
	}
	if cert.CertID != m.CertID {
		details["superseded_by"] = m.CertID
	}

	if cert.Expired(now) {
		graceEnd := cert.ExpiresAt.Add(time.Duration(s.graceDays) * day)
		if now.After(graceEnd) {
			return &ValidationResult{Reason: "expired", Certificate: cert, Details: details}, nil
		}
		details["in_grace"] = true
		details["grace_ends_at"] = graceEnd.Format(time.RFC3339)
	}

	if service != "" && !cert.Entitlements.Allows(service) {
		return &ValidationResult{Reason: "service_not_allowed", Certificate: cert, Details: details}, nil
	}

	return &ValidationResult{Valid: true, Reason: "valid", Certificate: cert, Details: details}, nil
}

// CreateCustomer registers a customer, generating a product key when none
// is given
func (s *Service) CreateCustomer(ctx context.Context, in CreateCustomerInput) (*Customer, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "authority.CreateCustomer")
	defer span.End()

	tier := in.Tier
	if tier == "" {
		tier = s.defaultTier
	}
	t, ok := certificate.LookupTier(tier)
	if !ok {
		return nil, apperrors.NewValidationErrors([]apperrors.ValidationError{{Field: "tier", Message: "unknown tier"}})
	}

	limit := in.MachineLimit
	if limit == 0 {
		limit = DefaultMachineLimit
	}
	validDays := in.ValidDays
	if validDays == 0 {
		validDays = DefaultValidDays
	}
	var invalid []apperrors.ValidationError
	if limit < 1 || limit > MaxMachineLimit {
		invalid = append(invalid, apperrors.ValidationError{Field: "machine_limit", Message: "must be between 1 and 100"})
	}
	if validDays < 1 || validDays > MaxValidDays {
		invalid = append(invalid, apperrors.ValidationError{Field: "valid_days", Message: "must be between 1 and 3650"})
	}

	key := productkey.Normalize(in.ProductKey)
	if key != "" {
		if err := productkey.Validate(key); err != nil {
			invalid = append(invalid, apperrors.ValidationError{Field: "product_key", Message: err.Error()})
		}
	}
	if len(invalid) > 0 {
		return nil, apperrors.NewValidationErrors(invalid)
	}

	services := t.Services
	if len(in.AllowedServices) > 0 {
		services = slices.Clone(in.AllowedServices)
	}

	now := s.clock()
	customer := &Customer{
		ID:              uuid.NewString(),
		CompanyName:     in.CompanyName,
		Tier:            t.Name,
		MachineLimit:    limit,
		ValidDays:       validDays,
		AllowedServices: datatypes.JSONSlice[string](services),
		Notes:           in.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Generated keys can collide; retry a few times with a fresh key.
	for attempt := 0; attempt < 5; attempt++ {
		customer.ProductKey = key
		if key == "" {
			generated, err := productkey.Generate(in.CompanyName, now.Year())
			if err != nil {
				return nil, err
			}
			customer.ProductKey = generated
		}

		err := s.store.Tx(ctx, func(q *Queries) error {
			if err := q.CreateCustomer(customer); err != nil {
				return err
			}
			return s.audit(q, ActionCustomerCreated, &customer.ID, nil, in.IPAddress, map[string]any{
				"company_name":  customer.CompanyName,
				"tier":          customer.Tier,
				"machine_limit": customer.MachineLimit,
			})
		})
		if err == nil {
			s.logger.InfoContext(ctx, "Customer created",
				slog.String("customer_id", customer.ID),
				slog.String("product_key", infrastructure.MaskSecret(customer.ProductKey)),
				slog.String("tier", customer.Tier),
			)
			return customer, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("create customer: %w", err)
		}
		if key != "" {
			return nil, fmt.Errorf("product key %s: %w", infrastructure.MaskSecret(key), apperrors.ErrConflict)
		}
	}
	return nil, fmt.Errorf("could not generate a unique product key: %w", apperrors.ErrConflict)
}

// ListCustomers returns a page of customers with their active machine counts
func (s *Service) ListCustomers(ctx context.Context, offset, limit int) ([]CustomerDetails, int64, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.store.Read(ctx)
	customers, total, err := q.ListCustomers(offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list customers: %w", err)
	}

	ids := make([]string, len(customers))
	for i, c := range customers {
		ids[i] = c.ID
	}
	counts, err := q.ActiveCounts(ids)
	if err != nil {
		return nil, 0, fmt.Errorf("count machines: %w", err)
	}

	out := make([]CustomerDetails, len(customers))
	for i, c := range customers {
		out[i] = CustomerDetails{Customer: c, ActiveCount: counts[c.ID]}
	}
	return out, total, nil
}

// GetCustomer returns a customer with all its machines
func (s *Service) GetCustomer(ctx context.Context, id string) (*CustomerDetails, error) {
	q := s.store.Read(ctx)
	c, err := q.CustomerByID(id, false)
	if err != nil {
		return nil, err
	}
	machines, err := q.MachinesForCustomer(id)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}

	active := 0
	for _, m := range machines {
		if m.Status == StatusActive {
			active++
		}
	}
	return &CustomerDetails{Customer: *c, Machines: machines, ActiveCount: active}, nil
}

// AuditLog returns audit entries, newest first
func (s *Service) AuditLog(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error) {
	return s.store.Read(ctx).AuditEntries(filter)
}

// PublicKeyPEM returns the verification key agents pin
func (s *Service) PublicKeyPEM() ([]byte, error) {
	return certificate.EncodePublicKeyPEM(s.signer.PublicKey())
}

// Ready reports whether the store is reachable
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) issue(customer *Customer, m *Machine, ent certificate.Entitlements, tier string, issued, expires time.Time, parent string) (*certificate.Certificate, []byte, error) {
	cert, err := certificate.New(certificate.Params{
		CustomerID:         customer.ID,
		CustomerName:       customer.CompanyName,
		MachineID:          m.ID,
		MachineFingerprint: m.Fingerprint,
		Hostname:           m.Hostname,
		Tier:               tier,
		Entitlements:       ent,
		MachineLimit:       customer.MachineLimit,
		ParentCertID:       parent,
		IssuedAt:           issued,
		ExpiresAt:          expires,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := s.signer.Sign(cert); err != nil {
		return nil, nil, err
	}
	encoded, err := certificate.Encode(cert)
	if err != nil {
		return nil, nil, err
	}
	return cert, encoded, nil
}

func applyCertificate(m *Machine, cert *certificate.Certificate, encoded []byte) {
	m.Status = StatusActive
	m.CertID = cert.CertID
	m.Certificate = string(encoded)
	m.ExpiresAt = cert.ExpiresAt
	m.RevokedAt = nil
	m.RevokeReason = ""
}

func (s *Service) audit(q *Queries, action string, customerID, machineID *string, ip string, details map[string]any) error {
	entry := &AuditLogEntry{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		MachineID:  machineID,
		Action:     action,
		Details:    datatypes.JSONMap(details),
		IPAddress:  ip,
		CreatedAt:  s.now().UTC(),
	}
	if err := q.AppendAudit(entry); err != nil {
		return fmt.Errorf("append audit entry %s: %w", action, err)
	}
	return nil
}
