package license

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/infrastructure"
	"github.com/DhaneshPachipulusu/license-poc/internal/productkey"
	"github.com/DhaneshPachipulusu/license-poc/internal/security"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

// ActivationResult is the outcome of Manager.Activate. A refusal by the
// authority is a result with Success false, not an error.
type ActivationResult struct {
	Success        bool
	Reason         string
	Message        string
	Certificate    *certificate.Certificate
	ActiveMachines []domain.MachineSummary
}

// UpgradeOptions are the changes requested by Manager.Upgrade
type UpgradeOptions struct {
	AdditionalDays     int
	NewTier            string
	NewMachineLimit    int
	AdditionalServices []string
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithAuthorityClient replaces the HTTP client
func WithAuthorityClient(c AuthorityClient) ManagerOption {
	return func(m *Manager) { m.client = c }
}

// WithFingerprintSource replaces the hardware fingerprint manager
func WithFingerprintSource(src FingerprintSource) ManagerOption {
	return func(m *Manager) { m.fingerprints = src }
}

// WithManagerClock replaces time.Now
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithAgentMetrics records OpenTelemetry metrics
func WithAgentMetrics(metrics *AgentMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEncryption overrides the at-rest key derivation parameters
func WithEncryption(cfg *security.EncryptionConfig) ManagerOption {
	return func(m *Manager) { m.encryption = cfg }
}

// WithRevocationHook is called once when the authority revokes this machine
func WithRevocationHook(fn func(ctx context.Context, state HeartbeatState)) ManagerOption {
	return func(m *Manager) { m.onRevoked = fn }
}

// Manager is the agent's entry point: activation, offline validation and the
// heartbeat loop over one state directory
type Manager struct {
	cfg          config.AgentConfig
	state        *StateStore
	fingerprints FingerprintSource
	client       AuthorityClient
	encryption   *security.EncryptionConfig
	metrics      *AgentMetrics
	logger       *slog.Logger
	now          func() time.Time
	onRevoked    func(ctx context.Context, state HeartbeatState)
	cache        *verdictCache

	mu        sync.Mutex
	verifier  *certificate.Verifier
	validator *Validator
}

// NewManager opens the state directory and loads the pinned public key if
// one exists
func NewManager(cfg config.AgentConfig, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		metrics: NoopAgentMetrics(),
		logger:  logger.With(slog.String("component", "license_manager")),
		now:     time.Now,
		cache:   newVerdictCache(cfg.RecheckInterval),
	}
	for _, opt := range opts {
		opt(m)
	}

	state, err := NewStateStore(cfg.StateDir, m.encryption)
	if err != nil {
		return nil, fmt.Errorf("open state directory: %w", err)
	}
	m.state = state

	if m.fingerprints == nil {
		m.fingerprints = security.NewFingerprintManager(cfg.StateDir, security.WithFingerprintLogger(logger))
	}
	if m.client == nil {
		m.client = NewClient(cfg.ServerURL, cfg.RequestTimeout, logger).WithAdminToken(cfg.AdminToken)
	}

	if state.HasPublicKey() {
		pub, err := state.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("load pinned public key: %w", err)
		}
		if err := m.initVerifierLocked(pub); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// State exposes the state store
func (m *Manager) State() *StateStore {
	return m.state
}

func (m *Manager) initVerifierLocked(pub *rsa.PublicKey) error {
	verifier, err := certificate.NewVerifier(pub)
	if err != nil {
		return err
	}
	validator := NewValidator(m.state, m.fingerprints, verifier, m.cfg.GracePeriod, m.logger)
	validator.SetClock(m.now)

	m.verifier = verifier
	m.validator = validator
	return nil
}

// ensureVerifier pins the authority's key on first use
func (m *Manager) ensureVerifier(ctx context.Context) (*certificate.Verifier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifier != nil {
		return m.verifier, nil
	}

	pemBytes, err := m.client.PublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch public key: %w", err)
	}
	pub, err := certificate.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", apperrors.ErrAuthorityResponse, err)
	}
	if err := m.state.SavePublicKey(pemBytes); err != nil {
		return nil, fmt.Errorf("pin public key: %w", err)
	}
	if err := m.initVerifierLocked(pub); err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "Pinned license authority public key", slog.String("state_dir", m.state.Dir()))
	return m.verifier, nil
}

func (m *Manager) currentValidator() *Validator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validator
}

// Activate exchanges a product key for a certificate bound to this machine
func (m *Manager) Activate(ctx context.Context, key string) (*ActivationResult, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.activate")
	defer span.End()

	key = productkey.Normalize(key)
	span.SetAttributes(attribute.String("product_key", infrastructure.MaskSecret(key)))

	if err := productkey.Validate(key); err != nil {
		m.metrics.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", domain.ReasonInvalidKeyFormat)))
		return &ActivationResult{Reason: domain.ReasonInvalidKeyFormat, Message: "Invalid product key format"}, nil
	}

	verifier, err := m.ensureVerifier(ctx)
	if err != nil {
		return nil, m.activationError(ctx, span, err)
	}
	fingerprint, err := m.fingerprints.Current(ctx)
	if err != nil {
		return nil, m.activationError(ctx, span, fmt.Errorf("fingerprint: %w", err))
	}
	hostname, err := security.GetHostname()
	if err != nil {
		hostname = "unknown"
	}

	m.logger.InfoContext(ctx, "Activating license",
		slog.String("product_key", infrastructure.MaskSecret(key)),
		slog.String("hostname", hostname),
	)
	resp, err := m.client.Activate(ctx, domain.ActivateRequest{
		ProductKey:         key,
		MachineFingerprint: fingerprint,
		Hostname:           hostname,
		OSInfo:             security.OSInfo(),
		AppVersion:         m.cfg.AppVersion,
	})
	if err != nil {
		return nil, m.activationError(ctx, span, err)
	}

	if !resp.Success {
		m.metrics.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", resp.Error)))
		m.logger.WarnContext(ctx, "Activation refused",
			slog.String("reason", resp.Error),
			slog.String("message", resp.Message),
			slog.Int("active_machines", len(resp.ActiveMachines)),
		)
		return &ActivationResult{
			Reason:         resp.Error,
			Message:        resp.Message,
			ActiveMachines: resp.ActiveMachines,
		}, nil
	}

	cert, err := m.storeCertificate(ctx, verifier, resp.Certificate, fingerprint)
	if err != nil {
		return nil, m.activationError(ctx, span, err)
	}

	m.metrics.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "activated")))
	m.logger.InfoContext(ctx, "License activated",
		slog.String("cert_id", cert.CertID),
		slog.String("tier", cert.Tier),
		slog.Time("expires_at", cert.ExpiresAt),
		slog.String("message", resp.Message),
	)
	return &ActivationResult{Success: true, Message: resp.Message, Certificate: cert}, nil
}

func (m *Manager) activationError(ctx context.Context, span trace.Span, err error) error {
	m.metrics.ActivationAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "error")))
	span.RecordError(err)
	span.SetStatus(codes.Error, "activation failed")
	m.logger.ErrorContext(ctx, "Activation failed", slog.String("error", err.Error()))
	return fmt.Errorf("activate: %w", err)
}

// storeCertificate verifies an issued certificate against the pinned key and
// this machine, then persists it and marks the license freshly validated
func (m *Manager) storeCertificate(ctx context.Context, verifier *certificate.Verifier, data []byte, fingerprint string) (*certificate.Certificate, error) {
	cert, err := verifier.VerifyBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrCertificateRejected, err)
	}
	if !security.SecureCompare([]byte(cert.MachineFingerprint), []byte(fingerprint)) {
		return nil, fmt.Errorf("%w: issued for another machine", apperrors.ErrCertificateRejected)
	}

	if err := m.state.SaveCertificate(data, fingerprint); err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}
	now := m.now().UTC()
	if _, err := m.state.UpdateHeartbeatState(now, func(st *HeartbeatState) {
		st.LastValidatedAt = now
		st.Revoked = false
		st.RevokedAt = nil
		st.LastStatus = domain.HeartbeatOK
	}); err != nil {
		return nil, fmt.Errorf("store heartbeat state: %w", err)
	}
	m.cache.Invalidate()
	return cert, nil
}

// Upgrade asks the authority to renew or upgrade this machine's certificate
func (m *Manager) Upgrade(ctx context.Context, opts UpgradeOptions) (*ActivationResult, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.upgrade")
	defer span.End()

	verifier, err := m.ensureVerifier(ctx)
	if err != nil {
		return nil, err
	}
	fingerprint, err := m.fingerprints.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	resp, err := m.client.Upgrade(ctx, domain.UpgradeRequest{
		MachineFingerprint: fingerprint,
		AdditionalDays:     opts.AdditionalDays,
		NewTier:            opts.NewTier,
		NewMachineLimit:    opts.NewMachineLimit,
		AdditionalServices: opts.AdditionalServices,
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	if !resp.Success {
		m.logger.WarnContext(ctx, "Upgrade refused", slog.String("reason", resp.Error), slog.String("message", resp.Message))
		return &ActivationResult{Reason: resp.Error, Message: resp.Message}, nil
	}

	cert, err := m.storeCertificate(ctx, verifier, resp.Certificate, fingerprint)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	m.logger.InfoContext(ctx, "License upgraded",
		slog.String("cert_id", cert.CertID),
		slog.String("parent_cert_id", cert.ParentCertID),
		slog.Time("expires_at", cert.ExpiresAt),
	)
	return &ActivationResult{Success: true, Message: resp.Message, Certificate: cert}, nil
}

// EnsureActivated activates with key when no certificate is stored. It
// returns the current verdict either way.
func (m *Manager) EnsureActivated(ctx context.Context, key string) (*Verdict, error) {
	if m.state.HasCertificate() || key == "" {
		return m.Validate(ctx), nil
	}
	res, err := m.Activate(ctx, key)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s: %s", apperrors.ErrNotActivated, res.Reason, res.Message)
	}
	return m.Validate(ctx), nil
}

// Validate returns the offline verdict, served from cache while fresh
func (m *Manager) Validate(ctx context.Context) *Verdict {
	now := m.now().UTC()
	if v, ok := m.cache.Get(now); ok {
		return v
	}

	validator := m.currentValidator()
	var v *Verdict
	if validator == nil {
		v = &Verdict{
			Reason:       ReasonNotActivated,
			Entitlements: certificate.Entitlements{Services: []string{}},
			CheckedAt:    now,
		}
	} else {
		v = validator.Validate(ctx)
	}

	m.metrics.Validations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", v.Reason)))
	m.cache.Set(v)
	return v
}

// Status renders the verdict for the sidecar
func (m *Manager) Status(ctx context.Context) domain.LicenseStatus {
	v := m.Validate(ctx)
	status := domain.LicenseStatus{
		Valid:         v.Valid,
		Reason:        v.Reason,
		Mode:          v.Mode,
		DaysRemaining: v.DaysRemaining,
		CheckedAt:     v.CheckedAt,
	}
	if c := v.Certificate; c != nil {
		status.CertID = c.CertID
		status.CustomerName = c.CustomerName
		status.Tier = c.Tier
		status.ExpiresAt = c.ExpiresAt
		status.ExpiresIn = humanize.RelTime(v.CheckedAt, c.ExpiresAt, "remaining", "ago")
	}
	if v.Mode == ModeOfflineGrace {
		status.GraceRemaining = humanize.RelTime(v.CheckedAt, v.CheckedAt.Add(v.GraceRemaining), "remaining", "")
	}
	if !v.LastValidated.IsZero() {
		status.LastValidated = humanize.RelTime(v.LastValidated, v.CheckedAt, "ago", "")
	}
	return status
}

// Features lists the entitlements of a valid license
func (m *Manager) Features(ctx context.Context) domain.LicenseFeatures {
	v := m.Validate(ctx)
	return domain.LicenseFeatures{
		Valid:       v.Valid,
		Services:    v.Entitlements.Services,
		MaxSessions: v.Entitlements.MaxSessions,
		RateLimit:   v.Entitlements.RateLimit,
	}
}

// Expiry reports the certificate's own expiry, independent of grace
func (m *Manager) Expiry(ctx context.Context) domain.LicenseExpiry {
	v := m.Validate(ctx)
	c := v.Certificate
	if c == nil {
		return domain.LicenseExpiry{}
	}
	remaining := c.ExpiresAt.Sub(v.CheckedAt)
	if remaining < 0 {
		remaining = 0
	}
	return domain.LicenseExpiry{
		Valid:            remaining > 0,
		ExpiresAt:        c.ExpiresAt,
		RemainingSeconds: int64(remaining / time.Second),
		ExpiresIn:        humanize.RelTime(v.CheckedAt, c.ExpiresAt, "remaining", "ago"),
	}
}

// ServiceAccess reports whether service may run
func (m *Manager) ServiceAccess(ctx context.Context, service string) domain.ServiceAccess {
	v := m.Validate(ctx)
	access := domain.ServiceAccess{Service: service, Allowed: v.Allows(service)}
	switch {
	case !v.Valid:
		access.Reason = v.Reason
	case !access.Allowed:
		access.Reason = "service_not_allowed"
	}
	return access
}

// NewHeartbeat builds the heartbeat loop. The license must be activated so
// that a verification key is pinned.
func (m *Manager) NewHeartbeat(opts ...HeartbeatOption) (*Heartbeat, error) {
	m.mu.Lock()
	verifier := m.verifier
	m.mu.Unlock()
	if verifier == nil {
		return nil, apperrors.ErrNotActivated
	}

	base := []HeartbeatOption{
		WithInterval(m.cfg.HeartbeatInterval),
		WithAppVersion(m.cfg.AppVersion),
		WithHeartbeatClock(m.now),
		WithHeartbeatMetrics(m.metrics),
		WithOnRevoked(m.onRevoked),
		withStateChange(m.cache.Invalidate),
	}
	return NewHeartbeat(m.client, m.state, m.fingerprints, verifier, m.logger, append(base, opts...)...), nil
}

// Deactivate forgets the local certificate and heartbeat state
func (m *Manager) Deactivate(ctx context.Context) error {
	if err := m.state.Clear(); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	m.cache.Invalidate()
	m.logger.InfoContext(ctx, "License deactivated", slog.String("state_dir", m.state.Dir()))
	return nil
}

// CacheStats reports verdict cache usage
func (m *Manager) CacheStats() map[string]interface{} {
	return m.cache.Stats()
}
