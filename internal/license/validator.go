package license

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/security"
)

// Verdict reasons
const (
	ReasonValid            = "valid"
	ReasonNotActivated     = "not_activated"
	ReasonInvalidSignature = "invalid_signature"
	ReasonMachineMismatch  = "machine_mismatch"
	ReasonExpired          = "expired"
	ReasonRevoked          = "revoked"
)

// Validation modes of a passing verdict
const (
	ModeOnline       = "online"
	ModeOfflineGrace = "offline_grace"
)

// DefaultGracePeriod is how long an expired certificate keeps working after
// the last successful contact with the authority
const DefaultGracePeriod = 7 * 24 * time.Hour

// FingerprintSource yields the current machine fingerprint
type FingerprintSource interface {
	Current(ctx context.Context) (string, error)
}

// Verdict is the outcome of one offline validation
type Verdict struct {
	Valid          bool
	Reason         string
	Mode           string
	Certificate    *certificate.Certificate
	Entitlements   certificate.Entitlements
	DaysRemaining  int
	GraceRemaining time.Duration
	LastValidated  time.Time
	CheckedAt      time.Time
}

// Allows reports whether the verdict grants service
func (v *Verdict) Allows(service string) bool {
	return v != nil && v.Valid && v.Entitlements.Allows(service)
}

// Validator decides from local state alone whether this machine is licensed.
// It never performs network I/O.
type Validator struct {
	state        *StateStore
	fingerprints FingerprintSource
	verifier     *certificate.Verifier
	grace        time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewValidator creates a validator. A negative grace is treated as zero.
func NewValidator(state *StateStore, fingerprints FingerprintSource, verifier *certificate.Verifier, grace time.Duration, logger *slog.Logger) *Validator {
	if grace < 0 {
		grace = 0
	}
	return &Validator{
		state:        state,
		fingerprints: fingerprints,
		verifier:     verifier,
		grace:        grace,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "validator")),
	}
}

// SetClock replaces time.Now
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate runs the checks in order; the first failure decides the verdict
func (v *Validator) Validate(ctx context.Context) *Verdict {
	now := v.now().UTC()
	verdict := &Verdict{CheckedAt: now, Entitlements: certificate.Entitlements{Services: []string{}}}
	deny := func(reason string, attrs ...any) *Verdict {
		verdict.Valid = false
		verdict.Reason = reason
		verdict.Mode = ""
		v.logger.InfoContext(ctx, "License validation failed", append([]any{slog.String("reason", reason)}, attrs...)...)
		return verdict
	}

	fingerprint, err := v.fingerprints.Current(ctx)
	if err != nil {
		return deny(ReasonMachineMismatch, slog.String("error", err.Error()))
	}

	data, err := v.state.LoadCertificate(fingerprint)
	switch {
	case errors.Is(err, apperrors.ErrNotActivated):
		return deny(ReasonNotActivated)
	case errors.Is(err, security.ErrDecrypt):
		return deny(ReasonMachineMismatch, slog.String("error", err.Error()))
	case err != nil:
		return deny(ReasonNotActivated, slog.String("error", err.Error()))
	}

	cert, err := v.verifier.VerifyBytes(data)
	if err != nil {
		return deny(ReasonInvalidSignature, slog.String("error", err.Error()))
	}
	verdict.Certificate = cert

	if !security.SecureCompare([]byte(cert.MachineFingerprint), []byte(fingerprint)) {
		return deny(ReasonMachineMismatch, slog.String("cert_id", cert.CertID))
	}

	hb, err := v.state.HeartbeatState()
	if err != nil {
		return deny(ReasonRevoked, slog.String("cert_id", cert.CertID), slog.String("error", err.Error()))
	}
	verdict.LastValidated = hb.LastValidatedAt
	verdict.DaysRemaining = cert.DaysRemaining(now)

	if cert.Expired(now) {
		if hb.LastValidatedAt.IsZero() {
			return deny(ReasonExpired, slog.String("cert_id", cert.CertID))
		}
		since := now.Sub(hb.LastValidatedAt)
		if since > v.grace {
			return deny(ReasonExpired,
				slog.String("cert_id", cert.CertID),
				slog.Duration("since_last_validated", since))
		}
		verdict.Mode = ModeOfflineGrace
		verdict.GraceRemaining = v.grace - since
	} else {
		verdict.Mode = ModeOnline
	}

	if hb.Revoked {
		return deny(ReasonRevoked, slog.String("cert_id", cert.CertID))
	}

	verdict.Valid = true
	verdict.Reason = ReasonValid
	verdict.Entitlements = cert.Entitlements
	v.logger.DebugContext(ctx, "License validated",
		slog.String("cert_id", cert.CertID),
		slog.String("mode", verdict.Mode),
		slog.Int("days_remaining", verdict.DaysRemaining),
	)
	return verdict
}
