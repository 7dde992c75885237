// Package certificate defines the signed license certificate, its versioned
// wire format and the RSA-PSS signature protocol shared by the authority and
// the agent.
package certificate

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// FormatV1 is the only certificate format this build understands.
const FormatV1 = 1

// UnlimitedSessions is the MaxSessions value meaning no session cap.
const UnlimitedSessions = -1

var (
	ErrUnsupportedVersion = errors.New("unsupported certificate format version")
	ErrMalformed          = errors.New("malformed certificate")
	ErrInvalidSignature   = errors.New("invalid certificate signature")
	ErrWeakKey            = errors.New("rsa key too small")
)

// Entitlements is what a certificate allows the host application to do.
type Entitlements struct {
	Services    []string `json:"services"`
	MaxSessions int      `json:"max_sessions"`
	RateLimit   int      `json:"rate_limit"`
}

// Allows reports whether service is in the entitlement list.
func (e Entitlements) Allows(service string) bool {
	return slices.Contains(e.Services, service)
}

// Certificate is the decoded form of a signed license certificate. Times are
// always UTC with second precision.
type Certificate struct {
	Version            int
	CertID             string
	CustomerID         string
	CustomerName       string
	MachineID          string
	MachineFingerprint string
	Hostname           string
	IssuedAt           time.Time
	ExpiresAt          time.Time
	Tier               string
	Entitlements       Entitlements
	MachineLimit       int
	ParentCertID       string
	Signature          string
}

// Params are the inputs to New.
type Params struct {
	CustomerID         string
	CustomerName       string
	MachineID          string
	MachineFingerprint string
	Hostname           string
	Tier               string
	Entitlements       Entitlements
	MachineLimit       int
	ParentCertID       string
	IssuedAt           time.Time
	ValidFor           time.Duration
	ExpiresAt          time.Time
}

// New builds an unsigned certificate with a fresh id. ExpiresAt wins over
// ValidFor when both are set.
func New(p Params) (*Certificate, error) {
	id, err := NewCertID()
	if err != nil {
		return nil, err
	}

	issued := normalizeTime(p.IssuedAt)
	expires := normalizeTime(p.ExpiresAt)
	if p.ExpiresAt.IsZero() {
		expires = normalizeTime(issued.Add(p.ValidFor))
	}
	if !expires.After(issued) {
		return nil, fmt.Errorf("certificate expiry %s is not after issue time %s", expires, issued)
	}

	services := slices.Clone(p.Entitlements.Services)
	if services == nil {
		services = []string{}
	}

	return &Certificate{
		Version:            FormatV1,
		CertID:             id,
		CustomerID:         p.CustomerID,
		CustomerName:       p.CustomerName,
		MachineID:          p.MachineID,
		MachineFingerprint: p.MachineFingerprint,
		Hostname:           p.Hostname,
		IssuedAt:           issued,
		ExpiresAt:          expires,
		Tier:               p.Tier,
		Entitlements: Entitlements{
			Services:    services,
			MaxSessions: p.Entitlements.MaxSessions,
			RateLimit:   p.Entitlements.RateLimit,
		},
		MachineLimit: p.MachineLimit,
		ParentCertID: p.ParentCertID,
	}, nil
}

// NewCertID returns "CERT-" followed by 16 upper-case hex characters.
func NewCertID() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate certificate id: %w", err)
	}
	return "CERT-" + strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// Expired reports whether the certificate is past its expiry at now.
func (c *Certificate) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// DaysRemaining returns whole days until expiry, zero once expired.
func (c *Certificate) DaysRemaining(now time.Time) int {
	if c.Expired(now) {
		return 0
	}
	return int(c.ExpiresAt.Sub(now) / (24 * time.Hour))
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
