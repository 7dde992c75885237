package certificate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// decoders maps a format version to its strict decoder.
var decoders = map[int]func([]byte) (*Certificate, error){
	FormatV1: decodeV1,
}

// certificateV1 is the wire layout of a version 1 certificate.
type certificateV1 struct {
	Version            int            `json:"version"`
	CertID             string         `json:"cert_id"`
	CustomerID         string         `json:"customer_id"`
	CustomerName       string         `json:"customer_name"`
	MachineID          string         `json:"machine_id"`
	MachineFingerprint string         `json:"machine_fingerprint"`
	Hostname           string         `json:"hostname"`
	IssuedAt           string         `json:"issued_at"`
	ExpiresAt          string         `json:"expires_at"`
	Tier               string         `json:"tier"`
	Entitlements       entitlementsV1 `json:"entitlements"`
	MachineLimit       int            `json:"machine_limit"`
	ParentCertID       *string        `json:"parent_cert_id,omitempty"`
	Signature          *string        `json:"signature,omitempty"`
}

type entitlementsV1 struct {
	Services    []string `json:"services"`
	MaxSessions int      `json:"max_sessions"`
	RateLimit   int      `json:"rate_limit"`
}

var (
	v1Required = []string{
		"version", "cert_id", "customer_id", "customer_name", "machine_id",
		"machine_fingerprint", "hostname", "issued_at", "expires_at", "tier",
		"entitlements", "machine_limit",
	}
	v1Optional             = []string{"parent_cert_id", "signature"}
	entitlementsV1Required = []string{"services", "max_sessions", "rate_limit"}
)

// Decode parses a certificate document. The version tag is read first and the
// rest of the document is handed to that version's decoder, which rejects
// unknown fields.
func Decode(data []byte) (*Certificate, error) {
	var tag struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if tag.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	}

	decode, ok := decoders[*tag.Version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, *tag.Version)
	}
	return decode(data)
}

// Encode returns the signed document: the canonical form including the
// signature field.
func Encode(c *Certificate) ([]byte, error) {
	return canonicalJSON(toV1(c, true))
}

// CanonicalBytes returns the bytes that are signed: every field except the
// signature, keys sorted, no insignificant whitespace, no HTML escaping.
func CanonicalBytes(c *Certificate) ([]byte, error) {
	return canonicalJSON(toV1(c, false))
}

func toV1(c *Certificate, withSignature bool) certificateV1 {
	services := c.Entitlements.Services
	if services == nil {
		services = []string{}
	}

	doc := certificateV1{
		Version:            c.Version,
		CertID:             c.CertID,
		CustomerID:         c.CustomerID,
		CustomerName:       c.CustomerName,
		MachineID:          c.MachineID,
		MachineFingerprint: c.MachineFingerprint,
		Hostname:           c.Hostname,
		IssuedAt:           formatTime(c.IssuedAt),
		ExpiresAt:          formatTime(c.ExpiresAt),
		Tier:               c.Tier,
		Entitlements: entitlementsV1{
			Services:    services,
			MaxSessions: c.Entitlements.MaxSessions,
			RateLimit:   c.Entitlements.RateLimit,
		},
		MachineLimit: c.MachineLimit,
	}
	if c.ParentCertID != "" {
		parent := c.ParentCertID
		doc.ParentCertID = &parent
	}
	if withSignature && c.Signature != "" {
		sig := c.Signature
		doc.Signature = &sig
	}
	return doc
}

func decodeV1(data []byte) (*Certificate, error) {
	// encoding/json matches field names case-insensitively, so key spelling
	// is checked on the raw object first.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := checkKeys(raw, v1Required, v1Optional); err != nil {
		return nil, err
	}
	var rawEnt map[string]json.RawMessage
	if err := json.Unmarshal(raw["entitlements"], &rawEnt); err != nil {
		return nil, fmt.Errorf("%w: entitlements: %v", ErrMalformed, err)
	}
	if err := checkKeys(rawEnt, entitlementsV1Required, nil); err != nil {
		return nil, fmt.Errorf("entitlements: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var doc certificateV1
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	issued, err := parseTime(doc.IssuedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: issued_at: %v", ErrMalformed, err)
	}
	expires, err := parseTime(doc.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: expires_at: %v", ErrMalformed, err)
	}
	if doc.Entitlements.Services == nil {
		return nil, fmt.Errorf("%w: entitlements.services must be a list", ErrMalformed)
	}

	c := &Certificate{
		Version:            doc.Version,
		CertID:             doc.CertID,
		CustomerID:         doc.CustomerID,
		CustomerName:       doc.CustomerName,
		MachineID:          doc.MachineID,
		MachineFingerprint: doc.MachineFingerprint,
		Hostname:           doc.Hostname,
		IssuedAt:           issued,
		ExpiresAt:          expires,
		Tier:               doc.Tier,
		Entitlements: Entitlements{
			Services:    doc.Entitlements.Services,
			MaxSessions: doc.Entitlements.MaxSessions,
			RateLimit:   doc.Entitlements.RateLimit,
		},
		MachineLimit: doc.MachineLimit,
	}
	if doc.ParentCertID != nil {
		c.ParentCertID = *doc.ParentCertID
	}
	if doc.Signature != nil {
		c.Signature = *doc.Signature
	}
	return c, nil
}

func checkKeys(raw map[string]json.RawMessage, required, optional []string) error {
	allowed := make(map[string]bool, len(required)+len(optional))
	for _, k := range required {
		allowed[k] = true
		if _, ok := raw[k]; !ok {
			return fmt.Errorf("%w: missing field %q", ErrMalformed, k)
		}
	}
	for _, k := range optional {
		allowed[k] = true
	}
	for k := range raw {
		if !allowed[k] {
			return fmt.Errorf("%w: unknown field %q", ErrMalformed, k)
		}
	}
	return nil
}

// canonicalJSON re-encodes v through a generic map so keys are sorted at
// every level. encoding/json sorts map keys on output.
func canonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal certificate: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize certificate: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonicalize certificate: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// parseTime accepts only the exact form formatTime produces.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	if formatTime(t) != s {
		return time.Time{}, fmt.Errorf("timestamp %q is not UTC with second precision", s)
	}
	return t.UTC(), nil
}
