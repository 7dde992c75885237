package license

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/files"
	"github.com/DhaneshPachipulusu/license-poc/internal/security"
)

// Files kept in the state directory
const (
	CertificateFile    = "certificate.dat"
	HeartbeatStateFile = "heartbeat_state.json"
	PublicKeyFile      = "public_key.pem"
)

// ErrHeartbeatStateCorrupt means heartbeat_state.json exists but cannot be
// decoded. Readers must treat it as revoked.
var ErrHeartbeatStateCorrupt = errors.New("heartbeat state is corrupt")

// HeartbeatState is what the agent last heard from the authority
type HeartbeatState struct {
	LastValidatedAt time.Time  `json:"last_validated_at"`
	Revoked         bool       `json:"revoked"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	LastStatus      string     `json:"last_status,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// StateStore owns the agent's state directory. Every write is atomic.
type StateStore struct {
	files      *files.Manager
	encryption *security.EncryptionConfig

	// heartbeat state has one writer (the loop) and many readers
	hbMu sync.RWMutex
	// certificate replacement and reads must not interleave
	certMu sync.RWMutex
}

// NewStateStore opens or creates the state directory
func NewStateStore(dir string, encryption *security.EncryptionConfig) (*StateStore, error) {
	if encryption == nil {
		encryption = security.DefaultEncryptionConfig()
	}
	if err := security.ValidateEncryptionConfig(encryption); err != nil {
		return nil, err
	}

	fm := files.NewManager(dir)
	if err := fm.EnsureDirectory(); err != nil {
		return nil, err
	}
	return &StateStore{files: fm, encryption: encryption}, nil
}

// Dir returns the state directory
func (s *StateStore) Dir() string {
	return s.files.BaseDir()
}

// HasCertificate reports whether a certificate file exists
func (s *StateStore) HasCertificate() bool {
	s.certMu.RLock()
	defer s.certMu.RUnlock()
	return s.files.FileExists(CertificateFile)
}

// SaveCertificate encrypts the encoded certificate under fingerprint and
// replaces the stored one
func (s *StateStore) SaveCertificate(encoded []byte, fingerprint string) error {
	blob, err := security.EncryptWithFingerprint(encoded, fingerprint, s.encryption)
	if err != nil {
		return fmt.Errorf("encrypt certificate: %w", err)
	}

	s.certMu.Lock()
	defer s.certMu.Unlock()
	return s.files.WriteFileAtomic(CertificateFile, blob, 0o600)
}

// LoadCertificate returns the decrypted certificate bytes. A missing file is
// apperrors.ErrNotActivated; an unreadable envelope is
// security.ErrCorruptPayload; a key mismatch is security.ErrDecrypt.
func (s *StateStore) LoadCertificate(fingerprint string) ([]byte, error) {
	s.certMu.RLock()
	blob, err := s.files.ReadFile(CertificateFile)
	s.certMu.RUnlock()

	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.ErrNotActivated
	}
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	return security.DecryptWithFingerprint(blob, fingerprint, s.encryption)
}

// HeartbeatState returns the stored heartbeat state, zero when none exists
func (s *StateStore) HeartbeatState() (HeartbeatState, error) {
	s.hbMu.RLock()
	defer s.hbMu.RUnlock()
	return s.readHeartbeatState()
}

// UpdateHeartbeatState applies fn to the stored state and writes it back.
// A damaged file is replaced starting from a revoked state, so only an
// explicit ok from the authority clears it.
func (s *StateStore) UpdateHeartbeatState(now time.Time, fn func(*HeartbeatState)) (HeartbeatState, error) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	st, err := s.readHeartbeatState()
	switch {
	case errors.Is(err, ErrHeartbeatStateCorrupt):
		revokedAt := now.UTC()
		st = HeartbeatState{Revoked: true, RevokedAt: &revokedAt}
	case err != nil:
		return st, err
	}
	fn(&st)
	st.UpdatedAt = now.UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return st, fmt.Errorf("encode heartbeat state: %w", err)
	}
	if err := s.files.WriteFileAtomic(HeartbeatStateFile, data, 0o600); err != nil {
		return st, err
	}
	return st, nil
}

func (s *StateStore) readHeartbeatState() (HeartbeatState, error) {
	var st HeartbeatState
	data, err := s.files.ReadFile(HeartbeatStateFile)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read heartbeat state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return HeartbeatState{}, fmt.Errorf("%w: %v", ErrHeartbeatStateCorrupt, err)
	}
	return st, nil
}

// SavePublicKey pins the authority's verification key
func (s *StateStore) SavePublicKey(pemBytes []byte) error {
	if _, err := certificate.ParsePublicKeyPEM(pemBytes); err != nil {
		return err
	}
	return s.files.WriteFileAtomic(PublicKeyFile, pemBytes, 0o644)
}

// PublicKey returns the pinned verification key
func (s *StateStore) PublicKey() (*rsa.PublicKey, error) {
	data, err := s.files.ReadFile(PublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return certificate.ParsePublicKeyPEM(data)
}

// HasPublicKey reports whether a verification key is pinned
func (s *StateStore) HasPublicKey() bool {
	return s.files.FileExists(PublicKeyFile)
}

// Clear removes the certificate and heartbeat state. The pinned key and the
// fingerprint cache stay.
func (s *StateStore) Clear() error {
	s.certMu.Lock()
	defer s.certMu.Unlock()
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	if err := s.files.DeleteFile(CertificateFile); err != nil {
		return err
	}
	return s.files.DeleteFile(HeartbeatStateFile)
}
