package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrCorruptPayload means the blob is not an envelope this build can read
	ErrCorruptPayload = errors.New("encrypted payload is corrupt")
	// ErrDecrypt means the envelope is intact but the key does not open it
	ErrDecrypt = errors.New("decryption failed")
)

// payloadVersion tags the envelope layout
const payloadVersion = 1

// additionalData binds ciphertexts to this envelope format
var additionalData = []byte("license-state-v1")

// EncryptionConfig defines the key derivation and AES-GCM parameters
type EncryptionConfig struct {
	Iterations int // PBKDF2-HMAC-SHA256 rounds
	KeyLen     int // 32 for AES-256
	SaltSize   int
	NonceSize  int // 96-bit nonce for GCM
}

// EncryptedPayload is the on-disk envelope
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"` // includes the GCM tag
}

// DefaultEncryptionConfig returns the production parameters
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		Iterations: 100000,
		KeyLen:     32,
		SaltSize:   16,
		NonceSize:  12,
	}
}

// ValidateEncryptionConfig validates encryption configuration parameters
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.Iterations < 1 {
		return errors.New("Iterations must be positive")
	}
	if config.KeyLen != 32 {
		return errors.New("KeyLen must be 32 for AES-256")
	}
	if config.SaltSize < 16 {
		return errors.New("SaltSize must be at least 16")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	return nil
}

// EncryptWithFingerprint seals plaintext with a key derived from the machine
// fingerprint and a fresh random salt, returning the JSON envelope.
func EncryptWithFingerprint(plaintext []byte, fingerprint string, config *EncryptionConfig) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if fingerprint == "" {
		return nil, errors.New("fingerprint cannot be empty")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}

	salt := make([]byte, config.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	gcm, err := newGCM(fingerprint, salt, config)
	if err != nil {
		return nil, err
	}

	payload := EncryptedPayload{
		Version:    payloadVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, additionalData),
	}
	return json.Marshal(payload)
}

// DecryptWithFingerprint opens an envelope produced by EncryptWithFingerprint.
// It returns ErrCorruptPayload for blobs that cannot be parsed and ErrDecrypt
// when the fingerprint-derived key does not authenticate the ciphertext.
func DecryptWithFingerprint(blob []byte, fingerprint string, config *EncryptionConfig) ([]byte, error) {
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, err
	}

	var payload EncryptedPayload
	if err := json.Unmarshal(blob, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if payload.Version != payloadVersion {
		return nil, fmt.Errorf("%w: unsupported payload version %d", ErrCorruptPayload, payload.Version)
	}
	if len(payload.Salt) < 16 || len(payload.Nonce) != config.NonceSize || len(payload.Ciphertext) < 16 {
		return nil, fmt.Errorf("%w: truncated envelope", ErrCorruptPayload)
	}

	gcm, err := newGCM(fingerprint, payload.Salt, config)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(fingerprint string, salt []byte, config *EncryptionConfig) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(fingerprint), salt, config.Iterations, config.KeyLen, sha256.New)
	defer clearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// clearBytes zeroes key material once the cipher has been built
func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
