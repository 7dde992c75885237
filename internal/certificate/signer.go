package certificate

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// MinKeyBits is the smallest RSA modulus accepted for signing or verifying.
const MinKeyBits = 2048

// Signer signs certificates with the authority's private key.
type Signer struct {
	key *rsa.PrivateKey
}

// NewSigner wraps key after checking its size.
func NewSigner(key *rsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, errors.New("signer requires a private key")
	}
	if key.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("%w: %d bits", ErrWeakKey, key.N.BitLen())
	}
	return &Signer{key: key}, nil
}

// Sign computes the signature over the canonical bytes and stores it on c.
func (s *Signer) Sign(c *Certificate) error {
	msg, err := CanonicalBytes(c)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return fmt.Errorf("sign certificate %s: %w", c.CertID, err)
	}

	c.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// PublicKey returns the public half of the signing key.
func (s *Signer) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// Verifier checks certificates against the authority's public key.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier wraps pub after checking its size.
func NewVerifier(pub *rsa.PublicKey) (*Verifier, error) {
	if pub == nil {
		return nil, errors.New("verifier requires a public key")
	}
	if pub.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("%w: %d bits", ErrWeakKey, pub.N.BitLen())
	}
	return &Verifier{key: pub}, nil
}

// Verify checks the signature on c against its canonical bytes.
func (v *Verifier) Verify(c *Certificate) error {
	if c.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	sig, err := base64.StdEncoding.Strict().DecodeString(c.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrInvalidSignature)
	}

	msg, err := CanonicalBytes(c)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(msg)

	if err := rsa.VerifyPSS(v.key, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	}); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyBytes decodes data and verifies it, returning the recovered fields.
func (v *Verifier) VerifyBytes(data []byte) (*Certificate, error) {
	c, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := v.Verify(c); err != nil {
		return nil, err
	}
	return c, nil
}
