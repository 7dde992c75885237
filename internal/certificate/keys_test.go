package certificate

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DhaneshPachipulusu/license-poc/internal/shared/testutil"
)

func TestPEMRoundTrip(t *testing.T) {
	key := testutil.SigningKey(t)

	privPEM, err := EncodePrivateKeyPEM(key)
	require.NoError(t, err)
	parsed, err := ParsePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}

func TestParsePKCS1Keys(t *testing.T) {
	key := testutil.SigningKey(t)

	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	parsed, err := ParsePrivateKeyPEM(priv)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pub := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	parsedPub, err := ParsePublicKeyPEM(pub)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsedPub))
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParsePrivateKeyPEM([]byte("nope"))
	assert.Error(t, err)
	_, err = ParsePublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}))
	assert.Error(t, err)
}

func TestLoadOrCreatePrivateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "private_key.pem")
	require.NoError(t, SavePrivateKey(path, testutil.SigningKey(t)))

	key, created, err := LoadOrCreatePrivateKey(path, 2048)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, testutil.SigningKey(t).Equal(key))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSavePublicKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "public_key.pem")
	key := testutil.SigningKey(t)
	require.NoError(t, SavePublicKey(path, &key.PublicKey))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(data)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}
