package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DhaneshPachipulusu/license-poc/internal/shared/testutil"
)

func staticSource(name, value string, calls *int32) FactorSource {
	return FactorSource{
		Name: name,
		Read: func(context.Context) (string, error) {
			if calls != nil {
				atomic.AddInt32(calls, 1)
			}
			return value, nil
		},
	}
}

func failingSource(name string) FactorSource {
	return FactorSource{
		Name: name,
		Read: func(context.Context) (string, error) { return "", errors.New("not here") },
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestGenerateHashesFactorsInOrder(t *testing.T) {
	dir := t.TempDir()
	logger, _ := testutil.NewTestLogger(t)
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

	fm := NewFingerprintManager(dir,
		WithFingerprintLogger(logger),
		WithFingerprintClock(func() time.Time { return now }),
		WithFactorSources(
			staticSource("machine_id", "0f1e2d3c", nil),
			failingSource("mac"),
			staticSource("cpu", " Intel(R) Xeon(R) ", nil),
			staticSource("cloud_id", "", nil),
		),
	)

	fp, err := fm.Generate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sha256Hex("machine_id=0f1e2d3c|cpu=Intel(R) Xeon(R)"), fp.Fingerprint)
	assert.Equal(t, SourceHardware, fp.Source)
	assert.Equal(t, []string{"machine_id", "cpu"}, fp.Factors)
	assert.Equal(t, now, fp.GeneratedAt)

	data, err := os.ReadFile(filepath.Join(dir, MachineIDFile))
	require.NoError(t, err)
	var onDisk DeviceFingerprint
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, fp.Fingerprint, onDisk.Fingerprint)
}

func TestGenerateReadsCacheAfterFirstCall(t *testing.T) {
	dir := t.TempDir()
	var calls int32

	first := NewFingerprintManager(dir, WithFactorSources(staticSource("machine_id", "abc", &calls)))
	fp1, err := first.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls)

	// a different host identity no longer matters once the file exists
	second := NewFingerprintManager(dir, WithFactorSources(staticSource("machine_id", "changed", &calls)))
	fp2, err := second.Generate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fp1.Fingerprint, fp2.Fingerprint)
	assert.Equal(t, int32(1), calls)
}

func TestGenerateRandomFallbackIsPersisted(t *testing.T) {
	dir := t.TempDir()
	logger, logs := testutil.NewTestLogger(t)

	fm := NewFingerprintManager(dir,
		WithFingerprintLogger(logger),
		WithFactorSources(failingSource("machine_id"), failingSource("mac")),
	)

	fp, err := fm.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceRandom, fp.Source)
	assert.Regexp(t, `^[0-9a-f]{64}$`, fp.Fingerprint)
	assert.True(t, logs.ContainsMessage("No hardware factors available, using random machine id; binding is weak"))

	again, err := NewFingerprintManager(dir, WithFactorSources()).Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fp.Fingerprint, again.Fingerprint)
}

func TestGenerateReplacesCorruptCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MachineIDFile), []byte(`{"fingerprint":"nope"}`), 0o600))

	fm := NewFingerprintManager(dir, WithFactorSources(staticSource("machine_id", "abc", nil)))
	fp, err := fm.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sha256Hex("machine_id=abc"), fp.Fingerprint)
}

func TestValidateFingerprint(t *testing.T) {
	fm := NewFingerprintManager(t.TempDir(), WithFactorSources(staticSource("machine_id", "abc", nil)))

	ok, err := fm.ValidateFingerprint(context.Background(), sha256Hex("machine_id=abc"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = fm.ValidateFingerprint(context.Background(), sha256Hex("machine_id=xyz"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestComputeFreshDoesNotWriteCache(t *testing.T) {
	dir := t.TempDir()
	fm := NewFingerprintManager(dir, WithFactorSources(staticSource("cpu", "arm64", nil)))

	digest, names := fm.ComputeFresh(context.Background())
	assert.Equal(t, sha256Hex("cpu=arm64"), digest)
	assert.Equal(t, []string{"cpu"}, names)
	assert.NoFileExists(t, filepath.Join(dir, MachineIDFile))
}

func TestDefaultFactorSourcesOrder(t *testing.T) {
	var names []string
	for _, src := range DefaultFactorSources() {
		names = append(names, src.Name)
	}
	assert.Equal(t, []string{"machine_id", "mac", "cpu", "cloud_id"}, names)
}

func TestHostname(t *testing.T) {
	hostname, err := GetHostname()
	if err != nil {
		t.Skipf("hostname unavailable: %v", err)
	}
	assert.NotEmpty(t, hostname)
	assert.NotEmpty(t, OSInfo())
}
