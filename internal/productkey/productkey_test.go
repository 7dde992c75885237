package productkey

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "demo key", key: "TEST-2024-DEMO-ABC"},
		{name: "acme key", key: "ACME-2025-X7K2-Q9X"},
		{name: "beta key", key: "BETA-2025-AAAA-BBP"},
		{name: "wrong check character", key: "TEST-2024-DEMO-ABO", wantErr: true},
		{name: "single typo", key: "TEST-2024-DEM0-ABC", wantErr: true},
		{name: "adjacent swap", key: "TEST-2024-DEMO-BAC", wantErr: true},
		{name: "lower case is not normalized here", key: "test-2024-demo-abc", wantErr: true},
		{name: "year must be digits", key: "TEST-20X4-DEMO-ABC", wantErr: true},
		{name: "missing group", key: "TEST-2024-ABC", wantErr: true},
		{name: "empty", key: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.key)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidFormat))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "TEST-2024-DEMO-ABC", Normalize("  test-2024-demo-abc \n"))
	assert.NoError(t, Validate(Normalize("test-2024-demo-abc")))
}

func TestValidateCatchesAdjacentSwaps(t *testing.T) {
	const key = "TEST-2024-DEMO-ABC"
	require.NoError(t, Validate(key))

	b := []byte(key)
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '-' || b[i+1] == '-' || b[i] == b[i+1] {
			continue
		}
		swapped := append([]byte(nil), b...)
		swapped[i], swapped[i+1] = swapped[i+1], swapped[i]
		if !keyPattern.Match(swapped) {
			continue
		}
		assert.Error(t, Validate(string(swapped)), string(swapped))
	}
}

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		key, err := Generate("Acme Corporation", 2025)
		require.NoError(t, err)
		require.NoError(t, Validate(key), key)
		assert.True(t, strings.HasPrefix(key, "ACME-2025-"), key)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func TestGenerateRejectsBadYear(t *testing.T) {
	_, err := Generate("Acme", 25)
	assert.Error(t, err)
}

func TestPrefix(t *testing.T) {
	tests := []struct {
		company string
		want    string
	}{
		{"Acme Corp", "ACME"},
		{"Q", "QXXX"},
		{"3M Company", "3MCO"},
		{"  ", "XXXX"},
		{"Über GmbH", "BERG"},
	}

	for _, tt := range tests {
		t.Run(tt.company, func(t *testing.T) {
			assert.Equal(t, tt.want, Prefix(tt.company))
		})
	}
}
