package license

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	"github.com/DhaneshPachipulusu/license-poc/internal/security"
	"github.com/DhaneshPachipulusu/license-poc/internal/shared/testutil"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

const (
	hostFingerprint  = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	otherFingerprint = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fastEncryption keeps PBKDF2 cheap in tests
func fastEncryption() *security.EncryptionConfig {
	cfg := security.DefaultEncryptionConfig()
	cfg.Iterations = 1000
	return cfg
}

type staticFingerprint struct {
	mu    sync.Mutex
	value string
	err   error
}

func (s *staticFingerprint) Current(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}

func (s *staticFingerprint) set(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
}

func newTestState(t *testing.T) *StateStore {
	t.Helper()
	st, err := NewStateStore(t.TempDir(), fastEncryption())
	require.NoError(t, err)
	return st
}

func testVerifier(t *testing.T) *certificate.Verifier {
	t.Helper()
	v, err := certificate.NewVerifier(&testutil.SigningKey(t).PublicKey)
	require.NoError(t, err)
	return v
}

type certOption func(*certificate.Params)

func expiresAt(ts time.Time) certOption {
	return func(p *certificate.Params) { p.ExpiresAt = ts }
}

func forFingerprint(fp string) certOption {
	return func(p *certificate.Params) { p.MachineFingerprint = fp }
}

func withServices(services ...string) certOption {
	return func(p *certificate.Params) { p.Entitlements.Services = services }
}

func withMachineID(id string) certOption {
	return func(p *certificate.Params) { p.MachineID = id }
}

// issue signs a certificate with the test authority key and returns it
// encoded
func issue(t *testing.T, opts ...certOption) ([]byte, *certificate.Certificate) {
	t.Helper()
	return issueWith(t, true, opts...)
}

// issueForeign signs with a key the agent does not trust
func issueForeign(t *testing.T, opts ...certOption) ([]byte, *certificate.Certificate) {
	t.Helper()
	return issueWith(t, false, opts...)
}

func issueWith(t *testing.T, trusted bool, opts ...certOption) ([]byte, *certificate.Certificate) {
	t.Helper()
	p := certificate.Params{
		CustomerID:         "cust-1",
		CustomerName:       "Acme Corp",
		MachineID:          "machine-1",
		MachineFingerprint: hostFingerprint,
		Hostname:           "build-01",
		Tier:               certificate.TierPro,
		Entitlements:       certificate.Entitlements{Services: []string{"dashboard", "analytics"}, MaxSessions: 10, RateLimit: 1000},
		MachineLimit:       3,
		IssuedAt:           baseTime,
		ValidFor:           30 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&p)
	}
	cert, err := certificate.New(p)
	require.NoError(t, err)

	key := testutil.SigningKey(t)
	if !trusted {
		key = testutil.ForeignKey(t)
	}
	signer, err := certificate.NewSigner(key)
	require.NoError(t, err)
	require.NoError(t, signer.Sign(cert))

	data, err := certificate.Encode(cert)
	require.NoError(t, err)
	return data, cert
}

func markValidated(t *testing.T, st *StateStore, at time.Time) {
	t.Helper()
	_, err := st.UpdateHeartbeatState(at, func(hb *HeartbeatState) {
		hb.LastValidatedAt = at
		hb.LastStatus = domain.HeartbeatOK
	})
	require.NoError(t, err)
}

// fakeAuthority is a scripted AuthorityClient
type fakeAuthority struct {
	mu sync.Mutex

	publicKey []byte

	activate      func(domain.ActivateRequest) (*domain.ActivateResponse, error)
	upgrade       func(domain.UpgradeRequest) (*domain.ActivateResponse, error)
	heartbeats    []heartbeatReply
	heartbeatReqs []domain.HeartbeatRequest
	activations   int
}

type heartbeatReply struct {
	resp *domain.HeartbeatResponse
	err  error
}

var errUnreachable = errors.New("connection refused")

func (f *fakeAuthority) Activate(_ context.Context, req domain.ActivateRequest) (*domain.ActivateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations++
	return f.activate(req)
}

func (f *fakeAuthority) Upgrade(_ context.Context, req domain.UpgradeRequest) (*domain.ActivateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upgrade(req)
}

// Heartbeat pops the next scripted reply; the last reply repeats
func (f *fakeAuthority) Heartbeat(_ context.Context, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeatReqs = append(f.heartbeatReqs, req)
	if len(f.heartbeats) == 0 {
		return &domain.HeartbeatResponse{Status: domain.HeartbeatOK}, nil
	}
	next := f.heartbeats[0]
	if len(f.heartbeats) > 1 {
		f.heartbeats = f.heartbeats[1:]
	}
	return next.resp, next.err
}

func (f *fakeAuthority) PublicKey(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publicKey == nil {
		return nil, errUnreachable
	}
	return f.publicKey, nil
}

func (f *fakeAuthority) heartbeatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeatReqs)
}

func rawCert(data []byte) json.RawMessage {
	return json.RawMessage(data)
}
