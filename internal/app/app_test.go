package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	"github.com/DhaneshPachipulusu/license-poc/internal/license"
	appmw "github.com/DhaneshPachipulusu/license-poc/internal/middleware"
	"github.com/DhaneshPachipulusu/license-poc/internal/security"
	"github.com/DhaneshPachipulusu/license-poc/internal/shared/testutil"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

const (
	testAdminSecret = "0123456789abcdef0123456789abcdef"
	hostA           = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hostB           = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fixedFingerprint string

func (f fixedFingerprint) Current(context.Context) (string, error) {
	return string(f), nil
}

// testConfig returns a configuration backed by an in-memory sqlite database
// and a pre-generated signing key
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Telemetry.Enabled = false
	cfg.Security.RateLimit.Enabled = false
	cfg.Security.AdminJWTSecret = testAdminSecret
	cfg.Database.Dialect = "sqlite"
	cfg.Database.DSN = "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on"

	keyPath := filepath.Join(t.TempDir(), "private_key.pem")
	require.NoError(t, certificate.SavePrivateKey(keyPath, testutil.SigningKey(t)))
	cfg.Authority.PrivateKeyPath = keyPath
	cfg.Authority.GenerateKeyIfMissing = false

	cfg.Agent.StateDir = t.TempDir()
	cfg.Agent.ServiceName = "reports"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	srv, err := NewServer(cfg, logger)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(func() {
		ts.Close()
		assert.NoError(t, srv.release(context.Background()))
	})
	return srv, ts
}

func newTestAgent(t *testing.T, cfg *config.Config, serverURL, fingerprint string) *Agent {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	agentCfg := *cfg
	agentCfg.Agent.ServerURL = serverURL
	agentCfg.Agent.StateDir = t.TempDir()

	encryption := security.DefaultEncryptionConfig()
	encryption.Iterations = 1000
	a, err := NewAgent(&agentCfg, logger,
		license.WithFingerprintSource(fixedFingerprint(fingerprint)),
		license.WithEncryption(encryption),
	)
	require.NoError(t, err)
	return a
}

func adminRequest(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	token, err := appmw.IssueAdminToken(testAdminSecret, "license-server", "ops@example.com", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func agentGet(a *Agent, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServerOperationalRoutes(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "liveness", path: "/health", wantStatus: http.StatusOK},
		{name: "readiness", path: "/health/ready", wantStatus: http.StatusOK},
		{name: "trailing slash", path: "/health/ready/", wantStatus: http.StatusOK},
		{name: "metrics without exporter", path: "/metrics", wantStatus: http.StatusNotFound},
		{name: "public key", path: "/api/v1/public-key", wantStatus: http.StatusOK},
		{name: "unknown route", path: "/api/v1/nope", wantStatus: http.StatusNotFound},
		{name: "admin without token", path: "/api/v1/admin/tiers", wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		})
	}
}

func TestServerAdminDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.AdminJWTSecret = ""
	_, ts := newTestServer(t, cfg)

	resp := adminRequest(t, http.MethodGet, ts.URL+"/api/v1/admin/tiers", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = adminRequest(t, http.MethodPost, ts.URL+"/api/v1/upgrade", `{"machine_fingerprint":"fp-1","additional_days":30}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerUpgradeRequiresAdminToken(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))
	body := `{"machine_fingerprint":"` + strings.Repeat("f", 64) + `","new_machine_limit":50}`

	resp, err := http.Post(ts.URL+"/api/v1/upgrade", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = adminRequest(t, http.MethodPost, ts.URL+"/api/v1/upgrade", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[domain.ActivateResponse](t, resp)
	assert.False(t, out.Success)
	assert.Equal(t, domain.ReasonMachineNotFound, out.Error)
}

func TestServerRejectsWrongContentType(t *testing.T) {
	_, ts := newTestServer(t, testConfig(t))

	resp, err := http.Post(ts.URL+"/api/v1/activate", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestNewServerMissingKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Authority.PrivateKeyPath = filepath.Join(t.TempDir(), "missing.pem")
	logger, _ := testutil.NewTestLogger(t)

	_, err := NewServer(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing key")
}

// TestLicenseLifecycle drives the authority and two agents over HTTP:
// activation, the machine limit, the sidecar, revocation via heartbeat.
func TestLicenseLifecycle(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg)
	ctx := t.Context()

	resp := adminRequest(t, http.MethodPost, ts.URL+"/api/v1/admin/customers",
		`{"company_name":"Acme Corp","product_key":"`+testutil.AcmeProductKey+`","tier":"pro","machine_limit":1}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	customer := decode[domain.CustomerView](t, resp)
	assert.Equal(t, 1, customer.MachineLimit)

	// First host activates and the sidecar reports it valid
	agentA := newTestAgent(t, cfg, ts.URL, hostA)
	verdict, err := agentA.Manager.EnsureActivated(ctx, testutil.AcmeProductKey)
	require.NoError(t, err)
	require.True(t, verdict.Valid, verdict.Reason)
	assert.True(t, verdict.Allows("reports"))

	rec := agentGet(agentA, "/license/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Valid)
	assert.Equal(t, "Acme Corp", status.CustomerName)
	assert.Equal(t, "pro", status.Tier)

	assert.Equal(t, http.StatusNoContent, agentGet(agentA, "/authorize").Code)
	assert.Equal(t, http.StatusForbidden, agentGet(agentA, "/license/services/sso").Code)

	// Second host exceeds the limit of one
	agentB := newTestAgent(t, cfg, ts.URL, hostB)
	res, err := agentB.Manager.Activate(ctx, testutil.AcmeProductKey)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonLimitExceeded, res.Reason)
	require.Len(t, res.ActiveMachines, 1)
	assert.Equal(t, http.StatusForbidden, agentGet(agentB, "/authorize").Code)

	// Revoke the first host; its next heartbeat flips the local verdict
	resp = adminRequest(t, http.MethodGet, ts.URL+"/api/v1/admin/customers/"+customer.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	details := decode[domain.CustomerView](t, resp)
	require.Len(t, details.Machines, 1)
	assert.Equal(t, 1, details.ActiveMachines)

	resp = adminRequest(t, http.MethodPost, ts.URL+"/api/v1/admin/machines/"+details.Machines[0].ID+"/revoke",
		`{"reason":"hardware returned"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	heartbeat, err := agentA.Manager.NewHeartbeat()
	require.NoError(t, err)
	require.NoError(t, heartbeat.Tick(ctx))

	verdict = agentA.Manager.Validate(ctx)
	assert.False(t, verdict.Valid)
	assert.Equal(t, license.ReasonRevoked, verdict.Reason)
	assert.Equal(t, http.StatusForbidden, agentGet(agentA, "/authorize").Code)

	// The freed slot admits the second host
	res, err = agentB.Manager.Activate(ctx, testutil.AcmeProductKey)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Message)

	// Every step above left an audit trail
	resp = adminRequest(t, http.MethodGet, ts.URL+"/api/v1/admin/audit?customer_id="+customer.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]domain.AuditEntryView](t, resp)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, "machine_activated")
	assert.Contains(t, actions, "activation_rejected")
	assert.Contains(t, actions, "machine_revoked")
}

func TestAgentRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg)

	resp := adminRequest(t, http.MethodPost, ts.URL+"/api/v1/admin/customers",
		`{"company_name":"Beta Ltd","product_key":"`+testutil.BetaProductKey+`","tier":"basic"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	cfg.Agent.ProductKey = testutil.BetaProductKey
	cfg.Agent.ListenAddr = "127.0.0.1:0"
	a := newTestAgent(t, cfg, ts.URL, hostA)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Manager.Validate(t.Context()).Valid
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentStartsHeartbeatAfterLateActivation(t *testing.T) {
	cfg := testConfig(t)
	_, ts := newTestServer(t, cfg)

	cfg.Agent.ProductKey = testutil.BetaProductKey
	cfg.Agent.ListenAddr = "127.0.0.1:0"
	cfg.Agent.HeartbeatInterval = 50 * time.Millisecond
	cfg.Agent.RecheckInterval = 0
	a := newTestAgent(t, cfg, ts.URL, hostA)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The key is unknown at startup, so the first activation is refused
	require.Eventually(t, func() bool {
		return a.Manager.Validate(t.Context()).Reason == license.ReasonNotActivated
	}, 5*time.Second, 20*time.Millisecond)

	resp := adminRequest(t, http.MethodPost, ts.URL+"/api/v1/admin/customers",
		`{"company_name":"Beta Ltd","product_key":"`+testutil.BetaProductKey+`","tier":"basic"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var verdict *license.Verdict
	require.Eventually(t, func() bool {
		verdict = a.Manager.Validate(t.Context())
		return verdict.Valid
	}, 5*time.Second, 20*time.Millisecond)

	resp = adminRequest(t, http.MethodPost, ts.URL+"/api/v1/admin/machines/"+verdict.Certificate.MachineID+"/revoke",
		`{"reason":"moved"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Only a running heartbeat can carry the revocation to the agent
	require.Eventually(t, func() bool {
		return a.Manager.Validate(t.Context()).Reason == license.ReasonRevoked
	}, 5*time.Second, 20*time.Millisecond)
}
