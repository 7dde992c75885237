package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/DhaneshPachipulusu/license-poc/internal/authority"
	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	appmw "github.com/DhaneshPachipulusu/license-poc/internal/middleware"
	"github.com/DhaneshPachipulusu/license-poc/internal/shared/testutil"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

// MockAuthorityService implements AuthorityService for testing
type MockAuthorityService struct {
	mock.Mock
}

func (m *MockAuthorityService) Activate(ctx context.Context, in authority.ActivateInput) (*authority.ActivateResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authority.ActivateResult), args.Error(1)
}

func (m *MockAuthorityService) Renew(ctx context.Context, in authority.RenewInput) (*authority.RenewResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authority.RenewResult), args.Error(1)
}

func (m *MockAuthorityService) Heartbeat(ctx context.Context, in authority.HeartbeatInput) (*authority.HeartbeatResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authority.HeartbeatResult), args.Error(1)
}

func (m *MockAuthorityService) Validate(ctx context.Context, data []byte, service, ip string) (*authority.ValidationResult, error) {
	args := m.Called(ctx, data, service, ip)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authority.ValidationResult), args.Error(1)
}

func (m *MockAuthorityService) PublicKeyPEM() ([]byte, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

const testFingerprint = "0123456789abcdef0123456789abcdef"

func newTestLicenseHandler(t *testing.T) (*LicenseHandler, *MockAuthorityService) {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	errorHandler := apperrors.NewErrorHandler(logger, false)
	svc := &MockAuthorityService{}
	t.Cleanup(func() { svc.AssertExpectations(t) })
	return NewLicenseHandler(svc, appmw.NewRequestValidator(logger, errorHandler), errorHandler, logger), svc
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLicenseHandlerActivate(t *testing.T) {
	body := `{"product_key":"` + testutil.AcmeProductKey + `","machine_fingerprint":"` + testFingerprint + `","hostname":"build-01"}`

	t.Run("success returns certificate", func(t *testing.T) {
		h, svc := newTestLicenseHandler(t)
		svc.On("Activate", mock.Anything, authority.ActivateInput{
			ProductKey:  testutil.AcmeProductKey,
			Fingerprint: testFingerprint,
			Hostname:    "build-01",
			IPAddress:   "203.0.113.7",
		}).Return(&authority.ActivateResult{
			Certificate: &certificate.Certificate{CertID: "LIC-ABC"},
			Encoded:     []byte(`{"cert_id":"LIC-ABC"}`),
			Message:     "Machine activated",
		}, nil)

		rec := postJSON(t, h.Routes(), "/activate", body)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp domain.ActivateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.JSONEq(t, `{"cert_id":"LIC-ABC"}`, string(resp.Certificate))
		assert.Empty(t, resp.Error)
	})

	t.Run("limit exceeded lists active machines", func(t *testing.T) {
		h, svc := newTestLicenseHandler(t)
		activated := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		svc.On("Activate", mock.Anything, mock.Anything).Return(&authority.ActivateResult{
			Message: "Machine limit reached",
			Rejection: &authority.Rejection{
				Reason:         domain.ReasonLimitExceeded,
				Message:        "Machine limit reached",
				ActiveMachines: []authority.Machine{{ID: "m-1", Hostname: "build-02", ActivatedAt: activated}},
			},
		}, nil)

		rec := postJSON(t, h.Routes(), "/activate", body)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp domain.ActivateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, domain.ReasonLimitExceeded, resp.Error)
		require.Len(t, resp.ActiveMachines, 1)
		assert.Equal(t, "build-02", resp.ActiveMachines[0].Hostname)
		assert.Empty(t, resp.Certificate)
	})

	t.Run("throttled caller gets 429", func(t *testing.T) {
		h, svc := newTestLicenseHandler(t)
		svc.On("Activate", mock.Anything, mock.Anything).Return(nil, apperrors.ErrThrottled)

		rec := postJSON(t, h.Routes(), "/activate", body)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		var problem map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
		assert.Equal(t, apperrors.TypeRateLimit, problem["type"])
	})

	t.Run("missing fields fail validation", func(t *testing.T) {
		h, _ := newTestLicenseHandler(t)

		rec := postJSON(t, h.Routes(), "/activate", `{"product_key":"`+testutil.AcmeProductKey+`"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "machine_fingerprint")
	})
}

func TestLicenseHandlerUpgrade(t *testing.T) {
	const secret, issuer = "0123456789abcdef0123456789abcdef", "license-server"
	body := `{"machine_fingerprint":"` + testFingerprint + `","additional_days":30,"new_tier":"gold"}`

	t.Run("not served without an auth guard", func(t *testing.T) {
		h, _ := newTestLicenseHandler(t)
		rec := postJSON(t, h.Routes(), "/upgrade", body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("rejects anonymous callers", func(t *testing.T) {
		h, _ := newTestLicenseHandler(t)
		logger, _ := testutil.NewTestLogger(t)
		routes := h.WithUpgradeAuth(appmw.AdminAuth(secret, issuer, logger)).Routes()

		rec := postJSON(t, routes, "/upgrade", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("operator token reaches the authority", func(t *testing.T) {
		h, svc := newTestLicenseHandler(t)
		svc.On("Renew", mock.Anything, authority.RenewInput{
			Fingerprint:    testFingerprint,
			AdditionalDays: 30,
			NewTier:        "gold",
			IPAddress:      "203.0.113.7",
		}).Return(&authority.RenewResult{
			Message:   "Unknown tier",
			Rejection: &authority.Rejection{Reason: domain.ReasonInvalidTier},
		}, nil)

		logger, _ := testutil.NewTestLogger(t)
		routes := h.WithUpgradeAuth(appmw.AdminAuth(secret, issuer, logger)).Routes()
		token, err := appmw.IssueAdminToken(secret, issuer, "ops@example.com", time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/upgrade", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.RemoteAddr = "203.0.113.7:51234"
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp domain.ActivateResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Success)
		assert.Equal(t, domain.ReasonInvalidTier, resp.Error)
	})
}

func TestLicenseHandlerHeartbeat(t *testing.T) {
	tests := []struct {
		name   string
		result *authority.HeartbeatResult
	}{
		{name: "ok", result: &authority.HeartbeatResult{Status: domain.HeartbeatOK}},
		{name: "revoked", result: &authority.HeartbeatResult{Status: domain.HeartbeatRevoked, Message: "License revoked"}},
		{name: "cert update", result: &authority.HeartbeatResult{Status: domain.HeartbeatOK, CertUpdate: []byte(`{"cert_id":"LIC-NEW"}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, svc := newTestLicenseHandler(t)
			svc.On("Heartbeat", mock.Anything, authority.HeartbeatInput{
				MachineID: "m-1",
				CertID:    "LIC-ABC",
				IPAddress: "203.0.113.7",
			}).Return(tt.result, nil)

			rec := postJSON(t, h.Routes(), "/heartbeat", `{"machine_id":"m-1","cert_id":"LIC-ABC"}`)

			require.Equal(t, http.StatusOK, rec.Code)
			var resp domain.HeartbeatResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.result.Status, resp.Status)
			assert.Equal(t, tt.result.Message, resp.Message)
			if tt.result.CertUpdate != nil {
				assert.JSONEq(t, string(tt.result.CertUpdate), string(resp.CertUpdate))
			}
		})
	}
}

func TestLicenseHandlerHeartbeatUnknownMachine(t *testing.T) {
	h, svc := newTestLicenseHandler(t)
	svc.On("Heartbeat", mock.Anything, mock.Anything).Return(nil, apperrors.ErrMachineNotFound)

	rec := postJSON(t, h.Routes(), "/heartbeat", `{"machine_id":"missing"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLicenseHandlerValidate(t *testing.T) {
	h, svc := newTestLicenseHandler(t)
	svc.On("Validate", mock.Anything, []byte(`{"cert_id":"LIC-ABC"}`), "reports", "203.0.113.7").
		Return(&authority.ValidationResult{Valid: false, Reason: "service_not_allowed"}, nil)

	rec := postJSON(t, h.Routes(), "/validate", `{"certificate":{"cert_id":"LIC-ABC"},"service":"reports"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.ValidateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Valid)
	assert.Equal(t, "service_not_allowed", resp.Reason)
}

func TestLicenseHandlerPublicKey(t *testing.T) {
	h, svc := newTestLicenseHandler(t)
	pem := []byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")
	svc.On("PublicKeyPEM").Return(pem, nil)

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/public-key", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-pem-file", rec.Header().Get("Content-Type"))
	assert.Equal(t, pem, rec.Body.Bytes())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:443"
	assert.Equal(t, "198.51.100.1", clientIP(req))

	req.RemoteAddr = "198.51.100.1"
	assert.Equal(t, "198.51.100.1", clientIP(req))
}
