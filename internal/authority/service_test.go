package authority

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/productkey"
	"github.com/DhaneshPachipulusu/license-poc/internal/shared/testutil"
	"github.com/DhaneshPachipulusu/license-poc/internal/throttle"
	"github.com/DhaneshPachipulusu/license-poc/pkg/contracts/domain"
)

func activate(t *testing.T, f *fixture, key, fingerprint string) *ActivateResult {
	t.Helper()
	res, err := f.svc.Activate(context.Background(), ActivateInput{
		ProductKey:  key,
		Fingerprint: fingerprint,
		Hostname:    "host-" + fingerprint,
		OSInfo:      "linux/amd64",
		AppVersion:  "1.0.0",
		IPAddress:   "10.0.0.1",
	})
	require.NoError(t, err)
	return res
}

func auditOutcomes(t *testing.T, f *fixture, action, key string) []string {
	t.Helper()
	entries, err := f.svc.AuditLog(context.Background(), AuditFilter{Action: action})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if v, ok := e.Details[key].(string); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestActivateMachineLimitScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const key = "TEST-2024-DEMO-ABC"
	f.customer(t, CreateCustomerInput{ProductKey: key, MachineLimit: 3})

	var results []*ActivateResult
	for i := 1; i <= 3; i++ {
		res := activate(t, f, key, fmt.Sprintf("fp-%d", i))
		require.Nil(t, res.Rejection, "machine %d", i)
		assert.Equal(t, fmt.Sprintf("Activation successful! (%d/3 machines)", i), res.Message)
		assert.Equal(t, i, res.ActiveCount)
		assert.NoError(t, f.verifier.Verify(res.Certificate))
		results = append(results, res)
	}

	fourth := activate(t, f, key, "fp-4")
	require.NotNil(t, fourth.Rejection)
	assert.Equal(t, domain.ReasonLimitExceeded, fourth.Rejection.Reason)
	assert.Equal(t, "Machine limit reached (3/3 machines)", fourth.Message)
	assert.Len(t, fourth.Rejection.ActiveMachines, 3)
	assert.Nil(t, fourth.Certificate)

	_, err := f.svc.Revoke(ctx, results[1].Machine.ID, "hardware replaced", "127.0.0.1")
	require.NoError(t, err)

	fourth = activate(t, f, key, "fp-4")
	require.Nil(t, fourth.Rejection)
	assert.Equal(t, "Activation successful! (3/3 machines)", fourth.Message)

	details, err := f.svc.GetCustomer(ctx, fourth.Machine.CustomerID)
	require.NoError(t, err)
	var active []string
	for _, m := range details.Machines {
		if m.Status == StatusActive {
			active = append(active, m.Fingerprint)
		}
	}
	assert.ElementsMatch(t, []string{"fp-1", "fp-3", "fp-4"}, active)

	again := activate(t, f, key, "fp-2")
	require.NotNil(t, again.Rejection)
	assert.Equal(t, domain.ReasonMachineRevoked, again.Rejection.Reason)
}

func TestActivateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey})

	first := activate(t, f, testutil.DemoProductKey, "fp-1")
	require.Nil(t, first.Rejection)

	f.clock.Advance(time.Hour)
	second := activate(t, f, "test-2024-demo-abo", "fp-1")
	require.Nil(t, second.Rejection)

	assert.True(t, second.AlreadyActive)
	assert.Equal(t, first.Certificate.CertID, second.Certificate.CertID)
	assert.Equal(t, first.Encoded, second.Encoded)
	assert.Equal(t, "Already activated (1/3 machines)", second.Message)

	n, err := f.store.Read(context.Background()).CountActive(first.Machine.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestActivateRejections(t *testing.T) {
	f := newFixture(t)
	revoked := f.customer(t, CreateCustomerInput{ProductKey: testutil.BetaProductKey})
	_, err := f.svc.RevokeCustomer(context.Background(), revoked.ID, "non-payment", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		key    string
		reason string
	}{
		{name: "malformed key", key: "NOT-A-KEY", reason: domain.ReasonInvalidKeyFormat},
		{name: "bad check character", key: "TEST-2024-DEMO-ABO", reason: domain.ReasonInvalidKeyFormat},
		{name: "unknown key", key: testutil.AcmeProductKey, reason: domain.ReasonInvalidKey},
		{name: "revoked customer", key: testutil.BetaProductKey, reason: domain.ReasonCustomerRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := auditOutcomes(t, f, ActionActivationRejected, "reason")
			res := activate(t, f, tt.key, "fp-x")
			require.NotNil(t, res.Rejection)
			assert.Equal(t, tt.reason, res.Rejection.Reason)
			assert.Nil(t, res.Certificate)

			assert.ElementsMatch(t, append(before, tt.reason),
				auditOutcomes(t, f, ActionActivationRejected, "reason"))
		})
	}
}

func TestActivateConcurrentRespectsLimit(t *testing.T) {
	const limit = 3
	f := newFixture(t)
	c := f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey, MachineLimit: limit})

	var granted, refused atomic.Int32
	var g errgroup.Group
	for i := 0; i < limit+1; i++ {
		fp := fmt.Sprintf("fp-concurrent-%d", i)
		g.Go(func() error {
			res, err := f.svc.Activate(context.Background(), ActivateInput{
				ProductKey: testutil.DemoProductKey, Fingerprint: fp, Hostname: fp,
			})
			if err != nil {
				return err
			}
			if res.Rejection != nil {
				refused.Add(1)
			} else {
				granted.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, limit, granted.Load())
	assert.EqualValues(t, 1, refused.Load())

	n, err := f.store.Read(context.Background()).CountActive(c.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, n)
}

func TestActivateConcurrentRespectsLimitWithConnectionPool(t *testing.T) {
	const (
		limit   = 3
		racers  = 8
		maxOpen = 4
	)
	f := newFixtureWithStore(t, newFileStore(t, maxOpen))
	c := f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey, MachineLimit: limit})

	start := make(chan struct{})
	var granted, refused atomic.Int32
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		fp := fmt.Sprintf("fp-pool-%d", i)
		g.Go(func() error {
			<-start
			res, err := f.svc.Activate(context.Background(), ActivateInput{
				ProductKey: testutil.DemoProductKey, Fingerprint: fp, Hostname: fp,
			})
			if err != nil {
				return err
			}
			if res.Rejection != nil {
				if res.Rejection.Reason != domain.ReasonLimitExceeded {
					return fmt.Errorf("%s: unexpected rejection %s", fp, res.Rejection.Reason)
				}
				refused.Add(1)
			} else {
				granted.Add(1)
			}
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	assert.EqualValues(t, limit, granted.Load())
	assert.EqualValues(t, racers-limit, refused.Load())

	n, err := f.store.Read(context.Background()).CountActive(c.ID)
	require.NoError(t, err)
	assert.Equal(t, limit, n)
}

func TestActivateThrottlesFailedAttempts(t *testing.T) {
	f := newFixture(t, WithThrottle(throttle.NewMemoryLimiter(time.Minute, 2)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.svc.Activate(ctx, ActivateInput{ProductKey: testutil.AcmeProductKey, Fingerprint: "fp", IPAddress: "10.1.1.1"})
		require.NoError(t, err)
		require.NotNil(t, res.Rejection)
	}

	_, err := f.svc.Activate(ctx, ActivateInput{ProductKey: testutil.AcmeProductKey, Fingerprint: "fp", IPAddress: "10.1.1.1"})
	assert.ErrorIs(t, err, apperrors.ErrThrottled)
	assert.ElementsMatch(t, []string{domain.ReasonThrottled, domain.ReasonInvalidKey, domain.ReasonInvalidKey},
		auditOutcomes(t, f, ActionActivationRejected, "reason"))

	res, err := f.svc.Activate(ctx, ActivateInput{ProductKey: testutil.AcmeProductKey, Fingerprint: "fp", IPAddress: "10.1.1.2"})
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonInvalidKey, res.Rejection.Reason)
}

func TestActivateReactivatesExpiredMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey, ValidDays: 30})

	first := activate(t, f, testutil.DemoProductKey, "fp-1")
	require.Nil(t, first.Rejection)

	f.clock.Advance(31 * day)
	hb, err := f.svc.Heartbeat(ctx, HeartbeatInput{MachineID: first.Machine.ID, CertID: first.Certificate.CertID})
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatExpired, hb.Status)

	again := activate(t, f, testutil.DemoProductKey, "fp-1")
	require.Nil(t, again.Rejection)
	assert.True(t, again.Reactivated)
	assert.Equal(t, first.Machine.ID, again.Machine.ID)
	assert.NotEqual(t, first.Certificate.CertID, again.Certificate.CertID)
	assert.WithinDuration(t, f.clock.Now().Add(30*day), again.Certificate.ExpiresAt, 0)
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey, ValidDays: 100})
	first := activate(t, f, testutil.DemoProductKey, "fp-1")
	require.Nil(t, first.Rejection)

	f.clock.Advance(10 * day)
	res, err := f.svc.Renew(ctx, RenewInput{Fingerprint: "fp-1", AdditionalDays: 30})
	require.NoError(t, err)
	require.Nil(t, res.Rejection)

	assert.Equal(t, first.Certificate.CertID, res.Certificate.ParentCertID)
	assert.WithinDuration(t, first.Certificate.ExpiresAt.Add(30*day), res.Certificate.ExpiresAt, 0)
	assert.NoError(t, f.verifier.Verify(res.Certificate))

	upgraded, err := f.svc.Renew(ctx, RenewInput{Fingerprint: "fp-1", NewTier: certificate.TierPro, NewMachineLimit: 5, AdditionalServices: []string{"sso"}})
	require.NoError(t, err)
	require.Nil(t, upgraded.Rejection)
	assert.Equal(t, certificate.TierPro, upgraded.Certificate.Tier)
	assert.Equal(t, 5, upgraded.Certificate.MachineLimit)
	assert.True(t, upgraded.Certificate.Entitlements.Allows("api"))
	assert.True(t, upgraded.Certificate.Entitlements.Allows("sso"))
	assert.Equal(t, res.Certificate.CertID, upgraded.Certificate.ParentCertID)
	assert.WithinDuration(t, res.Certificate.ExpiresAt, upgraded.Certificate.ExpiresAt, 0, "no days added")

	details, err := f.svc.GetCustomer(ctx, first.Machine.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, certificate.TierPro, details.Customer.Tier)
	assert.Contains(t, []string(details.Customer.AllowedServices), "sso")
}

func TestRenewRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey})
	res := activate(t, f, testutil.DemoProductKey, "fp-revoked")
	_, err := f.svc.Revoke(ctx, res.Machine.ID, "stolen", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		in     RenewInput
		reason string
	}{
		{name: "unknown machine", in: RenewInput{Fingerprint: "nope"}, reason: domain.ReasonMachineNotFound},
		{name: "unknown tier", in: RenewInput{Fingerprint: "fp-revoked", NewTier: "platinum"}, reason: domain.ReasonInvalidTier},
		{name: "revoked machine", in: RenewInput{Fingerprint: "fp-revoked", AdditionalDays: 10}, reason: domain.ReasonMachineRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := f.svc.Renew(ctx, tt.in)
			require.NoError(t, err)
			require.NotNil(t, r.Rejection)
			assert.Equal(t, tt.reason, r.Rejection.Reason)
		})
	}
}

func TestRenewRejectsLimitBelowActiveMachines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey, MachineLimit: 3})
	for i := 1; i <= 3; i++ {
		require.Nil(t, activate(t, f, testutil.DemoProductKey, fmt.Sprintf("fp-%d", i)).Rejection)
	}

	res, err := f.svc.Renew(ctx, RenewInput{Fingerprint: "fp-1", NewMachineLimit: 1})
	require.NoError(t, err)
	require.NotNil(t, res.Rejection)
	assert.Equal(t, domain.ReasonLimitExceeded, res.Rejection.Reason)
	assert.Nil(t, res.Certificate)
	assert.Contains(t, auditOutcomes(t, f, ActionUpgradeRejected, "reason"), domain.ReasonLimitExceeded)

	details, err := f.svc.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, details.Customer.MachineLimit)

	res, err = f.svc.Renew(ctx, RenewInput{Fingerprint: "fp-1", NewMachineLimit: 3})
	require.NoError(t, err)
	require.Nil(t, res.Rejection)
	assert.Equal(t, 3, res.Certificate.MachineLimit)
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey})
	res := activate(t, f, testutil.DemoProductKey, "fp-1")

	for i := 0; i < 2; i++ {
		m, err := f.svc.Revoke(ctx, res.Machine.ID, "lost", "")
		require.NoError(t, err)
		assert.Equal(t, StatusRevoked, m.Status)
		assert.Equal(t, "lost", m.RevokeReason)
	}

	entries, err := f.svc.AuditLog(ctx, AuditFilter{MachineID: res.Machine.ID, Action: ActionMachineRevoked})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = f.svc.Revoke(ctx, "missing", "lost", "")
	assert.ErrorIs(t, err, apperrors.ErrMachineNotFound)

	assert.ElementsMatch(t, []string{domain.ReasonMachineNotFound, "already_revoked"},
		auditOutcomes(t, f, ActionRevokeIgnored, "outcome"))
}

func TestRevokeCustomerAuditsEveryCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey})

	for i := 0; i < 2; i++ {
		got, err := f.svc.RevokeCustomer(ctx, c.ID, "non-payment", "")
		require.NoError(t, err)
		assert.True(t, got.Revoked)
	}
	_, err := f.svc.RevokeCustomer(ctx, "missing", "non-payment", "")
	assert.ErrorIs(t, err, apperrors.ErrCustomerNotFound)

	entries, err := f.svc.AuditLog(ctx, AuditFilter{CustomerID: c.ID, Action: ActionCustomerRevoked})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.ElementsMatch(t, []string{"customer_not_found", "already_revoked"},
		auditOutcomes(t, f, ActionRevokeIgnored, "outcome"))
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey, ValidDays: 30})
	res := activate(t, f, testutil.DemoProductKey, "fp-1")
	id := res.Machine.ID

	hb, err := f.svc.Heartbeat(ctx, HeartbeatInput{MachineID: id, CertID: res.Certificate.CertID, AppVersion: "1.1.0"})
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatOK, hb.Status)
	assert.Nil(t, hb.CertUpdate)

	m, err := f.store.Read(ctx).MachineByID(id, false)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", m.AppVersion)

	renewed, err := f.svc.Renew(ctx, RenewInput{Fingerprint: "fp-1", AdditionalDays: 10})
	require.NoError(t, err)

	hb, err = f.svc.Heartbeat(ctx, HeartbeatInput{MachineID: id, CertID: res.Certificate.CertID})
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatOK, hb.Status)
	assert.Equal(t, renewed.Encoded, hb.CertUpdate)

	hb, err = f.svc.Heartbeat(ctx, HeartbeatInput{MachineID: "unknown"})
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatRevoked, hb.Status)

	f.clock.Advance(41 * day)
	hb, err = f.svc.Heartbeat(ctx, HeartbeatInput{MachineID: id, CertID: renewed.Certificate.CertID})
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatExpired, hb.Status)

	_, err = f.svc.Revoke(ctx, id, "gone", "")
	require.NoError(t, err)
	hb, err = f.svc.Heartbeat(ctx, HeartbeatInput{MachineID: id})
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatRevoked, hb.Status)
}

func TestHeartbeatCustomerRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey})
	res := activate(t, f, testutil.DemoProductKey, "fp-1")

	_, err := f.svc.RevokeCustomer(ctx, c.ID, "contract ended", "")
	require.NoError(t, err)

	hb, err := f.svc.Heartbeat(ctx, HeartbeatInput{MachineID: res.Machine.ID, CertID: res.Certificate.CertID})
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatRevoked, hb.Status)
}

func TestValidate(t *testing.T) {
	f := newFixture(t, WithGraceDays(7))
	ctx := context.Background()
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey, ValidDays: 30})
	res := activate(t, f, testutil.DemoProductKey, "fp-1")

	v, err := f.svc.Validate(ctx, res.Encoded, "dashboard", "")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, "valid", v.Reason)

	v, err = f.svc.Validate(ctx, res.Encoded, "sso", "")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "service_not_allowed", v.Reason)

	tampered := bytes.Replace(res.Encoded, []byte(`"host-fp-1"`), []byte(`"host-fp-9"`), 1)
	require.NotEqual(t, res.Encoded, tampered)
	v, err = f.svc.Validate(ctx, tampered, "", "")
	require.NoError(t, err)
	assert.Equal(t, "invalid_signature", v.Reason)

	f.clock.Advance(33 * day)
	v, err = f.svc.Validate(ctx, res.Encoded, "", "")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, true, v.Details["in_grace"])

	f.clock.Advance(5 * day)
	v, err = f.svc.Validate(ctx, res.Encoded, "", "")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "expired", v.Reason)

	_, err = f.svc.Revoke(ctx, res.Machine.ID, "gone", "")
	require.NoError(t, err)
	v, err = f.svc.Validate(ctx, res.Encoded, "", "")
	require.NoError(t, err)
	assert.Equal(t, "revoked", v.Reason)
}

func TestValidateSupersededCertificate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey})
	res := activate(t, f, testutil.DemoProductKey, "fp-1")

	renewed, err := f.svc.Renew(ctx, RenewInput{Fingerprint: "fp-1", AdditionalDays: 1})
	require.NoError(t, err)

	v, err := f.svc.Validate(ctx, res.Encoded, "", "")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, renewed.Certificate.CertID, v.Details["superseded_by"])
}

func TestValidateUnknownMachine(t *testing.T) {
	f := newFixture(t)
	signer, err := certificate.NewSigner(testutil.SigningKey(t))
	require.NoError(t, err)

	cert, err := certificate.New(certificate.Params{
		CustomerID: "c", CustomerName: "Ghost", MachineID: "m-ghost", MachineFingerprint: "fp",
		Tier: certificate.TierBasic, MachineLimit: 1, IssuedAt: baseTime, ValidFor: 10 * day,
	})
	require.NoError(t, err)
	require.NoError(t, signer.Sign(cert))
	data, err := certificate.Encode(cert)
	require.NoError(t, err)

	v, err := f.svc.Validate(context.Background(), data, "", "")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, domain.ReasonMachineNotFound, v.Reason)
}

func TestValidateFailsWhenAuditCannotBeWritten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey})
	res := activate(t, f, testutil.DemoProductKey, "fp-1")

	require.NoError(t, f.store.db.Migrator().DropTable(&AuditLogEntry{}))

	v, err := f.svc.Validate(ctx, res.Encoded, "", "")
	assert.Error(t, err)
	assert.Nil(t, v)
}

func TestCreateCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.CreateCustomer(ctx, CreateCustomerInput{CompanyName: "Acme Industries"})
	require.NoError(t, err)
	assert.NoError(t, productkey.Validate(c.ProductKey))
	assert.Equal(t, "ACME", c.ProductKey[:4])
	assert.Equal(t, certificate.TierBasic, c.Tier)
	assert.Equal(t, DefaultMachineLimit, c.MachineLimit)
	assert.Equal(t, DefaultValidDays, c.ValidDays)
	assert.Equal(t, []string{"dashboard", "analytics", "reports"}, []string(c.AllowedServices))

	_, err = f.svc.CreateCustomer(ctx, CreateCustomerInput{CompanyName: "Dup", ProductKey: c.ProductKey})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	tests := []struct {
		name string
		in   CreateCustomerInput
	}{
		{name: "unknown tier", in: CreateCustomerInput{CompanyName: "X", Tier: "gold"}},
		{name: "limit too high", in: CreateCustomerInput{CompanyName: "X", MachineLimit: 101}},
		{name: "negative days", in: CreateCustomerInput{CompanyName: "X", ValidDays: -1}},
		{name: "bad key", in: CreateCustomerInput{CompanyName: "X", ProductKey: "NOT-A-KEY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateCustomer(ctx, tt.in)
			var apiErr *apperrors.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, "VALIDATION_FAILED", apiErr.ErrorCode)
		})
	}

	entries, err := f.svc.AuditLog(ctx, AuditFilter{Action: ActionCustomerCreated})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestListAndGetCustomers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	demo := f.customer(t, CreateCustomerInput{ProductKey: testutil.DemoProductKey})
	f.clock.Advance(time.Second)
	f.customer(t, CreateCustomerInput{ProductKey: testutil.AcmeProductKey})

	activate(t, f, testutil.DemoProductKey, "fp-1")
	activate(t, f, testutil.DemoProductKey, "fp-2")

	list, total, err := f.svc.ListCustomers(ctx, 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, demo.ID, list[0].Customer.ID)
	assert.Equal(t, 2, list[0].ActiveCount)
	assert.Equal(t, 0, list[1].ActiveCount)

	details, err := f.svc.GetCustomer(ctx, demo.ID)
	require.NoError(t, err)
	assert.Len(t, details.Machines, 2)
	assert.Equal(t, 2, details.ActiveCount)

	_, err = f.svc.GetCustomer(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrCustomerNotFound)
}

func TestNewServiceRejectsUnknownDefaultTier(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	signer, err := certificate.NewSigner(testutil.SigningKey(t))
	require.NoError(t, err)

	_, err = NewService(newTestStore(t), signer, logger, WithDefaultTier("gold"))
	assert.Error(t, err)
}

func TestPublicKeyPEM(t *testing.T) {
	f := newFixture(t)
	pemBytes, err := f.svc.PublicKeyPEM()
	require.NoError(t, err)

	pub, err := certificate.ParsePublicKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.True(t, pub.Equal(testutil.SigningKey(t).Public()))
	assert.NoError(t, f.svc.Ready(context.Background()))
}
