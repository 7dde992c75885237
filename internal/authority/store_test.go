package authority

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/DhaneshPachipulusu/license-poc/internal/certificate"
	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
	"github.com/DhaneshPachipulusu/license-poc/internal/shared/testutil"
)

var baseTime = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	store    *Store
	clock    *testutil.Clock
	logs     *testutil.BufferedSlogHandler
	verifier *certificate.Verifier
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)

	// One connection keeps the in-memory database alive and serializes
	// transactions the way row locks do on postgres.
	db, err := OpenDatabase(config.DatabaseConfig{
		Dialect:      "sqlite",
		DSN:          "file:" + uuid.NewString() + "?mode=memory&cache=shared&_foreign_keys=on",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, logger)
	require.NoError(t, err)

	store := NewStore(db, logger)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newFileStore opens a file database with a real connection pool, so
// concurrent transactions contend the way they do in a deployment.
func newFileStore(t *testing.T, maxOpen int) *Store {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)

	path := filepath.Join(t.TempDir(), "license.db")
	db, err := OpenDatabase(config.DatabaseConfig{
		Dialect:      "sqlite",
		DSN:          "file:" + path + "?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_txlock=immediate",
		MaxOpenConns: maxOpen,
		MaxIdleConns: maxOpen,
	}, logger)
	require.NoError(t, err)

	store := NewStore(db, logger)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, newTestStore(t), opts...)
}

func newFixtureWithStore(t *testing.T, store *Store, opts ...Option) *fixture {
	t.Helper()
	logger, logs := testutil.NewTestLogger(t)
	clock := testutil.NewClock(baseTime)

	signer, err := certificate.NewSigner(testutil.SigningKey(t))
	require.NoError(t, err)
	verifier, err := certificate.NewVerifier(signer.PublicKey())
	require.NoError(t, err)

	svc, err := NewService(store, signer, logger, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)

	return &fixture{svc: svc, store: store, clock: clock, logs: logs, verifier: verifier}
}

func (f *fixture) customer(t *testing.T, in CreateCustomerInput) *Customer {
	t.Helper()
	if in.CompanyName == "" {
		in.CompanyName = "Demo Corp"
	}
	c, err := f.svc.CreateCustomer(context.Background(), in)
	require.NoError(t, err)
	return c
}

func TestNewDialector(t *testing.T) {
	tests := []struct {
		dialect string
		want    string
		wantErr bool
	}{
		{dialect: "postgres", want: "postgres"},
		{dialect: "PostgreSQL", want: "postgres"},
		{dialect: "sqlite", want: "sqlite"},
		{dialect: " sqlite3 ", want: "sqlite"},
		{dialect: "mysql", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.dialect, func(t *testing.T) {
			d, err := NewDialector(config.DatabaseConfig{Dialect: tt.dialect, DSN: "x"})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}

func TestStoreNotFound(t *testing.T) {
	store := newTestStore(t)
	q := store.Read(context.Background())

	_, err := q.CustomerByProductKey(testutil.DemoProductKey, false)
	assert.ErrorIs(t, err, apperrors.ErrCustomerNotFound)

	_, err = q.CustomerByID("missing", true)
	assert.ErrorIs(t, err, apperrors.ErrCustomerNotFound)

	_, err = q.MachineByID("missing", false)
	assert.ErrorIs(t, err, apperrors.ErrMachineNotFound)

	_, err = q.LatestMachineByFingerprint("fp")
	assert.ErrorIs(t, err, apperrors.ErrMachineNotFound)
}

func TestStoreMachineUniquePerCustomer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := &Customer{
		ID: uuid.NewString(), CompanyName: "Acme", ProductKey: testutil.AcmeProductKey,
		Tier: certificate.TierBasic, MachineLimit: 2, ValidDays: 30,
		AllowedServices: []string{"dashboard"},
	}
	require.NoError(t, store.Tx(ctx, func(q *Queries) error { return q.CreateCustomer(c) }))

	machine := func() *Machine {
		return &Machine{
			ID: uuid.NewString(), CustomerID: c.ID, Fingerprint: "fp-1", Status: StatusActive,
			ExpiresAt: baseTime.Add(time.Hour), ActivatedAt: baseTime,
		}
	}
	require.NoError(t, store.Read(ctx).CreateMachine(machine()))

	err := store.Read(ctx).CreateMachine(machine())
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)
	assert.True(t, isRetryable(err))
}

func TestStoreActiveCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	q := store.Read(ctx)

	ids := []string{uuid.NewString(), uuid.NewString()}
	for i, id := range ids {
		require.NoError(t, q.CreateCustomer(&Customer{
			ID: id, CompanyName: "C", ProductKey: []string{testutil.AcmeProductKey, testutil.BetaProductKey}[i],
			Tier: certificate.TierBasic, MachineLimit: 5, ValidDays: 30, AllowedServices: []string{},
		}))
	}
	for i, status := range []string{StatusActive, StatusActive, StatusRevoked} {
		require.NoError(t, q.CreateMachine(&Machine{
			ID: uuid.NewString(), CustomerID: ids[0], Fingerprint: uuid.NewString(), Status: status,
			ExpiresAt: baseTime, ActivatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}))
	}

	counts, err := q.ActiveCounts(ids)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[ids[0]])
	assert.Equal(t, 0, counts[ids[1]])

	n, err := q.CountActive(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := q.MachinesForCustomer(ids[0])
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStoreAuditEntriesFilter(t *testing.T) {
	store := newTestStore(t)
	q := store.Read(context.Background())

	cid := "customer-1"
	for i, action := range []string{ActionCustomerCreated, ActionMachineActivated, ActionMachineActivated} {
		require.NoError(t, q.AppendAudit(&AuditLogEntry{
			ID: uuid.NewString(), CustomerID: &cid, Action: action,
			Details:   map[string]any{"n": i},
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}))
	}

	entries, err := q.AuditEntries(AuditFilter{CustomerID: cid})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ActionMachineActivated, entries[0].Action, "newest first")

	entries, err = q.AuditEntries(AuditFilter{Action: ActionCustomerCreated})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = q.AuditEntries(AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
