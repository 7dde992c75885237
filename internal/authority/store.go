package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/DhaneshPachipulusu/license-poc/internal/config"
	apperrors "github.com/DhaneshPachipulusu/license-poc/internal/errors"
)

// maxTxAttempts bounds retries of serialization failures
const maxTxAttempts = 3

// NewDialector selects the gorm driver for the configured dialect
func NewDialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Dialect)) {
	case "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", cfg.Dialect)
	}
}

// OpenDatabase connects, applies pool settings and installs the tracing plugin
func OpenDatabase(cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	dialector, err := NewDialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Dialect, err)
	}

	if err := db.Use(otelgorm.NewPlugin(otelgorm.WithoutQueryVariables())); err != nil {
		return nil, fmt.Errorf("failed to install tracing plugin: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	log.Info("Database connected",
		slog.String("dialect", cfg.Dialect),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return db, nil
}

// Store persists customers, machines and the audit log
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore wraps an open database
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With(slog.String("component", "store"))}
}

// Migrate creates or updates the schema
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Customer{}, &Machine{}, &AuditLogEntry{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Read returns queries running outside a transaction
func (s *Store) Read(ctx context.Context) *Queries {
	return &Queries{db: s.db.WithContext(ctx)}
}

// Tx runs fn in a serializable transaction, retrying serialization failures.
// fn must be safe to run more than once.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&Queries{db: tx})
		}, &sql.TxOptions{Isolation: sql.LevelSerializable})

		if err == nil || !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		s.logger.WarnContext(ctx, "Retrying transaction after serialization failure",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		time.Sleep(time.Duration(attempt*attempt) * 10 * time.Millisecond)
	}
	return err
}

// isRetryable reports serialization failures, deadlocks, busy sqlite
// databases and unique violations raced by a concurrent insert
func isRetryable(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// Queries are the store operations, bound either to the pool or to a
// transaction
type Queries struct {
	db *gorm.DB
}

func (q *Queries) locking(lock bool) *gorm.DB {
	if lock {
		return q.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q.db
}

// CustomerByProductKey loads a customer, optionally locking the row
func (q *Queries) CustomerByProductKey(key string, lock bool) (*Customer, error) {
	var c Customer
	if err := q.locking(lock).Where("product_key = ?", key).Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CustomerByID loads a customer, optionally locking the row
func (q *Queries) CustomerByID(id string, lock bool) (*Customer, error) {
	var c Customer
	if err := q.locking(lock).Where("id = ?", id).Take(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateCustomer inserts a customer
func (q *Queries) CreateCustomer(c *Customer) error {
	return q.db.Create(c).Error
}

// SaveCustomer updates every column of c
func (q *Queries) SaveCustomer(c *Customer) error {
	return q.db.Save(c).Error
}

// ListCustomers returns a page of customers ordered by creation time
func (q *Queries) ListCustomers(offset, limit int) ([]Customer, int64, error) {
	var total int64
	if err := q.db.Model(&Customer{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var customers []Customer
	if err := q.db.Order("created_at ASC, id ASC").Offset(offset).Limit(limit).Find(&customers).Error; err != nil {
		return nil, 0, err
	}
	return customers, total, nil
}

// MachineByFingerprint finds a customer's machine for a fingerprint
func (q *Queries) MachineByFingerprint(customerID, fingerprint string) (*Machine, error) {
	var m Machine
	err := q.db.Where("customer_id = ? AND fingerprint = ?", customerID, fingerprint).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrMachineNotFound
		}
		return nil, err
	}
	return &m, nil
}

// LatestMachineByFingerprint finds the most recently activated machine
// with a fingerprint across all customers
func (q *Queries) LatestMachineByFingerprint(fingerprint string) (*Machine, error) {
	var m Machine
	err := q.db.Where("fingerprint = ?", fingerprint).Order("activated_at DESC").Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrMachineNotFound
		}
		return nil, err
	}
	return &m, nil
}

// MachineByID loads a machine, optionally locking the row
func (q *Queries) MachineByID(id string, lock bool) (*Machine, error) {
	var m Machine
	if err := q.locking(lock).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrMachineNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ActiveMachines lists a customer's active machines by activation time
func (q *Queries) ActiveMachines(customerID string) ([]Machine, error) {
	var machines []Machine
	err := q.db.Where("customer_id = ? AND status = ?", customerID, StatusActive).
		Order("activated_at ASC, id ASC").
		Find(&machines).Error
	return machines, err
}

// CountActive counts a customer's active machines
func (q *Queries) CountActive(customerID string) (int, error) {
	var n int64
	err := q.db.Model(&Machine{}).
		Where("customer_id = ? AND status = ?", customerID, StatusActive).
		Count(&n).Error
	return int(n), err
}

// ActiveCounts counts active machines for several customers at once
func (q *Queries) ActiveCounts(customerIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(customerIDs))
	if len(customerIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		CustomerID string
		N          int
	}
	err := q.db.Model(&Machine{}).
		Select("customer_id, COUNT(*) AS n").
		Where("customer_id IN ? AND status = ?", customerIDs, StatusActive).
		Group("customer_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		counts[r.CustomerID] = r.N
	}
	return counts, nil
}

// MachinesForCustomer lists every machine of a customer
func (q *Queries) MachinesForCustomer(customerID string) ([]Machine, error) {
	var machines []Machine
	err := q.db.Where("customer_id = ?", customerID).Order("activated_at ASC, id ASC").Find(&machines).Error
	return machines, err
}

// CreateMachine inserts a machine
func (q *Queries) CreateMachine(m *Machine) error {
	return q.db.Create(m).Error
}

// SaveMachine updates every column of m
func (q *Queries) SaveMachine(m *Machine) error {
	return q.db.Save(m).Error
}

// TouchMachine records a heartbeat without rewriting the certificate
func (q *Queries) TouchMachine(id, appVersion, ip string, seen time.Time) error {
	updates := map[string]any{"last_seen": seen}
	if appVersion != "" {
		updates["app_version"] = appVersion
	}
	if ip != "" {
		updates["ip_address"] = ip
	}
	return q.db.Model(&Machine{}).Where("id = ?", id).Updates(updates).Error
}

// SetMachineStatus changes only the status column
func (q *Queries) SetMachineStatus(id, status string) error {
	return q.db.Model(&Machine{}).Where("id = ?", id).Update("status", status).Error
}

// AppendAudit writes an audit entry
func (q *Queries) AppendAudit(e *AuditLogEntry) error {
	return q.db.Create(e).Error
}

// AuditFilter narrows AuditEntries
type AuditFilter struct {
	CustomerID string
	MachineID  string
	Action     string
	Limit      int
}

// AuditEntries returns audit entries newest first
func (q *Queries) AuditEntries(f AuditFilter) ([]AuditLogEntry, error) {
	tx := q.db.Model(&AuditLogEntry{})
	if f.CustomerID != "" {
		tx = tx.Where("customer_id = ?", f.CustomerID)
	}
	if f.MachineID != "" {
		tx = tx.Where("machine_id = ?", f.MachineID)
	}
	if f.Action != "" {
		tx = tx.Where("action = ?", f.Action)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var entries []AuditLogEntry
	err := tx.Order("created_at DESC").Limit(limit).Find(&entries).Error
	return entries, err
}
