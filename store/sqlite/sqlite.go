/*
Package sqlite provides a SQLite-backed implementation of settlement.Store.

PURPOSE:
  Persists drivers, the three ledgers (earnings, charges, installment plans)
  and the reconciled weekly settlements. All engine writes happen inside
  WithTx so that a ledger change, the plans it moved and the settlements it
  rewrote commit together.

KEY TABLES:
  drivers:     Tax registrations and reporting site
  earnings:    One row per driver per calendar day (unique index)
  charges:     Ad-hoc additions and deductions
  plans:       Installment plans; seq is the allocation order
  settlements: One row per driver week, allocations stored as JSON

OPTIMISTIC LOCKING:
  plans.version and settlements.version are compared in the WHERE clause
  of every update. A zero-row update means another writer moved the row
  and is reported as settlement.ConcurrentModificationError.

MONEY AND TIME:
  Amounts are decimal strings (never REAL). Calendar dates are stored as
  YYYY-MM-DD, timestamps as RFC3339 with nanoseconds so that a settlement
  read back is identical to the one written.

CONNECTIONS:
  The pool is capped at one connection. SQLite allows a single writer
  anyway, and ":memory:" databases exist per connection.

MIGRATION:
  Schema is managed by golang-migrate from the embedded migrations/
  directory and applied on New().

SEE ALSO:
  - settlement/store.go: Interface definitions
  - settlement/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	dayLayout  = "2006-01-02"
	timeLayout = time.RFC3339Nano
)

// Store implements settlement.Store using SQLite.
type Store struct {
	reader
	db *sql.DB
}

// New opens the database at dbPath and applies pending migrations.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an already migrated database.
func NewWithDB(db *sql.DB) *Store {
	return &Store{reader: reader{q: db}, db: db}
}

// RunMigrations applies every embedded migration not yet recorded in
// schema_migrations.
func RunMigrations(db *sql.DB) error {
	log := logger.GetLogger()

	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	// The migrate instance is not closed: closing it would close db.
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	log.Debugw("Database schema ready", "version", version, "dirty", dirty)
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{reader: reader{q: sqlTx}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// READS
// =============================================================================

type reader struct {
	q querier
}

const driverColumns = `id, name, site, personal_vat_number, personal_vat_from, company_vat_number, company_vat_from`

func scanDriver(row scanner) (settlement.Driver, error) {
	var (
		d                 settlement.Driver
		personal, company string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Site, &d.Personal.Number, &personal, &d.Company.Number, &company); err != nil {
		return settlement.Driver{}, err
	}
	var err error
	if d.Personal.EffectiveFrom, err = parseDay(personal); err != nil {
		return settlement.Driver{}, err
	}
	if d.Company.EffectiveFrom, err = parseDay(company); err != nil {
		return settlement.Driver{}, err
	}
	return d, nil
}

func (r reader) Driver(ctx context.Context, id settlement.DriverID) (settlement.Driver, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ?`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Driver{}, settlement.ErrDriverNotFound
	}
	if err != nil {
		return settlement.Driver{}, fmt.Errorf("failed to get driver: %w", err)
	}
	return d, nil
}

func (r reader) ListDrivers(ctx context.Context) ([]settlement.Driver, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list drivers: %w", err)
	}
	defer rows.Close()

	var out []settlement.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan driver: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const earningsColumns = `id, driver_id, service_week, work_date, service_rate, byod_rate, mileage_charge, incentive_amount`

func scanEarnings(row scanner) (settlement.DailyEarningsRecord, error) {
	var (
		rec                                     settlement.DailyEarningsRecord
		date, service, byod, mileage, incentive string
	)
	if err := row.Scan(&rec.ID, &rec.DriverID, &rec.Week, &date, &service, &byod, &mileage, &incentive); err != nil {
		return rec, err
	}
	var err error
	if rec.Date, err = parseDay(date); err != nil {
		return rec, err
	}
	amounts, err := parseDecimals(service, byod, mileage, incentive)
	if err != nil {
		return rec, err
	}
	rec.ServiceRate, rec.BYODRate, rec.MileageCharge, rec.IncentiveAmount = amounts[0], amounts[1], amounts[2], amounts[3]
	return rec, nil
}

func (r reader) Earnings(ctx context.Context, id settlement.EarningsID) (settlement.DailyEarningsRecord, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+earningsColumns+` FROM earnings WHERE id = ?`, id)
	rec, err := scanEarnings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.DailyEarningsRecord{}, settlement.ErrEarningsNotFound
	}
	if err != nil {
		return settlement.DailyEarningsRecord{}, fmt.Errorf("failed to get earnings: %w", err)
	}
	return rec, nil
}

func (r reader) EarningsForWeek(ctx context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) ([]settlement.DailyEarningsRecord, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+earningsColumns+` FROM earnings
		WHERE driver_id = ? AND service_week = ?
		ORDER BY work_date, id`, driverID, week)
	if err != nil {
		return nil, fmt.Errorf("failed to query earnings: %w", err)
	}
	defer rows.Close()

	var out []settlement.DailyEarningsRecord
	for rows.Next() {
		rec, err := scanEarnings(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan earnings: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const chargeColumns = `id, driver_id, service_week, kind, amount, charge_date, description, signed`

func scanCharge(row scanner) (settlement.AdditionalChargeLine, error) {
	var (
		c            settlement.AdditionalChargeLine
		amount, date string
	)
	if err := row.Scan(&c.ID, &c.DriverID, &c.Week, &c.Kind, &amount, &date, &c.Description, &c.Signed); err != nil {
		return c, err
	}
	var err error
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return c, err
	}
	if c.Date, err = parseDay(date); err != nil {
		return c, err
	}
	return c, nil
}

func (r reader) Charge(ctx context.Context, id settlement.ChargeID) (settlement.AdditionalChargeLine, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = ?`, id)
	c, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.AdditionalChargeLine{}, settlement.ErrChargeNotFound
	}
	if err != nil {
		return settlement.AdditionalChargeLine{}, fmt.Errorf("failed to get charge: %w", err)
	}
	return c, nil
}

func (r reader) ChargesForWeek(ctx context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) ([]settlement.AdditionalChargeLine, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+chargeColumns+` FROM charges
		WHERE driver_id = ? AND service_week = ?
		ORDER BY charge_date, id`, driverID, week)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var out []settlement.AdditionalChargeLine
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan charge: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const planColumns = `seq, id, driver_id, description, total_rate, spread_rate, pending, signed, start_week, version, created_at`

func scanPlan(row scanner) (settlement.InstallmentPlan, error) {
	var (
		p                               settlement.InstallmentPlan
		total, spread, pending, created string
	)
	if err := row.Scan(&p.Seq, &p.ID, &p.DriverID, &p.Description, &total, &spread, &pending,
		&p.Signed, &p.StartWeek, &p.Version, &created); err != nil {
		return p, err
	}
	amounts, err := parseDecimals(total, spread, pending)
	if err != nil {
		return p, err
	}
	p.TotalRate, p.SpreadRate, p.Pending = amounts[0], amounts[1], amounts[2]
	if p.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return p, err
	}
	return p, nil
}

func (r reader) Plan(ctx context.Context, id settlement.PlanID) (settlement.InstallmentPlan, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.InstallmentPlan{}, settlement.ErrPlanNotFound
	}
	if err != nil {
		return settlement.InstallmentPlan{}, fmt.Errorf("failed to get plan: %w", err)
	}
	return p, nil
}

func (r reader) Plans(ctx context.Context, driverID settlement.DriverID) ([]settlement.InstallmentPlan, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE driver_id = ? ORDER BY seq`, driverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var out []settlement.InstallmentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const settlementColumns = `driver_id, service_week, site, base_total, vat_total, additional_charges_total,
	total_before_installments, allocations_json, final_total, unsigned, earnings_ids_json, charge_ids_json,
	input_digest, version, updated_at`

func scanSettlement(row scanner) (settlement.WeeklySettlement, error) {
	var (
		s                                          settlement.WeeklySettlement
		base, vat, charges, before, final, updated string
		allocsJSON, earningsJSON, chargesJSON      string
	)
	if err := row.Scan(&s.DriverID, &s.Week, &s.Site, &base, &vat, &charges, &before, &allocsJSON,
		&final, &s.Unsigned, &earningsJSON, &chargesJSON, &s.InputDigest, &s.Version, &updated); err != nil {
		return s, err
	}
	amounts, err := parseDecimals(base, vat, charges, before, final)
	if err != nil {
		return s, err
	}
	s.BaseTotal, s.VATTotal, s.AdditionalChargesTotal, s.TotalBeforeInstallments, s.FinalTotal =
		amounts[0], amounts[1], amounts[2], amounts[3], amounts[4]
	if err := json.Unmarshal([]byte(allocsJSON), &s.Allocations); err != nil {
		return s, fmt.Errorf("failed to decode allocations: %w", err)
	}
	if err := json.Unmarshal([]byte(earningsJSON), &s.EarningsIDs); err != nil {
		return s, fmt.Errorf("failed to decode earnings ids: %w", err)
	}
	if err := json.Unmarshal([]byte(chargesJSON), &s.ChargeIDs); err != nil {
		return s, fmt.Errorf("failed to decode charge ids: %w", err)
	}
	if s.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return s, err
	}
	return s, nil
}

func (r reader) Settlement(ctx context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) (settlement.WeeklySettlement, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements
		WHERE driver_id = ? AND service_week = ?`, driverID, week)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.WeeklySettlement{}, settlement.ErrSettlementNotFound
	}
	if err != nil {
		return settlement.WeeklySettlement{}, fmt.Errorf("failed to get settlement: %w", err)
	}
	return s, nil
}

func (r reader) Settlements(ctx context.Context, driverID settlement.DriverID) ([]settlement.WeeklySettlement, error) {
	return r.querySettlements(ctx, `SELECT `+settlementColumns+` FROM settlements
		WHERE driver_id = ? ORDER BY service_week`, driverID)
}

func (r reader) SettlementsBySite(ctx context.Context, site string, week settlement.ServiceWeek) ([]settlement.WeeklySettlement, error) {
	return r.querySettlements(ctx, `SELECT `+settlementColumns+` FROM settlements
		WHERE site = ? AND service_week = ? ORDER BY driver_id`, site, week)
}

func (r reader) querySettlements(ctx context.Context, query string, args ...any) ([]settlement.WeeklySettlement, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settlements: %w", err)
	}
	defer rows.Close()

	var out []settlement.WeeklySettlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r reader) Weeks(ctx context.Context, driverID settlement.DriverID) ([]settlement.ServiceWeek, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT service_week FROM earnings WHERE driver_id = ?
		UNION SELECT service_week FROM charges WHERE driver_id = ?
		UNION SELECT service_week FROM settlements WHERE driver_id = ?
		ORDER BY 1`, driverID, driverID, driverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query weeks: %w", err)
	}
	defer rows.Close()

	var out []settlement.ServiceWeek
	for rows.Next() {
		var w settlement.ServiceWeek
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan week: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// =============================================================================
// WRITES - Only reachable through WithTx
// =============================================================================

type txStore struct {
	reader
}

func (t *txStore) SaveDriver(ctx context.Context, d settlement.Driver) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO drivers (`+driverColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			site = excluded.site,
			personal_vat_number = excluded.personal_vat_number,
			personal_vat_from = excluded.personal_vat_from,
			company_vat_number = excluded.company_vat_number,
			company_vat_from = excluded.company_vat_from`,
		d.ID, d.Name, d.Site,
		d.Personal.Number, formatDay(d.Personal.EffectiveFrom),
		d.Company.Number, formatDay(d.Company.EffectiveFrom))
	if err != nil {
		return fmt.Errorf("failed to save driver: %w", err)
	}
	return nil
}

func (t *txStore) InsertEarnings(ctx context.Context, r settlement.DailyEarningsRecord) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO earnings (`+earningsColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DriverID, r.Week, formatDay(r.Date),
		r.ServiceRate.String(), r.BYODRate.String(), r.MileageCharge.String(), r.IncentiveAmount.String())
	if err != nil {
		return earningsWriteError(err)
	}
	return nil
}

func (t *txStore) UpdateEarnings(ctx context.Context, r settlement.DailyEarningsRecord) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE earnings SET service_week = ?, work_date = ?, service_rate = ?, byod_rate = ?,
			mileage_charge = ?, incentive_amount = ?
		WHERE id = ?`,
		r.Week, formatDay(r.Date),
		r.ServiceRate.String(), r.BYODRate.String(), r.MileageCharge.String(), r.IncentiveAmount.String(),
		r.ID)
	if err != nil {
		return earningsWriteError(err)
	}
	return expectRow(res, settlement.ErrEarningsNotFound)
}

func earningsWriteError(err error) error {
	if isUniqueConstraintError(err) {
		if strings.Contains(err.Error(), "work_date") {
			return settlement.ErrDuplicateDay
		}
		return fmt.Errorf("%w: earnings id already exists", settlement.ErrInvalidInput)
	}
	return fmt.Errorf("failed to write earnings: %w", err)
}

func (t *txStore) DeleteEarnings(ctx context.Context, id settlement.EarningsID) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM earnings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete earnings: %w", err)
	}
	return expectRow(res, settlement.ErrEarningsNotFound)
}

func (t *txStore) InsertCharge(ctx context.Context, c settlement.AdditionalChargeLine) error {
	_, err := t.q.ExecContext(ctx, `INSERT INTO charges (`+chargeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DriverID, c.Week, c.Kind, c.Amount.String(), formatDay(c.Date), c.Description, c.Signed)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: charge id already exists", settlement.ErrInvalidInput)
		}
		return fmt.Errorf("failed to insert charge: %w", err)
	}
	return nil
}

func (t *txStore) UpdateCharge(ctx context.Context, c settlement.AdditionalChargeLine) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE charges SET service_week = ?, kind = ?, amount = ?, charge_date = ?, description = ?, signed = ?
		WHERE id = ?`,
		c.Week, c.Kind, c.Amount.String(), formatDay(c.Date), c.Description, c.Signed, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	return expectRow(res, settlement.ErrChargeNotFound)
}

func (t *txStore) DeleteCharge(ctx context.Context, id settlement.ChargeID) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM charges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete charge: %w", err)
	}
	return expectRow(res, settlement.ErrChargeNotFound)
}

func (t *txStore) InsertPlan(ctx context.Context, p settlement.InstallmentPlan) (settlement.InstallmentPlan, error) {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO plans (id, driver_id, description, total_rate, spread_rate, pending, signed, start_week, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		p.ID, p.DriverID, p.Description, p.TotalRate.String(), p.SpreadRate.String(), p.Pending.String(),
		p.Signed, p.StartWeek, p.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		if isUniqueConstraintError(err) {
			return settlement.InstallmentPlan{}, fmt.Errorf("%w: plan id already exists", settlement.ErrInvalidInput)
		}
		return settlement.InstallmentPlan{}, fmt.Errorf("failed to insert plan: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return settlement.InstallmentPlan{}, fmt.Errorf("failed to read plan seq: %w", err)
	}
	p.Seq = seq
	p.Version = 1
	return p, nil
}

func (t *txStore) UpdatePlan(ctx context.Context, p settlement.InstallmentPlan) (settlement.InstallmentPlan, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE plans SET description = ?, total_rate = ?, spread_rate = ?, pending = ?, signed = ?,
			start_week = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		p.Description, p.TotalRate.String(), p.SpreadRate.String(), p.Pending.String(), p.Signed,
		p.StartWeek, p.ID, p.Version)
	if err != nil {
		return settlement.InstallmentPlan{}, fmt.Errorf("failed to update plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return settlement.InstallmentPlan{}, fmt.Errorf("failed to update plan: %w", err)
	}
	if n == 0 {
		var actual int64
		err := t.q.QueryRowContext(ctx, `SELECT version FROM plans WHERE id = ?`, p.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return settlement.InstallmentPlan{}, settlement.ErrPlanNotFound
		}
		if err != nil {
			return settlement.InstallmentPlan{}, fmt.Errorf("failed to read plan version: %w", err)
		}
		return settlement.InstallmentPlan{}, &settlement.ConcurrentModificationError{
			Entity: "plan", ID: string(p.ID), Expected: p.Version, Actual: actual,
		}
	}
	p.Version++
	return p, nil
}

func (t *txStore) DeletePlan(ctx context.Context, id settlement.PlanID) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	return expectRow(res, settlement.ErrPlanNotFound)
}

func (t *txStore) PutSettlement(ctx context.Context, s settlement.WeeklySettlement, expected int64) error {
	allocs, err := json.Marshal(nonNil(s.Allocations))
	if err != nil {
		return fmt.Errorf("failed to encode allocations: %w", err)
	}
	earnings, err := json.Marshal(nonNil(s.EarningsIDs))
	if err != nil {
		return fmt.Errorf("failed to encode earnings ids: %w", err)
	}
	charges, err := json.Marshal(nonNil(s.ChargeIDs))
	if err != nil {
		return fmt.Errorf("failed to encode charge ids: %w", err)
	}

	args := []any{
		s.Site, s.BaseTotal.String(), s.VATTotal.String(), s.AdditionalChargesTotal.String(),
		s.TotalBeforeInstallments.String(), string(allocs), s.FinalTotal.String(), s.Unsigned,
		string(earnings), string(charges), s.InputDigest, s.Version, s.UpdatedAt.UTC().Format(timeLayout),
		s.DriverID, s.Week,
	}

	if expected == 0 {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO settlements (site, base_total, vat_total, additional_charges_total,
				total_before_installments, allocations_json, final_total, unsigned,
				earnings_ids_json, charge_ids_json, input_digest, version, updated_at,
				driver_id, service_week)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err != nil {
			if isUniqueConstraintError(err) {
				return t.settlementConflict(ctx, s.Key(), expected)
			}
			return fmt.Errorf("failed to insert settlement: %w", err)
		}
		return nil
	}

	res, err := t.q.ExecContext(ctx, `
		UPDATE settlements SET site = ?, base_total = ?, vat_total = ?, additional_charges_total = ?,
			total_before_installments = ?, allocations_json = ?, final_total = ?, unsigned = ?,
			earnings_ids_json = ?, charge_ids_json = ?, input_digest = ?, version = ?, updated_at = ?
		WHERE driver_id = ? AND service_week = ? AND version = ?`, append(args, expected)...)
	if err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	} else if n == 0 {
		return t.settlementConflict(ctx, s.Key(), expected)
	}
	return nil
}

func (t *txStore) DeleteSettlement(ctx context.Context, driverID settlement.DriverID, week settlement.ServiceWeek, expected int64) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM settlements WHERE driver_id = ? AND service_week = ? AND version = ?`,
		driverID, week, expected)
	if err != nil {
		return fmt.Errorf("failed to delete settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete settlement: %w", err)
	}
	if n == 0 {
		key := settlement.DriverWeekKey{DriverID: driverID, Week: week}
		if err := t.settlementConflict(ctx, key, expected); err != nil {
			return err
		}
		return settlement.ErrSettlementNotFound
	}
	return nil
}

// settlementConflict reports why a versioned write touched no row. A
// missing row with expected > 0 is a conflict too: someone deleted it.
func (t *txStore) settlementConflict(ctx context.Context, key settlement.DriverWeekKey, expected int64) error {
	var actual int64
	err := t.q.QueryRowContext(ctx, `SELECT version FROM settlements WHERE driver_id = ? AND service_week = ?`,
		key.DriverID, key.Week).Scan(&actual)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read settlement version: %w", err)
	}
	if actual == expected {
		return nil
	}
	return &settlement.ConcurrentModificationError{
		Entity: "settlement", ID: key.String(), Expected: expected, Actual: actual,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func parseDecimals(values ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid decimal %q: %w", v, err)
		}
		out[i] = d
	}
	return out, nil
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dayLayout)
}

func parseDay(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dayLayout, s)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ settlement.Store = (*Store)(nil)
	_ settlement.Tx    = (*txStore)(nil)
)
