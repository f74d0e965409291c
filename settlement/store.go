/*
store.go - Persistence interface for ledgers and settlements

PURPOSE:
  Defines what the engine needs from the database. Reads are available
  directly on the Store; every write goes through WithTx so that a
  ledger mutation, the restored and reallocated plans and the rewritten
  settlements commit or roll back together.

OPTIMISTIC LOCKING:
  Plans and settlements carry a Version. UpdatePlan, PutSettlement and
  DeleteSettlement take the version the caller read and fail with a
  ConcurrentModificationError when the stored row has moved on. Version 0
  in PutSettlement means "must not exist yet".

ORDERING:
  Plans are returned in creation order (Seq). Earnings and charges are
  returned ordered by date, then ID. Weeks are returned ascending.

IMPLEMENTATIONS:
  - settlement/store/memory.go: In-memory with snapshot rollback
  - store/sqlite/sqlite.go: SQLite via database/sql

SEE ALSO:
  - engine.go: The only caller of the plan and settlement writers
  - service.go: The ledger mutation paths
*/
package settlement

import "context"

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	Driver(ctx context.Context, id DriverID) (Driver, error)
	ListDrivers(ctx context.Context) ([]Driver, error)

	Earnings(ctx context.Context, id EarningsID) (DailyEarningsRecord, error)
	EarningsForWeek(ctx context.Context, driverID DriverID, week ServiceWeek) ([]DailyEarningsRecord, error)

	Charge(ctx context.Context, id ChargeID) (AdditionalChargeLine, error)
	ChargesForWeek(ctx context.Context, driverID DriverID, week ServiceWeek) ([]AdditionalChargeLine, error)

	Plan(ctx context.Context, id PlanID) (InstallmentPlan, error)
	Plans(ctx context.Context, driverID DriverID) ([]InstallmentPlan, error)

	// Settlement returns ErrSettlementNotFound when the week has none.
	Settlement(ctx context.Context, driverID DriverID, week ServiceWeek) (WeeklySettlement, error)
	Settlements(ctx context.Context, driverID DriverID) ([]WeeklySettlement, error)
	SettlementsBySite(ctx context.Context, site string, week ServiceWeek) ([]WeeklySettlement, error)

	// Weeks returns every week with earnings, charges or a settlement.
	Weeks(ctx context.Context, driverID DriverID) ([]ServiceWeek, error)
}

// Tx is a transactional view: reads see the transaction's own writes.
type Tx interface {
	Reader

	SaveDriver(ctx context.Context, d Driver) error

	InsertEarnings(ctx context.Context, r DailyEarningsRecord) error
	UpdateEarnings(ctx context.Context, r DailyEarningsRecord) error
	DeleteEarnings(ctx context.Context, id EarningsID) error

	InsertCharge(ctx context.Context, c AdditionalChargeLine) error
	UpdateCharge(ctx context.Context, c AdditionalChargeLine) error
	DeleteCharge(ctx context.Context, id ChargeID) error

	// InsertPlan assigns Seq and sets Version to 1.
	InsertPlan(ctx context.Context, p InstallmentPlan) (InstallmentPlan, error)
	// UpdatePlan writes p if the stored version equals p.Version and
	// returns the plan with its new version.
	UpdatePlan(ctx context.Context, p InstallmentPlan) (InstallmentPlan, error)
	DeletePlan(ctx context.Context, id PlanID) error

	// PutSettlement stores s if the stored version equals expected.
	PutSettlement(ctx context.Context, s WeeklySettlement, expected int64) error
	DeleteSettlement(ctx context.Context, driverID DriverID, week ServiceWeek, expected int64) error
}

// Store handles persistence of ledgers and settlements.
type Store interface {
	Reader

	// WithTx runs fn in a transaction. An error from fn rolls back every
	// write made through the Tx.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
