package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/settlement/store"
)

func init() {
	logger.IsTest = true
}

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	fixedNow = time.Date(2025, time.March, 20, 9, 0, 0, 0, time.UTC)
	week11   = settlement.ServiceWeek("2025-W11") // Mon 10 Mar - Sun 16 Mar 2025
	week12   = settlement.ServiceWeek("2025-W12")
	week13   = settlement.ServiceWeek("2025-W13")
)

func fastRetry() settlement.RetryConfig {
	return settlement.RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsedTime:  10 * time.Second,
	}
}

type fixture struct {
	store    settlement.Store
	engine   *settlement.Engine
	service  *settlement.Service
	notifier *recordingNotifier
	observer *recordingObserver
}

func newFixture(t *testing.T, opts ...settlement.Option) *fixture {
	return newFixtureWithStore(t, store.NewMemory(), opts...)
}

func newFixtureWithStore(t *testing.T, st settlement.Store, opts ...settlement.Option) *fixture {
	t.Helper()
	f := &fixture{store: st, notifier: &recordingNotifier{}, observer: &recordingObserver{}}
	base := []settlement.Option{
		settlement.WithRetry(fastRetry()),
		settlement.WithClock(func() time.Time { return fixedNow }),
		settlement.WithNotifier(f.notifier),
		settlement.WithObserver(f.observer),
	}
	f.engine = settlement.NewEngine(st, append(base, opts...)...)
	f.service = settlement.NewService(st, f.engine)
	return f
}

func m(s string) decimal.Decimal { return settlement.MustMoney(s) }

func dayIn(week settlement.ServiceWeek, offset int) time.Time {
	return week.Start().AddDate(0, 0, offset)
}

func (f *fixture) driver(t *testing.T, d settlement.Driver) {
	t.Helper()
	if d.Site == "" {
		d.Site = "DBS2"
	}
	_, err := f.service.UpsertDriver(context.Background(), d)
	require.NoError(t, err)
}

// earn records one day of work worth total (all in service rate).
func (f *fixture) earn(t *testing.T, driverID settlement.DriverID, week settlement.ServiceWeek, offset int, total string) (settlement.DailyEarningsRecord, settlement.WeeklySettlement) {
	t.Helper()
	rec, s, err := f.service.AddEarnings(context.Background(), settlement.DailyEarningsRecord{
		DriverID:    driverID,
		Week:        week,
		Date:        dayIn(week, offset),
		ServiceRate: m(total),
	})
	require.NoError(t, err)
	return rec, s
}

func (f *fixture) charge(t *testing.T, driverID settlement.DriverID, week settlement.ServiceWeek, kind settlement.ChargeKind, amount string, signed bool) (settlement.AdditionalChargeLine, settlement.WeeklySettlement) {
	t.Helper()
	c, s, err := f.service.AddCharge(context.Background(), settlement.AdditionalChargeLine{
		DriverID: driverID,
		Week:     week,
		Kind:     kind,
		Amount:   m(amount),
		Date:     dayIn(week, 0),
		Signed:   signed,
	})
	require.NoError(t, err)
	return c, s
}

func (f *fixture) plan(t *testing.T, driverID settlement.DriverID, total, spread string, signed bool) settlement.InstallmentPlan {
	t.Helper()
	p, _, err := f.service.CreatePlan(context.Background(), settlement.InstallmentPlan{
		DriverID:   driverID,
		TotalRate:  m(total),
		SpreadRate: m(spread),
		Signed:     signed,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) pending(t *testing.T, id settlement.PlanID) string {
	t.Helper()
	p, err := f.store.Plan(context.Background(), id)
	require.NoError(t, err)
	return p.Pending.StringFixed(2)
}

// allocatedAcross sums what every stored settlement of driverID deducted
// from planID.
func (f *fixture) allocatedAcross(t *testing.T, driverID settlement.DriverID, planID settlement.PlanID) decimal.Decimal {
	t.Helper()
	all, err := f.store.Settlements(context.Background(), driverID)
	require.NoError(t, err)
	total := decimal.Zero
	for _, s := range all {
		total = settlement.AddMoney(total, s.AllocatedTo(planID))
	}
	return total
}

// =============================================================================
// FAKES
// =============================================================================

type recordingNotifier struct {
	mu     sync.Mutex
	events []settlement.ChangeEvent
	err    error
}

func (n *recordingNotifier) SettlementChanged(_ context.Context, ev settlement.ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) Events() []settlement.ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]settlement.ChangeEvent(nil), n.events...)
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  map[string]int
	contended int
	drift     int
	missing   map[string]int
	notifyErr int
}

func (o *recordingObserver) ReconcileCompleted(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func (o *recordingObserver) LockContended() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contended++
}

func (o *recordingObserver) RoundingDrift() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drift++
}

func (o *recordingObserver) MissingDependency(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.missing == nil {
		o.missing = make(map[string]int)
	}
	o.missing[kind]++
}

func (o *recordingObserver) InstallmentDeducted(float64) {}

func (o *recordingObserver) NotifyFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notifyErr++
}

func (o *recordingObserver) count(f func(*recordingObserver) int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return f(o)
}

// faultyStore wraps a store and injects failures into its transactions.
type faultyStore struct {
	settlement.Store

	mu sync.Mutex
	// conflicts is the number of PutSettlement calls that fail with a
	// version conflict before writes go through.
	conflicts int
	// failPlanUpdate makes every UpdatePlan fail.
	failPlanUpdate error
	puts           int
}

func (s *faultyStore) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx settlement.Tx) error {
		return fn(&faultyTx{Tx: tx, parent: s})
	})
}

type faultyTx struct {
	settlement.Tx
	parent *faultyStore
}

func (tx *faultyTx) PutSettlement(ctx context.Context, s settlement.WeeklySettlement, expected int64) error {
	tx.parent.mu.Lock()
	tx.parent.puts++
	if tx.parent.conflicts > 0 {
		tx.parent.conflicts--
		tx.parent.mu.Unlock()
		return &settlement.ConcurrentModificationError{Entity: "settlement", ID: s.Key().String(), Expected: expected, Actual: expected + 1}
	}
	tx.parent.mu.Unlock()
	return tx.Tx.PutSettlement(ctx, s, expected)
}

func (tx *faultyTx) UpdatePlan(ctx context.Context, p settlement.InstallmentPlan) (settlement.InstallmentPlan, error) {
	if tx.parent.failPlanUpdate != nil {
		return settlement.InstallmentPlan{}, tx.parent.failPlanUpdate
	}
	return tx.Tx.UpdatePlan(ctx, p)
}

// busyLocker never grants the lock.
type busyLocker struct{}

func (busyLocker) TryLock(context.Context, settlement.DriverID) (func(), error) {
	return nil, settlement.ErrLockContended
}
