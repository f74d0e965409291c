/*
engine.go - The reconciliation engine

PURPOSE:
  The only component that writes WeeklySettlements and InstallmentPlan
  balances. Every ledger mutation path funnels through Apply, which runs the
  mutation and the recomputation of every affected week as one unit.

RECONCILIATION STEPS (per week, inside the driver lock and one transaction):
  1. Read the stored settlement (its allocations must be read before they
     are overwritten)
  2. Read the week's earnings and charges
  3. Restore the settlement's previous allocations into the plans
  4. No earnings left: delete the settlement and stop
  5. Calculate base, VAT and charge totals
  6. Allocate the floored total across open plans in creation order
  7. Check invariants and rounding drift
  8. Identical to the stored settlement: write nothing
  9. Persist the settlement (versioned); touched plans are persisted once
     per transaction after the last week

SERIALIZATION:
  All weeks of a driver share the driver's plans, so the whole sequence
  runs under a per-driver lock. Weeks are processed in ascending order.
  Different drivers run in parallel.

FAILURE SEMANTICS:
  Any error rolls back the transaction: plans are never left restored but
  not reallocated. Version conflicts retry the whole unit from a fresh read
  with exponential backoff, as does a contended lock. Once the lock is held
  the caller's cancellation is ignored until the unit completes.

SEE ALSO:
  - service.go: Ledger mutations expressed as Apply calls
  - allocator.go, calculator.go: The pure algorithms
*/
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/logger"
)

var oneCent = decimal.New(1, -2)

// =============================================================================
// CONFIGURATION
// =============================================================================

// RetryConfig bounds how long Apply waits for a contended driver lock or
// retries after a version conflict.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxAttempts     uint64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  15 * time.Second,
		MaxAttempts:     20,
	}
}

func (c RetryConfig) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = c.MaxElapsedTime
	if c.MaxAttempts == 0 {
		return b
	}
	return backoff.WithMaxRetries(b, c.MaxAttempts)
}

type Option func(*Engine)

func WithLocker(l Locker) Option             { return func(e *Engine) { e.locker = l } }
func WithNotifier(n Notifier) Option         { return func(e *Engine) { e.notifier = n } }
func WithObserver(o Observer) Option         { return func(e *Engine) { e.observer = o } }
func WithRetry(c RetryConfig) Option         { return func(e *Engine) { e.retry = c } }
func WithClock(now func() time.Time) Option  { return func(e *Engine) { e.now = now } }
func WithIDGenerator(f func() string) Option { return func(e *Engine) { e.newID = f } }

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l.Named("engine") }
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	locker   Locker
	notifier Notifier
	observer Observer
	log      *zap.SugaredLogger

	calc  BaseTotalCalculator
	alloc InstallmentAllocator

	retry RetryConfig
	now   func() time.Time
	newID func() string
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		locker:   NewLocalLocker(),
		notifier: nopNotifier{},
		observer: nopObserver{},
		log:      logger.GetLogger().Named("engine"),
		retry:    DefaultRetryConfig(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scope names the weeks a mutation invalidated.
type Scope struct {
	Weeks []ServiceWeek
	All   bool
}

// Weeks returns a Scope covering the given weeks.
func Weeks(weeks ...ServiceWeek) Scope { return Scope{Weeks: weeks} }

// AllWeeks returns a Scope covering every week the driver has.
func AllWeeks() Scope { return Scope{All: true} }

// Mutation changes ledgers inside the driver's transaction and reports
// which weeks must be reconciled as a result.
type Mutation func(ctx context.Context, tx Tx) (Scope, error)

// Reconcile recomputes one driver week. Idempotent: calling it again with
// no ledger change writes nothing and returns the identical settlement.
// When the week has no earnings the returned settlement has Removed set
// and zero totals.
func (e *Engine) Reconcile(ctx context.Context, driverID DriverID, week ServiceWeek) (WeeklySettlement, error) {
	if err := week.Validate(); err != nil {
		return WeeklySettlement{}, err
	}
	out, err := e.Apply(ctx, driverID, nil, Weeks(week))
	if err != nil {
		return WeeklySettlement{}, err
	}
	return out[0], nil
}

// ReconcileWeeks recomputes several weeks of one driver under a single
// lock, in ascending week order.
func (e *Engine) ReconcileWeeks(ctx context.Context, driverID DriverID, weeks ...ServiceWeek) ([]WeeklySettlement, error) {
	for _, w := range weeks {
		if err := w.Validate(); err != nil {
			return nil, err
		}
	}
	return e.Apply(ctx, driverID, nil, Weeks(weeks...))
}

// ReconcileAll recomputes every week of a driver, in week order. Used
// after driver-level changes such as a retroactive tax registration.
func (e *Engine) ReconcileAll(ctx context.Context, driverID DriverID) ([]WeeklySettlement, error) {
	return e.Apply(ctx, driverID, nil, AllWeeks())
}

// Settlement returns the stored settlement for a driver week.
func (e *Engine) Settlement(ctx context.Context, driverID DriverID, week ServiceWeek) (WeeklySettlement, error) {
	return e.store.Settlement(ctx, driverID, week)
}

// Settlements returns every stored settlement of a driver in week order.
func (e *Engine) Settlements(ctx context.Context, driverID DriverID) ([]WeeklySettlement, error) {
	return e.store.Settlements(ctx, driverID)
}

// SettlementsBySite returns the settlements of a site for one week.
func (e *Engine) SettlementsBySite(ctx context.Context, site string, week ServiceWeek) ([]WeeklySettlement, error) {
	return e.store.SettlementsBySite(ctx, site, week)
}

// Apply runs m and reconciles the weeks it invalidated, plus extra, as one
// transaction under the driver lock. m may be nil. The returned settlements
// follow ascending week order.
func (e *Engine) Apply(ctx context.Context, driverID DriverID, m Mutation, extra Scope) ([]WeeklySettlement, error) {
	start := time.Now()

	var (
		results []WeeklySettlement
		events  []ChangeEvent
	)
	op := func() error {
		release, err := e.locker.TryLock(ctx, driverID)
		if errors.Is(err, ErrLockContended) {
			e.observer.LockContended()
			return err
		}
		if err != nil {
			return backoff.Permanent(fmt.Errorf("lock driver %s: %w", driverID, err))
		}
		defer release()

		res, evs, err := e.run(context.WithoutCancel(ctx), driverID, m, extra)
		if err != nil {
			if IsRetryable(err) {
				e.log.Warnw("Version conflict, retrying reconciliation", "driverID", driverID, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		results, events = res, evs
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(e.retry.backOff(), ctx))
	if errors.Is(err, ErrLockContended) {
		err = fmt.Errorf("%w: driver %s", ErrLockTimeout, driverID)
	}
	e.observer.ReconcileCompleted(outcome(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	e.publish(context.WithoutCancel(ctx), events)
	return results, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}

func (e *Engine) publish(ctx context.Context, events []ChangeEvent) {
	for _, ev := range events {
		if err := e.notifier.SettlementChanged(ctx, ev); err != nil {
			e.observer.NotifyFailed()
			e.log.Errorw("Failed to publish settlement change",
				"driverID", ev.DriverID, "week", ev.Week, "error", err)
		}
	}
}

// =============================================================================
// TRANSACTIONAL UNIT
// =============================================================================

func (e *Engine) run(ctx context.Context, driverID DriverID, m Mutation, extra Scope) ([]WeeklySettlement, []ChangeEvent, error) {
	var (
		results []WeeklySettlement
		events  []ChangeEvent
	)
	err := e.store.WithTx(ctx, func(tx Tx) error {
		results, events = nil, nil

		scope := extra
		if m != nil {
			s, err := m(ctx, tx)
			if err != nil {
				return err
			}
			scope.Weeks = append(append([]ServiceWeek{}, extra.Weeks...), s.Weeks...)
			scope.All = scope.All || s.All
		}

		weeks, err := e.resolveWeeks(ctx, tx, driverID, scope)
		if err != nil {
			return err
		}
		if len(weeks) == 0 {
			return nil
		}

		driver, err := e.loadDriver(ctx, tx, driverID)
		if err != nil {
			return err
		}
		book, err := e.loadPlans(ctx, tx, driverID)
		if err != nil {
			return err
		}

		for _, week := range weeks {
			s, ev, err := e.reconcileWeek(ctx, tx, driverID, driver, book, week)
			if err != nil {
				return err
			}
			results = append(results, s)
			if ev != nil {
				events = append(events, *ev)
			}
		}
		return book.persist(ctx, tx)
	})
	if err != nil {
		return nil, nil, err
	}
	return results, events, nil
}

func (e *Engine) resolveWeeks(ctx context.Context, tx Tx, driverID DriverID, scope Scope) ([]ServiceWeek, error) {
	weeks := append([]ServiceWeek{}, scope.Weeks...)
	if scope.All {
		all, err := tx.Weeks(ctx, driverID)
		if err != nil {
			return nil, fmt.Errorf("list weeks of driver %s: %w", driverID, err)
		}
		weeks = append(weeks, all...)
	}

	seen := make(map[ServiceWeek]bool, len(weeks))
	unique := weeks[:0]
	for _, w := range weeks {
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		unique = append(unique, w)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Before(unique[j]) })
	return unique, nil
}

func (e *Engine) loadDriver(ctx context.Context, tx Tx, driverID DriverID) (*Driver, error) {
	d, err := tx.Driver(ctx, driverID)
	if errors.Is(err, ErrDriverNotFound) {
		e.missing(&MissingDependencyError{Key: DriverWeekKey{DriverID: driverID}, Kind: "driver", ID: string(driverID)})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load driver %s: %w", driverID, err)
	}
	return &d, nil
}

func (e *Engine) missing(err *MissingDependencyError) {
	e.observer.MissingDependency(err.Kind)
	e.log.Warnw("Dropping dangling reference", "key", err.Key.String(), "kind", err.Kind, "id", err.ID, "error", err)
}

// =============================================================================
// PLAN BOOK - Working copies of a driver's plans for one transaction
// =============================================================================

type planBook struct {
	plans    []*InstallmentPlan
	original map[PlanID]InstallmentPlan
}

func (e *Engine) loadPlans(ctx context.Context, tx Tx, driverID DriverID) (*planBook, error) {
	stored, err := tx.Plans(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("load plans of driver %s: %w", driverID, err)
	}

	book := &planBook{original: make(map[PlanID]InstallmentPlan, len(stored))}
	for _, p := range stored {
		if err := checkPlan(driverID, p); err != nil {
			e.log.Errorw("Installment plan violates its invariants", "driverID", driverID, "planID", p.ID, "error", err)
			return nil, err
		}
		working := p
		book.plans = append(book.plans, &working)
		book.original[p.ID] = p
	}
	sortPlans(book.plans)
	return book, nil
}

func checkPlan(driverID DriverID, p InstallmentPlan) error {
	key := DriverWeekKey{DriverID: driverID}
	switch {
	case p.Pending.IsNegative():
		return &InvalidStateError{Key: key, PlanID: p.ID, Field: "pending", Value: p.Pending, Limit: decimal.Zero}
	case p.Pending.GreaterThan(p.TotalRate):
		return &InvalidStateError{Key: key, PlanID: p.ID, Field: "pending", Value: p.Pending, Limit: p.TotalRate}
	case p.SpreadRate.IsNegative():
		return &InvalidStateError{Key: key, PlanID: p.ID, Field: "spread_rate", Value: p.SpreadRate, Limit: decimal.Zero}
	}
	return nil
}

// persist writes every plan whose balance moved during the transaction.
func (b *planBook) persist(ctx context.Context, tx Tx) error {
	for _, p := range b.plans {
		if p.Pending.Equal(b.original[p.ID].Pending) {
			continue
		}
		if _, err := tx.UpdatePlan(ctx, *p); err != nil {
			return fmt.Errorf("persist plan %s: %w", p.ID, err)
		}
	}
	return nil
}

// =============================================================================
// WEEK RECONCILIATION
// =============================================================================

func (e *Engine) reconcileWeek(ctx context.Context, tx Tx, driverID DriverID, driver *Driver, book *planBook, week ServiceWeek) (WeeklySettlement, *ChangeEvent, error) {
	key := DriverWeekKey{DriverID: driverID, Week: week}

	prior, err := tx.Settlement(ctx, driverID, week)
	found := err == nil
	if err != nil && !errors.Is(err, ErrSettlementNotFound) {
		return WeeklySettlement{}, nil, fmt.Errorf("load settlement %s: %w", key, err)
	}

	earnings, err := tx.EarningsForWeek(ctx, driverID, week)
	if err != nil {
		return WeeklySettlement{}, nil, fmt.Errorf("load earnings %s: %w", key, err)
	}
	charges, err := tx.ChargesForWeek(ctx, driverID, week)
	if err != nil {
		return WeeklySettlement{}, nil, fmt.Errorf("load charges %s: %w", key, err)
	}

	if found {
		missing, err := e.alloc.Restore(key, book.plans, prior.Allocations)
		for _, id := range missing {
			e.missing(&MissingDependencyError{Key: key, Kind: "plan", ID: string(id)})
		}
		if err != nil {
			e.log.Errorw("Restoring allocations broke a plan invariant", "key", key.String(), "error", err)
			return WeeklySettlement{}, nil, err
		}
	}

	site := ""
	if driver != nil {
		site = driver.Site
	}

	if len(earnings) == 0 {
		removed := WeeklySettlement{
			DriverID:                driverID,
			Week:                    week,
			Site:                    site,
			BaseTotal:               decimal.Zero,
			VATTotal:                decimal.Zero,
			AdditionalChargesTotal:  decimal.Zero,
			TotalBeforeInstallments: decimal.Zero,
			FinalTotal:              decimal.Zero,
			Removed:                 true,
		}
		if !found {
			return removed, nil, nil
		}
		if err := tx.DeleteSettlement(ctx, driverID, week, prior.Version); err != nil {
			return WeeklySettlement{}, nil, fmt.Errorf("delete settlement %s: %w", key, err)
		}
		removed.UpdatedAt = e.now().UTC()
		e.log.Infow("Settlement removed, no earnings left", "key", key.String(), "restoredPlans", len(prior.Allocations))
		ev := e.event(removed)
		return removed, &ev, nil
	}

	digest := inputDigest(driver, week, earnings, charges, book.plans)
	totals := e.calc.Calculate(earnings, charges, driver)
	before := totals.BeforeInstallments()
	available := FloorZero(before)

	res := e.alloc.Allocate(available, week, book.plans)
	deducted := res.Deducted()
	final := FloorZero(SubMoney(before, deducted))
	if deducted.GreaterThan(available) || !final.Equal(res.Remaining) {
		err := &InvalidStateError{Key: key, Field: "final_total", Value: SubMoney(before, deducted), Limit: decimal.Zero}
		e.log.Errorw("Allocation exceeded the week's total", "key", key.String(), "error", err)
		return WeeklySettlement{}, nil, err
	}

	next := WeeklySettlement{
		DriverID:                driverID,
		Week:                    week,
		Site:                    site,
		BaseTotal:               totals.BaseTotal,
		VATTotal:                totals.VATTotal,
		AdditionalChargesTotal:  totals.AdditionalChargesTotal,
		TotalBeforeInstallments: before,
		Allocations:             res.Allocations,
		FinalTotal:              final,
		Unsigned:                unsigned(res.Allocations, charges),
		EarningsIDs:             earningsIDs(earnings),
		ChargeIDs:               chargeIDs(charges),
		InputDigest:             digest,
	}

	if found {
		if prior.InputDigest == digest && SubMoney(prior.FinalTotal, final).Abs().GreaterThan(oneCent) {
			warn := &RoundingDriftWarning{Key: key, Previous: prior.FinalTotal, Recomputed: final}
			e.observer.RoundingDrift()
			e.log.Warnw("Rounding drift detected", "key", key.String(), "warning", warn.Error())
		}
		if sameContent(prior, next) {
			if prior.InputDigest == digest {
				return prior, nil, nil
			}
			// Inputs moved without changing the result: refresh the stored
			// fingerprint in place. Version and UpdatedAt stay, no event.
			refreshed := prior
			refreshed.InputDigest = digest
			if err := tx.PutSettlement(ctx, refreshed, prior.Version); err != nil {
				return WeeklySettlement{}, nil, fmt.Errorf("refresh digest %s: %w", key, err)
			}
			return refreshed, nil, nil
		}
	}

	expected := int64(0)
	if found {
		expected = prior.Version
	}
	next.Version = expected + 1
	next.UpdatedAt = e.now().UTC()
	if err := tx.PutSettlement(ctx, next, expected); err != nil {
		return WeeklySettlement{}, nil, fmt.Errorf("persist settlement %s: %w", key, err)
	}

	if deducted.IsPositive() {
		e.observer.InstallmentDeducted(deducted.InexactFloat64())
	}
	e.log.Debugw("Settlement reconciled",
		"key", key.String(),
		"base", totals.BaseTotal.StringFixed(2),
		"vat", totals.VATTotal.StringFixed(2),
		"charges", totals.AdditionalChargesTotal.StringFixed(2),
		"deducted", deducted.StringFixed(2),
		"final", final.StringFixed(2),
		"version", next.Version)

	ev := e.event(next)
	return next, &ev, nil
}

func (e *Engine) event(s WeeklySettlement) ChangeEvent {
	return ChangeEvent{
		ID:         e.newID(),
		DriverID:   s.DriverID,
		Week:       s.Week,
		Site:       s.Site,
		FinalTotal: s.FinalTotal,
		Unsigned:   s.Unsigned,
		Removed:    s.Removed,
		Version:    s.Version,
		At:         s.UpdatedAt,
	}
}

func unsigned(allocs []Allocation, charges []AdditionalChargeLine) bool {
	for _, a := range allocs {
		if !a.Signed {
			return true
		}
	}
	for _, c := range charges {
		if !c.Signed {
			return true
		}
	}
	return false
}

func earningsIDs(records []DailyEarningsRecord) []EarningsID {
	ids := make([]EarningsID, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func chargeIDs(charges []AdditionalChargeLine) []ChargeID {
	ids := make([]ChargeID, 0, len(charges))
	for _, c := range charges {
		ids = append(ids, c.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// inputDigest fingerprints what a week's computation consumes: the site,
// the ledger lines with their taxability, and the plans the allocator may
// draw from with their balances after restoration. Raw tax registrations
// and plans that cannot deduct in this week are left out.
func inputDigest(driver *Driver, week ServiceWeek, earnings []DailyEarningsRecord, charges []AdditionalChargeLine, plans []*InstallmentPlan) string {
	var b strings.Builder
	b.WriteString(string(week))
	if driver != nil {
		fmt.Fprintf(&b, "|S:%s", driver.Site)
	}
	for _, r := range earnings {
		fmt.Fprintf(&b, "|E:%s:%s:%t:%s:%s:%s:%s", r.ID, dayString(r.Date), IsTaxable(r.Date, driver),
			r.ServiceRate.String(), r.BYODRate.String(), r.MileageCharge.String(), r.IncentiveAmount.String())
	}
	for _, c := range charges {
		fmt.Fprintf(&b, "|C:%s:%s:%s:%s:%t:%t", c.ID, c.Kind, c.Amount.String(), dayString(c.Date), IsTaxable(c.Date, driver), c.Signed)
	}
	for _, p := range plans {
		if !p.ActiveIn(week) || !p.Pending.IsPositive() {
			continue
		}
		fmt.Fprintf(&b, "|P:%s:%s:%s:%t", p.ID, p.Pending.String(), p.SpreadRate.String(), p.Signed)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func dayString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
