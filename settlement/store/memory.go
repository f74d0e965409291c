// Package store provides the in-memory settlement.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every ledger in maps guarded by one RWMutex. WithTx holds the
// write lock for the whole transaction and rolls back by restoring a
// snapshot taken at the start.
type Memory struct {
	mu   sync.RWMutex
	data state
}

type state struct {
	seq         int64
	drivers     map[settlement.DriverID]settlement.Driver
	earnings    map[settlement.EarningsID]settlement.DailyEarningsRecord
	charges     map[settlement.ChargeID]settlement.AdditionalChargeLine
	plans       map[settlement.PlanID]settlement.InstallmentPlan
	settlements map[settlement.DriverWeekKey]settlement.WeeklySettlement
}

func NewMemory() *Memory {
	return &Memory{data: state{
		drivers:     make(map[settlement.DriverID]settlement.Driver),
		earnings:    make(map[settlement.EarningsID]settlement.DailyEarningsRecord),
		charges:     make(map[settlement.ChargeID]settlement.AdditionalChargeLine),
		plans:       make(map[settlement.PlanID]settlement.InstallmentPlan),
		settlements: make(map[settlement.DriverWeekKey]settlement.WeeklySettlement),
	}}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(settlement.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&view{s: &m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (s *state) clone() state {
	c := state{
		seq:         s.seq,
		drivers:     make(map[settlement.DriverID]settlement.Driver, len(s.drivers)),
		earnings:    make(map[settlement.EarningsID]settlement.DailyEarningsRecord, len(s.earnings)),
		charges:     make(map[settlement.ChargeID]settlement.AdditionalChargeLine, len(s.charges)),
		plans:       make(map[settlement.PlanID]settlement.InstallmentPlan, len(s.plans)),
		settlements: make(map[settlement.DriverWeekKey]settlement.WeeklySettlement, len(s.settlements)),
	}
	for k, v := range s.drivers {
		c.drivers[k] = v
	}
	for k, v := range s.earnings {
		c.earnings[k] = v
	}
	for k, v := range s.charges {
		c.charges[k] = v
	}
	for k, v := range s.plans {
		c.plans[k] = v
	}
	for k, v := range s.settlements {
		c.settlements[k] = v
	}
	return c
}

// -----------------------------------------------------------------------------
// Locked reads
// -----------------------------------------------------------------------------

func (m *Memory) read() *view {
	return &view{s: &m.data}
}

func (m *Memory) Driver(ctx context.Context, id settlement.DriverID) (settlement.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Driver(ctx, id)
}

func (m *Memory) ListDrivers(ctx context.Context) ([]settlement.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListDrivers(ctx)
}

func (m *Memory) Earnings(ctx context.Context, id settlement.EarningsID) (settlement.DailyEarningsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Earnings(ctx, id)
}

func (m *Memory) EarningsForWeek(ctx context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) ([]settlement.DailyEarningsRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().EarningsForWeek(ctx, driverID, week)
}

func (m *Memory) Charge(ctx context.Context, id settlement.ChargeID) (settlement.AdditionalChargeLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Charge(ctx, id)
}

func (m *Memory) ChargesForWeek(ctx context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) ([]settlement.AdditionalChargeLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ChargesForWeek(ctx, driverID, week)
}

func (m *Memory) Plan(ctx context.Context, id settlement.PlanID) (settlement.InstallmentPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Plan(ctx, id)
}

func (m *Memory) Plans(ctx context.Context, driverID settlement.DriverID) ([]settlement.InstallmentPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Plans(ctx, driverID)
}

func (m *Memory) Settlement(ctx context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) (settlement.WeeklySettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Settlement(ctx, driverID, week)
}

func (m *Memory) Settlements(ctx context.Context, driverID settlement.DriverID) ([]settlement.WeeklySettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Settlements(ctx, driverID)
}

func (m *Memory) SettlementsBySite(ctx context.Context, site string, week settlement.ServiceWeek) ([]settlement.WeeklySettlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().SettlementsBySite(ctx, site, week)
}

func (m *Memory) Weeks(ctx context.Context, driverID settlement.DriverID) ([]settlement.ServiceWeek, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().Weeks(ctx, driverID)
}

// =============================================================================
// TRANSACTIONAL VIEW - Unlocked access; the caller holds m.mu
// =============================================================================

type view struct {
	s *state
}

func (v *view) Driver(_ context.Context, id settlement.DriverID) (settlement.Driver, error) {
	d, ok := v.s.drivers[id]
	if !ok {
		return settlement.Driver{}, settlement.ErrDriverNotFound
	}
	return d, nil
}

func (v *view) ListDrivers(_ context.Context) ([]settlement.Driver, error) {
	out := make([]settlement.Driver, 0, len(v.s.drivers))
	for _, d := range v.s.drivers {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) SaveDriver(_ context.Context, d settlement.Driver) error {
	v.s.drivers[d.ID] = d
	return nil
}

func (v *view) Earnings(_ context.Context, id settlement.EarningsID) (settlement.DailyEarningsRecord, error) {
	r, ok := v.s.earnings[id]
	if !ok {
		return settlement.DailyEarningsRecord{}, settlement.ErrEarningsNotFound
	}
	return r, nil
}

func (v *view) EarningsForWeek(_ context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) ([]settlement.DailyEarningsRecord, error) {
	var out []settlement.DailyEarningsRecord
	for _, r := range v.s.earnings {
		if r.DriverID == driverID && r.Week == week {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) InsertEarnings(_ context.Context, r settlement.DailyEarningsRecord) error {
	if _, ok := v.s.earnings[r.ID]; ok {
		return settlement.ErrInvalidInput
	}
	if v.dayTaken(r.DriverID, r) {
		return settlement.ErrDuplicateDay
	}
	v.s.earnings[r.ID] = r
	return nil
}

func (v *view) UpdateEarnings(_ context.Context, r settlement.DailyEarningsRecord) error {
	if _, ok := v.s.earnings[r.ID]; !ok {
		return settlement.ErrEarningsNotFound
	}
	if v.dayTaken(r.DriverID, r) {
		return settlement.ErrDuplicateDay
	}
	v.s.earnings[r.ID] = r
	return nil
}

func (v *view) dayTaken(driverID settlement.DriverID, r settlement.DailyEarningsRecord) bool {
	day := r.Date.Format("2006-01-02")
	for id, other := range v.s.earnings {
		if id != r.ID && other.DriverID == driverID && other.Date.Format("2006-01-02") == day {
			return true
		}
	}
	return false
}

func (v *view) DeleteEarnings(_ context.Context, id settlement.EarningsID) error {
	if _, ok := v.s.earnings[id]; !ok {
		return settlement.ErrEarningsNotFound
	}
	delete(v.s.earnings, id)
	return nil
}

func (v *view) Charge(_ context.Context, id settlement.ChargeID) (settlement.AdditionalChargeLine, error) {
	c, ok := v.s.charges[id]
	if !ok {
		return settlement.AdditionalChargeLine{}, settlement.ErrChargeNotFound
	}
	return c, nil
}

func (v *view) ChargesForWeek(_ context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) ([]settlement.AdditionalChargeLine, error) {
	var out []settlement.AdditionalChargeLine
	for _, c := range v.s.charges {
		if c.DriverID == driverID && c.Week == week {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) InsertCharge(_ context.Context, c settlement.AdditionalChargeLine) error {
	if _, ok := v.s.charges[c.ID]; ok {
		return settlement.ErrInvalidInput
	}
	v.s.charges[c.ID] = c
	return nil
}

func (v *view) UpdateCharge(_ context.Context, c settlement.AdditionalChargeLine) error {
	if _, ok := v.s.charges[c.ID]; !ok {
		return settlement.ErrChargeNotFound
	}
	v.s.charges[c.ID] = c
	return nil
}

func (v *view) DeleteCharge(_ context.Context, id settlement.ChargeID) error {
	if _, ok := v.s.charges[id]; !ok {
		return settlement.ErrChargeNotFound
	}
	delete(v.s.charges, id)
	return nil
}

func (v *view) Plan(_ context.Context, id settlement.PlanID) (settlement.InstallmentPlan, error) {
	p, ok := v.s.plans[id]
	if !ok {
		return settlement.InstallmentPlan{}, settlement.ErrPlanNotFound
	}
	return p, nil
}

func (v *view) Plans(_ context.Context, driverID settlement.DriverID) ([]settlement.InstallmentPlan, error) {
	var out []settlement.InstallmentPlan
	for _, p := range v.s.plans {
		if p.DriverID == driverID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (v *view) InsertPlan(_ context.Context, p settlement.InstallmentPlan) (settlement.InstallmentPlan, error) {
	if _, ok := v.s.plans[p.ID]; ok {
		return settlement.InstallmentPlan{}, settlement.ErrInvalidInput
	}
	v.s.seq++
	p.Seq = v.s.seq
	p.Version = 1
	v.s.plans[p.ID] = p
	return p, nil
}

func (v *view) UpdatePlan(_ context.Context, p settlement.InstallmentPlan) (settlement.InstallmentPlan, error) {
	stored, ok := v.s.plans[p.ID]
	if !ok {
		return settlement.InstallmentPlan{}, settlement.ErrPlanNotFound
	}
	if stored.Version != p.Version {
		return settlement.InstallmentPlan{}, &settlement.ConcurrentModificationError{
			Entity: "plan", ID: string(p.ID), Expected: p.Version, Actual: stored.Version,
		}
	}
	p.Seq = stored.Seq
	p.Version = stored.Version + 1
	v.s.plans[p.ID] = p
	return p, nil
}

func (v *view) DeletePlan(_ context.Context, id settlement.PlanID) error {
	if _, ok := v.s.plans[id]; !ok {
		return settlement.ErrPlanNotFound
	}
	delete(v.s.plans, id)
	return nil
}

func (v *view) Settlement(_ context.Context, driverID settlement.DriverID, week settlement.ServiceWeek) (settlement.WeeklySettlement, error) {
	s, ok := v.s.settlements[settlement.DriverWeekKey{DriverID: driverID, Week: week}]
	if !ok {
		return settlement.WeeklySettlement{}, settlement.ErrSettlementNotFound
	}
	return s, nil
}

func (v *view) Settlements(_ context.Context, driverID settlement.DriverID) ([]settlement.WeeklySettlement, error) {
	var out []settlement.WeeklySettlement
	for k, s := range v.s.settlements {
		if k.DriverID == driverID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Week.Before(out[j].Week) })
	return out, nil
}

func (v *view) SettlementsBySite(_ context.Context, site string, week settlement.ServiceWeek) ([]settlement.WeeklySettlement, error) {
	var out []settlement.WeeklySettlement
	for k, s := range v.s.settlements {
		if k.Week == week && s.Site == site {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (v *view) PutSettlement(_ context.Context, s settlement.WeeklySettlement, expected int64) error {
	key := s.Key()
	actual := int64(0)
	if stored, ok := v.s.settlements[key]; ok {
		actual = stored.Version
	}
	if actual != expected {
		return &settlement.ConcurrentModificationError{
			Entity: "settlement", ID: key.String(), Expected: expected, Actual: actual,
		}
	}
	s.Allocations = append([]settlement.Allocation(nil), s.Allocations...)
	s.EarningsIDs = append([]settlement.EarningsID(nil), s.EarningsIDs...)
	s.ChargeIDs = append([]settlement.ChargeID(nil), s.ChargeIDs...)
	v.s.settlements[key] = s
	return nil
}

func (v *view) DeleteSettlement(_ context.Context, driverID settlement.DriverID, week settlement.ServiceWeek, expected int64) error {
	key := settlement.DriverWeekKey{DriverID: driverID, Week: week}
	stored, ok := v.s.settlements[key]
	if !ok {
		return settlement.ErrSettlementNotFound
	}
	if stored.Version != expected {
		return &settlement.ConcurrentModificationError{
			Entity: "settlement", ID: key.String(), Expected: expected, Actual: stored.Version,
		}
	}
	delete(v.s.settlements, key)
	return nil
}

func (v *view) Weeks(_ context.Context, driverID settlement.DriverID) ([]settlement.ServiceWeek, error) {
	seen := make(map[settlement.ServiceWeek]bool)
	for _, r := range v.s.earnings {
		if r.DriverID == driverID {
			seen[r.Week] = true
		}
	}
	for _, c := range v.s.charges {
		if c.DriverID == driverID {
			seen[c.Week] = true
		}
	}
	for k := range v.s.settlements {
		if k.DriverID == driverID {
			seen[k.Week] = true
		}
	}
	out := make([]settlement.ServiceWeek, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

var (
	_ settlement.Store = (*Memory)(nil)
	_ settlement.Tx    = (*view)(nil)
)
