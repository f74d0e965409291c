package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// DRIVERS
// =============================================================================

func TestUpsertDriver_RetroactiveVATReconcilesAllWeeks(t *testing.T) {
	// GIVEN: Two settled weeks with no VAT registration
	// WHEN: A personal registration effective from the first week is added
	// THEN: Both weeks are recomputed with 20% VAT
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")
	f.earn(t, "drv-1", week12, 0, "100.00")

	out, err := f.service.UpsertDriver(ctx, settlement.Driver{
		ID:       "drv-1",
		Site:     "DBS2",
		Personal: settlement.TaxRegistration{Number: "GB123456789", EffectiveFrom: week11.Start()},
	})
	require.NoError(t, err)

	require.Len(t, out, 2)
	for _, s := range out {
		assert.Equal(t, "20.00", s.VATTotal.StringFixed(2), s.Week)
		assert.Equal(t, "120.00", s.FinalTotal.StringFixed(2), s.Week)
		assert.Equal(t, int64(2), s.Version)
	}
}

func TestUpsertDriver_RegistrationMidWeek(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1", Company: settlement.TaxRegistration{Number: "GB9", EffectiveFrom: dayIn(week11, 3)}})
	f.earn(t, "drv-1", week11, 2, "50.00")
	_, s := f.earn(t, "drv-1", week11, 3, "50.00")

	assert.Equal(t, "10.00", s.VATTotal.StringFixed(2))
	assert.Equal(t, "110.00", s.FinalTotal.StringFixed(2))
}

func TestUpsertDriver_UnchangedProfileReconcilesNothing(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1", Name: "Sam"})
	f.earn(t, "drv-1", week11, 0, "100.00")

	out, err := f.service.UpsertDriver(context.Background(), settlement.Driver{ID: "drv-1", Name: "Sam R.", Site: "DBS2"})

	require.NoError(t, err)
	assert.Empty(t, out)
	d, err := f.service.Driver(context.Background(), "drv-1")
	require.NoError(t, err)
	assert.Equal(t, "Sam R.", d.Name)
}

// eventsFor returns the change events published for week.
func eventsFor(f *fixture, week settlement.ServiceWeek) []settlement.ChangeEvent {
	var out []settlement.ChangeEvent
	for _, ev := range f.notifier.Events() {
		if ev.Week == week {
			out = append(out, ev)
		}
	}
	return out
}

func TestUpsertDriver_RegistrationLeavesEarlierWeeksUntouched(t *testing.T) {
	// GIVEN: Settled weeks W11 and W13 without VAT
	// WHEN: A company registration effective from W13 is recorded
	// THEN: Only W13 is rewritten and announced; W11 keeps its version
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")
	f.earn(t, "drv-1", week13, 0, "100.00")
	before11, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	before13, err := f.engine.Settlement(ctx, "drv-1", week13)
	require.NoError(t, err)
	events := len(f.notifier.Events())

	_, err = f.service.UpsertDriver(ctx, settlement.Driver{
		ID:      "drv-1",
		Site:    "DBS2",
		Company: settlement.TaxRegistration{Number: "GB987", EffectiveFrom: week13.Start()},
	})
	require.NoError(t, err)

	after11, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	assert.Equal(t, before11.Version, after11.Version)
	assert.Equal(t, before11.UpdatedAt, after11.UpdatedAt)
	assert.Equal(t, "100.00", after11.FinalTotal.StringFixed(2))

	after13, err := f.engine.Settlement(ctx, "drv-1", week13)
	require.NoError(t, err)
	assert.Equal(t, before13.Version+1, after13.Version)
	assert.Equal(t, "120.00", after13.FinalTotal.StringFixed(2))

	fresh := f.notifier.Events()[events:]
	require.Len(t, fresh, 1)
	assert.Equal(t, week13, fresh[0].Week)
}

func TestSignPlan_WeeksOutsidePlanKeepVersion(t *testing.T) {
	// GIVEN: A plan starting in W13 and earnings in W11 and W13
	// WHEN: The plan is signed
	// THEN: W13's allocation becomes signed; W11 is neither rewritten nor
	//       announced
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")
	f.earn(t, "drv-1", week13, 0, "100.00")
	p, _, err := f.service.CreatePlan(ctx, settlement.InstallmentPlan{
		DriverID:   "drv-1",
		TotalRate:  m("60.00"),
		SpreadRate: m("20.00"),
		StartWeek:  week13,
	})
	require.NoError(t, err)
	before11, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	assert.Equal(t, int64(1), before11.Version)
	events11 := len(eventsFor(f, week11))

	_, err = f.service.SignPlan(ctx, "drv-1", p.ID)
	require.NoError(t, err)

	after11, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	assert.Equal(t, before11.Version, after11.Version)
	assert.Len(t, eventsFor(f, week11), events11)

	after13, err := f.engine.Settlement(ctx, "drv-1", week13)
	require.NoError(t, err)
	require.Len(t, after13.Allocations, 1)
	assert.True(t, after13.Allocations[0].Signed)
	assert.False(t, after13.Unsigned)
}

func TestCreatePlan_WeekWithNothingToDeductKeepsVersion(t *testing.T) {
	// GIVEN: A negative week already carrying an open plan it cannot pay
	// WHEN: A second plan is issued
	// THEN: The week's fingerprint is refreshed in place: same version, same
	//       content, no change event
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "40.00")
	f.charge(t, "drv-1", week11, settlement.ChargeDeduction, "75.00", true)
	f.plan(t, "drv-1", "100.00", "25.00", true)
	before, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	events := len(eventsFor(f, week11))

	f.plan(t, "drv-1", "50.00", "10.00", true)

	after, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.True(t, after.FinalTotal.IsZero())
	assert.Empty(t, after.Allocations)
	assert.NotEqual(t, before.InputDigest, after.InputDigest)
	assert.Len(t, eventsFor(f, week11), events)

	// A sweep over the unchanged ledgers writes nothing.
	_, err = f.engine.ReconcileAll(ctx, "drv-1")
	require.NoError(t, err)
	again, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	assert.Equal(t, after, again)
	assert.Len(t, eventsFor(f, week11), events)
}

func TestUpsertDriver_SiteChangeMovesReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1", Site: "DBS2"})
	f.earn(t, "drv-1", week11, 0, "100.00")

	_, err := f.service.UpsertDriver(ctx, settlement.Driver{ID: "drv-1", Site: "DRG1"})
	require.NoError(t, err)

	old, err := f.engine.SettlementsBySite(ctx, "DBS2", week11)
	require.NoError(t, err)
	assert.Empty(t, old)
	moved, err := f.engine.SettlementsBySite(ctx, "DRG1", week11)
	require.NoError(t, err)
	require.Len(t, moved, 1)
	assert.Equal(t, settlement.DriverID("drv-1"), moved[0].DriverID)
}

func TestUpsertDriver_RequiresID(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.UpsertDriver(context.Background(), settlement.Driver{})
	assert.ErrorIs(t, err, settlement.ErrInvalidInput)
}

// =============================================================================
// EARNINGS
// =============================================================================

func TestAddEarnings_UnknownDriver(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.service.AddEarnings(context.Background(), settlement.DailyEarningsRecord{
		DriverID: "ghost", Week: week11, Date: dayIn(week11, 0), ServiceRate: m("10.00"),
	})

	require.ErrorIs(t, err, settlement.ErrDriverNotFound)
	assert.True(t, settlement.IsNotFound(err))
}

func TestAddEarnings_DuplicateDay(t *testing.T) {
	// GIVEN: Earnings on Monday
	// WHEN: A second record for Monday is added
	// THEN: ErrDuplicateDay; the stored settlement keeps its first total
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")

	_, _, err := f.service.AddEarnings(ctx, settlement.DailyEarningsRecord{
		DriverID: "drv-1", Week: week11, Date: dayIn(week11, 0), ServiceRate: m("10.00"),
	})

	require.ErrorIs(t, err, settlement.ErrDuplicateDay)
	assert.True(t, settlement.IsClientError(err))
	s, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	assert.Equal(t, "100.00", s.FinalTotal.StringFixed(2))
}

func TestAddEarnings_Validation(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})

	tests := []struct {
		name string
		rec  settlement.DailyEarningsRecord
		want error
	}{
		{"missing driver", settlement.DailyEarningsRecord{Week: week11, Date: dayIn(week11, 0)}, settlement.ErrInvalidInput},
		{"bad week", settlement.DailyEarningsRecord{DriverID: "drv-1", Week: "2025-13", Date: dayIn(week11, 0)}, settlement.ErrInvalidWeek},
		{"missing date", settlement.DailyEarningsRecord{DriverID: "drv-1", Week: week11}, settlement.ErrInvalidInput},
		{"negative rate", settlement.DailyEarningsRecord{DriverID: "drv-1", Week: week11, Date: dayIn(week11, 0), ServiceRate: m("-1")}, settlement.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.service.AddEarnings(context.Background(), tt.rec)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAddEarnings_NegativeIncentiveAllowed(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})

	_, s, err := f.service.AddEarnings(context.Background(), settlement.DailyEarningsRecord{
		DriverID: "drv-1", Week: week11, Date: dayIn(week11, 0),
		ServiceRate: m("50.00"), IncentiveAmount: m("-10.00"),
	})

	require.NoError(t, err)
	assert.Equal(t, "40.00", s.BaseTotal.StringFixed(2))
}

func TestUpdateEarnings_MovesBetweenWeeks(t *testing.T) {
	// GIVEN: The only W11 record, with a plan deducting from it
	// WHEN: The record is corrected to a W12 date
	// THEN: W11's settlement is removed and W12 takes the deduction
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	rec, _ := f.earn(t, "drv-1", week11, 4, "100.00")
	p := f.plan(t, "drv-1", "120.00", "30.00", true)

	rec.Week = week12
	rec.Date = dayIn(week12, 1)
	out, err := f.service.UpdateEarnings(ctx, rec)
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, week11, out[0].Week)
	assert.True(t, out[0].Removed)
	assert.Equal(t, week12, out[1].Week)
	assert.Equal(t, "70.00", out[1].FinalTotal.StringFixed(2))
	assert.Equal(t, "90.00", f.pending(t, p.ID))
}

func TestUpdateEarnings_WrongDriver(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.driver(t, settlement.Driver{ID: "drv-2"})
	rec, _ := f.earn(t, "drv-1", week11, 0, "100.00")

	rec.DriverID = "drv-2"
	_, err := f.service.UpdateEarnings(context.Background(), rec)

	assert.ErrorIs(t, err, settlement.ErrEarningsNotFound)
}

func TestRemoveEarnings_KeepsOtherDays(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})
	rec, _ := f.earn(t, "drv-1", week11, 0, "100.00")
	f.earn(t, "drv-1", week11, 1, "25.00")

	s, err := f.service.RemoveEarnings(context.Background(), "drv-1", rec.ID)

	require.NoError(t, err)
	assert.False(t, s.Removed)
	assert.Equal(t, "25.00", s.FinalTotal.StringFixed(2))
	assert.Len(t, s.EarningsIDs, 1)
}

// =============================================================================
// CHARGES
// =============================================================================

func TestCharges_SigningClearsUnsignedFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")

	c, s := f.charge(t, "drv-1", week11, settlement.ChargeDeduction, "12.50", false)
	assert.True(t, s.Unsigned)
	assert.Equal(t, "87.50", s.FinalTotal.StringFixed(2))

	s, err := f.service.SignCharge(ctx, "drv-1", c.ID)
	require.NoError(t, err)
	assert.False(t, s.Unsigned)
	assert.Equal(t, "87.50", s.FinalTotal.StringFixed(2))
}

func TestCharges_RemoveRestoresTotal(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")
	c, _ := f.charge(t, "drv-1", week11, settlement.ChargeAddition, "20.00", true)

	s, err := f.service.RemoveCharge(context.Background(), "drv-1", c.ID)

	require.NoError(t, err)
	assert.Equal(t, "100.00", s.FinalTotal.StringFixed(2))
	assert.Empty(t, s.ChargeIDs)
}

func TestCharges_ChargeWithoutEarningsHasNoSettlement(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})

	_, s := f.charge(t, "drv-1", week11, settlement.ChargeAddition, "20.00", true)

	assert.True(t, s.Removed)
	assert.Zero(t, s.Version)
	assert.True(t, s.UpdatedAt.IsZero())
	assert.Empty(t, f.notifier.Events())
	_, err := f.engine.Settlement(context.Background(), "drv-1", week11)
	assert.ErrorIs(t, err, settlement.ErrSettlementNotFound)

	// The charge counts once the week has earnings.
	_, s = f.earn(t, "drv-1", week11, 0, "100.00")
	assert.False(t, s.Removed)
	assert.Equal(t, int64(1), s.Version)
	assert.Equal(t, "120.00", s.FinalTotal.StringFixed(2))
}

func TestCharges_Validation(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})
	ctx := context.Background()

	_, _, err := f.service.AddCharge(ctx, settlement.AdditionalChargeLine{DriverID: "drv-1", Week: week11, Kind: "refund", Amount: m("1")})
	assert.ErrorIs(t, err, settlement.ErrInvalidInput)

	_, _, err = f.service.AddCharge(ctx, settlement.AdditionalChargeLine{DriverID: "drv-1", Week: week11, Kind: settlement.ChargeDeduction, Amount: m("-1")})
	assert.ErrorIs(t, err, settlement.ErrInvalidAmount)
}

func TestCharges_OtherDriversChargeNotFound(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.driver(t, settlement.Driver{ID: "drv-2"})
	c, _ := f.charge(t, "drv-1", week11, settlement.ChargeAddition, "20.00", true)

	_, err := f.service.RemoveCharge(context.Background(), "drv-2", c.ID)
	assert.ErrorIs(t, err, settlement.ErrChargeNotFound)
}

// =============================================================================
// INSTALLMENT PLANS
// =============================================================================

func TestCreatePlan_FullTotalPending(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})

	p := f.plan(t, "drv-1", "99.999", "10.005", false)

	assert.Equal(t, "100.00", p.TotalRate.StringFixed(2))
	assert.Equal(t, "10.01", p.SpreadRate.StringFixed(2))
	assert.True(t, p.Pending.Equal(p.TotalRate))
	assert.Equal(t, int64(1), p.Version)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestCreatePlan_Validation(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})

	_, _, err := f.service.CreatePlan(context.Background(), settlement.InstallmentPlan{DriverID: "drv-1", TotalRate: m("100"), SpreadRate: m("0")})
	assert.ErrorIs(t, err, settlement.ErrInvalidAmount)

	_, _, err = f.service.CreatePlan(context.Background(), settlement.InstallmentPlan{DriverID: "drv-1", TotalRate: m("100"), SpreadRate: m("10"), StartWeek: "soon"})
	assert.ErrorIs(t, err, settlement.ErrInvalidWeek)

	_, _, err = f.service.CreatePlan(context.Background(), settlement.InstallmentPlan{DriverID: "ghost", TotalRate: m("100"), SpreadRate: m("10")})
	assert.ErrorIs(t, err, settlement.ErrDriverNotFound)
}

func TestSignPlan_MarksAllocationsSigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")
	p := f.plan(t, "drv-1", "120.00", "30.00", false)

	s, err := f.engine.Settlement(ctx, "drv-1", week11)
	require.NoError(t, err)
	require.Len(t, s.Allocations, 1)
	assert.False(t, s.Allocations[0].Signed)
	assert.True(t, s.Unsigned)

	out, err := f.service.SignPlan(ctx, "drv-1", p.ID)
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.True(t, out[0].Allocations[0].Signed)
	assert.False(t, out[0].Unsigned)
	assert.Equal(t, "90.00", f.pending(t, p.ID))
}

func TestAmendPlan_KeepsAmountPaid(t *testing.T) {
	// GIVEN: A plan of £120.00 that has had £30.00 deducted
	// WHEN: Amended to £200.00 spread £50.00
	// THEN: The week deducts £50.00 and £150.00 remains
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")
	p := f.plan(t, "drv-1", "120.00", "30.00", true)

	out, err := f.service.AmendPlan(ctx, "drv-1", p.ID, m("200.00"), m("50.00"))
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, "50.00", out[0].InstallmentsTotal().StringFixed(2))
	assert.Equal(t, "50.00", out[0].FinalTotal.StringFixed(2))
	assert.Equal(t, "150.00", f.pending(t, p.ID))
}

func TestAmendPlan_BelowPaidRejected(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")
	p := f.plan(t, "drv-1", "120.00", "30.00", true)

	_, err := f.service.AmendPlan(context.Background(), "drv-1", p.ID, m("20.00"), m("10.00"))

	assert.ErrorIs(t, err, settlement.ErrInvalidAmount)
	assert.Equal(t, "90.00", f.pending(t, p.ID))
}

func TestRemovePlan_WeeksStopDeducting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.earn(t, "drv-1", week11, 0, "100.00")
	first := f.plan(t, "drv-1", "120.00", "30.00", true)
	second := f.plan(t, "drv-1", "50.00", "20.00", true)

	out, err := f.service.RemovePlan(ctx, "drv-1", first.ID)
	require.NoError(t, err)

	require.Len(t, out, 1)
	require.Len(t, out[0].Allocations, 1)
	assert.Equal(t, second.ID, out[0].Allocations[0].PlanID)
	assert.Equal(t, "80.00", out[0].FinalTotal.StringFixed(2))
	_, err = f.store.Plan(ctx, first.ID)
	assert.ErrorIs(t, err, settlement.ErrPlanNotFound)

	plans, err := f.service.Plans(ctx, "drv-1")
	require.NoError(t, err)
	assert.Len(t, plans, 1)
}

func TestRemovePlan_OtherDriver(t *testing.T) {
	f := newFixture(t)
	f.driver(t, settlement.Driver{ID: "drv-1"})
	f.driver(t, settlement.Driver{ID: "drv-2"})
	p := f.plan(t, "drv-1", "120.00", "30.00", true)

	_, err := f.service.RemovePlan(context.Background(), "drv-2", p.ID)

	assert.ErrorIs(t, err, settlement.ErrPlanNotFound)
	assert.Equal(t, "120.00", f.pending(t, p.ID))
}
