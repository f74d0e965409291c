package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plan(id PlanID, seq int64, total, spread, pending string) *InstallmentPlan {
	return &InstallmentPlan{
		ID:         id,
		DriverID:   "drv-1",
		TotalRate:  money(total),
		SpreadRate: money(spread),
		Pending:    money(pending),
		Signed:     true,
		Seq:        seq,
	}
}

var testWeek = ServiceWeek("2025-W11")

func TestAllocate_CreationOrderFirst(t *testing.T) {
	// GIVEN: Plan A (first, spread 50) and plan B (second, spread 80)
	// WHEN: 60 is available
	// THEN: A takes 50, B takes the remaining 10
	a := plan("plan-a", 1, "500", "50", "500")
	b := plan("plan-b", 2, "500", "80", "500")

	res := InstallmentAllocator{}.Allocate(money("60"), testWeek, []*InstallmentPlan{a, b})

	require.Len(t, res.Allocations, 2)
	assert.Equal(t, PlanID("plan-a"), res.Allocations[0].PlanID)
	assert.Equal(t, "50.00", res.Allocations[0].Amount.StringFixed(2))
	assert.Equal(t, PlanID("plan-b"), res.Allocations[1].PlanID)
	assert.Equal(t, "10.00", res.Allocations[1].Amount.StringFixed(2))
	assert.True(t, res.Remaining.IsZero())
	assert.Equal(t, "450.00", a.Pending.StringFixed(2))
	assert.Equal(t, "490.00", b.Pending.StringFixed(2))
}

func TestAllocate_DeterministicAcrossRuns(t *testing.T) {
	for i := 0; i < 50; i++ {
		plans := []*InstallmentPlan{
			plan("plan-a", 1, "500", "50", "500"),
			plan("plan-b", 2, "500", "80", "500"),
			plan("plan-c", 3, "500", "5", "500"),
		}
		res := InstallmentAllocator{}.Allocate(money("60"), testWeek, plans)
		require.Len(t, res.Allocations, 2)
		assert.Equal(t, "50.00", res.Allocations[0].Amount.StringFixed(2))
		assert.Equal(t, "10.00", res.Allocations[1].Amount.StringFixed(2))
	}
}

func TestAllocate_CappedByPending(t *testing.T) {
	p := plan("plan-a", 1, "100", "50", "12.34")

	res := InstallmentAllocator{}.Allocate(money("200"), testWeek, []*InstallmentPlan{p})

	require.Len(t, res.Allocations, 1)
	assert.Equal(t, "12.34", res.Allocations[0].Amount.StringFixed(2))
	assert.True(t, p.Pending.IsZero())
	assert.Equal(t, "187.66", res.Remaining.StringFixed(2))
}

func TestAllocate_SkipsPaidOffAndNotStarted(t *testing.T) {
	paid := plan("plan-paid", 1, "100", "50", "0")
	later := plan("plan-later", 2, "100", "50", "100")
	later.StartWeek = "2025-W12"
	open := plan("plan-open", 3, "100", "50", "100")

	res := InstallmentAllocator{}.Allocate(money("80"), testWeek, []*InstallmentPlan{paid, later, open})

	require.Len(t, res.Allocations, 1)
	assert.Equal(t, PlanID("plan-open"), res.Allocations[0].PlanID)
	assert.Equal(t, "100.00", later.Pending.StringFixed(2))
}

func TestAllocate_NothingAvailable(t *testing.T) {
	p := plan("plan-a", 1, "100", "50", "100")

	for _, total := range []string{"0", "-25.00"} {
		res := InstallmentAllocator{}.Allocate(money(total), testWeek, []*InstallmentPlan{p})
		assert.Empty(t, res.Allocations)
		assert.True(t, res.Remaining.IsZero())
	}
	assert.Equal(t, "100.00", p.Pending.StringFixed(2))
}

func TestAllocate_UnsignedPlanStillDeducted(t *testing.T) {
	p := plan("plan-a", 1, "100", "50", "100")
	p.Signed = false

	res := InstallmentAllocator{}.Allocate(money("80"), testWeek, []*InstallmentPlan{p})

	require.Len(t, res.Allocations, 1)
	assert.False(t, res.Allocations[0].Signed)
	assert.Equal(t, "50.00", res.Deducted().StringFixed(2))
}

func TestRestore_CreditsPriorAllocations(t *testing.T) {
	p := plan("plan-a", 1, "200", "50", "150")
	key := DriverWeekKey{DriverID: "drv-1", Week: testWeek}

	missing, err := InstallmentAllocator{}.Restore(key, []*InstallmentPlan{p}, []Allocation{{PlanID: "plan-a", Amount: money("50")}})

	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, "200.00", p.Pending.StringFixed(2))
}

func TestRestore_ThenAllocate_IsIdempotent(t *testing.T) {
	p := plan("plan-a", 1, "120", "30", "120")
	key := DriverWeekKey{DriverID: "drv-1", Week: testWeek}
	alloc := InstallmentAllocator{}

	first := alloc.Allocate(money("105"), testWeek, []*InstallmentPlan{p})
	for i := 0; i < 3; i++ {
		_, err := alloc.Restore(key, []*InstallmentPlan{p}, first.Allocations)
		require.NoError(t, err)
		again := alloc.Allocate(money("105"), testWeek, []*InstallmentPlan{p})
		assert.Equal(t, first.Allocations, again.Allocations)
	}
	assert.Equal(t, "90.00", p.Pending.StringFixed(2))
}

func TestRestore_MissingPlanReported(t *testing.T) {
	p := plan("plan-a", 1, "200", "50", "150")
	key := DriverWeekKey{DriverID: "drv-1", Week: testWeek}

	missing, err := InstallmentAllocator{}.Restore(key, []*InstallmentPlan{p}, []Allocation{
		{PlanID: "plan-gone", Amount: money("20")},
		{PlanID: "plan-a", Amount: money("50")},
	})

	require.NoError(t, err)
	assert.Equal(t, []PlanID{"plan-gone"}, missing)
	assert.Equal(t, "200.00", p.Pending.StringFixed(2))
}

func TestRestore_OverTotalIsInvalidState(t *testing.T) {
	p := plan("plan-a", 1, "200", "50", "180")
	key := DriverWeekKey{DriverID: "drv-1", Week: testWeek}

	_, err := InstallmentAllocator{}.Restore(key, []*InstallmentPlan{p}, []Allocation{{PlanID: "plan-a", Amount: money("50")}})

	require.ErrorIs(t, err, ErrInvalidState)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, PlanID("plan-a"), stateErr.PlanID)
}

func TestSortPlans_BySeqThenID(t *testing.T) {
	plans := []*InstallmentPlan{
		plan("plan-c", 3, "1", "1", "1"),
		plan("plan-b", 1, "1", "1", "1"),
		plan("plan-a", 1, "1", "1", "1"),
	}
	sortPlans(plans)
	assert.Equal(t, []PlanID{"plan-a", "plan-b", "plan-c"}, []PlanID{plans[0].ID, plans[1].ID, plans[2].ID})
}
