package settlement

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// INSTALLMENT ALLOCATOR - Greedy amortization across open plans
// =============================================================================

// AllocationResult is the outcome of one allocation run.
type AllocationResult struct {
	Allocations []Allocation
	// Remaining is what is left of the week's total after deductions.
	Remaining decimal.Decimal
}

// Deducted returns Σ Allocations.
func (r AllocationResult) Deducted() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.Allocations {
		total = AddMoney(total, a.Amount)
	}
	return total
}

// InstallmentAllocator distributes a week's total over a driver's plans.
// It mutates the Pending of the plans it is given; callers pass working
// copies and persist them afterwards.
type InstallmentAllocator struct{}

// Restore undoes a settlement's previous allocations by crediting each
// plan's Pending back. Allocations against plans that no longer exist are
// returned as missing. A restore that pushes Pending above TotalRate means
// the ledger is already inconsistent and yields an InvalidStateError.
func (InstallmentAllocator) Restore(key DriverWeekKey, plans []*InstallmentPlan, prior []Allocation) ([]PlanID, error) {
	byID := make(map[PlanID]*InstallmentPlan, len(plans))
	for _, p := range plans {
		byID[p.ID] = p
	}

	var missing []PlanID
	for _, a := range prior {
		p, ok := byID[a.PlanID]
		if !ok {
			missing = append(missing, a.PlanID)
			continue
		}
		restored := AddMoney(p.Pending, a.Amount)
		if restored.GreaterThan(p.TotalRate) {
			return missing, &InvalidStateError{
				Key:    key,
				PlanID: p.ID,
				Field:  "pending",
				Value:  restored,
				Limit:  p.TotalRate,
			}
		}
		p.Pending = restored
	}
	return missing, nil
}

// Allocate pays plans down in creation order, each by at most its spread
// rate and its pending balance, until total is exhausted. Plans that are
// paid off or not yet started in week are skipped. Unsigned plans are
// allocated like any other; the flag only travels with the allocation.
func (InstallmentAllocator) Allocate(total decimal.Decimal, week ServiceWeek, plans []*InstallmentPlan) AllocationResult {
	remaining := FloorZero(RoundMoney(total))
	var allocations []Allocation

	for _, p := range plans {
		if !remaining.IsPositive() {
			break
		}
		if !p.Pending.IsPositive() || !p.ActiveIn(week) {
			continue
		}

		amount := RoundMoney(MinMoney(p.SpreadRate, p.Pending, remaining))
		if !amount.IsPositive() {
			continue
		}

		p.Pending = SubMoney(p.Pending, amount)
		remaining = SubMoney(remaining, amount)
		allocations = append(allocations, Allocation{
			PlanID: p.ID,
			Amount: amount,
			Signed: p.Signed,
		})
	}

	return AllocationResult{Allocations: allocations, Remaining: remaining}
}

// sortPlans orders plans by creation sequence, then ID for equal Seq.
func sortPlans(plans []*InstallmentPlan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].Seq != plans[j].Seq {
			return plans[i].Seq < plans[j].Seq
		}
		return plans[i].ID < plans[j].ID
	})
}
