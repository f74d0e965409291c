/*
Package settlement provides the weekly settlement reconciliation engine.

PURPOSE:
  Turns a driver's independently mutable ledgers (daily earnings, ad-hoc
  charges, installment plans and tax registrations) into one consistent
  monetary total per driver and service week, and keeps that total correct
  as any ledger changes, in any order.

KEY CONCEPTS IN THIS FILE (types.go):
  - Driver: tax registrations and reporting site
  - DailyEarningsRecord: one day of work, owned by the shift subsystem
  - AdditionalChargeLine: an ad-hoc addition or deduction for one week
  - InstallmentPlan: a driver-scoped repayment plan shared by many weeks
  - WeeklySettlement: the reconciled aggregate per DriverWeekKey

MONEY:
  Every amount is a decimal.Decimal rounded to cents with RoundMoney after
  each operation. There is no float arithmetic on money anywhere.

SEE ALSO:
  - engine.go: The only writer of settlements and plan balances
  - calculator.go: Base, VAT and charge totals
  - allocator.go: Greedy installment allocation and restoration
*/
package settlement

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DriverID string
type EarningsID string
type ChargeID string
type PlanID string

// DriverWeekKey identifies a settlement.
type DriverWeekKey struct {
	DriverID DriverID
	Week     ServiceWeek
}

func (k DriverWeekKey) String() string {
	return string(k.DriverID) + "/" + string(k.Week)
}

// =============================================================================
// DRIVER - Tax profile and reporting site
// =============================================================================

// TaxRegistration is a VAT registration. It is active from EffectiveFrom
// (inclusive, day granularity) when Number is set.
type TaxRegistration struct {
	Number        string    `json:"number,omitempty"`
	EffectiveFrom time.Time `json:"effective_from,omitempty"`
}

type Driver struct {
	ID       DriverID        `json:"id"`
	Name     string          `json:"name"`
	Site     string          `json:"site"`
	Personal TaxRegistration `json:"personal"`
	Company  TaxRegistration `json:"company"`
}

// =============================================================================
// LEDGER RECORDS
// =============================================================================

// DailyEarningsRecord is one day of work. A driver has at most one per
// calendar day.
type DailyEarningsRecord struct {
	ID              EarningsID      `json:"id"`
	DriverID        DriverID        `json:"driver_id"`
	Week            ServiceWeek     `json:"service_week"`
	Date            time.Time       `json:"date"`
	ServiceRate     decimal.Decimal `json:"service_rate"`
	BYODRate        decimal.Decimal `json:"byod_rate"`
	MileageCharge   decimal.Decimal `json:"mileage_charge"`
	IncentiveAmount decimal.Decimal `json:"incentive_amount"`
}

type ChargeKind string

const (
	ChargeAddition  ChargeKind = "addition"
	ChargeDeduction ChargeKind = "deduction"
)

func (k ChargeKind) Valid() bool {
	return k == ChargeAddition || k == ChargeDeduction
}

// AdditionalChargeLine is an ad-hoc charge for one driver week. Amount is a
// magnitude; Kind decides the sign.
type AdditionalChargeLine struct {
	ID          ChargeID        `json:"id"`
	DriverID    DriverID        `json:"driver_id"`
	Week        ServiceWeek     `json:"service_week"`
	Kind        ChargeKind      `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Signed      bool            `json:"signed"`
}

// SignedAmount returns the amount as it contributes to the week.
func (c AdditionalChargeLine) SignedAmount() decimal.Decimal {
	amount := RoundMoney(c.Amount)
	if c.Kind == ChargeDeduction {
		return amount.Neg()
	}
	return amount
}

// =============================================================================
// INSTALLMENT PLAN - Shared mutable resource across settlements
// =============================================================================

// InstallmentPlan is a repayment plan amortized across many weeks.
// Invariant: 0 <= Pending <= TotalRate.
type InstallmentPlan struct {
	ID          PlanID          `json:"id"`
	DriverID    DriverID        `json:"driver_id"`
	Description string          `json:"description"`
	TotalRate   decimal.Decimal `json:"total_rate"`
	SpreadRate  decimal.Decimal `json:"spread_rate"`
	Pending     decimal.Decimal `json:"pending"`
	Signed      bool            `json:"signed"`

	// StartWeek is the first week the plan may be deducted from. Empty
	// means any week.
	StartWeek ServiceWeek `json:"start_week,omitempty"`

	// Seq is the creation order assigned by the store. Allocation order.
	Seq int64 `json:"seq"`

	// Version is bumped on every write (optimistic locking).
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Paid returns how much of the plan has been deducted so far.
func (p InstallmentPlan) Paid() decimal.Decimal {
	return RoundMoney(p.TotalRate.Sub(p.Pending))
}

// ActiveIn reports whether the plan may be deducted in week.
func (p InstallmentPlan) ActiveIn(week ServiceWeek) bool {
	return p.StartWeek == "" || !week.Before(p.StartWeek)
}

// =============================================================================
// WEEKLY SETTLEMENT - The reconciled aggregate
// =============================================================================

// Allocation is the amount of one plan deducted against one settlement.
type Allocation struct {
	PlanID PlanID          `json:"plan_id"`
	Amount decimal.Decimal `json:"amount_deducted"`
	Signed bool            `json:"signed"`
}

// WeeklySettlement is the reconciled outcome for one driver week.
//
// Invariants:
//
//	FinalTotal = max(0, BaseTotal + AdditionalChargesTotal + VATTotal - Σ Allocations)
//	FinalTotal >= 0
type WeeklySettlement struct {
	DriverID DriverID
	Week     ServiceWeek
	Site     string

	BaseTotal               decimal.Decimal
	VATTotal                decimal.Decimal
	AdditionalChargesTotal  decimal.Decimal
	TotalBeforeInstallments decimal.Decimal
	Allocations             []Allocation
	FinalTotal              decimal.Decimal

	// Unsigned is a reporting flag: some contributing plan or charge has
	// not been signed yet.
	Unsigned bool

	EarningsIDs []EarningsID
	ChargeIDs   []ChargeID

	// InputDigest fingerprints the inputs of the last computation.
	InputDigest string

	Version   int64
	UpdatedAt time.Time

	// Removed is set on the value returned for a week that has no
	// settlement after reconciliation: either the last earnings record was
	// removed and the settlement deleted (Version > 0, an event is sent),
	// or the week never had earnings (Version 0, no event).
	Removed bool
}

func (s WeeklySettlement) Key() DriverWeekKey {
	return DriverWeekKey{DriverID: s.DriverID, Week: s.Week}
}

// InstallmentsTotal returns Σ Allocations.
func (s WeeklySettlement) InstallmentsTotal() decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.Allocations {
		total = RoundMoney(total.Add(a.Amount))
	}
	return total
}

// AllocatedTo returns the amount deducted against planID in this settlement.
func (s WeeklySettlement) AllocatedTo(planID PlanID) decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.Allocations {
		if a.PlanID == planID {
			total = RoundMoney(total.Add(a.Amount))
		}
	}
	return total
}

type allocationJSON struct {
	PlanID PlanID `json:"plan_id"`
	Amount string `json:"amount_deducted"`
	Signed bool   `json:"signed"`
}

type settlementJSON struct {
	DriverID                DriverID         `json:"driver_id"`
	Week                    ServiceWeek      `json:"service_week"`
	Site                    string           `json:"site"`
	BaseTotal               string           `json:"base_total"`
	VATTotal                string           `json:"vat_total"`
	AdditionalChargesTotal  string           `json:"additional_charges_total"`
	TotalBeforeInstallments string           `json:"total_before_installments"`
	Allocations             []allocationJSON `json:"installment_allocations"`
	FinalTotal              string           `json:"final_total"`
	Unsigned                bool             `json:"unsigned"`
	EarningsIDs             []EarningsID     `json:"earnings_ids"`
	ChargeIDs               []ChargeID       `json:"charge_ids"`
	Version                 int64            `json:"version"`
	UpdatedAt               time.Time        `json:"updated_at"`
	Removed                 bool             `json:"removed,omitempty"`
}

// MarshalJSON renders money as fixed two-decimal strings.
func (s WeeklySettlement) MarshalJSON() ([]byte, error) {
	allocs := make([]allocationJSON, 0, len(s.Allocations))
	for _, a := range s.Allocations {
		allocs = append(allocs, allocationJSON{PlanID: a.PlanID, Amount: a.Amount.StringFixed(2), Signed: a.Signed})
	}
	earnings := s.EarningsIDs
	if earnings == nil {
		earnings = []EarningsID{}
	}
	charges := s.ChargeIDs
	if charges == nil {
		charges = []ChargeID{}
	}
	return json.Marshal(settlementJSON{
		DriverID:                s.DriverID,
		Week:                    s.Week,
		Site:                    s.Site,
		BaseTotal:               s.BaseTotal.StringFixed(2),
		VATTotal:                s.VATTotal.StringFixed(2),
		AdditionalChargesTotal:  s.AdditionalChargesTotal.StringFixed(2),
		TotalBeforeInstallments: s.TotalBeforeInstallments.StringFixed(2),
		Allocations:             allocs,
		FinalTotal:              s.FinalTotal.StringFixed(2),
		Unsigned:                s.Unsigned,
		EarningsIDs:             earnings,
		ChargeIDs:               charges,
		Version:                 s.Version,
		UpdatedAt:               s.UpdatedAt.UTC(),
		Removed:                 s.Removed,
	})
}

// sameContent reports whether two settlements carry the same computed
// content, ignoring InputDigest, Version and UpdatedAt.
func sameContent(a, b WeeklySettlement) bool {
	if a.DriverID != b.DriverID || a.Week != b.Week || a.Site != b.Site ||
		a.Unsigned != b.Unsigned || a.Removed != b.Removed {
		return false
	}
	if !a.BaseTotal.Equal(b.BaseTotal) || !a.VATTotal.Equal(b.VATTotal) ||
		!a.AdditionalChargesTotal.Equal(b.AdditionalChargesTotal) ||
		!a.TotalBeforeInstallments.Equal(b.TotalBeforeInstallments) ||
		!a.FinalTotal.Equal(b.FinalTotal) {
		return false
	}
	if len(a.Allocations) != len(b.Allocations) || len(a.EarningsIDs) != len(b.EarningsIDs) || len(a.ChargeIDs) != len(b.ChargeIDs) {
		return false
	}
	for i := range a.Allocations {
		x, y := a.Allocations[i], b.Allocations[i]
		if x.PlanID != y.PlanID || x.Signed != y.Signed || !x.Amount.Equal(y.Amount) {
			return false
		}
	}
	for i := range a.EarningsIDs {
		if a.EarningsIDs[i] != b.EarningsIDs[i] {
			return false
		}
	}
	for i := range a.ChargeIDs {
		if a.ChargeIDs[i] != b.ChargeIDs[i] {
			return false
		}
	}
	return true
}
