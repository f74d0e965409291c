package settlement

import "github.com/shopspring/decimal"

// =============================================================================
// BASE TOTAL CALCULATOR
// =============================================================================

// Totals is the pre-installment outcome of a driver week.
type Totals struct {
	BaseTotal              decimal.Decimal
	VATTotal               decimal.Decimal
	AdditionalChargesTotal decimal.Decimal
}

// BeforeInstallments returns Base + Charges + VAT. May be negative when
// deductions exceed earnings; the engine floors it before allocation.
func (t Totals) BeforeInstallments() decimal.Decimal {
	return AddMoney(AddMoney(t.BaseTotal, t.AdditionalChargesTotal), t.VATTotal)
}

// BaseTotalCalculator sums a driver week's ledger lines. Stateless.
type BaseTotalCalculator struct{}

// RecordTotal returns serviceRate + byodRate + mileageCharge + incentive,
// rounding each component and each partial sum.
func (BaseTotalCalculator) RecordTotal(r DailyEarningsRecord) decimal.Decimal {
	total := RoundMoney(r.ServiceRate)
	total = AddMoney(total, r.BYODRate)
	total = AddMoney(total, r.MileageCharge)
	return AddMoney(total, r.IncentiveAmount)
}

// Calculate derives the three totals. Missing numeric fields are zero
// values and contribute nothing.
func (c BaseTotalCalculator) Calculate(earnings []DailyEarningsRecord, charges []AdditionalChargeLine, driver *Driver) Totals {
	t := Totals{
		BaseTotal:              decimal.Zero,
		VATTotal:               decimal.Zero,
		AdditionalChargesTotal: decimal.Zero,
	}

	for _, r := range earnings {
		recordTotal := c.RecordTotal(r)
		t.BaseTotal = AddMoney(t.BaseTotal, recordTotal)
		if IsTaxable(r.Date, driver) {
			t.VATTotal = AddMoney(t.VATTotal, VATOn(recordTotal))
		}
	}

	for _, ch := range charges {
		amount := ch.SignedAmount()
		t.AdditionalChargesTotal = AddMoney(t.AdditionalChargesTotal, amount)
		if IsTaxable(ch.Date, driver) {
			t.VATTotal = AddMoney(t.VATTotal, VATOn(amount))
		}
	}

	return t
}
