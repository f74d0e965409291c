package settlement

import "time"

// IsTaxable reports whether an amount dated date attracts VAT for driver.
// True when the personal or the company registration is active on that day.
// A nil driver or incomplete registration is never taxable.
func IsTaxable(date time.Time, driver *Driver) bool {
	if driver == nil || date.IsZero() {
		return false
	}
	return driver.Personal.activeOn(date) || driver.Company.activeOn(date)
}

func (r TaxRegistration) activeOn(date time.Time) bool {
	if r.Number == "" || r.EffectiveFrom.IsZero() {
		return false
	}
	return !civilDay(r.EffectiveFrom).After(civilDay(date))
}

func civilDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
