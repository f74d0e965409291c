/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built fleets that populate the ledgers with realistic data
  for demos. Every loader goes through the ledger service, so the demo
  settlements are produced by the same reconciliation as real traffic.

AVAILABLE SCENARIOS:
  standard-week:       One driver, five working days, no VAT
  vat-installments:    VAT-registered driver repaying a van damage plan
  negative-week:       Deductions larger than earnings, floored at zero
  retroactive-vat:     Registration backdated after the weeks were settled

HOW SCENARIOS WORK:
  1. Upsert the scenario drivers (IDs prefixed "demo-")
  2. Record earnings for the last weeks relative to today
  3. Add charges and installment plans

  A scenario whose first driver already exists is not loaded again.

NOTE:
  Only routed outside production.

SEE ALSO:
  - handlers.go: Ledger endpoints
  - settlement/service.go: The mutation paths used here
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "standard-week",
		Name:        "Standard Week",
		Description: "Five working days for a driver without VAT registration",
	},
	{
		ID:          "vat-installments",
		Name:        "VAT and Installments",
		Description: "VAT-registered driver paying down a van damage plan across weeks",
	},
	{
		ID:          "negative-week",
		Name:        "Negative Week",
		Description: "Fuel and penalty deductions exceed earnings; final total floored at zero",
	},
	{
		ID:          "retroactive-vat",
		Name:        "Retroactive VAT",
		Description: "Company registration backdated after settlements were produced",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: h.currentScenario, Name: h.currentScenario})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	loaders := map[string]func(context.Context, time.Time) error{
		"standard-week":    h.loadStandardWeekScenario,
		"vat-installments": h.loadVATInstallmentsScenario,
		"negative-week":    h.loadNegativeWeekScenario,
		"retroactive-vat":  h.loadRetroactiveVATScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	// Scenarios cover the two weeks before the current one.
	first := settlement.WeekOf(time.Now()).Start().AddDate(0, 0, -14)
	if err := load(r.Context(), first); err != nil {
		h.fail(w, r, fmt.Sprintf("Failed to load scenario %s", req.ScenarioID), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStandardWeekScenario(ctx context.Context, monday time.Time) error {
	d := settlement.Driver{ID: "demo-std-001", Name: "Sam Carter", Site: "DBS2"}
	if fresh, err := h.seedDriver(ctx, d); err != nil || !fresh {
		return err
	}
	return h.seedDays(ctx, d.ID, monday, 5, "110.00", "4.00", "12.40")
}

func (h *Handler) loadVATInstallmentsScenario(ctx context.Context, monday time.Time) error {
	d := settlement.Driver{
		ID:       "demo-vat-001",
		Name:     "Priya Nair",
		Site:     "DBS2",
		Personal: settlement.TaxRegistration{Number: "GB123456789", EffectiveFrom: monday.AddDate(-1, 0, 0)},
	}
	if fresh, err := h.seedDriver(ctx, d); err != nil || !fresh {
		return err
	}
	if err := h.seedDays(ctx, d.ID, monday, 5, "120.00", "4.00", "15.00"); err != nil {
		return err
	}
	if err := h.seedDays(ctx, d.ID, monday.AddDate(0, 0, 7), 4, "120.00", "4.00", "15.00"); err != nil {
		return err
	}
	_, _, err := h.Service.CreatePlan(ctx, settlement.InstallmentPlan{
		DriverID:    d.ID,
		Description: "Van damage, rear bumper",
		TotalRate:   settlement.MustMoney("450.00"),
		SpreadRate:  settlement.MustMoney("150.00"),
		Signed:      true,
	})
	if err != nil {
		return err
	}
	_, _, err = h.Service.CreatePlan(ctx, settlement.InstallmentPlan{
		DriverID:    d.ID,
		Description: "Uniform",
		TotalRate:   settlement.MustMoney("60.00"),
		SpreadRate:  settlement.MustMoney("20.00"),
	})
	return err
}

func (h *Handler) loadNegativeWeekScenario(ctx context.Context, monday time.Time) error {
	d := settlement.Driver{ID: "demo-neg-001", Name: "Tom Baker", Site: "DLU1"}
	if fresh, err := h.seedDriver(ctx, d); err != nil || !fresh {
		return err
	}
	if err := h.seedDays(ctx, d.ID, monday, 1, "95.00", "4.00", "0"); err != nil {
		return err
	}
	week := settlement.WeekOf(monday)
	for _, c := range []struct{ amount, desc string }{
		{"80.00", "Fuel card"},
		{"50.00", "Parking penalty"},
	} {
		_, _, err := h.Service.AddCharge(ctx, settlement.AdditionalChargeLine{
			DriverID:    d.ID,
			Week:        week,
			Kind:        settlement.ChargeDeduction,
			Amount:      settlement.MustMoney(c.amount),
			Date:        monday,
			Description: c.desc,
			Signed:      true,
		})
		if err != nil {
			return err
		}
	}
	_, _, err := h.Service.CreatePlan(ctx, settlement.InstallmentPlan{
		DriverID:    d.ID,
		Description: "Phone mount",
		TotalRate:   settlement.MustMoney("30.00"),
		SpreadRate:  settlement.MustMoney("10.00"),
		Signed:      true,
	})
	return err
}

func (h *Handler) loadRetroactiveVATScenario(ctx context.Context, monday time.Time) error {
	d := settlement.Driver{ID: "demo-retro-001", Name: "Ana Costa", Site: "DLU1"}
	if fresh, err := h.seedDriver(ctx, d); err != nil || !fresh {
		return err
	}
	if err := h.seedDays(ctx, d.ID, monday, 5, "100.00", "4.00", "8.00"); err != nil {
		return err
	}
	if err := h.seedDays(ctx, d.ID, monday.AddDate(0, 0, 7), 5, "100.00", "4.00", "8.00"); err != nil {
		return err
	}
	// Registered from the second week onwards, recorded late.
	d.Company = settlement.TaxRegistration{Number: "GB987654321", EffectiveFrom: monday.AddDate(0, 0, 7)}
	_, err := h.Service.UpsertDriver(ctx, d)
	return err
}

// seedDriver creates d unless it already exists. It reports whether the
// driver was created.
func (h *Handler) seedDriver(ctx context.Context, d settlement.Driver) (bool, error) {
	_, err := h.Service.Driver(ctx, d.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, settlement.ErrDriverNotFound) {
		return false, err
	}
	if _, err := h.Service.UpsertDriver(ctx, d); err != nil {
		return false, err
	}
	return true, nil
}

func (h *Handler) seedDays(ctx context.Context, driverID settlement.DriverID, from time.Time, days int, service, byod, mileage string) error {
	for i := 0; i < days; i++ {
		date := from.AddDate(0, 0, i)
		_, _, err := h.Service.AddEarnings(ctx, settlement.DailyEarningsRecord{
			DriverID:        driverID,
			Week:            settlement.WeekOf(date),
			Date:            date,
			ServiceRate:     settlement.MustMoney(service),
			BYODRate:        settlement.MustMoney(byod),
			MileageCharge:   settlement.MustMoney(mileage),
			IncentiveAmount: settlement.MustMoney("0"),
		})
		if err != nil {
			return fmt.Errorf("seed %s on %s: %w", driverID, date.Format(dateLayout), err)
		}
	}
	return nil
}
