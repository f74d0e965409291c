/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Money travels as
  decimal strings ("12.50"); requests also accept JSON numbers. Calendar
  dates are YYYY-MM-DD and service weeks YYYY-Www.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SETTLEMENTS:
  settlement.WeeklySettlement marshals itself; handlers return it as is.

VALIDATION:
  Parsing (dates, weeks) happens here. Business validation is done by the
  ledger service so every entry point shares it.

SEE ALSO:
  - handlers.go: Uses these types
  - settlement/types.go: Domain model
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/settlement"
)

const dateLayout = "2006-01-02"

// =============================================================================
// DRIVERS
// =============================================================================

type TaxRegistrationDTO struct {
	Number        string `json:"number"`
	EffectiveFrom string `json:"effective_from,omitempty"`
}

type DriverDTO struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Site     string             `json:"site"`
	Personal TaxRegistrationDTO `json:"personal_vat"`
	Company  TaxRegistrationDTO `json:"company_vat"`
}

// UpsertDriverRequest is the body of PUT /api/drivers/{driverID}.
type UpsertDriverRequest struct {
	Name     string             `json:"name"`
	Site     string             `json:"site"`
	Personal TaxRegistrationDTO `json:"personal_vat"`
	Company  TaxRegistrationDTO `json:"company_vat"`
}

func (r UpsertDriverRequest) toDriver(id settlement.DriverID) (settlement.Driver, error) {
	personal, err := r.Personal.toRegistration("personal_vat")
	if err != nil {
		return settlement.Driver{}, err
	}
	company, err := r.Company.toRegistration("company_vat")
	if err != nil {
		return settlement.Driver{}, err
	}
	return settlement.Driver{ID: id, Name: r.Name, Site: r.Site, Personal: personal, Company: company}, nil
}

func (t TaxRegistrationDTO) toRegistration(field string) (settlement.TaxRegistration, error) {
	from, err := parseOptionalDate(t.EffectiveFrom, field+".effective_from")
	if err != nil {
		return settlement.TaxRegistration{}, err
	}
	return settlement.TaxRegistration{Number: t.Number, EffectiveFrom: from}, nil
}

func toDriverDTO(d settlement.Driver) DriverDTO {
	return DriverDTO{
		ID:       string(d.ID),
		Name:     d.Name,
		Site:     d.Site,
		Personal: TaxRegistrationDTO{Number: d.Personal.Number, EffectiveFrom: formatDate(d.Personal.EffectiveFrom)},
		Company:  TaxRegistrationDTO{Number: d.Company.Number, EffectiveFrom: formatDate(d.Company.EffectiveFrom)},
	}
}

// =============================================================================
// EARNINGS
// =============================================================================

type EarningsRequest struct {
	ID              string          `json:"id,omitempty"`
	Date            string          `json:"date"`
	Week            string          `json:"service_week,omitempty"` // defaults to the ISO week of date
	ServiceRate     decimal.Decimal `json:"service_rate"`
	BYODRate        decimal.Decimal `json:"byod_rate"`
	MileageCharge   decimal.Decimal `json:"mileage_charge"`
	IncentiveAmount decimal.Decimal `json:"incentive_amount"`
}

func (r EarningsRequest) toRecord(driverID settlement.DriverID) (settlement.DailyEarningsRecord, error) {
	date, err := parseDate(r.Date, "date")
	if err != nil {
		return settlement.DailyEarningsRecord{}, err
	}
	week, err := weekOrDefault(r.Week, date)
	if err != nil {
		return settlement.DailyEarningsRecord{}, err
	}
	return settlement.DailyEarningsRecord{
		ID:              settlement.EarningsID(r.ID),
		DriverID:        driverID,
		Week:            week,
		Date:            date,
		ServiceRate:     r.ServiceRate,
		BYODRate:        r.BYODRate,
		MileageCharge:   r.MileageCharge,
		IncentiveAmount: r.IncentiveAmount,
	}, nil
}

type EarningsDTO struct {
	ID              string `json:"id"`
	DriverID        string `json:"driver_id"`
	Week            string `json:"service_week"`
	Date            string `json:"date"`
	ServiceRate     string `json:"service_rate"`
	BYODRate        string `json:"byod_rate"`
	MileageCharge   string `json:"mileage_charge"`
	IncentiveAmount string `json:"incentive_amount"`
}

func toEarningsDTO(r settlement.DailyEarningsRecord) EarningsDTO {
	return EarningsDTO{
		ID:              string(r.ID),
		DriverID:        string(r.DriverID),
		Week:            string(r.Week),
		Date:            formatDate(r.Date),
		ServiceRate:     r.ServiceRate.StringFixed(2),
		BYODRate:        r.BYODRate.StringFixed(2),
		MileageCharge:   r.MileageCharge.StringFixed(2),
		IncentiveAmount: r.IncentiveAmount.StringFixed(2),
	}
}

// EarningsResponse pairs a written record with the settlement of its week.
type EarningsResponse struct {
	Earnings   EarningsDTO                 `json:"earnings"`
	Settlement settlement.WeeklySettlement `json:"settlement"`
}

// =============================================================================
// CHARGES
// =============================================================================

type ChargeRequest struct {
	ID          string          `json:"id,omitempty"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date"`
	Week        string          `json:"service_week,omitempty"`
	Description string          `json:"description"`
	Signed      bool            `json:"signed"`
}

func (r ChargeRequest) toCharge(driverID settlement.DriverID) (settlement.AdditionalChargeLine, error) {
	date, err := parseDate(r.Date, "date")
	if err != nil {
		return settlement.AdditionalChargeLine{}, err
	}
	week, err := weekOrDefault(r.Week, date)
	if err != nil {
		return settlement.AdditionalChargeLine{}, err
	}
	return settlement.AdditionalChargeLine{
		ID:          settlement.ChargeID(r.ID),
		DriverID:    driverID,
		Week:        week,
		Kind:        settlement.ChargeKind(r.Kind),
		Amount:      r.Amount,
		Date:        date,
		Description: r.Description,
		Signed:      r.Signed,
	}, nil
}

type ChargeDTO struct {
	ID          string `json:"id"`
	DriverID    string `json:"driver_id"`
	Week        string `json:"service_week"`
	Kind        string `json:"kind"`
	Amount      string `json:"amount"`
	Date        string `json:"date"`
	Description string `json:"description"`
	Signed      bool   `json:"signed"`
}

func toChargeDTO(c settlement.AdditionalChargeLine) ChargeDTO {
	return ChargeDTO{
		ID:          string(c.ID),
		DriverID:    string(c.DriverID),
		Week:        string(c.Week),
		Kind:        string(c.Kind),
		Amount:      c.Amount.StringFixed(2),
		Date:        formatDate(c.Date),
		Description: c.Description,
		Signed:      c.Signed,
	}
}

type ChargeResponse struct {
	Charge     ChargeDTO                   `json:"charge"`
	Settlement settlement.WeeklySettlement `json:"settlement"`
}

// =============================================================================
// INSTALLMENT PLANS
// =============================================================================

type CreatePlanRequest struct {
	ID          string          `json:"id,omitempty"`
	Description string          `json:"description"`
	TotalRate   decimal.Decimal `json:"total_rate"`
	SpreadRate  decimal.Decimal `json:"spread_rate"`
	Signed      bool            `json:"signed"`
	StartWeek   string          `json:"start_week,omitempty"`
}

func (r CreatePlanRequest) toPlan(driverID settlement.DriverID) (settlement.InstallmentPlan, error) {
	var start settlement.ServiceWeek
	if r.StartWeek != "" {
		w, err := settlement.ParseServiceWeek(r.StartWeek)
		if err != nil {
			return settlement.InstallmentPlan{}, err
		}
		start = w
	}
	return settlement.InstallmentPlan{
		ID:          settlement.PlanID(r.ID),
		DriverID:    driverID,
		Description: r.Description,
		TotalRate:   r.TotalRate,
		SpreadRate:  r.SpreadRate,
		Signed:      r.Signed,
		StartWeek:   start,
	}, nil
}

type AmendPlanRequest struct {
	TotalRate  decimal.Decimal `json:"total_rate"`
	SpreadRate decimal.Decimal `json:"spread_rate"`
}

type PlanDTO struct {
	ID          string `json:"id"`
	DriverID    string `json:"driver_id"`
	Description string `json:"description"`
	TotalRate   string `json:"total_rate"`
	SpreadRate  string `json:"spread_rate"`
	Pending     string `json:"pending"`
	Paid        string `json:"paid"`
	Signed      bool   `json:"signed"`
	StartWeek   string `json:"start_week,omitempty"`
	Version     int64  `json:"version"`
	CreatedAt   string `json:"created_at"`
}

func toPlanDTO(p settlement.InstallmentPlan) PlanDTO {
	return PlanDTO{
		ID:          string(p.ID),
		DriverID:    string(p.DriverID),
		Description: p.Description,
		TotalRate:   p.TotalRate.StringFixed(2),
		SpreadRate:  p.SpreadRate.StringFixed(2),
		Pending:     p.Pending.StringFixed(2),
		Paid:        p.Paid().StringFixed(2),
		Signed:      p.Signed,
		StartWeek:   string(p.StartWeek),
		Version:     p.Version,
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toPlanDTOs(plans []settlement.InstallmentPlan) []PlanDTO {
	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = toPlanDTO(p)
	}
	return dtos
}

type PlanResponse struct {
	Plan        PlanDTO                       `json:"plan"`
	Settlements []settlement.WeeklySettlement `json:"settlements"`
}

// =============================================================================
// WEEK DETAIL
// =============================================================================

// WeekDTO is the settlement of a week together with the ledger lines it
// was computed from.
type WeekDTO struct {
	Settlement settlement.WeeklySettlement `json:"settlement"`
	Earnings   []EarningsDTO               `json:"earnings"`
	Charges    []ChargeDTO                 `json:"charges"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func parseDate(s, field string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", settlement.ErrInvalidInput, field)
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", settlement.ErrInvalidInput, field)
	}
	return t, nil
}

func parseOptionalDate(s, field string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return parseDate(s, field)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func weekOrDefault(s string, date time.Time) (settlement.ServiceWeek, error) {
	if s == "" {
		return settlement.WeekOf(date), nil
	}
	return settlement.ParseServiceWeek(s)
}
