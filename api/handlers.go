/*
handlers.go - HTTP API handlers for the settlement engine

PURPOSE:
  Exposes the ledger service and the reconciliation engine via REST API.
  Handles HTTP request/response and JSON serialization; every ledger write
  is delegated to settlement.Service, which reconciles before returning.

ENDPOINTS:
  Drivers:
    GET    /api/drivers                                   List drivers
    GET    /api/drivers/{driverID}                        Driver profile
    PUT    /api/drivers/{driverID}                        Create or update

  Earnings:
    POST   /api/drivers/{driverID}/earnings               Record a day
    PUT    /api/drivers/{driverID}/earnings/{id}          Replace a day
    DELETE /api/drivers/{driverID}/earnings/{id}          Remove a day

  Charges:
    POST   /api/drivers/{driverID}/charges                Add a charge
    POST   /api/drivers/{driverID}/charges/{id}/sign      Sign a charge
    DELETE /api/drivers/{driverID}/charges/{id}           Remove a charge

  Installment plans:
    GET    /api/drivers/{driverID}/plans                  List plans
    POST   /api/drivers/{driverID}/plans                  Issue a plan
    PUT    /api/drivers/{driverID}/plans/{id}             Amend total/spread
    POST   /api/drivers/{driverID}/plans/{id}/sign        Sign a plan
    DELETE /api/drivers/{driverID}/plans/{id}             Remove a plan

  Settlements:
    GET    /api/drivers/{driverID}/settlements            All weeks
    GET    /api/drivers/{driverID}/settlements/{week}     One week with lines
    POST   /api/drivers/{driverID}/settlements/{week}/reconcile
    POST   /api/drivers/{driverID}/reconcile              Every week
    GET    /api/sites/{site}/settlements/{week}           Site report

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Duplicate day, version conflict
  - 503: Driver lock not acquired in time
  - 500: Invalid ledger state, internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - settlement/service.go: Ledger mutations
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/logger"
	"github.com/warp/settlement-engine/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *settlement.Service
	log     *zap.SugaredLogger

	// Demo scenarios are only served outside production.
	scenariosEnabled bool
	currentScenario  string
}

func NewHandler(service *settlement.Service, scenariosEnabled bool) *Handler {
	return &Handler{
		Service:          service,
		log:              logger.GetLogger().Named("api"),
		scenariosEnabled: scenariosEnabled,
	}
}

func (h *Handler) engine() *settlement.Engine { return h.Service.Engine() }

// =============================================================================
// DRIVER HANDLERS
// =============================================================================

func (h *Handler) ListDrivers(w http.ResponseWriter, r *http.Request) {
	drivers, err := h.Service.Drivers(r.Context())
	if err != nil {
		h.fail(w, r, "Failed to list drivers", err)
		return
	}
	dtos := make([]DriverDTO, len(drivers))
	for i, d := range drivers {
		dtos[i] = toDriverDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.Driver(r.Context(), driverParam(r))
	if err != nil {
		h.fail(w, r, "Failed to get driver", err)
		return
	}
	writeJSON(w, http.StatusOK, toDriverDTO(d))
}

// UpsertDriver saves the profile. A changed tax registration or site
// reconciles every week of the driver; the rewritten settlements are
// returned.
func (h *Handler) UpsertDriver(w http.ResponseWriter, r *http.Request) {
	var req UpsertDriverRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := req.toDriver(driverParam(r))
	if err != nil {
		h.fail(w, r, "Invalid driver", err)
		return
	}
	out, err := h.Service.UpsertDriver(r.Context(), d)
	if err != nil {
		h.fail(w, r, "Failed to save driver", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"driver":      toDriverDTO(d),
		"settlements": nonNilSettlements(out),
	})
}

// =============================================================================
// EARNINGS HANDLERS
// =============================================================================

func (h *Handler) AddEarnings(w http.ResponseWriter, r *http.Request) {
	var req EarningsRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := req.toRecord(driverParam(r))
	if err != nil {
		h.fail(w, r, "Invalid earnings", err)
		return
	}
	rec, s, err := h.Service.AddEarnings(r.Context(), rec)
	if err != nil {
		h.fail(w, r, "Failed to add earnings", err)
		return
	}
	writeJSON(w, http.StatusCreated, EarningsResponse{Earnings: toEarningsDTO(rec), Settlement: s})
}

func (h *Handler) UpdateEarnings(w http.ResponseWriter, r *http.Request) {
	var req EarningsRequest
	if !decode(w, r, &req) {
		return
	}
	req.ID = chi.URLParam(r, "id")
	rec, err := req.toRecord(driverParam(r))
	if err != nil {
		h.fail(w, r, "Invalid earnings", err)
		return
	}
	out, err := h.Service.UpdateEarnings(r.Context(), rec)
	if err != nil {
		h.fail(w, r, "Failed to update earnings", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSettlements(out))
}

func (h *Handler) RemoveEarnings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.RemoveEarnings(r.Context(), driverParam(r), settlement.EarningsID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to remove earnings", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

func (h *Handler) AddCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := req.toCharge(driverParam(r))
	if err != nil {
		h.fail(w, r, "Invalid charge", err)
		return
	}
	c, s, err := h.Service.AddCharge(r.Context(), c)
	if err != nil {
		h.fail(w, r, "Failed to add charge", err)
		return
	}
	writeJSON(w, http.StatusCreated, ChargeResponse{Charge: toChargeDTO(c), Settlement: s})
}

func (h *Handler) SignCharge(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.SignCharge(r.Context(), driverParam(r), settlement.ChargeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to sign charge", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) RemoveCharge(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.RemoveCharge(r.Context(), driverParam(r), settlement.ChargeID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, "Failed to remove charge", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Service.Plans(r.Context(), driverParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list plans", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTOs(plans))
}

func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := req.toPlan(driverParam(r))
	if err != nil {
		h.fail(w, r, "Invalid plan", err)
		return
	}
	p, out, err := h.Service.CreatePlan(r.Context(), p)
	if err != nil {
		h.fail(w, r, "Failed to create plan", err)
		return
	}
	writeJSON(w, http.StatusCreated, PlanResponse{Plan: toPlanDTO(p), Settlements: nonNilSettlements(out)})
}

func (h *Handler) AmendPlan(w http.ResponseWriter, r *http.Request) {
	var req AmendPlanRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Service.AmendPlan(r.Context(), driverParam(r), planParam(r), req.TotalRate, req.SpreadRate)
	if err != nil {
		h.fail(w, r, "Failed to amend plan", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSettlements(out))
}

func (h *Handler) SignPlan(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.SignPlan(r.Context(), driverParam(r), planParam(r))
	if err != nil {
		h.fail(w, r, "Failed to sign plan", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSettlements(out))
}

func (h *Handler) RemovePlan(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.RemovePlan(r.Context(), driverParam(r), planParam(r))
	if err != nil {
		h.fail(w, r, "Failed to remove plan", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSettlements(out))
}

// =============================================================================
// SETTLEMENT HANDLERS
// =============================================================================

func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	out, err := h.engine().Settlements(r.Context(), driverParam(r))
	if err != nil {
		h.fail(w, r, "Failed to list settlements", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSettlements(out))
}

// GetWeek returns the stored settlement with the lines it was built from.
func (h *Handler) GetWeek(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	driverID := driverParam(r)
	week, ok := h.weekParam(w, r)
	if !ok {
		return
	}

	s, err := h.engine().Settlement(ctx, driverID, week)
	if err != nil {
		h.fail(w, r, "Failed to get settlement", err)
		return
	}
	earnings, err := h.Service.EarningsForWeek(ctx, driverID, week)
	if err != nil {
		h.fail(w, r, "Failed to load earnings", err)
		return
	}
	charges, err := h.Service.ChargesForWeek(ctx, driverID, week)
	if err != nil {
		h.fail(w, r, "Failed to load charges", err)
		return
	}

	dto := WeekDTO{Settlement: s, Earnings: make([]EarningsDTO, len(earnings)), Charges: make([]ChargeDTO, len(charges))}
	for i, e := range earnings {
		dto.Earnings[i] = toEarningsDTO(e)
	}
	for i, c := range charges {
		dto.Charges[i] = toChargeDTO(c)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ReconcileWeek(w http.ResponseWriter, r *http.Request) {
	week, ok := h.weekParam(w, r)
	if !ok {
		return
	}
	s, err := h.engine().Reconcile(r.Context(), driverParam(r), week)
	if err != nil {
		h.fail(w, r, "Failed to reconcile week", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) ReconcileDriver(w http.ResponseWriter, r *http.Request) {
	out, err := h.engine().ReconcileAll(r.Context(), driverParam(r))
	if err != nil {
		h.fail(w, r, "Failed to reconcile driver", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSettlements(out))
}

func (h *Handler) SiteReport(w http.ResponseWriter, r *http.Request) {
	week, ok := h.weekParam(w, r)
	if !ok {
		return
	}
	out, err := h.engine().SettlementsBySite(r.Context(), chi.URLParam(r, "site"), week)
	if err != nil {
		h.fail(w, r, "Failed to build site report", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNilSettlements(out))
}

// =============================================================================
// HELPERS
// =============================================================================

func driverParam(r *http.Request) settlement.DriverID {
	return settlement.DriverID(chi.URLParam(r, "driverID"))
}

func planParam(r *http.Request) settlement.PlanID {
	return settlement.PlanID(chi.URLParam(r, "id"))
}

func (h *Handler) weekParam(w http.ResponseWriter, r *http.Request) (settlement.ServiceWeek, bool) {
	week, err := settlement.ParseServiceWeek(chi.URLParam(r, "week"))
	if err != nil {
		h.fail(w, r, "Invalid service week", err)
		return "", false
	}
	return week, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func nonNilSettlements(s []settlement.WeeklySettlement) []settlement.WeeklySettlement {
	if s == nil {
		return []settlement.WeeklySettlement{}
	}
	return s
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case settlement.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, settlement.ErrDuplicateDay):
		return http.StatusConflict, "duplicate_day"
	case settlement.IsClientError(err):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, settlement.ErrLockTimeout):
		return http.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, settlement.ErrConcurrentModification):
		return http.StatusConflict, "conflict"
	case errors.Is(err, settlement.ErrInvalidState):
		return http.StatusInternalServerError, "invalid_state"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Errorw(message, "path", r.URL.Path, "requestID", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
