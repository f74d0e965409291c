/*
errors.go - Centralized error types for the settlement engine

PURPOSE:
  All error types in one place. Callers match with errors.Is against the
  sentinels; structured errors carry the context needed for logging.

ERROR CATEGORIES:
  1. Invalid state - A ledger invariant is already broken. Fatal to the
     attempt, always logged, never clamped.
  2. Concurrent modification - An optimistic version check failed. The
     engine retries the whole reconciliation from a fresh read.
  3. Missing dependency - A settlement references a plan that is gone.
     Logged; the reference is dropped and the week recomputed.
  4. Rounding drift - Non-fatal warning. Same inputs, different total.
  5. Client errors - Bad input at the ledger service boundary.

SEE ALSO:
  - engine.go: Raises and classifies these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidState is returned when a plan or settlement violates an
	// invariant before or during reconciliation.
	ErrInvalidState = errors.New("invalid ledger state")

	// ErrConcurrentModification is returned when an optimistic version
	// check detects a conflicting writer.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrMissingDependency marks a dangling reference from a settlement.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrLockContended is returned by a Locker when the driver is held.
	ErrLockContended = errors.New("driver lock contended")

	// ErrLockTimeout is returned when the driver lock could not be taken
	// within the retry budget.
	ErrLockTimeout = errors.New("timed out waiting for driver lock")

	ErrDriverNotFound     = errors.New("driver not found")
	ErrEarningsNotFound   = errors.New("earnings record not found")
	ErrChargeNotFound     = errors.New("charge not found")
	ErrPlanNotFound       = errors.New("installment plan not found")
	ErrSettlementNotFound = errors.New("settlement not found")

	// ErrDuplicateDay is returned when a driver already has an earnings
	// record on the same calendar day.
	ErrDuplicateDay = errors.New("earnings already recorded for day")

	ErrInvalidWeek   = errors.New("invalid service week")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidInput  = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidStateError reports a value outside its allowed range.
type InvalidStateError struct {
	Key    DriverWeekKey
	PlanID PlanID
	Field  string
	Value  decimal.Decimal
	Limit  decimal.Decimal
}

func (e *InvalidStateError) Error() string {
	if e.PlanID != "" {
		return fmt.Sprintf("invalid state at %s: plan %s %s=%s (limit %s)",
			e.Key, e.PlanID, e.Field, e.Value.StringFixed(2), e.Limit.StringFixed(2))
	}
	return fmt.Sprintf("invalid state at %s: %s=%s (limit %s)",
		e.Key, e.Field, e.Value.StringFixed(2), e.Limit.StringFixed(2))
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// ConcurrentModificationError reports a failed optimistic version check.
type ConcurrentModificationError struct {
	Entity   string // "plan" or "settlement"
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s: expected version %d, found %d",
		e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Unwrap() error {
	return ErrConcurrentModification
}

// MissingDependencyError reports a dangling reference that was dropped.
type MissingDependencyError struct {
	Key  DriverWeekKey
	Kind string // "plan" or "driver"
	ID   string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("settlement %s references missing %s %s", e.Key, e.Kind, e.ID)
}

func (e *MissingDependencyError) Unwrap() error {
	return ErrMissingDependency
}

// RoundingDriftWarning is raised when the same inputs produce a final total
// more than one cent away from the stored one.
type RoundingDriftWarning struct {
	Key        DriverWeekKey
	Previous   decimal.Decimal
	Recomputed decimal.Decimal
}

func (w *RoundingDriftWarning) Error() string {
	return fmt.Sprintf("rounding drift at %s: stored %s, recomputed %s",
		w.Key, w.Previous.StringFixed(2), w.Recomputed.StringFixed(2))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateDay) ||
		errors.Is(err, ErrInvalidWeek) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDriverNotFound) ||
		errors.Is(err, ErrEarningsNotFound) ||
		errors.Is(err, ErrChargeNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrSettlementNotFound)
}

// IsConflict returns true if the request lost a race and may be resent.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrLockTimeout)
}
