package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeEvent tells external collaborators (billing documents,
// notifications) that a settlement was written or removed.
type ChangeEvent struct {
	ID         string          `json:"id"`
	DriverID   DriverID        `json:"driver_id"`
	Week       ServiceWeek     `json:"service_week"`
	Site       string          `json:"site,omitempty"`
	FinalTotal decimal.Decimal `json:"final_total"`
	Unsigned   bool            `json:"unsigned"`
	Removed    bool            `json:"removed"`
	Version    int64           `json:"version"`
	At         time.Time       `json:"at"`
}

// Notifier receives change events after the transaction commits. Delivery
// failures are logged by the engine and never undo a reconciliation.
type Notifier interface {
	SettlementChanged(ctx context.Context, ev ChangeEvent) error
}

// Observer receives engine measurements. metrics.Recorder implements it.
type Observer interface {
	ReconcileCompleted(outcome string, d time.Duration)
	LockContended()
	RoundingDrift()
	MissingDependency(kind string)
	InstallmentDeducted(amount float64)
	NotifyFailed()
}

type nopNotifier struct{}

func (nopNotifier) SettlementChanged(context.Context, ChangeEvent) error { return nil }

type nopObserver struct{}

func (nopObserver) ReconcileCompleted(string, time.Duration) {}
func (nopObserver) LockContended()                           {}
func (nopObserver) RoundingDrift()                           {}
func (nopObserver) MissingDependency(string)                 {}
func (nopObserver) InstallmentDeducted(float64)              {}
func (nopObserver) NotifyFailed()                            {}
