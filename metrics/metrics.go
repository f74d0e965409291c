// Package metrics exposes engine measurements to Prometheus. Recorder
// satisfies settlement.Observer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder struct {
	reconciliations   *prometheus.CounterVec
	duration          prometheus.Histogram
	lockContention    prometheus.Counter
	roundingDrift     prometheus.Counter
	missingDependency *prometheus.CounterVec
	deductions        prometheus.Histogram
	notifyErrors      prometheus.Counter
}

// NewRecorder registers the engine metrics on reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_reconciliations_total",
			Help: "Reconciliation units by outcome",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_reconcile_duration_seconds",
			Help:    "Time taken by a reconciliation unit, lock wait included",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		lockContention: f.NewCounter(prometheus.CounterOpts{
			Name: "settlement_lock_contention_total",
			Help: "Attempts that found the driver lock held",
		}),
		roundingDrift: f.NewCounter(prometheus.CounterOpts{
			Name: "settlement_rounding_drift_total",
			Help: "Recomputations that moved the final total with unchanged inputs",
		}),
		missingDependency: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_missing_dependency_total",
			Help: "Dangling references dropped during reconciliation",
		}, []string{"kind"}),
		deductions: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_installment_deduction_amount",
			Help:    "Installments deducted per written settlement",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000},
		}),
		notifyErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "settlement_notify_errors_total",
			Help: "Change notifications that failed to publish",
		}),
	}
}

func (r *Recorder) ReconcileCompleted(outcome string, d time.Duration) {
	r.reconciliations.WithLabelValues(outcome).Inc()
	r.duration.Observe(d.Seconds())
}

func (r *Recorder) LockContended()                     { r.lockContention.Inc() }
func (r *Recorder) RoundingDrift()                     { r.roundingDrift.Inc() }
func (r *Recorder) MissingDependency(kind string)      { r.missingDependency.WithLabelValues(kind).Inc() }
func (r *Recorder) InstallmentDeducted(amount float64) { r.deductions.Observe(amount) }
func (r *Recorder) NotifyFailed()                      { r.notifyErrors.Inc() }
