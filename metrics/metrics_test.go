package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ReconcileCompleted("ok", 10*time.Millisecond)
	r.ReconcileCompleted("ok", 20*time.Millisecond)
	r.ReconcileCompleted("lock_timeout", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.reconciliations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reconciliations.WithLabelValues("lock_timeout")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.duration))
}

func TestRecorder_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.LockContended()
	r.LockContended()
	r.RoundingDrift()
	r.MissingDependency("plan")
	r.NotifyFailed()
	r.InstallmentDeducted(30)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.lockContention))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.roundingDrift))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.missingDependency.WithLabelValues("plan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notifyErrors))

	expected := `
# HELP settlement_rounding_drift_total Recomputations that moved the final total with unchanged inputs
# TYPE settlement_rounding_drift_total counter
settlement_rounding_drift_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "settlement_rounding_drift_total"))
}

func TestNewRecorder_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRecorder(reg)
	assert.Panics(t, func() { NewRecorder(reg) }, "duplicate registration")
}
