package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
)

// seedLedger writes a driver and one day of earnings straight into the
// store, leaving the week unreconciled.
func seedLedger(t *testing.T, st settlement.Store, driverID settlement.DriverID, day time.Time, amount string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx settlement.Tx) error {
		if _, err := tx.Driver(ctx, driverID); err != nil {
			if err := tx.SaveDriver(ctx, settlement.Driver{ID: driverID, Name: string(driverID), Site: "DBS2"}); err != nil {
				return err
			}
		}
		return tx.InsertEarnings(ctx, settlement.DailyEarningsRecord{
			ID:          settlement.EarningsID(string(driverID) + "-" + day.Format(dateLayout)),
			DriverID:    driverID,
			Week:        settlement.WeekOf(day),
			Date:        day,
			ServiceRate: money(amount),
		})
	}))
}

func TestSweep_ReconcilesStaleWeeks(t *testing.T) {
	// GIVEN: Two drivers whose earnings were written around the service
	// WHEN: Running one sweep
	// THEN: Every week is reconciled and a second sweep changes nothing
	s := newTestServer(t, false)
	monday := settlement.MustServiceWeek("2025-W11").Start()
	seedLedger(t, s.store, "drv-1", monday, "100.00")
	seedLedger(t, s.store, "drv-1", monday.AddDate(0, 0, 7), "50.00")
	seedLedger(t, s.store, "drv-2", monday, "80.00")

	sched := NewSweepScheduler(s.service, time.Hour)
	res := sched.Sweep(context.Background())

	assert.Equal(t, 2, res.Drivers)
	assert.Equal(t, 3, res.Weeks)
	assert.Zero(t, res.Failed)

	got, err := s.service.Engine().Settlement(context.Background(), "drv-1", "2025-W12")
	require.NoError(t, err)
	assert.Equal(t, "50.00", got.FinalTotal.StringFixed(2))

	sched.Sweep(context.Background())
	again, err := s.service.Engine().Settlement(context.Background(), "drv-1", "2025-W12")
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
}

func TestSweep_FailingDriverIsSkipped(t *testing.T) {
	// GIVEN: Driver locks that are never granted
	// WHEN: Sweeping
	// THEN: Every driver is counted as failed and the sweep still returns
	retry := fastRetry()
	retry.MaxAttempts = 1
	s := newTestServer(t, false, settlement.WithLocker(contendedLocker{}), settlement.WithRetry(retry))
	monday := settlement.MustServiceWeek("2025-W11").Start()
	seedLedger(t, s.store, "drv-1", monday, "100.00")
	seedLedger(t, s.store, "drv-2", monday, "80.00")

	res := NewSweepScheduler(s.service, time.Hour).Sweep(context.Background())

	assert.Equal(t, 2, res.Drivers)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Weeks)
}

func TestSweep_CanceledContextStops(t *testing.T) {
	s := newTestServer(t, false)
	seedLedger(t, s.store, "drv-1", settlement.MustServiceWeek("2025-W11").Start(), "100.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewSweepScheduler(s.service, time.Hour).Sweep(ctx)

	assert.Zero(t, res.Drivers)
}

func TestSweepScheduler_StartStop(t *testing.T) {
	// GIVEN: A scheduler on a short interval
	// WHEN: Started
	// THEN: The stale week is reconciled in the background; Start and
	//       Stop are safe to repeat
	s := newTestServer(t, false)
	seedLedger(t, s.store, "drv-1", settlement.MustServiceWeek("2025-W11").Start(), "100.00")

	sched := NewSweepScheduler(s.service, 5*time.Millisecond)
	sched.Start()
	sched.Start()

	require.Eventually(t, func() bool {
		_, err := s.service.Engine().Settlement(context.Background(), "drv-1", "2025-W11")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	sched.Stop()
	sched.Stop()
}
