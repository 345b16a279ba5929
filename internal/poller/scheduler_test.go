package poller

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dashobd/internal/fuel"
	"dashobd/internal/metrics"
	"dashobd/internal/models"
	"dashobd/internal/obd"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedGateway replays fuel levels in order; a NaN entry makes that
// fuel query fail. Other metrics return fixed values unless listed in fail.
type scriptedGateway struct {
	mu       sync.Mutex
	fuel     []float64
	fail     map[obd.Command]bool
	delay    time.Duration
	inflight atomic.Int32
	overlap  atomic.Bool
}

func (g *scriptedGateway) Start(context.Context) error { return nil }
func (g *scriptedGateway) Stop()                       {}
func (g *scriptedGateway) IsConnected() bool           { return true }

func (g *scriptedGateway) Query(cmd obd.Command) (obd.Response, error) {
	if g.inflight.Add(1) > 1 {
		g.overlap.Store(true)
	}
	defer g.inflight.Add(-1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail[cmd] {
		return obd.Response{}, obd.ErrNoData
	}
	if cmd == obd.CommandFuelLevel {
		if len(g.fuel) == 0 {
			return obd.Response{}, obd.ErrNoData
		}
		v := g.fuel[0]
		g.fuel = g.fuel[1:]
		if math.IsNaN(v) {
			return obd.Response{}, obd.ErrNoData
		}
		return obd.Response{Value: v, Unit: "%"}, nil
	}
	return obd.Response{Value: 1, Unit: "x"}, nil
}

func newScheduler(gw obd.Gateway) (*Scheduler, *fuel.Accumulator) {
	acc := fuel.NewAccumulator()
	return New(obd.NewBus(gw), metrics.NewReader(), acc), acc
}

func collect(t *testing.T, s *Scheduler, n int) []models.MetricsSnapshot {
	t.Helper()
	ch := make(chan models.MetricsSnapshot, 64)
	s.Subscribe(func(snap models.MetricsSnapshot) { ch <- snap })

	require.NoError(t, s.Start(context.Background(), 2*time.Millisecond))
	defer s.Stop()

	out := make([]models.MetricsSnapshot, 0, n)
	for len(out) < n {
		select {
		case snap := <-ch:
			out = append(out, snap)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d snapshots", len(out), n)
		}
	}
	return out
}

func TestCyclesAccumulateFuel(t *testing.T) {
	gw := &scriptedGateway{fuel: []float64{80, 75, math.NaN(), 75, 70}}
	s, acc := newScheduler(gw)

	snaps := collect(t, s, 5)

	want := []float64{0, 5, 5, 5, 10}
	for i, snap := range snaps {
		assert.Equal(t, uint64(i+1), snap.Cycle)
		assert.Equal(t, want[i], snap.FuelConsumed, "cycle %d", i+1)
		assert.Len(t, snap.Readings, len(models.TrackedMetrics))
	}
	assert.False(t, snaps[2].Readings[models.MetricFuelLevel].Available)
	assert.Equal(t, 10.0, s.CurrentTotal())
	assert.Equal(t, acc.CurrentTotal(), s.CurrentTotal())
}

func TestCycleSurvivesMetricFailure(t *testing.T) {
	gw := &scriptedGateway{
		fuel: []float64{50, 50, 50},
		fail: map[obd.Command]bool{obd.CommandRPM: true},
	}
	s, _ := newScheduler(gw)

	snaps := collect(t, s, 2)

	for _, snap := range snaps {
		assert.False(t, snap.Readings[models.MetricRPM].Available)
		assert.True(t, snap.Readings[models.MetricSpeed].Available)
		assert.True(t, snap.Readings[models.MetricFuelLevel].Available)
	}
}

func TestCycleWithEveryMetricFailing(t *testing.T) {
	fail := map[obd.Command]bool{}
	for _, c := range obd.MetricCommands {
		fail[c] = true
	}
	s, _ := newScheduler(&scriptedGateway{fail: fail})

	snaps := collect(t, s, 2)

	for _, snap := range snaps {
		for _, m := range models.TrackedMetrics {
			assert.False(t, snap.Readings[m].Available)
		}
		assert.Equal(t, 0.0, snap.FuelConsumed)
	}
}

func TestSubscribersGetIndependentCopies(t *testing.T) {
	s, _ := newScheduler(&scriptedGateway{fuel: []float64{40}})

	first := make(chan models.MetricsSnapshot, 1)
	second := make(chan models.MetricsSnapshot, 1)
	s.Subscribe(func(snap models.MetricsSnapshot) {
		snap.Readings[models.MetricSpeed] = models.Unavailable(models.MetricSpeed)
		select {
		case first <- snap:
		default:
		}
	})
	s.Subscribe(func(snap models.MetricsSnapshot) {
		select {
		case second <- snap:
		default:
		}
	})

	require.NoError(t, s.Start(context.Background(), time.Hour))
	defer s.Stop()

	<-first
	snap := <-second
	assert.True(t, snap.Readings[models.MetricSpeed].Available)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.True(t, latest.Readings[models.MetricSpeed].Available)
}

func TestStartValidation(t *testing.T) {
	s, _ := newScheduler(&scriptedGateway{})

	assert.ErrorIs(t, s.Start(context.Background(), 0), ErrInvalidInterval)
	require.NoError(t, s.Start(context.Background(), time.Hour))
	assert.ErrorIs(t, s.Start(context.Background(), time.Hour), ErrAlreadyRunning)

	s.Stop()
	s.Stop()
	require.NoError(t, s.Start(context.Background(), time.Hour), "restart after stop")
	s.Stop()
}

func TestStopHaltsCycles(t *testing.T) {
	s, _ := newScheduler(&scriptedGateway{})
	var count atomic.Int32
	s.Subscribe(func(models.MetricsSnapshot) { count.Add(1) })

	require.NoError(t, s.Start(context.Background(), time.Millisecond))
	require.Eventually(t, func() bool { return count.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()

	stopped := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, count.Load())
}

func TestContextCancelStops(t *testing.T) {
	s, _ := newScheduler(&scriptedGateway{})
	var count atomic.Int32
	s.Subscribe(func(models.MetricsSnapshot) { count.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, time.Millisecond))
	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	s.Stop()

	stopped := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, count.Load())
}

func TestStartAfterContextCancel(t *testing.T) {
	s, _ := newScheduler(&scriptedGateway{})
	var count atomic.Int32
	s.Subscribe(func(models.MetricsSnapshot) { count.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx, time.Millisecond))
	require.Eventually(t, func() bool { return count.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		err := s.Start(context.Background(), time.Millisecond)
		return err == nil
	}, time.Second, time.Millisecond, "start after the context ended")
	defer s.Stop()

	before := count.Load()
	require.Eventually(t, func() bool { return count.Load() > before }, time.Second, time.Millisecond)
}

func TestFetchIsSerializedWithCycles(t *testing.T) {
	gw := &scriptedGateway{delay: 200 * time.Microsecond}
	s, _ := newScheduler(gw)
	var count atomic.Int32
	s.Subscribe(func(models.MetricsSnapshot) { count.Add(1) })

	require.NoError(t, s.Start(context.Background(), time.Millisecond))
	defer s.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				readings := s.Fetch()
				assert.Len(t, readings, len(models.TrackedMetrics))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, time.Millisecond)
	assert.False(t, gw.overlap.Load(), "queries overlapped on the gateway")
}

func TestFetchDoesNotFeedAccumulator(t *testing.T) {
	s, acc := newScheduler(&scriptedGateway{fuel: []float64{50, 40}})

	first := s.Fetch()
	second := s.Fetch()

	assert.Equal(t, 50.0, first[models.MetricFuelLevel].Value)
	assert.Equal(t, 40.0, second[models.MetricFuelLevel].Value)
	_, ok := acc.Baseline()
	assert.False(t, ok)
	assert.Equal(t, 0.0, s.CurrentTotal())
	_, ok = s.Latest()
	assert.False(t, ok, "fetch publishes no snapshot")
}

func TestSnapshotTimestamp(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	acc := fuel.NewAccumulator()
	s := New(obd.NewBus(&scriptedGateway{}), metrics.NewReader(), acc, WithClock(func() time.Time { return at }))

	snaps := collect(t, s, 1)
	assert.Equal(t, at, snaps[0].Taken)
}
