// Package poller runs the periodic read-accumulate-publish cycle.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"dashobd/internal/fuel"
	"dashobd/internal/metrics"
	"dashobd/internal/models"
	"dashobd/internal/obd"
	"dashobd/pkg/log"

	"go.uber.org/zap"
)

const DefaultInterval = 1000 * time.Millisecond

var (
	ErrAlreadyRunning  = errors.New("poller already running")
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// Handler receives one snapshot per cycle. Each handler gets its own copy.
type Handler func(models.MetricsSnapshot)

// Scheduler owns the fuel accumulator and drives one poll cycle per
// interval. A cycle never overlaps the next: the timer is re-armed only
// once the previous cycle has published.
type Scheduler struct {
	bus    *obd.Bus
	reader *metrics.Reader
	acc    *fuel.Accumulator
	now    func() time.Time

	mu       sync.Mutex
	handlers []Handler
	latest   *models.MetricsSnapshot
	cycle    uint64
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Scheduler)

// WithClock replaces time.Now for snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func New(bus *obd.Bus, reader *metrics.Reader, acc *fuel.Accumulator, opts ...Option) *Scheduler {
	s := &Scheduler{
		bus:    bus,
		reader: reader,
		acc:    acc,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers h for every future snapshot. Handlers run on the
// poll goroutine and delay the next cycle while they run.
func (s *Scheduler) Subscribe(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Start runs the first cycle immediately and then one per interval until
// Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, interval, s.done)

	log.Info("Poller started", zap.Duration("interval", interval))
	return nil
}

// Stop prevents further cycles and waits for the one in flight, if any.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("Poller stopped")
}

func (s *Scheduler) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.release(done)
			return
		case <-timer.C:
		}

		// A cycle that started runs to completion even if Stop is called.
		s.runCycle()
		timer.Reset(interval)
	}
}

// release clears the running state after ctx ended, unless Stop already
// did so, leaving the scheduler ready for another Start.
func (s *Scheduler) release(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return
	}
	s.cancel()
	s.cancel, s.done = nil, nil
	log.Info("Poller stopped", zap.String("reason", "context done"))
}

func (s *Scheduler) runCycle() {
	var readings models.Readings
	s.bus.Session(func(q obd.Querier) {
		readings = s.reader.ReadAll(q)
	})

	s.acc.Update(readings.Get(models.MetricFuelLevel))

	s.mu.Lock()
	s.cycle++
	snap := models.MetricsSnapshot{
		Cycle:        s.cycle,
		Taken:        s.now(),
		Readings:     readings,
		FuelConsumed: s.acc.CurrentTotal(),
	}
	s.latest = &snap
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	log.Debug("Poll cycle complete",
		zap.Uint64("cycle", snap.Cycle),
		zap.Float64("fuel_consumed", snap.FuelConsumed))

	for _, h := range handlers {
		h(snap.Clone())
	}
}

// Latest returns a copy of the most recent snapshot.
func (s *Scheduler) Latest() (models.MetricsSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return models.MetricsSnapshot{}, false
	}
	return s.latest.Clone(), true
}

// CurrentTotal returns the fuel consumed so far.
func (s *Scheduler) CurrentTotal() float64 {
	return s.acc.CurrentTotal()
}

// Fetch reads every metric once outside the schedule. It waits for any
// cycle in progress and does not touch the fuel total.
func (s *Scheduler) Fetch() models.Readings {
	var readings models.Readings
	s.bus.Session(func(q obd.Querier) {
		readings = s.reader.ReadAll(q)
	})
	return readings
}
