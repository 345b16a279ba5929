package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"dashobd/internal/models"
	"dashobd/internal/obd"
)

// MockOBD is a simulated vehicle used for demo and testing. A background
// ticker random-walks the sensors; Query returns the current values.
type MockOBD struct {
	mu      sync.RWMutex
	running bool
	rng     *rand.Rand

	// simulated values
	speed        float64
	rpm          float64
	throttle     float64
	fuel         float64
	coolant      float64
	errors       []models.TroubleCode
	pending      []models.TroubleCode
	failureRate  float64
	step         time.Duration
	updateTicker *time.Ticker
	stopCh       chan struct{}
}

type Option func(*MockOBD)

// WithFailureRate makes each live-data query fail with obd.ErrNoData
// with probability rate.
func WithFailureRate(rate float64) Option {
	return func(m *MockOBD) {
		m.failureRate = rate
	}
}

// WithSeed makes the simulation deterministic.
func WithSeed(seed int64) Option {
	return func(m *MockOBD) {
		m.rng = rand.New(rand.NewSource(seed))
	}
}

// WithStep sets how often the simulation advances.
func WithStep(d time.Duration) Option {
	return func(m *MockOBD) {
		m.step = d
	}
}

// WithPendingCodes preloads pending trouble codes.
func WithPendingCodes(codes ...models.TroubleCode) Option {
	return func(m *MockOBD) {
		m.pending = append(m.pending, codes...)
	}
}

// WithCodes preloads stored trouble codes.
func WithCodes(codes ...models.TroubleCode) Option {
	return func(m *MockOBD) {
		m.errors = append(m.errors, codes...)
	}
}

func New(opts ...Option) *MockOBD {
	m := &MockOBD{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		rpm:     800,
		coolant: 75.0,
		fuel:    80.0,
		errors:  []models.TroubleCode{},
		pending: []models.TroubleCode{},
		step:    1 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockOBD) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.updateTicker = time.NewTicker(m.step)
	m.stopCh = make(chan struct{})
	m.running = true
	ticker, stopCh := m.updateTicker, m.stopCh
	go func() {
		for {
			select {
			case <-ticker.C:
				m.mu.Lock()
				m.advance()
				m.mu.Unlock()
			case <-ctx.Done():
				m.mu.Lock()
				// Stop or a later Start may already own the state.
				if m.stopCh == stopCh && m.running {
					ticker.Stop()
					m.running = false
				}
				m.mu.Unlock()
				return
			case <-stopCh:
				return
			}
		}
	}()
	return nil
}

// advance moves the simulation one step. Callers hold m.mu.
func (m *MockOBD) advance() {
	m.throttle = clamp(m.throttle+float64(m.rng.Intn(21)-10), 0, 100)
	m.rpm = clamp(m.rpm+float64(m.rng.Intn(201)-100)+m.throttle, 600, 4000)
	m.speed = clamp(m.speed+float64(m.rng.Intn(11)-5)+m.throttle/20, 0, 180)
	m.coolant = clamp(m.coolant+float64(m.rng.Intn(21)-10)*0.1, 60, 110)
	// The tank drains faster under load and never refills.
	m.fuel = clamp(m.fuel-0.01-m.throttle*0.001, 0, 100)

	// New faults start pending and are sometimes confirmed as stored.
	if m.rng.Float32() < 0.05 {
		m.pending = append(m.pending, models.TroubleCode{Code: fmt.Sprintf("P%04d", m.rng.Intn(9999)), Description: "Random simulated fault"})
	}
	if len(m.pending) > 0 && m.rng.Float32() < 0.2 {
		m.errors = append(m.errors, m.pending[0])
		m.pending = m.pending[1:]
	}
	if len(m.errors) > 0 && m.rng.Float32() < 0.02 {
		m.errors = m.errors[1:]
	}
}

func (m *MockOBD) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.updateTicker.Stop()
	close(m.stopCh)
	m.running = false
}

func (m *MockOBD) Query(cmd obd.Command) (obd.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return obd.Response{}, fmt.Errorf("%s: %w", cmd.Name, obd.ErrNotConnected)
	}

	switch cmd {
	case obd.CommandReadDTC:
		codes := make([]models.TroubleCode, len(m.errors))
		copy(codes, m.errors)
		return obd.Response{Codes: codes}, nil
	case obd.CommandReadPendingDTC:
		codes := make([]models.TroubleCode, len(m.pending))
		copy(codes, m.pending)
		return obd.Response{Codes: codes}, nil
	case obd.CommandClearDTC:
		m.errors = []models.TroubleCode{}
		m.pending = []models.TroubleCode{}
		return obd.Response{}, nil
	}

	if m.failureRate > 0 && m.rng.Float64() < m.failureRate {
		return obd.Response{}, fmt.Errorf("%s: %w", cmd.Name, obd.ErrNoData)
	}

	switch cmd {
	case obd.CommandSpeed:
		return obd.Response{Value: m.speed, Unit: "km/h"}, nil
	case obd.CommandRPM:
		return obd.Response{Value: m.rpm, Unit: "rpm"}, nil
	case obd.CommandThrottlePosition:
		return obd.Response{Value: m.throttle, Unit: "%"}, nil
	case obd.CommandFuelLevel:
		return obd.Response{Value: m.fuel, Unit: "%"}, nil
	case obd.CommandCoolantTemp:
		return obd.Response{Value: m.coolant, Unit: "°C"}, nil
	}
	return obd.Response{}, fmt.Errorf("%s: %w", cmd.Name, obd.ErrUnsupported)
}

// IsConnected for MockOBD always returns true while running.
func (m *MockOBD) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
