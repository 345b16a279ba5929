// Package fuel estimates fuel consumed over a session from successive
// fuel-level readings.
package fuel

import (
	"sync"

	"dashobd/internal/models"
)

// Accumulator sums the drop in fuel level between consecutive available
// readings. The delta is signed: a level that rises between polls (a
// refuel) lowers the total.
//
// Update is called by a single owner, the poll loop. CurrentTotal and
// Baseline may be read from any goroutine.
type Accumulator struct {
	mu    sync.RWMutex
	last  *models.Reading
	total float64
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Update folds one fuel-level reading into the total. An unavailable
// reading clears the baseline so that no delta spans the gap; the next
// available reading becomes the new baseline.
func (a *Accumulator) Update(r models.Reading) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !r.Available {
		a.last = nil
		return
	}
	if a.last != nil {
		a.total += a.last.Value - r.Value
	}
	a.last = &r
}

// CurrentTotal returns the running total, zero before any delta.
func (a *Accumulator) CurrentTotal() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.total
}

// Baseline returns the reading the next delta will be measured from.
func (a *Accumulator) Baseline() (models.Reading, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return models.Reading{}, false
	}
	return *a.last, true
}
