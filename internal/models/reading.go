package models

import "fmt"

// Metric names a tracked sensor value.
type Metric string

const (
	MetricSpeed            Metric = "speed"
	MetricRPM              Metric = "rpm"
	MetricThrottlePosition Metric = "throttle_position"
	MetricFuelLevel        Metric = "fuel_level"
	MetricCoolantTemp      Metric = "coolant_temp"
)

// TrackedMetrics lists the polled metrics in display order.
var TrackedMetrics = []Metric{
	MetricSpeed,
	MetricRPM,
	MetricThrottlePosition,
	MetricFuelLevel,
	MetricCoolantTemp,
}

// Reading is a single sensor value, or an unavailable marker when
// Available is false.
type Reading struct {
	Metric    Metric  `json:"metric"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit,omitempty"`
	Available bool    `json:"available"`
}

func NewReading(m Metric, value float64, unit string) Reading {
	return Reading{Metric: m, Value: value, Unit: unit, Available: true}
}

func Unavailable(m Metric) Reading {
	return Reading{Metric: m}
}

func (r Reading) String() string {
	if !r.Available {
		return "n/a"
	}
	if r.Unit == "" {
		return fmt.Sprintf("%.1f", r.Value)
	}
	return fmt.Sprintf("%.1f %s", r.Value, r.Unit)
}

// Readings maps each metric to its reading for one pass.
type Readings map[Metric]Reading

// Get returns the reading for m, or an unavailable reading when m is missing.
func (rs Readings) Get(m Metric) Reading {
	if r, ok := rs[m]; ok {
		return r
	}
	return Unavailable(m)
}

func (rs Readings) Clone() Readings {
	out := make(Readings, len(rs))
	for k, v := range rs {
		out[k] = v
	}
	return out
}
