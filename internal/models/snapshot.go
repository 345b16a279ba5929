package models

import "time"

// MetricsSnapshot is the result of one poll cycle.
type MetricsSnapshot struct {
	Cycle        uint64    `json:"cycle"`
	Taken        time.Time `json:"taken"`
	Readings     Readings  `json:"readings"`
	FuelConsumed float64   `json:"fuel_consumed"`
}

// Clone returns a copy that shares no map with s.
func (s MetricsSnapshot) Clone() MetricsSnapshot {
	s.Readings = s.Readings.Clone()
	return s
}
