package obd

import (
	"fmt"

	"dashobd/internal/models"
)

// Command identifies one gateway request: an OBD-II service (mode) and,
// for live data, the PID within it.
type Command struct {
	Name   string
	Mode   string
	Code   string
	Desc   string
	Metric models.Metric
}

var (
	CommandSpeed            = Command{Name: "SPEED", Mode: "01", Code: "0D", Desc: "Vehicle Speed", Metric: models.MetricSpeed}
	CommandRPM              = Command{Name: "RPM", Mode: "01", Code: "0C", Desc: "Engine RPM", Metric: models.MetricRPM}
	CommandThrottlePosition = Command{Name: "THROTTLE_POS", Mode: "01", Code: "11", Desc: "Throttle Position", Metric: models.MetricThrottlePosition}
	CommandFuelLevel        = Command{Name: "FUEL_LEVEL", Mode: "01", Code: "2F", Desc: "Fuel Tank Level Input", Metric: models.MetricFuelLevel}
	CommandCoolantTemp      = Command{Name: "COOLANT_TEMP", Mode: "01", Code: "05", Desc: "Engine Coolant Temperature", Metric: models.MetricCoolantTemp}
	CommandReadDTC          = Command{Name: "GET_DTC", Mode: "03", Desc: "Get Diagnostic Trouble Codes"}
	CommandClearDTC         = Command{Name: "CLEAR_DTC", Mode: "04", Desc: "Clear DTCs and Freeze data"}
	CommandReadPendingDTC   = Command{Name: "GET_PENDING_DTC", Mode: "07", Desc: "Get DTCs from the current or last driving cycle"}
)

// MetricCommands are the live-data commands polled every cycle, in the
// order of models.TrackedMetrics.
var MetricCommands = []Command{
	CommandSpeed,
	CommandRPM,
	CommandThrottlePosition,
	CommandFuelLevel,
	CommandCoolantTemp,
}

// CommandFor returns the live-data command for a metric.
func CommandFor(m models.Metric) (Command, bool) {
	for _, c := range MetricCommands {
		if c.Metric == m {
			return c, true
		}
	}
	return Command{}, false
}

func (c Command) String() string {
	return fmt.Sprintf("%s%s", c.Mode, c.Code)
}
