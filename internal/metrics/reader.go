package metrics

import (
	"fmt"
	"math"

	"dashobd/internal/models"
	"dashobd/internal/obd"
	"dashobd/pkg/log"

	"go.uber.org/zap"
)

// Reader queries the tracked live-data commands and turns each reply into
// a Reading. A failed query only blanks its own metric.
type Reader struct {
	commands []obd.Command
}

func NewReader() *Reader {
	return &Reader{commands: obd.MetricCommands}
}

// ReadAll queries every tracked metric once through q. It never fails:
// errors and non-finite values become unavailable readings.
func (r *Reader) ReadAll(q obd.Querier) models.Readings {
	readings := make(models.Readings, len(r.commands))
	for _, cmd := range r.commands {
		readings[cmd.Metric] = r.read(q, cmd)
	}
	return readings
}

func (r *Reader) read(q obd.Querier, cmd obd.Command) models.Reading {
	resp, err := q.Query(cmd)
	if err == nil && (math.IsNaN(resp.Value) || math.IsInf(resp.Value, 0)) {
		err = fmt.Errorf("%s: non-finite value %v: %w", cmd.Name, resp.Value, obd.ErrMalformed)
	}
	if err != nil {
		log.Debug("Metric unavailable", zap.String("command", cmd.Name), zap.Error(err))
		return models.Unavailable(cmd.Metric)
	}
	return models.NewReading(cmd.Metric, resp.Value, resp.Unit)
}
