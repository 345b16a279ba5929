package sink

import (
	"dashobd/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusExporter mirrors each snapshot into gauges and counts trouble
// code operation failures.
type PrometheusExporter struct {
	value     *prometheus.GaugeVec
	available *prometheus.GaugeVec
	consumed  prometheus.Gauge
	cycles    prometheus.Counter
	dtcOps    *prometheus.CounterVec
}

// NewPrometheusExporter registers the exporter's metrics with reg, or the
// default registerer when reg is nil.
func NewPrometheusExporter(reg prometheus.Registerer) (*PrometheusExporter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PrometheusExporter{
		value: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashobd_metric_value",
			Help: "Last available value per tracked metric.",
		}, []string{"metric", "unit"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dashobd_metric_available",
			Help: "1 when the metric was read in the last poll cycle, 0 otherwise.",
		}, []string{"metric"}),
		consumed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashobd_fuel_consumed_percent",
			Help: "Fuel consumed this session, in percent of tank.",
		}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashobd_poll_cycles_total",
			Help: "Number of completed poll cycles.",
		}),
		dtcOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashobd_dtc_operations_total",
			Help: "Trouble code operations by kind and result.",
		}, []string{"op", "result"}),
	}

	for _, c := range []prometheus.Collector{p.value, p.available, p.consumed, p.cycles, p.dtcOps} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Publish is a poller.Handler.
func (p *PrometheusExporter) Publish(snap models.MetricsSnapshot) {
	for _, m := range models.TrackedMetrics {
		r := snap.Readings.Get(m)
		if !r.Available {
			p.available.WithLabelValues(string(m)).Set(0)
			continue
		}
		p.available.WithLabelValues(string(m)).Set(1)
		p.value.WithLabelValues(string(m), r.Unit).Set(r.Value)
	}
	p.consumed.Set(snap.FuelConsumed)
	p.cycles.Inc()
}

// ObserveDTC is a dtc.Observer.
func (p *PrometheusExporter) ObserveDTC(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.dtcOps.WithLabelValues(op, result).Inc()
}
