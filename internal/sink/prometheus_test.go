package sink

import (
	"errors"
	"testing"

	"dashobd/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func labelled(t *testing.T, mf *dto.MetricFamily, name, value string) *dto.Metric {
	t.Helper()
	for _, m := range mf.Metric {
		for _, l := range m.Label {
			if l.GetName() == name && l.GetValue() == value {
				return m
			}
		}
	}
	t.Fatalf("no %s=%s in %s", name, value, mf.GetName())
	return nil
}

func TestPrometheusExporterPublish(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheusExporter(reg)
	require.NoError(t, err)

	p.Publish(models.MetricsSnapshot{
		Cycle: 1,
		Readings: models.Readings{
			models.MetricSpeed:     models.NewReading(models.MetricSpeed, 88, "km/h"),
			models.MetricFuelLevel: models.Unavailable(models.MetricFuelLevel),
		},
		FuelConsumed: 2.5,
	})

	families := gather(t, reg)

	speed := labelled(t, families["dashobd_metric_value"], "metric", "speed")
	require.Equal(t, 88.0, speed.GetGauge().GetValue())

	avail := families["dashobd_metric_available"]
	require.Equal(t, 1.0, labelled(t, avail, "metric", "speed").GetGauge().GetValue())
	require.Equal(t, 0.0, labelled(t, avail, "metric", "fuel_level").GetGauge().GetValue())
	require.Equal(t, 0.0, labelled(t, avail, "metric", "rpm").GetGauge().GetValue(), "missing metric counts as unavailable")

	require.Equal(t, 2.5, families["dashobd_fuel_consumed_percent"].Metric[0].GetGauge().GetValue())
	require.Equal(t, 1.0, families["dashobd_poll_cycles_total"].Metric[0].GetCounter().GetValue())
}

func TestPrometheusExporterObserveDTC(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheusExporter(reg)
	require.NoError(t, err)

	p.ObserveDTC("read", nil)
	p.ObserveDTC("clear", errors.New("no ack"))
	p.ObserveDTC("clear", errors.New("no ack"))

	ops := gather(t, reg)["dashobd_dtc_operations_total"]
	require.Len(t, ops.Metric, 2)
	require.Equal(t, 1.0, labelled(t, ops, "op", "read").GetCounter().GetValue())
	require.Equal(t, 2.0, labelled(t, ops, "op", "clear").GetCounter().GetValue())
}

func TestPrometheusExporterDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusExporter(reg)
	require.NoError(t, err)

	_, err = NewPrometheusExporter(reg)
	require.Error(t, err)
}
