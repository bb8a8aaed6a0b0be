package telemetry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"ovms.dev/core/internal/metrics"
)

func TestLoggerDoesNotPanicWithOrWithoutSpan(t *testing.T) {
	l := NewLogger(slog.LevelDebug)
	l.Info(context.Background(), "no span", "k", "v")

	tp := NewNoopTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	l.Info(ctx, "with span", "k", "v")
}

func TestMetricsSyncMirrorsScalarValues(t *testing.T) {
	reg := metrics.NewRegistry()
	m := reg.Declare("m.net.wifi.rssi", metrics.TypeFloat, "dBm", 0)
	m.SetFloat(-55.5)
	b := reg.Declare("m.net.wifi.goodsignal", metrics.TypeBool, "", 0)
	b.SetBool(true)

	bridge := NewMetrics(reg)
	bridge.Sync()

	families, err := bridge.Registry().Gather()
	require.NoError(t, err)

	var found int
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			if fam.GetName() == "ovmscore_m_net_wifi_rssi" {
				require.InDelta(t, -55.5, metric.GetGauge().GetValue(), 1e-9)
				found++
			}
			if fam.GetName() == "ovmscore_m_net_wifi_goodsignal" {
				require.Equal(t, float64(1), metric.GetGauge().GetValue())
				found++
			}
		}
	}
	require.Equal(t, 2, found)
}
