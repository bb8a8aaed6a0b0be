// Package telemetry carries the ambient logging and metrics-export stack
// that every subsystem in this module writes through: a context-aware
// slog.Logger correlated with OpenTelemetry spans, and a Prometheus
// bridge that mirrors the internal metric registry (C2) onto
// prometheus.Gauge/GaugeVec so an external scraper sees the same values
// an OVMS server would see over the app-layer protocol this module does
// not implement.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"ovms.dev/core/internal/metrics"
)

// Logger wraps slog.Logger, annotating every record with the calling
// context's trace and span IDs when one is present.
type Logger struct {
	base *slog.Logger
}

// NewLogger returns a Logger writing JSON lines to os.Stderr at the
// given level.
func NewLogger(level slog.Level) *Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{base: slog.New(h)}
}

func (l *Logger) with(ctx context.Context) *slog.Logger {
	span := oteltrace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return l.base
	}
	return l.base.With(
		slog.String("trace_id", span.TraceID().String()),
		slog.String("span_id", span.SpanID().String()),
	)
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) { l.with(ctx).Debug(msg, args...) }
func (l *Logger) Info(ctx context.Context, msg string, args ...any)  { l.with(ctx).Info(msg, args...) }
func (l *Logger) Warn(ctx context.Context, msg string, args ...any)  { l.with(ctx).Warn(msg, args...) }
func (l *Logger) Error(ctx context.Context, msg string, args ...any) { l.with(ctx).Error(msg, args...) }

// NewNoopTracerProvider returns an OpenTelemetry trace provider with no
// exporter attached: spans are created and propagated (so Logger's
// trace/span correlation works) but never shipped anywhere. cmd/ovmscore
// sets up no tracer provider or exporter of its own.
func NewNoopTracerProvider() *trace.TracerProvider {
	return trace.NewTracerProvider()
}

// Metrics mirrors every metric declared in a metrics.Registry onto
// Prometheus collectors. Because C2 forbids metrics created after
// process start from arbitrary payload content, a bridge pass at
// startup (after all decoders have run their Declare calls) is
// sufficient; Sync can be called again after hot-adding vehicle
// decoders.
type Metrics struct {
	reg *metrics.Registry
	pr  *prometheus.Registry

	mu     sync.Mutex
	gauges map[string]prometheus.Gauge
	vecs   map[string]*prometheus.GaugeVec
}

// NewMetrics returns a bridge over reg, registered with its own
// prometheus.Registry (so this module's metrics never collide with
// Go-runtime default-registry collectors another library might add).
func NewMetrics(reg *metrics.Registry) *Metrics {
	return &Metrics{
		reg:    reg,
		pr:     prometheus.NewRegistry(),
		gauges: make(map[string]prometheus.Gauge),
		vecs:   make(map[string]*prometheus.GaugeVec),
	}
}

// Registry returns the underlying prometheus.Registry, for mounting
// behind promhttp.HandlerFor in cmd/ovmscore.
func (m *Metrics) Registry() *prometheus.Registry { return m.pr }

// Sync registers a Prometheus collector for every metric in the
// internal registry that doesn't have one yet, then copies current
// values across. Call it periodically (e.g. from the 1 Hz clock) or
// once before exposing /metrics for a process that never changes its
// metric set after startup.
func (m *Metrics) Sync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, met := range m.reg.All() {
		switch met.Type() {
		case metrics.TypeFloatVector:
			vec := m.vecs[met.Name()]
			if vec == nil {
				vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: promName(met.Name())}, []string{"index"})
				m.pr.MustRegister(vec)
				m.vecs[met.Name()] = vec
			}
			for i, v := range met.FloatVector() {
				vec.WithLabelValues(strconv.Itoa(i)).Set(v)
			}
		default:
			g := m.gauges[met.Name()]
			if g == nil {
				g = prometheus.NewGauge(prometheus.GaugeOpts{Name: promName(met.Name())})
				m.pr.MustRegister(g)
				m.gauges[met.Name()] = g
			}
			g.Set(scalarValue(met))
		}
	}
}

func scalarValue(met *metrics.Metric) float64 {
	switch met.Type() {
	case metrics.TypeBool:
		if met.Bool() {
			return 1
		}
		return 0
	case metrics.TypeInt:
		return float64(met.Int())
	case metrics.TypeFloat:
		return met.Float()
	default:
		// TypeString metrics (e.g. m.state) have no numeric
		// representation; exported as 0 so the series still exists
		// for dashboards keyed purely on presence/staleness.
		return 0
	}
}

var promNameReplacer = strings.NewReplacer(".", "_", "-", "_")

func promName(name string) string {
	return "ovmscore_" + promNameReplacer.Replace(name)
}
