package opserve

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PrometheusReporter counts invocations and records their latency, labelled
// by operation and outcome.
type PrometheusReporter struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewPrometheusReporter creates the collectors and registers them with reg.
func NewPrometheusReporter(reg prometheus.Registerer, namespace string) (*PrometheusReporter, error) {
	r := &PrometheusReporter{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_invocations_total",
				Help:      "Total number of operation invocations",
			},
			[]string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "outcome"},
		),
	}
	for _, c := range []prometheus.Collector{r.invocations, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register operation metrics: %w", err)
		}
	}
	return r, nil
}

func (r *PrometheusReporter) ForOperation(id OperationID) OperationReporter {
	labels := prometheus.Labels{"operation": string(id)}
	return &promOperationReporter{
		invocations: r.invocations.MustCurryWith(labels),
		duration:    r.duration.MustCurryWith(labels),
	}
}

type promOperationReporter struct {
	invocations *prometheus.CounterVec
	duration    prometheus.ObserverVec
}

func (r *promOperationReporter) ReportSuccess(_ *InvocationContext, latency time.Duration) {
	r.observe("success", latency)
}

func (r *promOperationReporter) ReportFailure(_ *InvocationContext, o Outcome, latency time.Duration) {
	r.observe(o.Label(), latency)
}

func (r *promOperationReporter) observe(outcome string, latency time.Duration) {
	r.invocations.WithLabelValues(outcome).Inc()
	r.duration.WithLabelValues(outcome).Observe(latency.Seconds())
}

// MeterReporter records invocations through an OpenTelemetry meter.
type MeterReporter struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMeterReporter creates the instruments on meter.
func NewMeterReporter(meter metric.Meter) (*MeterReporter, error) {
	invocations, err := meter.Int64Counter("opserve.operation.invocations",
		metric.WithDescription("Number of operation invocations"))
	if err != nil {
		return nil, fmt.Errorf("create invocation counter: %w", err)
	}
	duration, err := meter.Float64Histogram("opserve.operation.duration",
		metric.WithDescription("Operation duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &MeterReporter{invocations: invocations, duration: duration}, nil
}

func (r *MeterReporter) ForOperation(id OperationID) OperationReporter {
	return &meterOperationReporter{
		parent:    r,
		operation: attribute.String("operation", string(id)),
	}
}

type meterOperationReporter struct {
	parent    *MeterReporter
	operation attribute.KeyValue
}

func (r *meterOperationReporter) ReportSuccess(ictx *InvocationContext, latency time.Duration) {
	r.record(ictx, "success", latency)
}

func (r *meterOperationReporter) ReportFailure(ictx *InvocationContext, o Outcome, latency time.Duration) {
	r.record(ictx, o.Label(), latency)
}

func (r *meterOperationReporter) record(ictx *InvocationContext, outcome string, latency time.Duration) {
	attrs := metric.WithAttributes(r.operation, attribute.String("outcome", outcome))
	ctx := ictx.Context()
	r.parent.invocations.Add(ctx, 1, attrs)
	r.parent.duration.Record(ctx, latency.Seconds(), attrs)
}
