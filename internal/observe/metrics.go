// Package observe carries the telemetry of locus: OpenTelemetry metric
// instruments ([Metrics]), spans for registry operations, trace-aware
// logging, and the HTTP middleware that ties them to requests.
//
// [InitProvider] installs the SDK and exports metrics to a private
// Prometheus registry. Tests pass their own [metric.MeterProvider] to
// [NewMetrics] instead of sharing [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all locus metrics.
const meterName = "github.com/MrWong99/locus"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// OperationDuration tracks registry operation latency. Use with attributes:
	//   attribute.String("operation", ...), attribute.String("outcome", ...)
	OperationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// OperationErrors counts failed operations. Use with attributes:
	//   attribute.String("operation", ...), attribute.String("kind", ...)
	OperationErrors metric.Int64Counter

	// TransactionRetries counts re-runs of item transactions after a
	// conflict or timeout.
	TransactionRetries metric.Int64Counter

	// AttributeMutations counts committed attribute writes. Use with attribute:
	//   attribute.String("op", ...)  // "=", "+=" or "-="
	AttributeMutations metric.Int64Counter

	// BreakerTransitions counts store circuit breaker state changes. Use
	// with attribute:
	//   attribute.String("to", ...)  // "closed", "open" or "half-open"
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// InFlightOperations tracks the number of operations currently executing.
	InFlightOperations metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// end covers the full transaction deadline.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.OperationDuration, err = m.Float64Histogram("locus.operation.duration",
		metric.WithDescription("Latency of registry operations by operation and outcome."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("locus.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.OperationErrors, err = m.Int64Counter("locus.operation.errors",
		metric.WithDescription("Total failed registry operations by operation and error kind."),
	); err != nil {
		return nil, err
	}
	if met.TransactionRetries, err = m.Int64Counter("locus.transaction.retries",
		metric.WithDescription("Total item transaction retries."),
	); err != nil {
		return nil, err
	}
	if met.AttributeMutations, err = m.Int64Counter("locus.attribute.mutations",
		metric.WithDescription("Total committed attribute writes by operator."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("locus.breaker.transitions",
		metric.WithDescription("Total store circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}

	if met.InFlightOperations, err = m.Int64UpDownCounter("locus.operations.in_flight",
		metric.WithDescription("Number of registry operations currently executing."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordOperation records the latency of one operation. An empty errKind
// means success; otherwise the error counter is incremented too.
func (m *Metrics) RecordOperation(ctx context.Context, op string, d time.Duration, errKind string) {
	outcome := "ok"
	if errKind != "" {
		outcome = "error"
		m.OperationErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("operation", op),
				attribute.String("kind", errKind),
			),
		)
	}
	m.OperationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTransactionRetry increments the retry counter.
func (m *Metrics) RecordTransactionRetry(ctx context.Context) {
	m.TransactionRetries.Add(ctx, 1)
}

// RecordAttributeMutation increments the attribute write counter for op.
func (m *Metrics) RecordAttributeMutation(ctx context.Context, op string) {
	m.AttributeMutations.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordBreakerTransition counts a breaker change into state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", to)))
}
