// Package observe provides application-wide observability primitives for
// rtcsession: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all rtcsession metrics.
const meterName = "github.com/MrWong99/rtcsession"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ProviderCallDuration tracks RTC/RTM call latency. Use with attributes:
	//   attribute.String("capability", ...), attribute.String("operation", ...)
	ProviderCallDuration metric.Float64Histogram

	// VolumeTickDuration tracks the time spent in one volume detection tick.
	VolumeTickDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderCalls counts provider calls. Use with attributes:
	//   attribute.String("capability", ...), attribute.String("operation", ...),
	//   attribute.String("status", ...)
	ProviderCalls metric.Int64Counter

	// LifecycleTransitions counts connection state transitions. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	LifecycleTransitions metric.Int64Counter

	// VolumeEvents counts emitted volume events. Use with attribute:
	//   attribute.String("kind", ...)
	VolumeEvents metric.Int64Counter

	// VolumeTicksSkipped counts ticks that found no new sample batch.
	VolumeTicksSkipped metric.Int64Counter

	// ReconnectAttempts counts media reconnect attempts. Use with attribute:
	//   attribute.String("status", ...)
	ReconnectAttempts metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("breaker", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts failed provider calls. Use with attributes:
	//   attribute.String("capability", ...), attribute.String("operation", ...)
	ProviderErrors metric.Int64Counter

	// PersistenceErrors counts failed store operations. Use with attribute:
	//   attribute.String("op", ...)
	PersistenceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of authenticated sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SpeakingUsers tracks the size of the current speaking set.
	SpeakingUsers metric.Int64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time by method,
	// route pattern and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider round trips.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// tickBuckets defines histogram bucket boundaries (in seconds) for volume
// ticks, which are expected to finish well below a millisecond.
var tickBuckets = []float64{
	0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ProviderCallDuration, err = m.Float64Histogram("rtcsession.provider.call.duration",
		metric.WithDescription("Latency of RTC and RTM provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VolumeTickDuration, err = m.Float64Histogram("rtcsession.volume.tick.duration",
		metric.WithDescription("Time spent processing one volume detection tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderCalls, err = m.Int64Counter("rtcsession.provider.calls",
		metric.WithDescription("Total provider calls by capability, operation, and status."),
	); err != nil {
		return nil, err
	}
	if met.LifecycleTransitions, err = m.Int64Counter("rtcsession.lifecycle.transitions",
		metric.WithDescription("Total connection state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.VolumeEvents, err = m.Int64Counter("rtcsession.volume.events",
		metric.WithDescription("Total volume indicator events by kind."),
	); err != nil {
		return nil, err
	}
	if met.VolumeTicksSkipped, err = m.Int64Counter("rtcsession.volume.ticks_skipped",
		metric.WithDescription("Total volume ticks skipped because no new samples arrived."),
	); err != nil {
		return nil, err
	}
	if met.ReconnectAttempts, err = m.Int64Counter("rtcsession.reconnect.attempts",
		metric.WithDescription("Total media reconnect attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("rtcsession.breaker.transitions",
		metric.WithDescription("Total circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("rtcsession.provider.errors",
		metric.WithDescription("Total failed provider calls by capability and operation."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("rtcsession.persistence.errors",
		metric.WithDescription("Total failed persistent store operations by op."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("rtcsession.active_sessions",
		metric.WithDescription("Number of authenticated sessions."),
	); err != nil {
		return nil, err
	}
	if met.SpeakingUsers, err = m.Int64Gauge("rtcsession.volume.speaking_users",
		metric.WithDescription("Number of users classified as speaking in the last tick."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("rtcsession.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderCall records one provider call: its latency, the call
// counter with status "ok" or "error", and on failure the error counter.
func (m *Metrics) RecordProviderCall(ctx context.Context, capability, operation string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderCallDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("operation", operation),
		),
	)
	m.ProviderCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
	if err != nil {
		m.RecordProviderError(ctx, capability, operation)
	}
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, capability, operation string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("capability", capability),
			attribute.String("operation", operation),
		),
	)
}

// RecordTransition records a connection state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.LifecycleTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordVolumeEvent records one emitted volume event.
func (m *Metrics) RecordVolumeEvent(ctx context.Context, kind string) {
	m.VolumeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPersistenceError records a failed store operation.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordReconnectAttempt records one reconnect attempt outcome.
func (m *Metrics) RecordReconnectAttempt(ctx context.Context, status string) {
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBreakerTransition records a circuit breaker moving to state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, breaker, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", breaker),
			attribute.String("to", to),
		),
	)
}
