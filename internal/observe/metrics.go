// Package observe provides application-wide observability primitives: the
// OpenTelemetry metrics used across the dialog pipeline, memory store, and
// the three channel frontends, plus the provider wiring in provider.go.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/chartmann1590/mumble-ai-assistant"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks end-to-end per-turn latency (save → context →
	// generate → save), labeled by channel.
	TurnDuration metric.Float64Histogram

	// LLMDuration tracks LLM generate/embed/vision call latency.
	LLMDuration metric.Float64Histogram

	// ExtractionDuration tracks memory/schedule extraction latency.
	ExtractionDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsProcessed counts turns handled, by channel and role.
	TurnsProcessed metric.Int64Counter

	// ExtractionOutcomes counts extraction results, by extractor kind
	// ("memory"|"schedule") and outcome ("added"|"skipped"|"rejected"|"error").
	ExtractionOutcomes metric.Int64Counter

	// DedupHits counts writes that resolved to an existing row instead of
	// inserting a new one, by kind
	// ("memory"|"schedule").
	DedupHits metric.Int64Counter

	// ReminderFires counts reminder sends, by outcome ("sent"|"error").
	ReminderFires metric.Int64Counter

	// --- Error counters ---

	// ServiceErrors counts external-service failures, by service
	// ("llm"|"stt"|"tts"|"imap"|"smtp"|"db") and kind ("transient"|"breaker_open").
	ServiceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions currently in state=active
	// across all channels.
	ActiveSessions metric.Int64UpDownCounter

	// CircuitState reports 0=closed, 1=half-open, 2=open for the named
	// breaker, recorded as a gauge value rather than derived from counters so
	// dashboards read the current state directly.
	CircuitState metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// a mix of sub-second retrieval and multi-second LLM calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("assistant.turn.duration",
		metric.WithDescription("End-to-end per-turn latency (save, context build, generate, save)."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("assistant.llm.duration",
		metric.WithDescription("Latency of LLM generate/embed/vision calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractionDuration, err = m.Float64Histogram("assistant.extraction.duration",
		metric.WithDescription("Latency of memory/schedule extraction jobs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TurnsProcessed, err = m.Int64Counter("assistant.turns.processed",
		metric.WithDescription("Total turns processed, by channel and role."),
	); err != nil {
		return nil, err
	}
	if met.ExtractionOutcomes, err = m.Int64Counter("assistant.extraction.outcomes",
		metric.WithDescription("Total extraction outcomes, by extractor and outcome."),
	); err != nil {
		return nil, err
	}
	if met.DedupHits, err = m.Int64Counter("assistant.dedup.hits",
		metric.WithDescription("Total writes resolved to an existing row via dedup, by kind."),
	); err != nil {
		return nil, err
	}
	if met.ReminderFires, err = m.Int64Counter("assistant.reminder.fires",
		metric.WithDescription("Total reminder sends, by outcome."),
	); err != nil {
		return nil, err
	}

	if met.ServiceErrors, err = m.Int64Counter("assistant.service.errors",
		metric.WithDescription("Total external-service errors, by service and kind."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("assistant.sessions.active",
		metric.WithDescription("Number of sessions currently in state=active."),
	); err != nil {
		return nil, err
	}
	if met.CircuitState, err = m.Int64UpDownCounter("assistant.circuit.state",
		metric.WithDescription("Current circuit breaker state per breaker name (0=closed,1=half-open,2=open)."),
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

// RecordTurn is a convenience method that records a processed turn and its
// latency together.
func (m *Metrics) RecordTurn(ctx context.Context, channel, role string, seconds float64) {
	m.TurnsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("role", role),
	))
	m.TurnDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordExtractionOutcome is a convenience method that records an extraction
// outcome.
func (m *Metrics) RecordExtractionOutcome(ctx context.Context, extractor, outcome string) {
	m.ExtractionOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("extractor", extractor),
		attribute.String("outcome", outcome),
	))
}

// RecordDedupHit is a convenience method that records a dedup-resolved write.
func (m *Metrics) RecordDedupHit(ctx context.Context, kind string) {
	m.DedupHits.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordReminderFire is a convenience method that records a reminder send
// outcome.
func (m *Metrics) RecordReminderFire(ctx context.Context, outcome string) {
	m.ReminderFires.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordServiceError is a convenience method that records an external-service
// failure.
func (m *Metrics) RecordServiceError(ctx context.Context, service, kind string) {
	m.ServiceErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("kind", kind),
	))
}
