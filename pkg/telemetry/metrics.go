package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-governor/pkg/domain"
)

const meterName = "polis.governor"

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	admissionCounter     metric.Int64Counter
	hardStopCounter      metric.Int64Counter
	queueDepthCounter    metric.Int64UpDownCounter
	waitLatencyHistogram metric.Float64Histogram
)

// RecordAdmission emits the OTel instruments for one admission transition.
//
// queued and released/cancelled events move governor.queue.depth up and down,
// every event increments governor.admissions_total by kind, and the wait of
// released and cancelled entries lands in governor.wait.duration_ms.
func RecordAdmission(ctx context.Context, event domain.AdmissionEvent) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("governor.resource", event.Resource),
		attribute.String("governor.event", string(event.Kind)),
	)
	resourceOnly := metric.WithAttributes(attribute.String("governor.resource", event.Resource))

	admissionCounter.Add(ctx, 1, attrs)

	switch event.Kind {
	case domain.EventQueued:
		queueDepthCounter.Add(ctx, 1, resourceOnly)
	case domain.EventReleased, domain.EventCancelled:
		queueDepthCounter.Add(ctx, -1, resourceOnly)
		waitLatencyHistogram.Record(ctx, float64(event.Waited.Microseconds())/1000, attrs)
	case domain.EventHardStop:
		hardStopCounter.Add(ctx, 1, resourceOnly)
	}
}

// MetricsObserver forwards admission events to RecordAdmission.
type MetricsObserver struct{}

// ObserveAdmission implements domain.AdmissionObserver.
func (MetricsObserver) ObserveAdmission(event domain.AdmissionEvent) {
	RecordAdmission(context.Background(), event)
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(meterName)

		admissionCounter, metricsInitErr = meter.Int64Counter(
			"governor.admissions_total",
			metric.WithDescription("Admission transitions partitioned by resource and event"),
			metric.WithUnit("{event}"),
		)
		if metricsInitErr != nil {
			return
		}

		hardStopCounter, metricsInitErr = meter.Int64Counter(
			"governor.hard_stops_total",
			metric.WithDescription("Admissions rejected while the governor was paused"),
			metric.WithUnit("{request}"),
		)
		if metricsInitErr != nil {
			return
		}

		queueDepthCounter, metricsInitErr = meter.Int64UpDownCounter(
			"governor.queue.depth",
			metric.WithDescription("Callers currently waiting for a token"),
			metric.WithUnit("{request}"),
		)
		if metricsInitErr != nil {
			return
		}

		waitLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"governor.wait.duration_ms",
			metric.WithDescription("Time spent queued before release or cancellation"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
