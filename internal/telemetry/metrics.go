package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// QueueMetrics holds the instruments recorded by the request queue. A nil
// *QueueMetrics records nothing.
type QueueMetrics struct {
	enqueued  metric.Int64Counter
	attempts  metric.Int64Counter
	completed metric.Int64Counter
	inFlight  metric.Int64UpDownCounter
	latency   metric.Float64Histogram
}

// NewQueueMetrics creates the queue instruments on meter.
func NewQueueMetrics(meter metric.Meter) (*QueueMetrics, error) {
	enqueued, err := meter.Int64Counter(
		"acis.queue.enqueued",
		metric.WithDescription("Number of requests accepted by the queue"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	attempts, err := meter.Int64Counter(
		"acis.queue.attempts",
		metric.WithDescription("Number of transport attempts, including retries"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter(
		"acis.queue.completed",
		metric.WithDescription("Number of requests completed, by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	inFlight, err := meter.Int64UpDownCounter(
		"acis.queue.in_flight",
		metric.WithDescription("Number of transport attempts currently outstanding"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram(
		"acis.queue.latency",
		metric.WithDescription("Time from enqueue to completion in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		enqueued:  enqueued,
		attempts:  attempts,
		completed: completed,
		inFlight:  inFlight,
		latency:   latency,
	}, nil
}

// RecordEnqueued counts an accepted request.
func (m *QueueMetrics) RecordEnqueued(ctx context.Context, call string) {
	if m == nil {
		return
	}
	m.enqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("acis.call", call)))
}

// AttemptStarted marks a transport attempt as outstanding.
func (m *QueueMetrics) AttemptStarted(ctx context.Context, call string) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, 1, metric.WithAttributes(attribute.String("acis.call", call)))
}

// AttemptFinished records the end of a transport attempt.
func (m *QueueMetrics) AttemptFinished(ctx context.Context, call string, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("acis.call", call)}
	m.inFlight.Add(ctx, -1, metric.WithAttributes(attrs...))
	if err != nil {
		attrs = append(attrs, attribute.Bool("error", true))
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCompletion records a finished request with its outcome label.
func (m *QueueMetrics) RecordCompletion(ctx context.Context, call, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("acis.call", call),
		attribute.String("acis.outcome", outcome),
	)
	m.completed.Add(ctx, 1, attrs)
	m.latency.Record(ctx, latency.Seconds(), attrs)
}
