// Package metrics exposes the broker's OpenTelemetry instruments,
// generalizing the teacher's TaskStorageMetrics interface shape to the
// oracle broker's own operations.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func producerAttr(producerId string) attribute.KeyValue {
	return attribute.String("producer_id", producerId)
}

// BrokerMetrics is the broker-wide counter/histogram set. Every field is
// an OTel instrument; a nil *BrokerMetrics is safe to call (see the
// no-op guards) so tests that don't wire a meter provider still run clean.
type BrokerMetrics struct {
	requestsStarted   metric.Int64Counter
	requestsSucceeded metric.Int64Counter
	requestsTimedOut  metric.Int64Counter
	requestDuration   metric.Float64Histogram
	feeChargeFailures metric.Int64Counter
}

// New builds BrokerMetrics from meter, the same constructor shape the
// teacher's TaskStorageMetrics uses: one instrument per counted event,
// created once at startup and reused for the process's lifetime.
func New(meter metric.Meter) (*BrokerMetrics, error) {
	requestsStarted, err := meter.Int64Counter(
		"oraclebroker.requests.started",
		metric.WithDescription("requests accepted into the suspend/resume state machine"),
	)
	if err != nil {
		return nil, fmt.Errorf("create requests.started counter: %w", err)
	}
	requestsSucceeded, err := meter.Int64Counter(
		"oraclebroker.requests.succeeded",
		metric.WithDescription("requests resolved by a producer Respond call"),
	)
	if err != nil {
		return nil, fmt.Errorf("create requests.succeeded counter: %w", err)
	}
	requestsTimedOut, err := meter.Int64Counter(
		"oraclebroker.requests.timed_out",
		metric.WithDescription("requests resolved by the deadline sweeper"),
	)
	if err != nil {
		return nil, fmt.Errorf("create requests.timed_out counter: %w", err)
	}
	requestDuration, err := meter.Float64Histogram(
		"oraclebroker.requests.duration_seconds",
		metric.WithDescription("wall time a request spent suspended"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create requests.duration_seconds histogram: %w", err)
	}
	feeChargeFailures, err := meter.Int64Counter(
		"oraclebroker.fees.charge_failures",
		metric.WithDescription("Request calls that failed the fee-charging policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fees.charge_failures counter: %w", err)
	}

	return &BrokerMetrics{
		requestsStarted:   requestsStarted,
		requestsSucceeded: requestsSucceeded,
		requestsTimedOut:  requestsTimedOut,
		requestDuration:   requestDuration,
		feeChargeFailures: feeChargeFailures,
	}, nil
}

func (m *BrokerMetrics) RequestStarted(ctx context.Context, producerId string) {
	if m == nil {
		return
	}
	m.requestsStarted.Add(ctx, 1, metric.WithAttributes(producerAttr(producerId)))
}

func (m *BrokerMetrics) RequestSucceeded(ctx context.Context, producerId string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.requestsSucceeded.Add(ctx, 1, metric.WithAttributes(producerAttr(producerId)))
	m.requestDuration.Record(ctx, durationSeconds, metric.WithAttributes(producerAttr(producerId)))
}

func (m *BrokerMetrics) RequestTimedOut(ctx context.Context, producerId string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.requestsTimedOut.Add(ctx, 1, metric.WithAttributes(producerAttr(producerId)))
	m.requestDuration.Record(ctx, durationSeconds, metric.WithAttributes(producerAttr(producerId)))
}

func (m *BrokerMetrics) FeeChargeFailed(ctx context.Context, producerId string) {
	if m == nil {
		return
	}
	m.feeChargeFailures.Add(ctx, 1, metric.WithAttributes(producerAttr(producerId)))
}
