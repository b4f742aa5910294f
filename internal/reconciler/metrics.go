package reconciler

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "vm-broker/backend/internal/reconciler"

type passMetrics struct {
	rows       metric.Int64Counter
	errors     metric.Int64Counter
	promotions metric.Int64Counter
}

func newPassMetrics() *passMetrics {
	meter := otel.Meter(instrumentationName)
	return &passMetrics{
		rows:       counter(meter, "reconciler.rows", "Rows examined by a reconciliation pass"),
		errors:     counter(meter, "reconciler.errors", "Rows whose reconciliation failed"),
		promotions: counter(meter, "reconciler.promotions", "Workflows moved by a reconciliation pass"),
	}
}

func counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *passMetrics) record(ctx context.Context, report PassReport) {
	attrs := metric.WithAttributes(attribute.String("pass", report.Pass))
	m.rows.Add(ctx, int64(report.Rows), attrs)
	m.errors.Add(ctx, int64(report.Errors), attrs)
	m.promotions.Add(ctx, int64(report.Promotions+report.Completions), attrs)
}
