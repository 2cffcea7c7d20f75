package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// BatchMetrics holds the counters recorded after each batch run. With
// telemetry disabled the global meter is a no-op, so recording is
// always safe.
type BatchMetrics struct {
	processed metric.Int64Counter
	undesired metric.Int64Counter
	purged    metric.Int64Counter
	errors    metric.Int64Counter
	deferred  metric.Int64Counter
}

func NewBatchMetrics() (*BatchMetrics, error) {
	meter := otel.Meter(serviceName)

	processed, err := meter.Int64Counter("mailclerk.messages.processed",
		metric.WithDescription("Messages processed to completion"))
	if err != nil {
		return nil, err
	}
	undesired, err := meter.Int64Counter("mailclerk.messages.undesired",
		metric.WithDescription("Messages marked or still counted as undesired"))
	if err != nil {
		return nil, err
	}
	purged, err := meter.Int64Counter("mailclerk.messages.purged",
		metric.WithDescription("Undesired messages purged from the server"))
	if err != nil {
		return nil, err
	}
	errCounter, err := meter.Int64Counter("mailclerk.messages.errors",
		metric.WithDescription("Messages that ended in an error state"))
	if err != nil {
		return nil, err
	}
	deferred, err := meter.Int64Counter("mailclerk.messages.deferred",
		metric.WithDescription("Messages deferred to the next run"))
	if err != nil {
		return nil, err
	}

	return &BatchMetrics{
		processed: processed,
		undesired: undesired,
		purged:    purged,
		errors:    errCounter,
		deferred:  deferred,
	}, nil
}

// Record adds one batch's counters.
func (m *BatchMetrics) Record(ctx context.Context, processed, undesired, purged, errs, deferred int) {
	m.processed.Add(ctx, int64(processed))
	m.undesired.Add(ctx, int64(undesired))
	m.purged.Add(ctx, int64(purged))
	m.errors.Add(ctx, int64(errs))
	m.deferred.Add(ctx, int64(deferred))
}
