package sketch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/meigma/sketch"

// Cache layer names used as the "layer" metric attribute.
const (
	layerMemory   = "memory"
	layerResult   = "result"
	layerDownload = "download"
)

type metrics struct {
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	fetches  metric.Int64Counter
	decodes  metric.Int64Counter
	requests metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(meterName)
	m := &metrics{}
	var err error
	if m.hits, err = meter.Int64Counter("sketch.cache.hits",
		metric.WithDescription("Cache hits by layer")); err != nil {
		return nil, fmt.Errorf("create hits counter: %w", err)
	}
	if m.misses, err = meter.Int64Counter("sketch.cache.misses",
		metric.WithDescription("Cache misses by layer")); err != nil {
		return nil, fmt.Errorf("create misses counter: %w", err)
	}
	if m.fetches, err = meter.Int64Counter("sketch.fetches",
		metric.WithDescription("Fetcher calls")); err != nil {
		return nil, fmt.Errorf("create fetches counter: %w", err)
	}
	if m.decodes, err = meter.Int64Counter("sketch.decodes",
		metric.WithDescription("Decoder calls")); err != nil {
		return nil, fmt.Errorf("create decodes counter: %w", err)
	}
	if m.requests, err = meter.Float64Histogram("sketch.request.duration",
		metric.WithDescription("Request execution time"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create request histogram: %w", err)
	}
	return m, nil
}

func (m *metrics) hit(ctx context.Context, layer string) {
	m.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

func (m *metrics) miss(ctx context.Context, layer string) {
	m.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", layer)))
}

func (m *metrics) fetched(ctx context.Context, scheme string) {
	m.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("scheme", scheme)))
}

func (m *metrics) decoded(ctx context.Context) {
	m.decodes.Add(ctx, 1)
}

func (m *metrics) finished(ctx context.Context, start time.Time, state RequestState) {
	m.requests.Record(context.WithoutCancel(ctx), float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(attribute.String("state", state.String())))
}
