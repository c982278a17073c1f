package tilecache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/bizzkoot/Qibla-Finder-sub000/internal/tilecache"

type engineMetrics struct {
	hits     metric.Int64Counter
	misses   metric.Int64Counter
	failures metric.Int64Counter
}

// initMetrics registers counters and the cache-size gauge with the global
// meter provider. A no-op provider keeps all of this free.
func (e *Engine) initMetrics() error {
	m := otel.Meter(instrumentationName)
	var err error
	if e.metrics.hits, err = m.Int64Counter(
		"tile.cache.hits",
		metric.WithDescription("Tile reads served from the disk cache"),
	); err != nil {
		return err
	}
	if e.metrics.misses, err = m.Int64Counter(
		"tile.cache.misses",
		metric.WithDescription("Tile reads that went to the network"),
	); err != nil {
		return err
	}
	if e.metrics.failures, err = m.Int64Counter(
		"tile.fetch.failures",
		metric.WithDescription("Tile fetches that exhausted their retries"),
	); err != nil {
		return err
	}

	sizeGauge, err := m.Int64ObservableGauge(
		"tile.cache.bytes",
		metric.WithDescription("Total bytes held by the tile cache"),
	)
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		total, err := e.deps.Manifest.TotalSize()
		if err != nil {
			return err
		}
		o.ObserveInt64(sizeGauge, total)
		return nil
	}, sizeGauge)
	return err
}

func (em *engineMetrics) hit(ctx context.Context)     { em.hits.Add(ctx, 1) }
func (em *engineMetrics) miss(ctx context.Context)    { em.misses.Add(ctx, 1) }
func (em *engineMetrics) failure(ctx context.Context) { em.failures.Add(ctx, 1) }
