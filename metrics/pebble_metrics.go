package metrics

import (
	"context"

	"github.com/cockroachdb/pebble/v2"
	"go.opentelemetry.io/otel/attribute"
	cmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/asyncint64"
	"go.opentelemetry.io/otel/metric/unit"
)

// pebbleMetrics asynchronously reports metrics of the pebble store holding
// seeds and auction records.
type pebbleMetrics struct {
	metricsProvider func() *pebble.Metrics
	meter           cmetric.Meter

	// flushCount reports the total number of flushes
	flushCount asyncint64.Gauge
	// readAmp reports current read amplification of the database.
	readAmp asyncint64.Gauge
	// cacheSize reports the number of bytes inuse by the block cache
	cacheSize asyncint64.Gauge
	// cacheHits reports number of block cache hits
	cacheHits asyncint64.Gauge
	// cacheMisses reports number of block cache misses.
	cacheMisses asyncint64.Gauge
	// compactCount is the total number of compactions.
	compactCount asyncint64.Gauge
	// compactEstimatedDebt is an estimate of the number of bytes that need to be compacted for the LSM
	// to reach a stable state.
	compactEstimatedDebt asyncint64.Gauge
	// l0TablesCount is the total count of sstables in L0.
	l0TablesCount asyncint64.Gauge
}

func (pm *pebbleMetrics) gauge(name, description string) (asyncint64.Gauge, error) {
	return pm.meter.AsyncInt64().Gauge(
		"ipni/auctionhouse/pebble/"+name,
		instrument.WithUnit(unit.Dimensionless),
		instrument.WithDescription(description),
	)
}

func (pm *pebbleMetrics) start() error {
	var err error
	if pm.flushCount, err = pm.gauge("flush_count", "The total number of flushes."); err != nil {
		return err
	}
	if pm.readAmp, err = pm.gauge("read_amp", "Current read amplification of the database."); err != nil {
		return err
	}
	if pm.cacheSize, err = pm.gauge("cache_size", "The number of bytes inuse by the block cache."); err != nil {
		return err
	}
	if pm.cacheHits, err = pm.gauge("cache_hits", "The number of block cache hits."); err != nil {
		return err
	}
	if pm.cacheMisses, err = pm.gauge("cache_misses", "The number of block cache misses."); err != nil {
		return err
	}
	if pm.compactCount, err = pm.gauge("compact_count", "The total number of compactions."); err != nil {
		return err
	}
	if pm.compactEstimatedDebt, err = pm.gauge("compact_estimated_debt",
		"An estimate of the number of bytes that need to be compacted for the LSM to reach a stable state."); err != nil {
		return err
	}
	if pm.l0TablesCount, err = pm.gauge("compact_l0_tables_count", "The total count of sstables in L0."); err != nil {
		return err
	}

	return pm.meter.RegisterCallback(
		[]instrument.Asynchronous{
			pm.flushCount,
			pm.readAmp,
			pm.cacheSize,
			pm.cacheHits,
			pm.cacheMisses,
			pm.compactCount,
			pm.compactEstimatedDebt,
			pm.l0TablesCount,
		},
		pm.reportAsyncMetrics,
	)
}

func (pm *pebbleMetrics) reportAsyncMetrics(ctx context.Context) {
	m := pm.metricsProvider()

	pm.flushCount.Observe(ctx, m.Flush.Count)
	pm.readAmp.Observe(ctx, int64(m.ReadAmp()))
	pm.cacheSize.Observe(ctx, m.BlockCache.Size, attribute.String("cache", "block"))
	pm.cacheHits.Observe(ctx, m.BlockCache.Hits, attribute.String("cache", "block"))
	pm.cacheMisses.Observe(ctx, m.BlockCache.Misses, attribute.String("cache", "block"))
	pm.compactCount.Observe(ctx, int64(m.Compact.Count))
	pm.compactEstimatedDebt.Observe(ctx, int64(m.Compact.EstimatedDebt))
	pm.l0TablesCount.Observe(ctx, int64(m.Levels[0].TablesCount))
}
