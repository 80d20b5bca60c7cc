package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/pebble/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric/instrument"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.opentelemetry.io/otel/metric/unit"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/aggregation"
	"go.opentelemetry.io/otel/sdk/metric/view"
)

var (
	log = logging.Logger("metrics")
)

type Metrics struct {
	exporter         *prometheus.Exporter
	rpcLatency       syncint64.Histogram
	httpLatency      syncint64.Histogram
	broadcastCount   syncint64.Counter
	peerMessageCount syncint64.Counter
	s                *http.Server
	ln               net.Listener
	pebbleMetrics    *pebbleMetrics
}

func aggregationSelector(ik view.InstrumentKind) aggregation.Aggregation {
	if ik == view.SyncHistogram {
		return aggregation.ExplicitBucketHistogram{
			Boundaries: []float64{0, 10, 50, 100, 200, 500, 1000, 2000, 5000, 10_000, 20_000, 30_000, 50_000},
			NoMinMax:   false,
		}
	}
	return metric.DefaultAggregationSelector(ik)
}

// New instantiates metrics served over HTTP at metricsAddr. Pebble gauges are
// reported only when pebbleMetricsProvider is non-nil.
func New(metricsAddr string, pebbleMetricsProvider func() *pebble.Metrics) (*Metrics, error) {
	var m Metrics
	var err error
	if m.exporter, err = prometheus.New(
		prometheus.WithoutUnits(),
		prometheus.WithAggregationSelector(aggregationSelector)); err != nil {
		return nil, err
	}

	provider := metric.NewMeterProvider(metric.WithReader(m.exporter))
	meter := provider.Meter("ipni/auctionhouse")

	if m.rpcLatency, err = meter.SyncInt64().Histogram("ipni/auctionhouse/rpc_latency",
		instrument.WithUnit(unit.Milliseconds),
		instrument.WithDescription("Latency of auction RPC commands")); err != nil {
		return nil, err
	}

	if m.httpLatency, err = meter.SyncInt64().Histogram("ipni/auctionhouse/http_latency",
		instrument.WithUnit(unit.Milliseconds),
		instrument.WithDescription("Latency of the status HTTP API")); err != nil {
		return nil, err
	}

	if m.broadcastCount, err = meter.SyncInt64().Counter("ipni/auctionhouse/broadcast_count",
		instrument.WithUnit(unit.Dimensionless),
		instrument.WithDescription("Number of room messages written to peers, by outcome")); err != nil {
		return nil, err
	}

	if m.peerMessageCount, err = meter.SyncInt64().Counter("ipni/auctionhouse/peer_message_count",
		instrument.WithUnit(unit.Dimensionless),
		instrument.WithDescription("Number of room messages received from peers, by outcome")); err != nil {
		return nil, err
	}

	m.s = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsMux(),
	}

	if pebbleMetricsProvider != nil {
		m.pebbleMetrics = &pebbleMetrics{
			metricsProvider: pebbleMetricsProvider,
			meter:           meter,
		}
	}

	return &m, nil
}

func (m *Metrics) RecordRPCLatency(ctx context.Context, t time.Duration, command string, status int) {
	m.rpcLatency.Record(ctx, t.Milliseconds(),
		attribute.String("command", command), attribute.Int("status", status))
}

func (m *Metrics) RecordHttpLatency(ctx context.Context, t time.Duration, method, path string, status int) {
	m.httpLatency.Record(ctx, t.Milliseconds(),
		attribute.String("method", method), attribute.String("path", path), attribute.Int("status", status))
}

// RecordBroadcast counts the peers a command was written to, split by whether
// the write failed.
func (m *Metrics) RecordBroadcast(ctx context.Context, command string, attempted, failed int) {
	m.broadcastCount.Add(ctx, int64(attempted-failed),
		attribute.String("command", command), attribute.String("outcome", "written"))
	if failed > 0 {
		m.broadcastCount.Add(ctx, int64(failed),
			attribute.String("command", command), attribute.String("outcome", "failed"))
	}
}

func (m *Metrics) RecordPeerMessage(ctx context.Context, command, outcome string) {
	m.peerMessageCount.Add(ctx, 1,
		attribute.String("command", command), attribute.String("outcome", outcome))
}

func (m *Metrics) Start(_ context.Context) error {
	mln, err := net.Listen("tcp", m.s.Addr)
	if err != nil {
		return err
	}

	if m.pebbleMetrics != nil {
		err = m.pebbleMetrics.start()
		if err != nil {
			return err
		}
	}

	m.ln = mln
	go func() { _ = m.s.Serve(mln) }()

	log.Infow("Metrics server started", "addr", mln.Addr())
	return nil
}

// Addr is the address the metrics server listens on once started.
func (m *Metrics) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

func (s *Metrics) Shutdown(ctx context.Context) error {
	return s.s.Shutdown(ctx)
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
