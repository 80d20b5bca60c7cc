package metrics_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ipni/auctionhouse/metrics"
	ahpebble "github.com/ipni/auctionhouse/pebble"
	"github.com/stretchr/testify/require"
)

func TestMetrics_StartRecordShutdown(t *testing.T) {
	store, err := ahpebble.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	m, err := metrics.New("127.0.0.1:0", store.Metrics)
	require.NoError(t, err)
	require.Nil(t, m.Addr())
	require.NoError(t, m.Start(ctx))
	require.NotNil(t, m.Addr())

	m.RecordRPCLatency(ctx, 3*time.Millisecond, "ping", 0)
	m.RecordHttpLatency(ctx, time.Millisecond, "GET", "ready", 200)
	m.RecordBroadcast(ctx, "auction", 3, 1)
	m.RecordPeerMessage(ctx, "settle", "applied")

	resp, err := http.Get("http://" + m.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scraped := string(body)
	for _, name := range []string{
		"ipni_auctionhouse_rpc_latency",
		"ipni_auctionhouse_http_latency",
		"ipni_auctionhouse_broadcast_count",
		"ipni_auctionhouse_peer_message_count",
	} {
		require.Contains(t, scraped, name)
	}
	require.Contains(t, scraped, `outcome="failed"`)
	require.Contains(t, scraped, `command="settle"`)

	require.NoError(t, m.Shutdown(ctx))
}
