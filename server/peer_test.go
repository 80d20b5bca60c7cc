package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ipni/auctionhouse"
	"github.com/ipni/auctionhouse/network"
	ahpebble "github.com/ipni/auctionhouse/pebble"
	"github.com/stretchr/testify/require"
)

// countingStore counts reads that reach the underlying store.
type countingStore struct {
	auctionhouse.Store
	mu   sync.Mutex
	gets int
}

func (c *countingStore) Get(key string) ([]byte, error) {
	c.mu.Lock()
	c.gets++
	c.mu.Unlock()
	return c.Store.Get(key)
}

type feedRecorder struct {
	messages []string
}

func (f *feedRecorder) feed(_, message string) {
	f.messages = append(f.messages, message)
}

func newOfflineServer(t *testing.T) (*Server, *feedRecorder) {
	store, err := ahpebble.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	rec := &feedRecorder{}
	s, err := New(store, nil, nil, WithFeed(rec.feed))
	require.NoError(t, err)
	return s, rec
}

func roomMessage(t *testing.T, command, title string, amount float64) []byte {
	b, err := json.Marshal(RoomMessage{
		Command: command,
		Room:    auctionhouse.TitleDigest(title).String(),
		Amount:  Amount(amount),
	})
	require.NoError(t, err)
	return b
}

func TestHandlePeerData_UnknownRoomIsIgnored(t *testing.T) {
	s, rec := newOfflineServer(t)

	s.handlePeerData(network.Peer{}, roomMessage(t, CommandAuction, "widget", 25))
	s.handlePeerData(network.Peer{}, roomMessage(t, CommandSettle, "widget", 0))
	s.handlePeerData(network.Peer{}, []byte(`{"command":"auction","room":"not hex","amount":1}`))

	_, err := s.index.Resolve(auctionhouse.TitleDigest("widget"))
	require.True(t, auctionhouse.IsNotFound(err))
	require.Empty(t, rec.messages)
}

func TestHandlePeerData_RawDataGoesToFeed(t *testing.T) {
	s, rec := newOfflineServer(t)
	_, _, err := s.index.Create("widget", 10, "owner")
	require.NoError(t, err)

	s.handlePeerData(network.Peer{}, []byte("hello there"))
	s.handlePeerData(network.Peer{}, []byte(`{"room":"`+auctionhouse.TitleDigest("widget").String()+`","amount":5}`))
	require.Equal(t, []string{
		"hello there",
		`{"room":"` + auctionhouse.TitleDigest("widget").String() + `","amount":5}`,
	}, rec.messages)

	a, err := s.index.Lookup(auctionhouse.TitleDigest("widget"))
	require.NoError(t, err)
	require.Equal(t, float64(0), a.HighestBid)
}

func TestHandlePeerData_BidAndSettle(t *testing.T) {
	s, rec := newOfflineServer(t)
	_, ad, err := s.index.Create("widget", 10, "owner")
	require.NoError(t, err)

	s.handlePeerData(network.Peer{}, roomMessage(t, CommandAuction, "widget", 25))
	a, err := s.index.Load(ad)
	require.NoError(t, err)
	require.Equal(t, float64(25), a.HighestBid)
	require.Equal(t, auctionhouse.StatusOpen, a.Status)

	s.handlePeerData(network.Peer{}, roomMessage(t, CommandSettle, "widget", 0))
	a, err = s.index.Load(ad)
	require.NoError(t, err)
	require.Equal(t, auctionhouse.StatusSettled, a.Status)
	require.Equal(t, float64(25), a.HighestBid)

	// Settling again changes nothing.
	s.handlePeerData(network.Peer{}, roomMessage(t, CommandSettle, "widget", 0))
	again, err := s.index.Load(ad)
	require.NoError(t, err)
	require.Equal(t, a, again)

	require.Equal(t, []string{
		"New highest bid of 25 USDt",
		"Auction settled for 25 USDt",
		"Auction settled for 25 USDt",
	}, rec.messages)
}

func TestHandlePeerData_LowerBidReplacesHigher(t *testing.T) {
	s, _ := newOfflineServer(t)
	_, ad, err := s.index.Create("widget", 10, "owner")
	require.NoError(t, err)

	s.handlePeerData(network.Peer{}, roomMessage(t, CommandAuction, "widget", 100))
	s.handlePeerData(network.Peer{}, roomMessage(t, CommandAuction, "widget", 5))
	a, err := s.index.Load(ad)
	require.NoError(t, err)
	require.Equal(t, float64(5), a.HighestBid)
}

func TestHandlePeerData_UnknownCommandIsBid(t *testing.T) {
	s, rec := newOfflineServer(t)
	_, ad, err := s.index.Create("widget", 10, "owner")
	require.NoError(t, err)

	s.handlePeerData(network.Peer{}, roomMessage(t, "cancel", "widget", 33))
	a, err := s.index.Load(ad)
	require.NoError(t, err)
	require.Equal(t, float64(33), a.HighestBid)
	require.Equal(t, auctionhouse.StatusOpen, a.Status)
	require.Equal(t, []string{"New highest bid of 33 USDt"}, rec.messages)
}

func TestHandlePeerData_StringAmount(t *testing.T) {
	s, _ := newOfflineServer(t)
	_, ad, err := s.index.Create("widget", 10, "owner")
	require.NoError(t, err)

	room := auctionhouse.TitleDigest("widget").String()
	s.handlePeerData(network.Peer{}, []byte(`{"command":"auction","room":"`+room+`","amount":"12.5"}`))
	a, err := s.index.Load(ad)
	require.NoError(t, err)
	require.Equal(t, 12.5, a.HighestBid)
}

func TestHandlePeerData_OrderOfArrivalDiverges(t *testing.T) {
	nodeA, _ := newOfflineServer(t)
	nodeB, _ := newOfflineServer(t)
	_, adA, err := nodeA.index.Create("widget", 10, "a")
	require.NoError(t, err)
	_, adB, err := nodeB.index.Create("widget", 10, "b")
	require.NoError(t, err)

	bid100 := roomMessage(t, CommandAuction, "widget", 100)
	bid50 := roomMessage(t, CommandAuction, "widget", 50)
	nodeA.handlePeerData(network.Peer{}, bid100)
	nodeA.handlePeerData(network.Peer{}, bid50)
	nodeB.handlePeerData(network.Peer{}, bid50)
	nodeB.handlePeerData(network.Peer{}, bid100)

	a, err := nodeA.index.Load(adA)
	require.NoError(t, err)
	b, err := nodeB.index.Load(adB)
	require.NoError(t, err)
	require.Equal(t, float64(50), a.HighestBid)
	require.Equal(t, float64(100), b.HighestBid)
	require.NotEqual(t, a.HighestBid, b.HighestBid)
}

func TestHandlePeerData_SettleReadsRecordOnce(t *testing.T) {
	pstore, err := ahpebble.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pstore.Close() })
	store := &countingStore{Store: pstore}
	s, err := New(store, nil, nil)
	require.NoError(t, err)
	_, ad, err := s.index.Create("widget", 10, "owner")
	require.NoError(t, err)

	for _, settled := range []bool{false, true} {
		store.gets = 0
		s.handlePeerData(network.Peer{}, roomMessage(t, CommandSettle, "widget", 0))
		// One read resolves the room, one loads the record.
		require.Equal(t, 2, store.gets, "already settled: %v", settled)
	}
	a, err := s.index.Load(ad)
	require.NoError(t, err)
	require.True(t, a.IsSettled())
}

func TestBroadcast_ReplyDoesNotWaitForDelivery(t *testing.T) {
	s, _ := newOfflineServer(t)
	release := make(chan struct{})
	sent := make(chan RoomMessage, 2)
	s.send = func(ctx context.Context, b []byte) network.Delivery {
		var msg RoomMessage
		_ = json.Unmarshal(b, &msg)
		sent <- msg
		select {
		case <-release:
		case <-ctx.Done():
		}
		return network.Delivery{}
	}

	replied := make(chan any, 2)
	go func() {
		replied <- s.auction(context.Background(), []byte(`{"title":"widget","amount":25}`))
		replied <- s.settle(context.Background(), []byte(`{"title":"widget"}`))
	}()
	for _, want := range []any{
		Response{Status: StatusOK, Title: "widget", Amount: 25},
		Response{Status: StatusOK},
	} {
		select {
		case got := <-replied:
			require.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatal("reply waited for delivery")
		}
	}

	room := auctionhouse.TitleDigest("widget").String()
	var got []RoomMessage
	for i := 0; i < 2; i++ {
		select {
		case msg := <-sent:
			got = append(got, msg)
		case <-time.After(5 * time.Second):
			t.Fatal("room message was not sent")
		}
	}
	require.ElementsMatch(t, []RoomMessage{
		{Command: CommandAuction, Room: room, Amount: 25},
		{Command: CommandSettle, Room: room},
	}, got)

	close(release)
	s.inflight.Wait()
}
