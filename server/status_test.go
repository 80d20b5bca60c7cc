package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ipni/auctionhouse"
	"github.com/ipni/auctionhouse/server"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func TestStatusServer(t *testing.T) {
	n := newNode(t)
	other := newNode(t)
	connect(t, n, other)
	_, err := n.client.Create(context.Background(), "widget", 10, []byte("photo"))
	require.NoError(t, err)

	td := auctionhouse.TitleDigest("widget")
	ad, err := n.server.Index().Resolve(td)
	require.NoError(t, err)
	sha, err := multihash.Sum([]byte("widget"), multihash.SHA2_256, -1)
	require.NoError(t, err)

	h := server.NewStatusServer(n.server, "").Handler()
	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
	}{
		{"ready", http.MethodGet, "/ready", http.StatusOK},
		{"by title", http.MethodGet, "/auction?title=widget", http.StatusOK},
		{"by multihash", http.MethodGet, "/auction/" + base58.Encode(td.Multihash()), http.StatusOK},
		{"unknown title", http.MethodGet, "/auction?title=gadget", http.StatusNotFound},
		{"missing title", http.MethodGet, "/auction", http.StatusBadRequest},
		{"bad base58", http.MethodGet, "/auction/0OIl", http.StatusBadRequest},
		{"not a multihash", http.MethodGet, "/auction/" + base58.Encode([]byte("fish")), http.StatusBadRequest},
		{"wrong hash code", http.MethodGet, "/auction/" + base58.Encode(sha), http.StatusBadRequest},
		{"post", http.MethodPost, "/auction?title=widget", http.StatusMethodNotAllowed},
		{"peers", http.MethodGet, "/peers", http.StatusOK},
		{"unknown path", http.MethodGet, "/lobster", http.StatusNotFound},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(test.method, test.target, nil))
			require.Equal(t, test.wantStatus, rec.Code)
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auction?title=widget", nil))
	var got server.AuctionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, ad.String(), got.Key)
	require.Equal(t, td.String(), got.Auction.ID)
	require.Equal(t, auctionhouse.StatusOpen, got.Auction.Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peers", nil))
	var peers server.PeersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &peers))
	require.Equal(t, 1, peers.Count)
	require.Equal(t, []string{other.server.Swarm().ID().String()}, peers.Peers)
}
