package auctionhouse_test

import (
	"encoding/json"
	"testing"

	"github.com/ipni/auctionhouse"
	ahpebble "github.com/ipni/auctionhouse/pebble"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func newIndex(t *testing.T) (*auctionhouse.Index, auctionhouse.Store) {
	store, err := ahpebble.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return auctionhouse.NewIndex(store), store
}

func TestTitleDigest_Deterministic(t *testing.T) {
	for _, title := range []string{"widget", "fish", "lobster with ünïcode", " "} {
		first := auctionhouse.TitleDigest(title)
		require.Equal(t, first, auctionhouse.TitleDigest(title))
		require.Equal(t, first, auctionhouse.Sum([]byte(title)))
		require.Len(t, first.String(), 2*auctionhouse.DigestLength)

		parsed, err := auctionhouse.ParseDigest(first.String())
		require.NoError(t, err)
		require.Equal(t, first, parsed)
	}
	require.NotEqual(t, auctionhouse.TitleDigest("widget"), auctionhouse.TitleDigest("widgets"))
}

func TestDigest_Multihash(t *testing.T) {
	d := auctionhouse.TitleDigest("widget")

	got, err := auctionhouse.DigestFromMultihash(d.Multihash())
	require.NoError(t, err)
	require.Equal(t, d, got)
	require.Equal(t, d.Multihash(), multihash.Multihash(d.Cid().Hash()))

	_, err = auctionhouse.DigestFromMultihash(multihash.Multihash("lobster"))
	require.IsType(t, auctionhouse.ErrMultihashDecode{}, err)

	sha, err := multihash.Sum([]byte("widget"), multihash.SHA2_256, -1)
	require.NoError(t, err)
	_, err = auctionhouse.DigestFromMultihash(sha)
	require.IsType(t, auctionhouse.ErrUnsupportedMulticodecCode{}, err)
	require.Equal(t, "multihash must be of code blake3, got: sha2-256", err.Error())
}

func TestParseDigest_Invalid(t *testing.T) {
	for _, s := range []string{"", "fish", "abcd"} {
		_, err := auctionhouse.ParseDigest(s)
		require.ErrorIs(t, err, auctionhouse.ErrInvalidDigest)
	}
}

func TestIndex_CreateResolveLoad(t *testing.T) {
	subject, store := newIndex(t)
	td := auctionhouse.TitleDigest("widget")

	_, err := subject.Resolve(td)
	require.True(t, auctionhouse.IsNotFound(err))

	a, ad, err := subject.Create("widget", 10, "owner")
	require.NoError(t, err)
	require.Equal(t, &auctionhouse.Auction{
		Owner:      "owner",
		ID:         td.String(),
		MinimumBid: 10,
		HighestBid: 0,
		Status:     auctionhouse.StatusOpen,
	}, a)

	// The auction digest is the digest of the record as first stored.
	raw, err := store.Get(ad.String())
	require.NoError(t, err)
	require.Equal(t, ad, auctionhouse.Sum(raw))

	pointer, err := store.Get(td.String())
	require.NoError(t, err)
	require.Equal(t, ad.Bytes(), pointer)

	gotAd, err := subject.Resolve(td)
	require.NoError(t, err)
	require.Equal(t, ad, gotAd)

	loaded, err := subject.Load(ad)
	require.NoError(t, err)
	require.Equal(t, a, loaded)

	looked, err := subject.Lookup(td)
	require.NoError(t, err)
	require.Equal(t, a, looked)
}

func TestIndex_LoadMissing(t *testing.T) {
	subject, _ := newIndex(t)
	_, err := subject.Load(auctionhouse.TitleDigest("nothing"))
	require.ErrorIs(t, err, auctionhouse.ErrNotFound)
	_, err = subject.Lookup(auctionhouse.TitleDigest("nothing"))
	require.ErrorIs(t, err, auctionhouse.ErrNotFound)
}

func TestIndex_CreateSameTitleOverwritesPointer(t *testing.T) {
	subject, _ := newIndex(t)
	_, first, err := subject.Create("widget", 10, "owner")
	require.NoError(t, err)
	_, second, err := subject.Create("widget", 20, "owner")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	got, err := subject.Lookup(auctionhouse.TitleDigest("widget"))
	require.NoError(t, err)
	require.Equal(t, float64(20), got.MinimumBid)

	// The first record is orphaned but still present.
	orphan, err := subject.Load(first)
	require.NoError(t, err)
	require.Equal(t, float64(10), orphan.MinimumBid)
}

func TestIndex_MutateKeepsKey(t *testing.T) {
	subject, store := newIndex(t)
	_, ad, err := subject.Create("widget", 10, "owner")
	require.NoError(t, err)

	got, err := subject.Mutate(ad, auctionhouse.Bid(25))
	require.NoError(t, err)
	require.Equal(t, float64(25), got.HighestBid)

	raw, err := store.Get(ad.String())
	require.NoError(t, err)
	var stored auctionhouse.Auction
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Equal(t, *got, stored)

	_, err = subject.Mutate(auctionhouse.TitleDigest("nothing"), auctionhouse.Bid(1))
	require.ErrorIs(t, err, auctionhouse.ErrNotFound)
}

func TestIndex_LoadRejectsUnknownStatus(t *testing.T) {
	index, store := newIndex(t)
	b, err := json.Marshal(auctionhouse.Auction{ID: "x", Status: "CANCELLED"})
	require.NoError(t, err)
	ad := auctionhouse.Sum(b)
	require.NoError(t, store.Put(ad.String(), b))

	_, err = index.Load(ad)
	require.ErrorContains(t, err, "unknown status")
}
