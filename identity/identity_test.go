package identity_test

import (
	"testing"

	"github.com/ipni/auctionhouse/identity"
	ahpebble "github.com/ipni/auctionhouse/pebble"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateSeed(t *testing.T) {
	dir := t.TempDir()
	store, err := ahpebble.NewStore(dir, nil)
	require.NoError(t, err)

	dhtSeed, err := identity.GetOrCreateSeed(store, identity.DHTSeedKey)
	require.NoError(t, err)
	require.Len(t, dhtSeed, identity.SeedLength)

	again, err := identity.GetOrCreateSeed(store, identity.DHTSeedKey)
	require.NoError(t, err)
	require.Equal(t, dhtSeed, again)

	rpcSeed, err := identity.GetOrCreateSeed(store, identity.RPCSeedKey)
	require.NoError(t, err)
	require.NotEqual(t, dhtSeed, rpcSeed)
	require.NoError(t, store.Close())

	// Restart: same seeds, same peer IDs.
	store, err = ahpebble.NewStore(dir, nil)
	require.NoError(t, err)
	defer store.Close()
	afterRestart, err := identity.GetOrCreateSeed(store, identity.DHTSeedKey)
	require.NoError(t, err)
	require.Equal(t, dhtSeed, afterRestart)
}

func TestLoad_StablePeerID(t *testing.T) {
	store, err := ahpebble.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	first, err := identity.Load(store, identity.RPCSeedKey)
	require.NoError(t, err)
	second, err := identity.Load(store, identity.RPCSeedKey)
	require.NoError(t, err)

	firstID, err := peer.IDFromPrivateKey(first)
	require.NoError(t, err)
	secondID, err := peer.IDFromPrivateKey(second)
	require.NoError(t, err)
	require.Equal(t, firstID, secondID)
}

func TestGetOrCreateSeed_InvalidStoredSeed(t *testing.T) {
	store, err := ahpebble.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Put(identity.DHTSeedKey, []byte("fish")))

	_, err = identity.GetOrCreateSeed(store, identity.DHTSeedKey)
	require.ErrorIs(t, err, identity.ErrInvalidSeed)

	_, err = identity.PrivateKey([]byte("fish"))
	require.ErrorIs(t, err, identity.ErrInvalidSeed)
}
