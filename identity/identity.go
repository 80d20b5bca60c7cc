// Package identity keeps the per-role seeds from which a node derives its
// network keypairs, so that peer IDs are stable across restarts.
package identity

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/auctionhouse"
	"github.com/libp2p/go-libp2p/core/crypto"
)

const (
	// SeedLength is the number of random bytes in a seed.
	SeedLength = 32

	// DHTSeedKey stores the seed of the peer network identity.
	DHTSeedKey = "dht-seed"
	// RPCSeedKey stores the seed of the RPC endpoint identity.
	RPCSeedKey = "rpc-seed"
)

var (
	log = logging.Logger("identity")

	ErrInvalidSeed = errors.New("identity: stored seed has invalid length")
)

// GetOrCreateSeed returns the seed stored under key, generating and storing a
// new random one if there is none yet.
func GetOrCreateSeed(store auctionhouse.Store, key string) ([]byte, error) {
	seed, err := store.Get(key)
	switch {
	case err == nil:
		if len(seed) != SeedLength {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrInvalidSeed, key, len(seed))
		}
		return seed, nil
	case auctionhouse.IsNotFound(err):
	default:
		return nil, fmt.Errorf("failed to read seed %s: %w", key, err)
	}

	seed = make([]byte, SeedLength)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := store.Put(key, seed); err != nil {
		return nil, fmt.Errorf("failed to persist seed %s: %w", key, err)
	}
	log.Infow("Generated new seed", "key", key)
	return seed, nil
}

// PrivateKey derives an Ed25519 key from seed. The same seed always yields the
// same key.
func PrivateKey(seed []byte) (crypto.PrivKey, error) {
	if len(seed) != SeedLength {
		return nil, ErrInvalidSeed
	}
	priv, _, err := crypto.GenerateEd25519Key(bytes.NewReader(seed))
	return priv, err
}

// Load returns the key derived from the seed stored under key.
func Load(store auctionhouse.Store, key string) (crypto.PrivKey, error) {
	seed, err := GetOrCreateSeed(store, key)
	if err != nil {
		return nil, err
	}
	return PrivateKey(seed)
}
