package auctionhouse

import (
	"encoding/hex"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// DigestLength is the length in bytes of title and auction digests.
const DigestLength = 32

// Digest is a BLAKE3-256 content hash. A title digest names an auction room
// and is the first-level index key; an auction digest keys the record itself.
type Digest [DigestLength]byte

var hashers = sync.Pool{
	New: func() any {
		return blake3.New(DigestLength, nil)
	},
}

// Sum returns the digest of b.
func Sum(b []byte) Digest {
	h := hashers.Get().(*blake3.Hasher)
	defer hashers.Put(h)
	h.Reset()
	_, _ = h.Write(b)
	var d Digest
	h.Sum(d[:0])
	return d
}

// TitleDigest returns the digest of the UTF-8 encoded title.
func TitleDigest(title string) Digest {
	return Sum([]byte(title))
}

// ParseDigest decodes a hex encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != DigestLength {
		return d, ErrInvalidDigest
	}
	copy(d[:], b)
	return d, nil
}

func digestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestLength {
		return d, ErrInvalidDigest
	}
	copy(d[:], b)
	return d, nil
}

// DigestFromMultihash extracts the digest from a blake3 multihash.
func DigestFromMultihash(mh multihash.Multihash) (Digest, error) {
	dmh, err := multihash.Decode(mh)
	if err != nil {
		return Digest{}, ErrMultihashDecode{Err: err, Mh: mh}
	}
	if multicodec.Code(dmh.Code) != multicodec.Blake3 {
		return Digest{}, ErrUnsupportedMulticodecCode{Code: multicodec.Code(dmh.Code)}
	}
	return digestFromBytes(dmh.Digest)
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) Bytes() []byte {
	return d[:]
}

// Multihash wraps the digest as a blake3 multihash.
func (d Digest) Multihash() multihash.Multihash {
	mh, err := multihash.Encode(d[:], multihash.BLAKE3)
	if err != nil {
		// Encode only fails for unknown codes.
		panic(err)
	}
	return mh
}

// Cid returns the digest as a CIDv1 with the raw codec.
func (d Digest) Cid() cid.Cid {
	return cid.NewCidV1(cid.Raw, d.Multihash())
}
