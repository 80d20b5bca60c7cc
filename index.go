package auctionhouse

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Index maps auction titles to auction records through two levels of
// indirection held in a Store:
//
//	hex(titleDigest)   -> auctionDigest
//	hex(auctionDigest) -> JSON encoded Auction
//
// The title side is content addressed while the record can be mutated in
// place under the digest it was created with.
type Index struct {
	store Store
	// mu serialises read-modify-write of records on this node only.
	mu sync.Mutex
}

func NewIndex(store Store) *Index {
	return &Index{store: store}
}

// Resolve returns the auction digest that the title digest points to.
func (x *Index) Resolve(titleDigest Digest) (Digest, error) {
	b, err := x.store.Get(titleDigest.String())
	if err != nil {
		return Digest{}, err
	}
	return digestFromBytes(b)
}

// Load returns the record stored under the auction digest.
func (x *Index) Load(auctionDigest Digest) (*Auction, error) {
	b, err := x.store.Get(auctionDigest.String())
	if err != nil {
		return nil, err
	}
	var a Auction
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("failed to decode auction %s: %w", auctionDigest, err)
	}
	if !a.Status.Valid() {
		return nil, fmt.Errorf("auction %s has unknown status %q", auctionDigest, a.Status)
	}
	return &a, nil
}

// Lookup resolves the title digest and loads the record it points to.
func (x *Index) Lookup(titleDigest Digest) (*Auction, error) {
	ad, err := x.Resolve(titleDigest)
	if err != nil {
		return nil, err
	}
	return x.Load(ad)
}

// Create builds an open auction with no bids, stores it under the digest of
// its encoding and points the title digest at it. An existing auction with
// the same title is not checked for; its pointer is overwritten.
func (x *Index) Create(title string, minimumBid float64, owner string) (*Auction, Digest, error) {
	td := TitleDigest(title)
	a := &Auction{
		Owner:      owner,
		ID:         td.String(),
		MinimumBid: minimumBid,
		HighestBid: 0,
		Status:     StatusOpen,
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, Digest{}, err
	}
	ad := Sum(b)

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.store.Put(ad.String(), b); err != nil {
		return nil, Digest{}, err
	}
	if err := x.store.Put(td.String(), ad.Bytes()); err != nil {
		return nil, Digest{}, err
	}
	log.Debugw("Created auction", "id", a.ID, "key", ad.String())
	return a, ad, nil
}

// Mutate applies fn to the record stored under the auction digest and
// persists the result. There is no version check; the last write wins.
func (x *Index) Mutate(auctionDigest Digest, fn func(*Auction)) (*Auction, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	a, err := x.Load(auctionDigest)
	if err != nil {
		return nil, err
	}
	fn(a)
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if err := x.store.Put(auctionDigest.String(), b); err != nil {
		return nil, err
	}
	return a, nil
}
