package auctionhouse

import (
	"io"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("auctionhouse")

const (
	// StatusOpen is the state of an auction that accepts bids.
	StatusOpen Status = "OPEN"
	// StatusSettled is the terminal state of an auction.
	StatusSettled Status = "SETTLED"
)

type (
	// Status is the lifecycle state of an auction.
	Status string

	// Auction is the record held by every node that knows about an auction.
	// Copies on different nodes are updated independently and may diverge.
	Auction struct {
		Owner      string  `json:"owner"`
		ID         string  `json:"id"`
		MinimumBid float64 `json:"minimumBid"`
		HighestBid float64 `json:"highestBid"`
		Status     Status  `json:"status"`
	}

	// Store is the byte-valued key-value store backing seeds and auction
	// records. Get returns ErrNotFound when the key is absent.
	Store interface {
		io.Closer
		Get(key string) ([]byte, error)
		Put(key string, value []byte) error
	}
)

func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusSettled
}

func (a *Auction) IsSettled() bool {
	return a.Status == StatusSettled
}
