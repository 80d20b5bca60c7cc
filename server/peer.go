package server

import (
	"context"
	"encoding/json"

	"github.com/ipni/auctionhouse"
	"github.com/ipni/auctionhouse/network"
)

const (
	outcomeApplied    = "applied"
	outcomeRaw        = "raw"
	outcomeUnknown    = "unknown_room"
	outcomeStoreError = "store_error"
)

// handlePeerData applies a room message from a peer to the local copy of the
// auction it names. Nothing is ever sent back, and messages about auctions
// this node holds no copy of are dropped.
func (s *Server) handlePeerData(from network.Peer, data []byte) {
	label := from.Label()
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Recovered from panic while handling peer message", "peer", label, "panic", r)
		}
	}()

	var op RoomMessage
	if err := json.Unmarshal(data, &op); err != nil || op.Command == "" {
		s.onFeed(label, string(data))
		s.recordPeerMessage(op.Command, outcomeRaw)
		return
	}
	s.recordPeerMessage(op.Command, s.apply(label, op))
}

func (s *Server) apply(label string, op RoomMessage) string {
	td, err := auctionhouse.ParseDigest(op.Room)
	if err != nil {
		log.Debugw("Ignored message with invalid room", "peer", label, "room", op.Room)
		return outcomeUnknown
	}
	ad, err := s.index.Resolve(td)
	if err != nil {
		log.Debugw("Ignored message for unknown room", "peer", label, "room", op.Room, "err", err)
		return outcomeUnknown
	}

	var msg string
	var a *auctionhouse.Auction
	switch op.Command {
	case CommandSettle:
		var already bool
		settle := auctionhouse.Settle()
		if a, err = s.index.Mutate(ad, func(a *auctionhouse.Auction) {
			already = a.IsSettled()
			settle(a)
		}); err == nil {
			if already {
				log.Debugw("Auction already settled", "peer", label, "room", op.Room)
			}
			msg = "Auction settled for " + Amount(a.HighestBid).String() + " USDt"
		}
	default:
		// Any command other than settle is applied as a bid.
		if a, err = s.index.Mutate(ad, auctionhouse.Bid(float64(op.Amount))); err == nil {
			msg = "New highest bid of " + op.Amount.String() + " USDt"
		}
	}
	switch {
	case auctionhouse.IsNotFound(err):
		log.Debugw("Ignored message for room without auction", "peer", label, "room", op.Room)
		return outcomeUnknown
	case err != nil:
		log.Warnw("Failed to apply room message", "peer", label, "command", op.Command, "err", err)
		return outcomeStoreError
	}
	s.onFeed(label, msg)
	return outcomeApplied
}

func (s *Server) recordPeerMessage(command, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordPeerMessage(context.Background(), command, outcome)
	}
}
