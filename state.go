package auctionhouse

// Bid returns the transition that records amount as the highest bid.
//
// The amount is taken as is: it is not compared against the current highest
// bid or the minimum bid, and it is applied whatever the auction status.
// Whichever bid a node processes last is what that node reports.
func Bid(amount float64) func(*Auction) {
	return func(a *Auction) {
		a.HighestBid = amount
	}
}

// Settle returns the transition to the terminal SETTLED state. Settling an
// already settled auction leaves it unchanged.
func Settle() func(*Auction) {
	return func(a *Auction) {
		a.Status = StatusSettled
	}
}
