package domain

import "time"

// AuctionStatus tracks an auction's lifecycle: Open -> Won | Expired.
type AuctionStatus string

const (
	AuctionOpen      AuctionStatus = "open"
	AuctionWon       AuctionStatus = "won"
	AuctionExpired   AuctionStatus = "expired"
	AuctionCancelled AuctionStatus = "cancelled"
)

// Auction is the Dutch auction run for a single order. The acceptable rate
// decays linearly from StartRate to FloorRate across Duration.
type Auction struct {
	OrderID        string        `json:"order_id"`
	OpenedAt       time.Time     `json:"opened_at"`
	Duration       time.Duration `json:"duration"`
	StartRate      float64       `json:"start_rate"`
	FloorRate      float64       `json:"floor_rate"`
	DecayPerSecond float64       `json:"decay_per_second"`
	WinningBidID   string        `json:"winning_bid_id,omitempty"`
	Status         AuctionStatus `json:"status"`
}

// ClosesAt returns the end of the bidding window.
func (a Auction) ClosesAt() time.Time {
	return a.OpenedAt.Add(a.Duration)
}

// Ceiling returns the minimum rate a bid must offer at instant now.
func (a Auction) Ceiling(now time.Time) float64 {
	elapsed := now.Sub(a.OpenedAt).Seconds()
	if elapsed <= 0 {
		return a.StartRate
	}
	c := a.StartRate - a.DecayPerSecond*elapsed
	if c < a.FloorRate {
		return a.FloorRate
	}
	return c
}
