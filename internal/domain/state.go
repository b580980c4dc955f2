package domain

import (
	"math/big"
	"time"
)

// OrderStatus is the coordinator's state-machine tag for an order.
type OrderStatus string

const (
	StatusPending            OrderStatus = "pending"
	StatusSourceLocking      OrderStatus = "source_locking"
	StatusSourceLocked       OrderStatus = "source_locked"
	StatusDestinationLocking OrderStatus = "destination_locking"
	StatusDestinationLocked  OrderStatus = "destination_locked"
	StatusClaiming           OrderStatus = "claiming"
	StatusSettled            OrderStatus = "settled"
	StatusRefunding          OrderStatus = "refunding"
	StatusRefunded           OrderStatus = "refunded"
	StatusExpired            OrderStatus = "expired"
	StatusUnfillable         OrderStatus = "unfillable"
	StatusCancelled          OrderStatus = "cancelled"
)

// Terminal reports whether no further ledger activity will happen for the
// order. Expired orders are terminal but may still be cancelled by the maker.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusSettled, StatusRefunded, StatusExpired, StatusUnfillable, StatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether the maker may still cancel.
func (s OrderStatus) Cancellable() bool {
	return s == StatusPending || s == StatusExpired
}

// rank orders the happy-path states so stale and premature events can be told
// apart. Off-path states rank after Claiming.
func (s OrderStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSourceLocking:
		return 1
	case StatusSourceLocked:
		return 2
	case StatusDestinationLocking:
		return 3
	case StatusDestinationLocked:
		return 4
	case StatusClaiming:
		return 5
	default:
		return 6
	}
}

// Before reports whether s precedes other on the happy path.
func (s OrderStatus) Before(other OrderStatus) bool {
	return s.rank() < other.rank()
}

// OrderState is the relayer's aggregate bookkeeping for one order.
type OrderState struct {
	OrderID      string      `json:"order_id"`
	Order        Order       `json:"order"`
	Status       OrderStatus `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	Auction      *Auction    `json:"auction,omitempty"`
	WinningBid   *Bid        `json:"winning_bid,omitempty"`
	FillRatio    float64     `json:"fill_ratio"`
	FilledAmount *big.Int    `json:"filled_amount"`
	Source       HTLC        `json:"source"`
	Destination  HTLC        `json:"destination"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Version      int64       `json:"version"`
}

// NewOrderState returns the Pending bookkeeping record for an accepted order.
func NewOrderState(id string, o Order, now time.Time) *OrderState {
	return &OrderState{
		OrderID:      id,
		Order:        o,
		Status:       StatusPending,
		FilledAmount: new(big.Int),
		Source:       HTLC{Leg: LegSource, Chain: o.SrcChain, State: LegNone},
		Destination:  HTLC{Leg: LegDestination, Chain: o.DstChain, State: LegNone},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// LegRef returns a pointer to the requested leg.
func (s *OrderState) LegRef(l Leg) *HTLC {
	if l == LegSource {
		return &s.Source
	}
	return &s.Destination
}

// Remaining returns MakingAmount minus what has already been reserved.
func (s *OrderState) Remaining() *big.Int {
	out := new(big.Int).Set(s.Order.MakingAmount)
	if s.FilledAmount != nil {
		out.Sub(out, s.FilledAmount)
	}
	return out
}

// Reserve books amount against the order, enforcing that cumulative fills
// never exceed MakingAmount.
func (s *OrderState) Reserve(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(s.Remaining()) > 0 {
		return ErrOverfill
	}
	s.FilledAmount = new(big.Int).Add(s.FilledAmount, amount)
	return nil
}

// Release returns a previously reserved amount, e.g. after a refund.
func (s *OrderState) Release(amount *big.Int) {
	if amount == nil || s.FilledAmount == nil {
		return
	}
	out := new(big.Int).Sub(s.FilledAmount, amount)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	s.FilledAmount = out
}

// Clone returns a copy safe to hand outside the coordinator. Amounts are
// treated as immutable and shared.
func (s *OrderState) Clone() OrderState {
	out := *s
	if s.Auction != nil {
		a := *s.Auction
		out.Auction = &a
	}
	if s.WinningBid != nil {
		b := *s.WinningBid
		out.WinningBid = &b
	}
	return out
}

// StateChange is published whenever an order's status changes.
type StateChange struct {
	OrderID string      `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	Reason  string      `json:"reason,omitempty"`
	Version int64       `json:"version"`
	At      time.Time   `json:"at"`
}
