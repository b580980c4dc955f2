package domain

import (
	"math/big"
	"time"
)

// Bid is a resolver's offer against an order's auction. InputAmount is how
// much of the source asset the resolver takes (its capacity) and OutputAmount
// what it delivers on the destination chain for that input.
type Bid struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	Resolver     string    `json:"resolver"`
	InputAmount  *big.Int  `json:"input_amount"`
	OutputAmount *big.Int  `json:"output_amount"`
	FeeEstimate  *big.Int  `json:"fee_estimate"` // source units
	SubmittedAt  time.Time `json:"submitted_at"`
	Active       bool      `json:"active"`
}

// Rate is destination units delivered per source unit taken.
func (b Bid) Rate() float64 {
	return Ratio(b.OutputAmount, b.InputAmount)
}

// Valid reports whether the numeric fields are usable.
func (b Bid) Valid() bool {
	return b.Resolver != "" &&
		b.InputAmount != nil && b.InputAmount.Sign() > 0 &&
		b.OutputAmount != nil && b.OutputAmount.Sign() > 0 &&
		(b.FeeEstimate == nil || b.FeeEstimate.Sign() >= 0)
}
