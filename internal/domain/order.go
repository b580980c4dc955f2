package domain

import (
	"fmt"
	"math/big"
	"time"
)

// Order is a maker's signed exchange intent: MakingAmount of the source asset
// for at least MinTakingAmount of the destination asset. Immutable once
// signed; OrderID is derived from every field except Signature.
type Order struct {
	Maker            string   `json:"maker"`
	MakingAmount     *big.Int `json:"making_amount"`
	MinTakingAmount  *big.Int `json:"min_taking_amount"`
	Deadline         int64    `json:"deadline"` // unix seconds
	Receiver         string   `json:"receiver"` // destination-chain recipient
	Salt             *big.Int `json:"salt"`
	SrcChain         string   `json:"src_chain"`
	DstChain         string   `json:"dst_chain"`
	AllowPartialFill bool     `json:"allow_partial_fill"`
	MinPartialFill   *big.Int `json:"min_partial_fill"` // source units
	Signature        string   `json:"signature"`        // 0x-hex, 65 bytes
}

// DeadlineTime returns the order deadline as a time.Time.
func (o Order) DeadlineTime() time.Time {
	return time.Unix(o.Deadline, 0)
}

// FloorRate is the maker's minimum acceptable destination-per-source rate.
func (o Order) FloorRate() float64 {
	return Ratio(o.MinTakingAmount, o.MakingAmount)
}

// CheckAmounts verifies the numeric fields are well formed.
func (o Order) CheckAmounts() error {
	if o.MakingAmount == nil || o.MakingAmount.Sign() <= 0 {
		return fmt.Errorf("%w: making_amount must be positive", ErrMalformedOrder)
	}
	if o.MinTakingAmount == nil || o.MinTakingAmount.Sign() <= 0 {
		return fmt.Errorf("%w: min_taking_amount must be positive", ErrMalformedOrder)
	}
	if o.Salt == nil || o.Salt.Sign() < 0 {
		return fmt.Errorf("%w: salt must be non-negative", ErrMalformedOrder)
	}
	if o.MinPartialFill != nil {
		if o.MinPartialFill.Sign() < 0 {
			return fmt.Errorf("%w: min_partial_fill must be non-negative", ErrMalformedOrder)
		}
		if o.MinPartialFill.Cmp(o.MakingAmount) > 0 {
			return fmt.Errorf("%w: min_partial_fill exceeds making_amount", ErrMalformedOrder)
		}
	}
	if o.Receiver == "" {
		return fmt.Errorf("%w: receiver is required", ErrMalformedOrder)
	}
	return nil
}

// MinPartialFillOrZero never returns nil.
func (o Order) MinPartialFillOrZero() *big.Int {
	if o.MinPartialFill == nil {
		return new(big.Int)
	}
	return o.MinPartialFill
}

// Ratio returns num/den as a float64; zero when den is zero or either is nil.
func Ratio(num, den *big.Int) float64 {
	if num == nil || den == nil || den.Sign() == 0 {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(num, den).Float64()
	return f
}

// ScaleAmount returns floor(amount * factor).
func ScaleAmount(amount *big.Int, factor float64) *big.Int {
	if amount == nil || factor <= 0 {
		return new(big.Int)
	}
	f := new(big.Float).SetPrec(256).SetInt(amount)
	f.Mul(f, new(big.Float).SetPrec(256).SetFloat64(factor))
	out, _ := f.Int(nil)
	return out
}

// MulDiv returns floor(amount * num / den) in exact integer arithmetic.
func MulDiv(amount, num, den *big.Int) *big.Int {
	if amount == nil || num == nil || den == nil || den.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, num)
	return out.Quo(out, den)
}

// MeetsMinimum reports whether delivering dst for src keeps the maker at or
// above MinTakingAmount pro rata, i.e. dst/src >= MinTakingAmount/MakingAmount.
func (o Order) MeetsMinimum(src, dst *big.Int) bool {
	lhs := new(big.Int).Mul(dst, o.MakingAmount)
	rhs := new(big.Int).Mul(src, o.MinTakingAmount)
	return lhs.Cmp(rhs) >= 0
}
