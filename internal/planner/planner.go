// Package planner picks how much of an order a winning bid can profitably fill.
package planner

import (
	"fmt"
	"math"
	"math/big"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// Config holds the fill-ratio search parameters.
type Config struct {
	MinFillRatio   float64
	RatioStep      float64
	VariableFeeBps int
}

// Plan is the fill chosen for a bid. Amounts are base units.
type Plan struct {
	BidID             string
	Ratio             float64
	SourceAmount      *big.Int
	DestinationAmount *big.Int
	Profit            float64 // source units, after fees
}

// Planner searches the fill ratio from the largest feasible value downward.
type Planner struct {
	cfg Config
}

// New creates a Planner.
func New(cfg Config) *Planner {
	if cfg.RatioStep <= 0 {
		cfg.RatioStep = 0.01
	}
	return &Planner{cfg: cfg}
}

// Plan returns the largest profitable fill ratio for bid against the order's
// remaining amount, or ErrUnfillable.
func (p *Planner) Plan(o domain.Order, remaining *big.Int, bid domain.Bid) (Plan, error) {
	if o.MakingAmount == nil || o.MakingAmount.Sign() <= 0 || !bid.Valid() {
		return Plan{}, fmt.Errorf("planner: %w: invalid amounts", domain.ErrUnfillable)
	}
	minPartial := o.MinPartialFillOrZero()

	lo := math.Max(p.cfg.MinFillRatio, domain.Ratio(minPartial, o.MakingAmount))
	hi := math.Min(1, domain.Ratio(bid.InputAmount, o.MakingAmount))
	if remaining != nil {
		hi = math.Min(hi, domain.Ratio(remaining, o.MakingAmount))
	}

	fee := new(big.Rat)
	if bid.FeeEstimate != nil {
		fee.SetInt(bid.FeeEstimate)
	}
	capacity := bid.InputAmount
	if remaining != nil && remaining.Cmp(capacity) < 0 {
		capacity = remaining
	}

	candidates := []float64{1}
	if o.AllowPartialFill {
		candidates = candidates[:0]
		// Integer stepping keeps the grid exact: hi, hi-step, ... down to lo.
		for i := 0; ; i++ {
			r := hi - float64(i)*p.cfg.RatioStep
			if r < lo-1e-12 {
				break
			}
			candidates = append(candidates, r)
		}
	} else if hi < 1 {
		return Plan{}, fmt.Errorf("planner: %w: full fill required, capacity %.4f", domain.ErrUnfillable, hi)
	}

	for _, r := range candidates {
		if r <= 0 || r > hi+1e-12 {
			continue
		}
		src := sourceAmount(o.MakingAmount, r)
		if src.Cmp(capacity) > 0 {
			src = new(big.Int).Set(capacity)
		}
		if src.Sign() <= 0 || src.Cmp(minPartial) < 0 {
			continue
		}
		if !o.AllowPartialFill && src.Cmp(o.MakingAmount) != 0 {
			continue
		}
		dst := domain.MulDiv(src, bid.OutputAmount, bid.InputAmount)
		if !o.MeetsMinimum(src, dst) {
			continue
		}
		profit := p.profit(src, dst, fee)
		if profit.Sign() <= 0 {
			continue
		}
		pf, _ := profit.Float64()
		return Plan{
			BidID:             bid.ID,
			Ratio:             r,
			SourceAmount:      src,
			DestinationAmount: dst,
			Profit:            pf,
		}, nil
	}
	return Plan{}, fmt.Errorf("planner: bid %s: %w", bid.ID, domain.ErrUnfillable)
}

// profit is dst - src - fee - src*VariableFeeBps/10000, exact.
func (p *Planner) profit(src, dst *big.Int, fee *big.Rat) *big.Rat {
	in := new(big.Rat).SetInt(src)
	variable := new(big.Rat).Mul(in, big.NewRat(int64(p.cfg.VariableFeeBps), 10_000))
	out := new(big.Rat).SetInt(dst)
	out.Sub(out, in)
	out.Sub(out, fee)
	return out.Sub(out, variable)
}

// sourceAmount returns floor(m * r); r == 1 yields m exactly.
func sourceAmount(m *big.Int, r float64) *big.Int {
	if r >= 1 {
		return new(big.Int).Set(m)
	}
	return domain.ScaleAmount(m, r)
}
