// Package auction runs the per-order Dutch auction resolvers bid into.
package auction

import (
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

// Config holds the auction window and decay parameters.
type Config struct {
	Duration        time.Duration
	StartPremiumBps int
}

type entry struct {
	auction domain.Auction
	bids    map[string]*domain.Bid // keyed by resolver
	closed  bool
}

// Engine tracks open auctions. Bids are checked against the decayed ceiling at
// submission time; the winner is chosen when the window closes.
type Engine struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	auctions map[string]*entry
}

// NewEngine creates an Engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "auction")),
		auctions: make(map[string]*entry),
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Open starts the auction for orderID. The window never outlives the order's
// deadline, and the ceiling starts StartPremiumBps above the maker's floor.
func (e *Engine) Open(orderID string, o domain.Order, openedAt time.Time) (domain.Auction, error) {
	floor := o.FloorRate()
	if floor <= 0 {
		return domain.Auction{}, fmt.Errorf("auction: %w: zero floor rate", domain.ErrMalformedOrder)
	}
	dur := e.cfg.Duration
	if untilDeadline := o.DeadlineTime().Sub(openedAt); untilDeadline < dur {
		dur = untilDeadline
	}
	if dur <= 0 {
		return domain.Auction{}, domain.ErrDeadlinePassed
	}
	start := floor * (1 + float64(e.cfg.StartPremiumBps)/10_000)

	a := domain.Auction{
		OrderID:        orderID,
		OpenedAt:       openedAt,
		Duration:       dur,
		StartRate:      start,
		FloorRate:      floor,
		DecayPerSecond: (start - floor) / dur.Seconds(),
		Status:         domain.AuctionOpen,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.auctions[orderID]; ok {
		return domain.Auction{}, fmt.Errorf("auction: %s: %w", orderID, domain.ErrAlreadyExists)
	}
	e.auctions[orderID] = &entry{auction: a, bids: make(map[string]*domain.Bid)}

	e.logger.Info("auction opened",
		slog.String("order_id", orderID),
		slog.Duration("duration", dur),
		slog.Float64("start_rate", start),
		slog.Float64("floor_rate", floor),
	)
	return a, nil
}

// Restore re-registers a previously opened auction, e.g. after a restart.
func (e *Engine) Restore(a domain.Auction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.auctions[a.OrderID]; ok {
		return
	}
	e.auctions[a.OrderID] = &entry{auction: a, bids: make(map[string]*domain.Bid)}
}

// SubmitBid validates bid against the current ceiling and records it,
// replacing the resolver's earlier bid. A replacement must not worsen the
// resolver's own previous rate.
func (e *Engine) SubmitBid(bid domain.Bid) (domain.Bid, error) {
	out, err := e.submit(bid)
	result := "accepted"
	if err != nil {
		result = domain.ReasonCode(err)
	}
	metrics.Bids.WithLabelValues(result).Inc()
	return out, err
}

func (e *Engine) submit(bid domain.Bid) (domain.Bid, error) {
	if !bid.Valid() {
		return domain.Bid{}, domain.ErrMalformedBid
	}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.auctions[bid.OrderID]
	if !ok {
		return domain.Bid{}, domain.ErrAuctionNotFound
	}
	if ent.closed || ent.auction.Status != domain.AuctionOpen || !now.Before(ent.auction.ClosesAt()) {
		return domain.Bid{}, domain.ErrAuctionClosed
	}

	rate := bid.Rate()
	if ceiling := ent.auction.Ceiling(now); rate < ceiling {
		return domain.Bid{}, fmt.Errorf("%w: %.6f < %.6f", domain.ErrRateBelowCeiling, rate, ceiling)
	}
	if prev, ok := ent.bids[bid.Resolver]; ok && rate < prev.Rate() {
		return domain.Bid{}, fmt.Errorf("%w: %.6f below pending %.6f", domain.ErrConflictingBid, rate, prev.Rate())
	}

	bid.ID = uuid.NewString()
	bid.SubmittedAt = now
	bid.Active = true
	if bid.FeeEstimate == nil {
		bid.FeeEstimate = new(big.Int)
	}
	if prev, ok := ent.bids[bid.Resolver]; ok {
		prev.Active = false
	}
	stored := bid
	ent.bids[bid.Resolver] = &stored

	e.logger.Debug("bid accepted",
		slog.String("order_id", bid.OrderID),
		slog.String("resolver", bid.Resolver),
		slog.Float64("rate", rate),
	)
	return bid, nil
}

// Due returns the orders whose bidding window has elapsed at now.
func (e *Engine) Due(now time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for id, ent := range e.auctions {
		if !ent.closed && !now.Before(ent.auction.ClosesAt()) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Close ends bidding and returns active bids ranked best first. With no bids
// the auction is marked Expired.
func (e *Engine) Close(orderID string) (domain.Auction, []domain.Bid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.auctions[orderID]
	if !ok {
		return domain.Auction{}, nil, domain.ErrAuctionNotFound
	}
	ent.closed = true

	bids := make([]domain.Bid, 0, len(ent.bids))
	for _, b := range ent.bids {
		if b.Active {
			bids = append(bids, *b)
		}
	}
	Rank(bids)
	if len(bids) == 0 {
		ent.auction.Status = domain.AuctionExpired
		metrics.AuctionsClosed.WithLabelValues("expired").Inc()
	}
	return ent.auction, bids, nil
}

// MarkWinner records the chosen bid.
func (e *Engine) MarkWinner(orderID, bidID string) (domain.Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.auctions[orderID]
	if !ok {
		return domain.Auction{}, domain.ErrAuctionNotFound
	}
	ent.auction.WinningBidID = bidID
	ent.auction.Status = domain.AuctionWon
	metrics.AuctionsClosed.WithLabelValues("won").Inc()
	return ent.auction, nil
}

// MarkExhausted closes an auction whose bids were all unfillable.
func (e *Engine) MarkExhausted(orderID string) (domain.Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.auctions[orderID]
	if !ok {
		return domain.Auction{}, domain.ErrAuctionNotFound
	}
	ent.auction.Status = domain.AuctionExpired
	metrics.AuctionsClosed.WithLabelValues("unfillable").Inc()
	return ent.auction, nil
}

// Cancel stops an auction at the maker's request.
func (e *Engine) Cancel(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.auctions[orderID]; ok {
		ent.closed = true
		ent.auction.Status = domain.AuctionCancelled
		metrics.AuctionsClosed.WithLabelValues("cancelled").Inc()
	}
}

// Remove forgets the auction.
func (e *Engine) Remove(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.auctions, orderID)
}

// Snapshot returns the auction and its active bids, ranked.
func (e *Engine) Snapshot(orderID string) (domain.Auction, []domain.Bid, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.auctions[orderID]
	if !ok {
		return domain.Auction{}, nil, false
	}
	bids := make([]domain.Bid, 0, len(ent.bids))
	for _, b := range ent.bids {
		if b.Active {
			bids = append(bids, *b)
		}
	}
	Rank(bids)
	return ent.auction, bids, true
}

// Rank sorts bids best first: highest rate, then earliest submission, then
// lexicographically smallest resolver.
func Rank(bids []domain.Bid) {
	sort.SliceStable(bids, func(i, j int) bool {
		ri, rj := bids[i].Rate(), bids[j].Rate()
		if ri != rj {
			return ri > rj
		}
		if !bids[i].SubmittedAt.Equal(bids[j].SubmittedAt) {
			return bids[i].SubmittedAt.Before(bids[j].SubmittedAt)
		}
		return bids[i].Resolver < bids[j].Resolver
	})
}
