// Package orderbook admits signed maker orders into the relayer.
package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// Verifier derives order IDs and checks maker signatures.
type Verifier interface {
	OrderID(o domain.Order) (string, error)
	VerifyOrder(o domain.Order) error
}

// Acceptor receives orders that passed validation. The coordinator implements
// it and opens the auction.
type Acceptor interface {
	Accept(ctx context.Context, orderID string, o domain.Order) error
}

// Config holds admission rules.
type Config struct {
	MinSourceAmount *big.Int
	SrcChain        string
	DstChain        string
}

// Book validates and stores orders. It never touches a ledger.
type Book struct {
	cfg      Config
	verifier Verifier
	states   domain.OrderStateStore
	acceptor Acceptor
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	orders map[string]domain.Order
}

// New creates a Book. states is consulted for duplicates across restarts.
func New(cfg Config, verifier Verifier, states domain.OrderStateStore, acceptor Acceptor, logger *slog.Logger) *Book {
	if cfg.MinSourceAmount == nil {
		cfg.MinSourceAmount = new(big.Int)
	}
	return &Book{
		cfg:      cfg,
		verifier: verifier,
		states:   states,
		acceptor: acceptor,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "orderbook")),
		orders:   make(map[string]domain.Order),
	}
}

// Submit validates o, stores it and hands it to the acceptor. It returns the
// order ID on success.
func (b *Book) Submit(ctx context.Context, o domain.Order) (string, error) {
	id, err := b.validate(ctx, o)
	if err != nil {
		b.logger.InfoContext(ctx, "order rejected",
			slog.String("maker", o.Maker),
			slog.String("reason", domain.ReasonCode(err)),
			slog.String("error", err.Error()),
		)
		return id, err
	}

	b.mu.Lock()
	if _, dup := b.orders[id]; dup {
		b.mu.Unlock()
		return id, domain.ErrDuplicateOrder
	}
	b.orders[id] = o
	b.mu.Unlock()

	if err := b.acceptor.Accept(ctx, id, o); err != nil {
		b.mu.Lock()
		delete(b.orders, id)
		b.mu.Unlock()
		return id, fmt.Errorf("orderbook: accept %s: %w", id, err)
	}

	b.logger.InfoContext(ctx, "order accepted",
		slog.String("order_id", id),
		slog.String("maker", o.Maker),
		slog.String("making_amount", o.MakingAmount.String()),
	)
	return id, nil
}

// Get returns a stored order.
func (b *Book) Get(orderID string) (domain.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	return o, ok
}

// Forget drops an archived order from memory.
func (b *Book) Forget(orderIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range orderIDs {
		delete(b.orders, id)
	}
}

// Restore re-registers orders recovered from persistent state.
func (b *Book) Restore(states []domain.OrderState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range states {
		b.orders[st.OrderID] = st.Order
	}
}

func (b *Book) validate(ctx context.Context, o domain.Order) (string, error) {
	if err := o.CheckAmounts(); err != nil {
		return "", err
	}
	if o.SrcChain != b.cfg.SrcChain || o.DstChain != b.cfg.DstChain {
		return "", fmt.Errorf("%w: unsupported chain pair %s->%s", domain.ErrMalformedOrder, o.SrcChain, o.DstChain)
	}

	id, err := b.verifier.OrderID(o)
	if err != nil {
		return "", err
	}
	if err := b.verifier.VerifyOrder(o); err != nil {
		return id, err
	}
	if !b.now().Before(o.DeadlineTime()) {
		return id, domain.ErrDeadlinePassed
	}
	if o.MakingAmount.Cmp(b.cfg.MinSourceAmount) < 0 {
		return id, fmt.Errorf("%w: %s < %s", domain.ErrAmountTooSmall, o.MakingAmount, b.cfg.MinSourceAmount)
	}

	b.mu.Lock()
	_, dup := b.orders[id]
	b.mu.Unlock()
	if dup {
		return id, domain.ErrDuplicateOrder
	}
	if b.states != nil {
		_, err := b.states.Get(ctx, id)
		switch {
		case err == nil:
			return id, domain.ErrDuplicateOrder
		case !errors.Is(err, domain.ErrNotFound):
			return id, fmt.Errorf("orderbook: duplicate check: %w", err)
		}
	}
	return id, nil
}
