package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fusionrelay/internal/auction"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/store/memory"
)

type fakeOrders struct {
	err error
	got []domain.Order
}

func (f *fakeOrders) Submit(_ context.Context, o domain.Order) (string, error) {
	f.got = append(f.got, o)
	return "0xabc", f.err
}

type fakeCoordinator struct {
	states    map[string]domain.OrderState
	cancelled []string
	cancelErr error
}

func (f *fakeCoordinator) Get(_ context.Context, id string) (domain.OrderState, error) {
	st, ok := f.states[id]
	if !ok {
		return domain.OrderState{}, domain.ErrNotFound
	}
	return st, nil
}

func (f *fakeCoordinator) Cancel(_ context.Context, id, _ string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeCoordinator) Subscribe(string) (<-chan domain.StateChange, func()) {
	ch := make(chan domain.StateChange)
	return ch, func() {}
}

// countingLimiter allows the first n calls per key.
type countingLimiter struct {
	n     int
	calls map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	if l.calls == nil {
		l.calls = make(map[string]int)
	}
	l.calls[key]++
	return l.calls[key] <= l.n, nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func openAuction(t *testing.T) *auction.Engine {
	t.Helper()
	eng := auction.NewEngine(auction.Config{Duration: time.Minute, StartPremiumBps: 500}, discard())
	_, err := eng.Open("order-1", domain.Order{
		MakingAmount:    big.NewInt(1_000_000),
		MinTakingAmount: big.NewInt(1_000_000),
		Deadline:        time.Now().Add(time.Hour).Unix(),
	}, time.Now())
	require.NoError(t, err)
	return eng
}

func bid(resolver string) domain.Bid {
	return domain.Bid{
		OrderID:      "order-1",
		Resolver:     resolver,
		InputAmount:  big.NewInt(1_000_000),
		OutputAmount: big.NewInt(1_100_000),
	}
}

func TestSubmitBidRateLimitedPerResolver(t *testing.T) {
	ctx := context.Background()
	limiter := &countingLimiter{n: 1}
	svc := NewRelayerService(&fakeOrders{}, openAuction(t), &fakeCoordinator{}, limiter,
		BidLimit{Limit: 1, Window: time.Second}, nil, discard())

	b, err := svc.SubmitBid(ctx, bid("r1"))
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.True(t, b.Active)

	_, err = svc.SubmitBid(ctx, bid("r1"))
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = svc.SubmitBid(ctx, bid("r2"))
	assert.NoError(t, err)

	_, err = svc.SubmitBid(ctx, bid(""))
	assert.ErrorIs(t, err, domain.ErrMalformedBid)
}

func TestSubmitBidWithoutLimiter(t *testing.T) {
	svc := NewRelayerService(&fakeOrders{}, openAuction(t), &fakeCoordinator{}, nil, BidLimit{}, nil, discard())
	for i := 0; i < 3; i++ {
		_, err := svc.SubmitBid(context.Background(), bid("r1"))
		require.NoError(t, err)
	}
	low := bid("r1")
	low.OutputAmount = big.NewInt(900_000)
	_, err := svc.SubmitBid(context.Background(), low)
	assert.ErrorIs(t, err, domain.ErrRateBelowCeiling)
}

func TestOrderPassthrough(t *testing.T) {
	ctx := context.Background()
	orders := &fakeOrders{err: domain.ErrDeadlinePassed}
	coord := &fakeCoordinator{states: map[string]domain.OrderState{
		"order-1": {OrderID: "order-1", Status: domain.StatusSourceLocked},
	}}
	svc := NewRelayerService(orders, openAuction(t), coord, nil, BidLimit{}, nil, discard())

	_, err := svc.SubmitOrder(ctx, domain.Order{Maker: "0x1"})
	assert.ErrorIs(t, err, domain.ErrDeadlinePassed)
	assert.Len(t, orders.got, 1)

	st, err := svc.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSourceLocked, st.Status)
	_, err = svc.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, svc.CancelOrder(ctx, "order-1", "0xsig"))
	assert.Equal(t, []string{"order-1"}, coord.cancelled)

	coord.cancelErr = domain.ErrNotCancellable
	assert.ErrorIs(t, svc.CancelOrder(ctx, "order-1", "0xsig"), domain.ErrNotCancellable)
}

func TestHealthAndAudit(t *testing.T) {
	ctx := context.Background()
	audit := memory.NewAuditStore(10)
	require.NoError(t, audit.Log(ctx, "order_accepted", map[string]any{"order_id": "order-1"}))

	svc := NewRelayerService(&fakeOrders{}, openAuction(t), &fakeCoordinator{}, nil, BidLimit{}, audit, discard()).
		WithHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") }).
		WithHealthCheck("postgres", func(context.Context) error { return nil })

	deps, ok := svc.Health(ctx)
	assert.False(t, ok)
	require.Len(t, deps, 2)
	assert.Equal(t, "postgres", deps[0].Name)
	assert.True(t, deps[0].OK)
	assert.Equal(t, "connection refused", deps[1].Error)

	entries, err := svc.Audit(ctx, domain.ListOpts{Limit: 5})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "order_accepted", entries[0].Event)
}
