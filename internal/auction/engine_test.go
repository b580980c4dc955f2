package auction

import (
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

func newTestEngine(t *testing.T, now *time.Time) *Engine {
	t.Helper()
	e := NewEngine(Config{Duration: 30 * time.Second, StartPremiumBps: 500},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.SetClock(func() time.Time { return *now })
	return e
}

func testOrder(now time.Time) domain.Order {
	return domain.Order{
		MakingAmount:    big.NewInt(1_000_000),
		MinTakingAmount: big.NewInt(1_000_000),
		Deadline:        now.Add(time.Hour).Unix(),
	}
}

func bidAt(orderID, resolver string, in, out int64) domain.Bid {
	return domain.Bid{
		OrderID:      orderID,
		Resolver:     resolver,
		InputAmount:  big.NewInt(in),
		OutputAmount: big.NewInt(out),
		FeeEstimate:  big.NewInt(0),
	}
}

func TestOpen_CeilingDecaysToFloor(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	e := newTestEngine(t, &now)

	a, err := e.Open("o1", testOrder(now), now)
	require.NoError(t, err)
	assert.InDelta(t, 1.05, a.StartRate, 1e-9)
	assert.InDelta(t, 1.0, a.FloorRate, 1e-9)
	assert.Equal(t, 30*time.Second, a.Duration)

	assert.InDelta(t, 1.05, a.Ceiling(now), 1e-9)
	assert.InDelta(t, 1.025, a.Ceiling(now.Add(15*time.Second)), 1e-9)
	assert.InDelta(t, 1.0, a.Ceiling(now.Add(time.Minute)), 1e-9)
}

func TestOpen_DurationCappedByDeadline(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	e := newTestEngine(t, &now)
	o := testOrder(now)
	o.Deadline = now.Add(10 * time.Second).Unix()

	a, err := e.Open("o1", o, now)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, a.Duration)

	_, err = e.Open("o1", o, now)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	o.Deadline = now.Unix()
	_, err = e.Open("o2", o, now)
	assert.ErrorIs(t, err, domain.ErrDeadlinePassed)
}

func TestSubmitBid_Validation(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	e := newTestEngine(t, &now)
	_, err := e.Open("o1", testOrder(now), now)
	require.NoError(t, err)

	_, err = e.SubmitBid(bidAt("missing", "r1", 1_000_000, 1_100_000))
	assert.ErrorIs(t, err, domain.ErrAuctionNotFound)

	_, err = e.SubmitBid(bidAt("o1", "r1", 0, 1_100_000))
	assert.ErrorIs(t, err, domain.ErrMalformedBid)

	_, err = e.SubmitBid(bidAt("o1", "r1", 1_000_000, 1_040_000))
	assert.ErrorIs(t, err, domain.ErrRateBelowCeiling)

	// Same bid clears once the ceiling has decayed past it.
	now = now.Add(10 * time.Second)
	b, err := e.SubmitBid(bidAt("o1", "r1", 1_000_000, 1_040_000))
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.True(t, b.Active)
	assert.Equal(t, now, b.SubmittedAt)

	now = now.Add(time.Minute)
	_, err = e.SubmitBid(bidAt("o1", "r2", 1_000_000, 1_100_000))
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)
}

func TestSubmitBid_Rebid(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	e := newTestEngine(t, &now)
	_, err := e.Open("o1", testOrder(now), now)
	require.NoError(t, err)

	_, err = e.SubmitBid(bidAt("o1", "r1", 1_000_000, 1_060_000))
	require.NoError(t, err)

	_, err = e.SubmitBid(bidAt("o1", "r1", 1_000_000, 1_055_000))
	assert.ErrorIs(t, err, domain.ErrConflictingBid)

	improved, err := e.SubmitBid(bidAt("o1", "r1", 1_000_000, 1_070_000))
	require.NoError(t, err)

	_, bids, ok := e.Snapshot("o1")
	require.True(t, ok)
	require.Len(t, bids, 1)
	assert.Equal(t, improved.ID, bids[0].ID)
}

func TestClose_RanksBids(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	e := newTestEngine(t, &now)
	_, err := e.Open("o1", testOrder(now), now)
	require.NoError(t, err)

	_, err = e.SubmitBid(bidAt("o1", "rB", 1_000_000, 1_060_000))
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = e.SubmitBid(bidAt("o1", "rA", 1_000_000, 1_060_000))
	require.NoError(t, err)
	_, err = e.SubmitBid(bidAt("o1", "rC", 1_000_000, 1_080_000))
	require.NoError(t, err)

	assert.Empty(t, e.Due(now))
	now = now.Add(30 * time.Second)
	assert.Equal(t, []string{"o1"}, e.Due(now))

	a, bids, err := e.Close("o1")
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionOpen, a.Status)
	require.Len(t, bids, 3)
	assert.Equal(t, "rC", bids[0].Resolver)
	assert.Equal(t, "rB", bids[1].Resolver) // same rate, earlier
	assert.Equal(t, "rA", bids[2].Resolver)
	assert.Empty(t, e.Due(now))

	a, err = e.MarkWinner("o1", bids[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AuctionWon, a.Status)
	assert.Equal(t, bids[0].ID, a.WinningBidID)
}

func TestClose_NoBidsExpires(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	e := newTestEngine(t, &now)
	_, err := e.Open("o1", testOrder(now), now)
	require.NoError(t, err)

	a, bids, err := e.Close("o1")
	require.NoError(t, err)
	assert.Empty(t, bids)
	assert.Equal(t, domain.AuctionExpired, a.Status)
}

func TestRank_TieBreakOnResolver(t *testing.T) {
	at := time.Unix(1_800_000_000, 0)
	bids := []domain.Bid{
		{Resolver: "z", InputAmount: big.NewInt(10), OutputAmount: big.NewInt(11), SubmittedAt: at},
		{Resolver: "a", InputAmount: big.NewInt(10), OutputAmount: big.NewInt(11), SubmittedAt: at},
	}
	Rank(bids)
	assert.Equal(t, "a", bids[0].Resolver)
}

func TestCancel(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	e := newTestEngine(t, &now)
	_, err := e.Open("o1", testOrder(now), now)
	require.NoError(t, err)

	e.Cancel("o1")
	_, err = e.SubmitBid(bidAt("o1", "r1", 1_000_000, 1_100_000))
	assert.ErrorIs(t, err, domain.ErrAuctionClosed)
	assert.Empty(t, e.Due(now.Add(time.Hour)))

	e.Remove("o1")
	_, _, ok := e.Snapshot("o1")
	assert.False(t, ok)
}
