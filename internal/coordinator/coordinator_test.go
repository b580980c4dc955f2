package coordinator

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fusionrelay/internal/auction"
	"github.com/alanyoungcy/fusionrelay/internal/crypto"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/planner"
	"github.com/alanyoungcy/fusionrelay/internal/store/memory"
	"github.com/alanyoungcy/fusionrelay/internal/vault"
)

var (
	sealerOnce sync.Once
	sealer     *crypto.Sealer
)

func testSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	sealerOnce.Do(func() {
		s, err := crypto.NewSealer("coordinator-test", "000102030405060708090a0b0c0d0e0f")
		require.NoError(t, err)
		sealer = s
	})
	return sealer
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// recordingExecutor accepts every new action and remembers it; tests play
// the ledger's answers back through HandleResult.
type recordingExecutor struct {
	mu      sync.Mutex
	held    map[string]bool
	actions []domain.Action
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{held: make(map[string]bool)}
}

func (r *recordingExecutor) Submit(_ context.Context, a domain.Action) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held[a.IdempotencyKey()] {
		return false, nil
	}
	r.held[a.IdempotencyKey()] = true
	r.actions = append(r.actions, a)
	return true, nil
}

func (r *recordingExecutor) Release(_ context.Context, a domain.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, a.IdempotencyKey())
	return nil
}

func (r *recordingExecutor) count(leg domain.Leg, kind domain.ActionKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.actions {
		if a.Leg == leg && a.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingExecutor) last(leg domain.Leg, kind domain.ActionKind) (domain.Action, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.actions) - 1; i >= 0; i-- {
		if a := r.actions[i]; a.Leg == leg && a.Kind == kind {
			return a, true
		}
	}
	return domain.Action{}, false
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAlerts) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerts) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		SourceTimeout:        2 * time.Hour,
		SafetyMargin:         time.Hour,
		TimelockGuard:        time.Minute,
		MinDestinationWindow: 15 * time.Minute,
		MinTimelock:          time.Hour,
		MaxTimelock:          48 * time.Hour,
		InboxSize:            64,
		EventBufferTTL:       2 * time.Minute,
		SweepInterval:        time.Hour,
		UnobservedLockGrace:  10 * time.Minute,
	}
}

type harness struct {
	c      *Coordinator
	clock  *clock
	exec   *recordingExecutor
	alerts *recordingAlerts
	engine *auction.Engine
	vault  *vault.Vault
	states *memory.OrderStateStore
	audit  *memory.AuditStore
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &clock{t: time.Unix(1_800_000_000, 0)}
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		clock:  clk,
		exec:   newRecordingExecutor(),
		alerts: &recordingAlerts{},
		engine: auction.NewEngine(auction.Config{Duration: 30 * time.Second, StartPremiumBps: 500}, logger),
		vault:  vault.New(memory.NewSecretStore(), testSealer(t), logger),
		states: memory.NewOrderStateStore(),
		audit:  memory.NewAuditStore(1000),
	}
	h.engine.SetClock(clk.Now)
	h.c = New(cfg, Deps{
		Auctions: h.engine,
		Planner:  planner.New(planner.Config{MinFillRatio: 0.1, RatioStep: 0.01}),
		Vault:    h.vault,
		Executor: h.exec,
		States:   h.states,
		Audit:    h.audit,
		Alerts:   h.alerts,
	}, logger)
	h.c.SetClock(clk.Now)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.c.Run(ctx) }()
	return h
}

func (h *harness) order() domain.Order {
	return domain.Order{
		Maker:            "maker",
		MakingAmount:     big.NewInt(1_000_000),
		MinTakingAmount:  big.NewInt(1_000_000),
		Deadline:         h.clock.Now().Add(time.Hour).Unix(),
		Receiver:         "receiver",
		Salt:             big.NewInt(1),
		SrcChain:         "eos",
		DstChain:         "algorand",
		AllowPartialFill: true,
	}
}

func (h *harness) status(t *testing.T, id string) domain.OrderStatus {
	t.Helper()
	st, err := h.c.Get(context.Background(), id)
	require.NoError(t, err)
	return st.Status
}

func (h *harness) waitStatus(t *testing.T, id string, want domain.OrderStatus) domain.OrderState {
	t.Helper()
	require.Eventually(t, func() bool { return h.status(t, id) == want },
		2*time.Second, 5*time.Millisecond, "waiting for %s", want)
	st, err := h.c.Get(context.Background(), id)
	require.NoError(t, err)
	return st
}

// toSourceLocking accepts an order, places a winning bid and closes the auction.
func (h *harness) toSourceLocking(t *testing.T, id string) domain.OrderState {
	t.Helper()
	require.NoError(t, h.c.Accept(context.Background(), id, h.order()))
	_, err := h.engine.SubmitBid(domain.Bid{
		OrderID:      id,
		Resolver:     "resolver",
		InputAmount:  big.NewInt(1_000_000),
		OutputAmount: big.NewInt(1_060_000),
		FeeEstimate:  big.NewInt(2_000),
	})
	require.NoError(t, err)
	h.clock.Advance(31 * time.Second)
	h.c.Sweep(h.clock.Now())
	return h.waitStatus(t, id, domain.StatusSourceLocking)
}

func (h *harness) event(st domain.OrderState, leg domain.Leg, kind domain.EventKind, legID string) domain.ChainEvent {
	chain := st.Source.Chain
	if leg == domain.LegDestination {
		chain = st.Destination.Chain
	}
	return domain.ChainEvent{
		EventID:  chain + ":" + legID + ":" + string(kind),
		Chain:    chain,
		LegID:    legID,
		Hashlock: st.Source.Hashlock,
		Kind:     kind,
	}
}

// toDestinationLocked drives an order through both lock confirmations.
func (h *harness) toDestinationLocked(t *testing.T, id string) domain.OrderState {
	t.Helper()
	st := h.toSourceLocking(t, id)

	lock, ok := h.exec.last(domain.LegSource, domain.ActionLock)
	require.True(t, ok)
	h.c.HandleResult(domain.ActionResult{Action: lock, Outcome: domain.OutcomeSubmitted, LegID: "src-leg", TxRef: "tx1"})
	h.c.HandleEvent(h.event(st, domain.LegSource, domain.EventLockConfirmed, "src-leg"))
	st = h.waitStatus(t, id, domain.StatusDestinationLocking)

	lock, ok = h.exec.last(domain.LegDestination, domain.ActionLock)
	require.True(t, ok)
	h.c.HandleResult(domain.ActionResult{Action: lock, Outcome: domain.OutcomeSubmitted, LegID: "dst-leg", TxRef: "tx2"})
	h.c.HandleEvent(h.event(st, domain.LegDestination, domain.EventLockConfirmed, "dst-leg"))
	return h.waitStatus(t, id, domain.StatusDestinationLocked)
}

func TestCheckTimelocks(t *testing.T) {
	cfg := testConfig()
	now := time.Unix(1_800_000_000, 0)
	src := now.Add(7200 * time.Second)
	dst := src.Add(-cfg.SafetyMargin - cfg.TimelockGuard)

	require.NoError(t, cfg.CheckTimelocks(now, src, dst))
	assert.True(t, dst.Before(now.Add(3600*time.Second)))

	assert.ErrorIs(t, cfg.CheckTimelocks(now, src, src.Add(-cfg.SafetyMargin)), domain.ErrTimelockInvariant)
	assert.ErrorIs(t, cfg.CheckTimelocks(now, now.Add(30*time.Minute), now.Add(-time.Hour)), domain.ErrTimelockBounds)
	assert.ErrorIs(t, cfg.CheckTimelocks(now, now.Add(72*time.Hour), now), domain.ErrTimelockBounds)
	assert.ErrorIs(t, cfg.CheckTimelocks(now, now.Add(70*time.Minute), now.Add(5*time.Minute)), domain.ErrTimelockInvariant)
}

func TestNoBidExpiresAndIsCancellable(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Accept(context.Background(), "o1", h.order()))

	h.clock.Advance(time.Minute)
	h.c.Sweep(h.clock.Now())
	st := h.waitStatus(t, "o1", domain.StatusExpired)
	assert.Equal(t, "no_bid", st.Reason)
	assert.Equal(t, domain.LegNone, st.Source.State)
	assert.Zero(t, h.exec.count(domain.LegSource, domain.ActionLock))

	require.NoError(t, h.c.Cancel(context.Background(), "o1", "sig"))
	assert.Equal(t, domain.StatusCancelled, h.status(t, "o1"))
	assert.ErrorIs(t, h.c.Cancel(context.Background(), "o1", "sig"), domain.ErrNotCancellable)
}

func TestWinningBidLocksSource(t *testing.T) {
	h := newHarness(t, nil)
	st := h.toSourceLocking(t, "o1")

	assert.Equal(t, st.Source.Hashlock, st.Destination.Hashlock)
	assert.False(t, st.Source.Hashlock.IsZero())
	assert.Equal(t, h.clock.Now().Add(2*time.Hour), st.Source.Timelock)
	assert.True(t, st.Destination.Timelock.Before(st.Source.Timelock.Add(-time.Hour)))
	assert.Equal(t, int64(1_000_000), st.FilledAmount.Int64())
	assert.Equal(t, int64(1_060_000), st.Destination.Amount.Int64())
	assert.Equal(t, "maker", st.Source.Depositor)
	assert.Equal(t, "resolver", st.Source.Beneficiary)
	assert.Equal(t, "resolver", st.Destination.Depositor)
	assert.Equal(t, "receiver", st.Destination.Beneficiary)
	assert.True(t, h.c.Filter().Match(domain.ChainEvent{Hashlock: st.Source.Hashlock}))

	err := h.c.Cancel(context.Background(), "o1", "sig")
	assert.ErrorIs(t, err, domain.ErrNotCancellable)
}

func TestTimelockInvariantMakesOrderUnfillable(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MinDestinationWindow = 3 * time.Hour })
	require.NoError(t, h.c.Accept(context.Background(), "o1", h.order()))
	_, err := h.engine.SubmitBid(domain.Bid{OrderID: "o1", Resolver: "r", InputAmount: big.NewInt(1_000_000), OutputAmount: big.NewInt(1_100_000)})
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	h.c.Sweep(h.clock.Now())

	st := h.waitStatus(t, "o1", domain.StatusUnfillable)
	assert.Equal(t, "timelock_invariant", st.Reason)
	assert.Zero(t, h.exec.count(domain.LegSource, domain.ActionLock))
	require.Eventually(t, func() bool { return h.alerts.has(AlertInvariantViolation) }, time.Second, 5*time.Millisecond)
}

func TestOutOfOrderRevealIsBufferedThenSettles(t *testing.T) {
	h := newHarness(t, nil)
	st := h.toSourceLocking(t, "o1")

	lock, _ := h.exec.last(domain.LegSource, domain.ActionLock)
	h.c.HandleResult(domain.ActionResult{Action: lock, Outcome: domain.OutcomeSubmitted, LegID: "src-leg"})
	h.c.HandleEvent(h.event(st, domain.LegSource, domain.EventLockConfirmed, "src-leg"))
	// Duplicate delivery must not move anything twice.
	h.c.HandleEvent(h.event(st, domain.LegSource, domain.EventLockConfirmed, "src-leg"))
	st = h.waitStatus(t, "o1", domain.StatusDestinationLocking)
	assert.Equal(t, 1, h.exec.count(domain.LegDestination, domain.ActionLock))

	secret, err := h.vault.Secret(context.Background(), "o1")
	require.NoError(t, err)
	reveal := h.event(st, domain.LegDestination, domain.EventSecretRevealed, "dst-leg")
	reveal.Secret = secret
	h.c.HandleEvent(reveal)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.StatusDestinationLocking, h.status(t, "o1"))

	h.c.HandleEvent(h.event(st, domain.LegDestination, domain.EventLockConfirmed, "dst-leg"))
	st = h.waitStatus(t, "o1", domain.StatusClaiming)
	assert.Equal(t, domain.LegClaimed, st.Destination.State)

	claim, ok := h.exec.last(domain.LegSource, domain.ActionClaim)
	require.True(t, ok)
	assert.Equal(t, secret, claim.Secret)
	assert.Equal(t, "src-leg", claim.LegID)

	h.c.HandleResult(domain.ActionResult{Action: claim, Outcome: domain.OutcomeSubmitted, LegID: "src-leg", TxRef: "tx-claim"})
	st = h.waitStatus(t, "o1", domain.StatusSettled)
	assert.Equal(t, domain.LegClaimed, st.Source.State)
	assert.False(t, h.c.Filter().Match(domain.ChainEvent{Hashlock: st.Source.Hashlock}))

	rec, err := h.states.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSettled, rec.Status)
}

func TestAutoRevealClaimsDestination(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoReveal = true })
	h.toDestinationLocked(t, "o1")

	require.Eventually(t, func() bool { return h.exec.count(domain.LegDestination, domain.ActionClaim) == 1 },
		time.Second, 5*time.Millisecond)
	claim, _ := h.exec.last(domain.LegDestination, domain.ActionClaim)
	h.c.HandleResult(domain.ActionResult{Action: claim, Outcome: domain.OutcomeSubmitted, LegID: "dst-leg"})
	h.waitStatus(t, "o1", domain.StatusClaiming)
	assert.Equal(t, 1, h.exec.count(domain.LegSource, domain.ActionClaim))
}

func TestDestinationRefundSubmittedExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)
	st := h.toDestinationLocked(t, "o1")

	h.clock.Set(st.Destination.Timelock.Add(time.Second))
	h.c.Sweep(h.clock.Now())
	h.c.Sweep(h.clock.Now())
	h.waitStatus(t, "o1", domain.StatusRefunding)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.exec.count(domain.LegDestination, domain.ActionRefund))
	assert.Zero(t, h.exec.count(domain.LegSource, domain.ActionRefund))

	refund, _ := h.exec.last(domain.LegDestination, domain.ActionRefund)
	h.c.HandleResult(domain.ActionResult{Action: refund, Outcome: domain.OutcomeSubmitted, LegID: "dst-leg"})
	require.Eventually(t, func() bool {
		st, _ := h.c.Get(context.Background(), "o1")
		return st.Destination.State == domain.LegRefunded
	}, time.Second, 5*time.Millisecond)
	h.c.Sweep(h.clock.Now())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.exec.count(domain.LegDestination, domain.ActionRefund))

	h.clock.Set(st.Source.Timelock)
	h.c.Sweep(h.clock.Now())
	require.Eventually(t, func() bool { return h.exec.count(domain.LegSource, domain.ActionRefund) == 1 },
		time.Second, 5*time.Millisecond)
	refund, _ = h.exec.last(domain.LegSource, domain.ActionRefund)
	h.c.HandleResult(domain.ActionResult{Action: refund, Outcome: domain.OutcomeSubmitted, LegID: "src-leg"})

	st = h.waitStatus(t, "o1", domain.StatusRefunded)
	assert.Equal(t, "timelock_expired", st.Reason)
	assert.Zero(t, st.FilledAmount.Sign())
	require.Eventually(t, func() bool { return h.alerts.has(AlertOrderRefunded) }, time.Second, 5*time.Millisecond)
}

func TestStuckRefundIsRetriedBySweep(t *testing.T) {
	h := newHarness(t, nil)
	st := h.toDestinationLocked(t, "o1")

	h.clock.Set(st.Destination.Timelock)
	h.c.Sweep(h.clock.Now())
	require.Eventually(t, func() bool { return h.exec.count(domain.LegDestination, domain.ActionRefund) == 1 },
		time.Second, 5*time.Millisecond)

	refund, _ := h.exec.last(domain.LegDestination, domain.ActionRefund)
	h.c.HandleResult(domain.ActionResult{Action: refund, Outcome: domain.OutcomeStuck, Err: domain.ErrChainUnavailable, Attempts: 6})
	require.Eventually(t, func() bool {
		st, _ := h.c.Get(context.Background(), "o1")
		return st.Destination.Stuck
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.alerts.has(AlertLegStuck) }, time.Second, 5*time.Millisecond)

	h.c.Sweep(h.clock.Now())
	require.Eventually(t, func() bool { return h.exec.count(domain.LegDestination, domain.ActionRefund) == 2 },
		time.Second, 5*time.Millisecond)
}

func TestSourceLockRejectedIsUnfillable(t *testing.T) {
	h := newHarness(t, nil)
	h.toSourceLocking(t, "o1")

	lock, _ := h.exec.last(domain.LegSource, domain.ActionLock)
	h.c.HandleResult(domain.ActionResult{Action: lock, Outcome: domain.OutcomeFailed, Err: domain.ErrInsufficientFunds})
	st := h.waitStatus(t, "o1", domain.StatusUnfillable)
	assert.Equal(t, "insufficient_funds", st.Reason)
	assert.Equal(t, domain.LegFailed, st.Source.State)
	assert.Zero(t, st.FilledAmount.Sign())
}

func TestDestinationLockRejectedAwaitsSourceRefund(t *testing.T) {
	h := newHarness(t, nil)
	st := h.toSourceLocking(t, "o1")

	lock, _ := h.exec.last(domain.LegSource, domain.ActionLock)
	h.c.HandleResult(domain.ActionResult{Action: lock, Outcome: domain.OutcomeSubmitted, LegID: "src-leg"})
	h.c.HandleEvent(h.event(st, domain.LegSource, domain.EventLockConfirmed, "src-leg"))
	h.waitStatus(t, "o1", domain.StatusDestinationLocking)

	lock, _ = h.exec.last(domain.LegDestination, domain.ActionLock)
	h.c.HandleResult(domain.ActionResult{Action: lock, Outcome: domain.OutcomeFailed, Err: domain.ErrInvalidParameters})
	st = h.waitStatus(t, "o1", domain.StatusRefunding)
	assert.Equal(t, "destination_lock_rejected", st.Reason)
	assert.Equal(t, domain.LegFailed, st.Destination.State)

	h.clock.Set(st.Source.Timelock)
	h.c.Sweep(h.clock.Now())
	require.Eventually(t, func() bool { return h.exec.count(domain.LegSource, domain.ActionRefund) == 1 },
		time.Second, 5*time.Millisecond)
	h.c.HandleEvent(h.event(st, domain.LegSource, domain.EventRefundConfirmed, "src-leg"))
	h.waitStatus(t, "o1", domain.StatusRefunded)
}

func TestUnobservedSourceLock(t *testing.T) {
	h := newHarness(t, nil)
	st := h.toSourceLocking(t, "o1")

	h.clock.Set(st.Source.Timelock.Add(10 * time.Minute))
	h.c.Sweep(h.clock.Now())
	st = h.waitStatus(t, "o1", domain.StatusRefunded)
	assert.Equal(t, "source_lock_unobserved", st.Reason)
	assert.Zero(t, st.FilledAmount.Sign())
}

func TestAlreadyClaimedReconciles(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.AutoReveal = true })
	h.toDestinationLocked(t, "o1")
	require.Eventually(t, func() bool { return h.exec.count(domain.LegDestination, domain.ActionClaim) == 1 },
		time.Second, 5*time.Millisecond)

	claim, _ := h.exec.last(domain.LegDestination, domain.ActionClaim)
	h.c.HandleResult(domain.ActionResult{Action: claim, Outcome: domain.OutcomeFailed, Err: domain.ErrAlreadyClaimed})
	require.Eventually(t, func() bool {
		st, _ := h.c.Get(context.Background(), "o1")
		return st.Destination.State == domain.LegClaimed
	}, time.Second, 5*time.Millisecond)

	// The sweep finishes the job with the vault secret.
	h.c.Sweep(h.clock.Now())
	require.Eventually(t, func() bool { return h.exec.count(domain.LegSource, domain.ActionClaim) == 1 },
		time.Second, 5*time.Millisecond)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	h := newHarness(t, nil)
	changes, unsubscribe := h.c.Subscribe("o1")
	defer unsubscribe()

	require.NoError(t, h.c.Accept(context.Background(), "o1", h.order()))
	h.clock.Advance(time.Minute)
	h.c.Sweep(h.clock.Now())

	var got []domain.OrderStatus
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ch := <-changes:
			got = append(got, ch.To)
		case <-timeout:
			t.Fatalf("got %v", got)
		}
	}
	assert.Equal(t, []domain.OrderStatus{domain.StatusPending, domain.StatusExpired}, got)
}

func TestRestoreReloadsActiveOrders(t *testing.T) {
	h := newHarness(t, nil)
	st := h.toSourceLocking(t, "o1")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c2 := New(testConfig(), Deps{
		Auctions: auction.NewEngine(auction.Config{Duration: time.Minute}, logger),
		Planner:  planner.New(planner.Config{}),
		Vault:    h.vault,
		Executor: newRecordingExecutor(),
		States:   h.states,
	}, logger)
	restored, err := c2.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.True(t, c2.Filter().Match(domain.ChainEvent{Hashlock: st.Source.Hashlock}))

	got, err := c2.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSourceLocking, got.Status)
}
