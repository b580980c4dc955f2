// Package coordinator owns every order's state machine: it turns auction
// results into HTLC locks, reacts to ledger events and executor outcomes, and
// drives claims and refunds to a terminal state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/auction"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
	"github.com/alanyoungcy/fusionrelay/internal/planner"
	"github.com/alanyoungcy/fusionrelay/internal/vault"
)

// Config holds the timelock model and coordinator timing.
type Config struct {
	SourceTimeout        time.Duration
	SafetyMargin         time.Duration
	TimelockGuard        time.Duration
	MinDestinationWindow time.Duration
	MinTimelock          time.Duration
	MaxTimelock          time.Duration

	InboxSize           int
	EventBufferTTL      time.Duration
	SweepInterval       time.Duration
	AutoReveal          bool
	LockTTL             time.Duration
	UnobservedLockGrace time.Duration
}

// Executor submits settlement actions. Submit returns false when the action's
// idempotency key is already held.
type Executor interface {
	Submit(ctx context.Context, a domain.Action) (bool, error)
	Release(ctx context.Context, a domain.Action) error
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CancelVerifier checks a maker's cancel signature.
type CancelVerifier func(orderID, maker, signature string) error

// Alert event names.
const (
	AlertLegStuck           = "leg_stuck"
	AlertInvariantViolation = "invariant_violation"
	AlertOrderRefunded      = "order_refunded"
)

// Deps are the coordinator's collaborators. Audit, Locks, Alerts and Bus are
// optional.
type Deps struct {
	Auctions     *auction.Engine
	Planner      *planner.Planner
	Vault        *vault.Vault
	Executor     Executor
	States       domain.OrderStateStore
	VerifyCancel CancelVerifier
	Audit        domain.AuditStore
	Locks        domain.LockManager
	Alerts       Alerter
	Bus          domain.SignalBus
}

type inboxItem struct {
	event  *domain.ChainEvent
	result *domain.ActionResult
}

// Coordinator is the sole mutator of order state. Each order's messages are
// applied in arrival order by at most one goroutine; different orders proceed
// in parallel.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	table  *table
	routes *routes
	broker *broker
	inbox  chan inboxItem

	// ctx scopes mailbox goroutines; replaced by Run.
	ctxMu sync.RWMutex
	ctx   context.Context

	// applied, when set, observes every message after it is applied.
	applied func(orderID string, m message)
}

// New creates a Coordinator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	log := logger.With(slog.String("component", "coordinator"))
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		logger: log,
		now:    time.Now,
		table:  newTable(),
		routes: newRoutes(),
		broker: newBroker(deps.Bus, log),
		inbox:  make(chan inboxItem, cfg.InboxSize),
		ctx:    context.Background(),
	}
}

// SetClock overrides the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Filter returns the live route set monitors subscribe with.
func (c *Coordinator) Filter() domain.EventFilter {
	return c.routes
}

func (c *Coordinator) runCtx() context.Context {
	c.ctxMu.RLock()
	defer c.ctxMu.RUnlock()
	return c.ctx
}

// HandleEvent queues a ledger event. It is the monitors' sink.
func (c *Coordinator) HandleEvent(ev domain.ChainEvent) {
	select {
	case c.inbox <- inboxItem{event: &ev}:
	case <-c.runCtx().Done():
	}
}

// HandleResult queues an executor outcome.
func (c *Coordinator) HandleResult(res domain.ActionResult) {
	select {
	case c.inbox <- inboxItem{result: &res}:
	case <-c.runCtx().Done():
	}
}

// Run routes inbox items to order mailboxes and triggers periodic sweeps
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctxMu.Lock()
	c.ctx = ctx
	c.ctxMu.Unlock()
	c.logger.Info("coordinator started", slog.Int("orders", c.table.len()))
	defer c.logger.Info("coordinator stopped")

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-c.inbox:
			c.route(item)
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

func (c *Coordinator) route(item inboxItem) {
	switch {
	case item.event != nil:
		ev := *item.event
		id, ok := c.routes.lookup(ev)
		if !ok {
			metrics.EventsDropped.WithLabelValues("unknown_order").Inc()
			c.logger.Debug("event for unknown order dropped",
				slog.String("chain", ev.Chain),
				slog.String("leg_id", ev.LegID),
				slog.String("kind", string(ev.Kind)),
			)
			return
		}
		c.enqueue(id, message{kind: msgEvent, event: ev, at: c.now()})
	case item.result != nil:
		c.enqueue(item.result.Action.OrderID, message{kind: msgResult, result: *item.result, at: c.now()})
	}
}

// Sweep schedules auction closes and timelock checks for every live order.
func (c *Coordinator) Sweep(now time.Time) {
	for _, id := range c.deps.Auctions.Due(now) {
		c.enqueue(id, message{kind: msgAuctionDue, at: now})
	}
	for _, sl := range c.table.slots() {
		sl.mu.Lock()
		terminal := sl.state.Status.Terminal()
		sl.mu.Unlock()
		if !terminal {
			c.enqueue(sl.id, message{kind: msgSweep, at: now})
		}
	}
}

// Accept implements orderbook.Acceptor: it records the order as Pending and
// opens its auction.
func (c *Coordinator) Accept(ctx context.Context, orderID string, o domain.Order) error {
	now := c.now()
	st := domain.NewOrderState(orderID, o, now)
	a, err := c.deps.Auctions.Open(orderID, o, now)
	if err != nil {
		return fmt.Errorf("coordinator: open auction: %w", err)
	}
	st.Auction = &a

	if _, ok := c.table.insert(st); !ok {
		c.deps.Auctions.Remove(orderID)
		return domain.ErrDuplicateOrder
	}
	if err := c.deps.States.Save(ctx, st.Clone()); err != nil {
		c.table.remove(orderID)
		c.deps.Auctions.Remove(orderID)
		return fmt.Errorf("coordinator: save %s: %w", orderID, err)
	}

	metrics.OrdersActive.Inc()
	c.audit(ctx, "order_accepted", map[string]any{
		"order_id":      orderID,
		"maker":         o.Maker,
		"making_amount": o.MakingAmount.String(),
	})
	c.broker.publish(ctx, domain.StateChange{OrderID: orderID, To: domain.StatusPending, Version: st.Version, At: now})
	c.logger.InfoContext(ctx, "order pending", slog.String("order_id", orderID), slog.Time("auction_closes", a.ClosesAt()))
	return nil
}

// Cancel cancels a Pending or Expired order on the maker's signed request.
func (c *Coordinator) Cancel(ctx context.Context, orderID, signature string) error {
	sl, ok := c.table.get(orderID)
	if !ok {
		return domain.ErrNotFound
	}
	sl.mu.Lock()
	maker := sl.state.Order.Maker
	sl.mu.Unlock()

	if c.deps.VerifyCancel != nil {
		if err := c.deps.VerifyCancel(orderID, maker, signature); err != nil {
			return err
		}
	}

	reply := make(chan error, 1)
	c.enqueue(orderID, message{kind: msgCancel, at: c.now(), reply: reply})
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a snapshot of the order's state.
func (c *Coordinator) Get(ctx context.Context, orderID string) (domain.OrderState, error) {
	if sl, ok := c.table.get(orderID); ok {
		sl.mu.Lock()
		defer sl.mu.Unlock()
		return sl.state.Clone(), nil
	}
	st, err := c.deps.States.Get(ctx, orderID)
	if err != nil {
		return domain.OrderState{}, err
	}
	return st, nil
}

// Subscribe streams state changes for orderID; an empty orderID receives
// every order's changes. Call the returned function to unsubscribe.
func (c *Coordinator) Subscribe(orderID string) (<-chan domain.StateChange, func()) {
	return c.broker.subscribe(orderID)
}

// Forget drops archived orders from the table.
func (c *Coordinator) Forget(orderIDs ...string) {
	for _, id := range orderIDs {
		sl, ok := c.table.get(id)
		if !ok {
			continue
		}
		sl.mu.Lock()
		terminal := sl.state.Status.Terminal()
		st := sl.state
		sl.mu.Unlock()
		if !terminal {
			continue
		}
		c.routes.drop(st)
		c.deps.Auctions.Remove(id)
		c.table.remove(id)
	}
}

// Restore reloads non-terminal orders after a restart. In-flight locks are
// not resubmitted: their confirmations arrive through the monitors, and
// claims and refunds are re-driven by the sweep.
func (c *Coordinator) Restore(ctx context.Context) ([]domain.OrderState, error) {
	states, err := c.deps.States.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: restore: %w", err)
	}
	restored := make([]domain.OrderState, 0, len(states))
	for i := range states {
		st := states[i]
		if st.Status.Terminal() {
			continue
		}
		if st.FilledAmount == nil {
			st.FilledAmount = new(big.Int)
		}
		ptr := &st
		if _, ok := c.table.insert(ptr); !ok {
			continue
		}
		c.routes.index(ptr)
		if st.Status == domain.StatusPending && st.Auction != nil {
			c.deps.Auctions.Restore(*st.Auction)
		}
		metrics.OrdersActive.Inc()
		restored = append(restored, st)
	}
	c.logger.InfoContext(ctx, "orders restored", slog.Int("count", len(restored)))
	return restored, nil
}

// enqueue appends m to the order's mailbox and starts a drainer if none runs.
func (c *Coordinator) enqueue(orderID string, m message) {
	sl, ok := c.table.get(orderID)
	if !ok {
		if m.reply != nil {
			m.reply <- domain.ErrNotFound
		}
		return
	}
	sl.mu.Lock()
	sl.mailbox = append(sl.mailbox, m)
	start := !sl.running
	sl.running = true
	sl.mu.Unlock()
	if start {
		go c.drain(sl)
	}
}

// drain applies the slot's messages one at a time until the mailbox is empty.
func (c *Coordinator) drain(sl *slot) {
	for {
		sl.mu.Lock()
		if len(sl.mailbox) == 0 {
			sl.running = false
			sl.mu.Unlock()
			return
		}
		m := sl.mailbox[0]
		sl.mailbox = sl.mailbox[1:]
		sl.mu.Unlock()

		if !c.process(sl, m) {
			// Another replica holds the order; retry shortly.
			sl.mu.Lock()
			sl.mailbox = append([]message{m}, sl.mailbox...)
			sl.running = false
			sl.mu.Unlock()
			time.AfterFunc(100*time.Millisecond, func() { c.kick(sl) })
			return
		}
	}
}

func (c *Coordinator) kick(sl *slot) {
	sl.mu.Lock()
	if sl.running || len(sl.mailbox) == 0 {
		sl.mu.Unlock()
		return
	}
	sl.running = true
	sl.mu.Unlock()
	go c.drain(sl)
}

// process applies one message under the optional cross-replica lock. It
// returns false if the lock could not be taken.
func (c *Coordinator) process(sl *slot, m message) bool {
	ctx := c.runCtx()
	if c.deps.Locks != nil {
		unlock, err := c.deps.Locks.Acquire(ctx, "order:"+sl.id, c.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return false
			}
			c.logger.Warn("order lock unavailable, applying locally",
				slog.String("order_id", sl.id), slog.String("error", err.Error()))
		} else {
			defer unlock()
			c.refresh(ctx, sl)
		}
	}

	// Work on a copy so readers never observe a half-applied message.
	sl.mu.Lock()
	work := sl.state.Clone()
	sl.mu.Unlock()

	s := &step{c: c, ctx: ctx, sl: sl, st: &work, now: m.at,
		log: c.logger.With(slog.String("order_id", sl.id))}
	if s.now.IsZero() {
		s.now = c.now()
	}
	s.apply(m)
	s.replay()
	if s.dirty {
		s.persist()
		sl.mu.Lock()
		sl.state = s.st
		sl.mu.Unlock()
	}
	s.flush()
	if c.applied != nil {
		c.applied(sl.id, m)
	}
	return true
}

// refresh adopts the stored snapshot when another replica has saved a newer
// version of the order since this slot last applied a message. Call it only
// while holding the order lock.
func (c *Coordinator) refresh(ctx context.Context, sl *slot) {
	stored, err := c.deps.States.Get(ctx, sl.id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("order reload failed, applying to local state",
				slog.String("order_id", sl.id), slog.String("error", err.Error()))
		}
		return
	}
	if stored.FilledAmount == nil {
		stored.FilledAmount = new(big.Int)
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if stored.Version <= sl.state.Version {
		return
	}
	c.logger.Info("order moved on by another replica",
		slog.String("order_id", sl.id),
		slog.Int64("local_version", sl.state.Version),
		slog.Int64("stored_version", stored.Version))
	c.routes.drop(sl.state)
	sl.state = &stored
	if !stored.Status.Terminal() {
		c.routes.index(sl.state)
	}
}
