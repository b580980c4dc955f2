package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

// CheckTimelocks validates a source/destination timelock pair chosen at now:
// the source timelock lies within [MinTimelock, MaxTimelock], the destination
// timelock sits strictly below source minus SafetyMargin and still leaves
// MinDestinationWindow to act.
func (c Config) CheckTimelocks(now, src, dst time.Time) error {
	if d := src.Sub(now); d < c.MinTimelock || (c.MaxTimelock > 0 && d > c.MaxTimelock) {
		return fmt.Errorf("%w: source timelock %s from now", domain.ErrTimelockBounds, d)
	}
	if !dst.Before(src.Add(-c.SafetyMargin)) {
		return fmt.Errorf("%w: dst %s, src %s, margin %s",
			domain.ErrTimelockInvariant, dst.UTC().Format(time.RFC3339), src.UTC().Format(time.RFC3339), c.SafetyMargin)
	}
	if dst.Sub(now) < c.MinDestinationWindow {
		return fmt.Errorf("%w: destination window %s below %s", domain.ErrTimelockInvariant, dst.Sub(now), c.MinDestinationWindow)
	}
	return nil
}

// closeAuction picks the best fillable bid once bidding ends.
func (s *step) closeAuction() {
	if s.st.Status != domain.StatusPending {
		return
	}
	auctions := s.c.deps.Auctions
	a, bids, err := auctions.Close(s.st.OrderID)
	if err != nil {
		s.log.Warn("close auction failed", slog.String("error", err.Error()))
		return
	}
	if len(bids) == 0 {
		s.st.Auction = &a
		s.transition(domain.StatusExpired, "no_bid")
		return
	}

	for _, bid := range bids {
		plan, err := s.c.deps.Planner.Plan(s.st.Order, s.st.Remaining(), bid)
		if err != nil {
			s.log.Debug("bid not fillable",
				slog.String("bid_id", bid.ID),
				slog.String("resolver", bid.Resolver),
				slog.String("error", err.Error()),
			)
			continue
		}
		if won, err := auctions.MarkWinner(s.st.OrderID, bid.ID); err == nil {
			a = won
		}
		winner := bid
		s.st.Auction = &a
		s.st.WinningBid = &winner
		s.st.FillRatio = plan.Ratio
		metrics.FillRatio.Observe(plan.Ratio)
		s.log.Info("auction won",
			slog.String("resolver", bid.Resolver),
			slog.Float64("rate", bid.Rate()),
			slog.Float64("fill_ratio", plan.Ratio),
			slog.String("source_amount", plan.SourceAmount.String()),
		)
		s.lockSource(winner, plan.SourceAmount, plan.DestinationAmount)
		return
	}

	if exhausted, err := auctions.MarkExhausted(s.st.OrderID); err == nil {
		a = exhausted
	}
	s.st.Auction = &a
	s.transition(domain.StatusUnfillable, "no_profitable_bid")
}

// lockSource fixes the timelocks, commits the hashlock and submits the
// maker's lock.
func (s *step) lockSource(bid domain.Bid, src, dst *big.Int) {
	cfg := s.c.cfg
	srcT := s.now.Add(cfg.SourceTimeout)
	dstT := srcT.Add(-cfg.SafetyMargin - cfg.TimelockGuard)
	if err := cfg.CheckTimelocks(s.now, srcT, dstT); err != nil {
		s.violation(err)
		s.transition(domain.StatusUnfillable, "timelock_invariant")
		return
	}

	if err := s.st.Reserve(src); err != nil {
		s.violation(err)
		s.transition(domain.StatusUnfillable, domain.ReasonCode(err))
		return
	}

	h, err := s.c.deps.Vault.Generate(s.ctx, s.st.OrderID)
	if err != nil {
		s.st.Release(src)
		s.log.Error("hashlock generation failed", slog.String("error", err.Error()))
		s.transition(domain.StatusUnfillable, "vault_unavailable")
		return
	}

	s.st.Source = domain.HTLC{
		Leg:         domain.LegSource,
		Chain:       s.st.Order.SrcChain,
		Hashlock:    h,
		Timelock:    srcT,
		Amount:      src,
		Depositor:   s.st.Order.Maker,
		Beneficiary: bid.Resolver,
		State:       domain.LegLocking,
	}
	s.st.Destination = domain.HTLC{
		Leg:         domain.LegDestination,
		Chain:       s.st.Order.DstChain,
		Hashlock:    h,
		Timelock:    dstT,
		Amount:      dst,
		Depositor:   bid.Resolver,
		Beneficiary: s.st.Order.Receiver,
		State:       domain.LegNone,
	}
	s.c.routes.addHashlock(h, s.st.OrderID)
	s.transition(domain.StatusSourceLocking, "")
	s.submit(lockAction(&s.st.Source, s.st.OrderID))
}

// lockDestination submits the resolver's lock once the source is locked.
func (s *step) lockDestination() {
	dst := &s.st.Destination
	if dst.State != domain.LegNone {
		return
	}
	cfg := s.c.cfg
	if window := dst.Timelock.Sub(s.now); window < cfg.MinDestinationWindow {
		s.log.Warn("destination window too short, awaiting source refund",
			slog.Duration("window", window))
		s.transition(domain.StatusRefunding, "destination_window_elapsed")
		return
	}
	if !dst.Timelock.Before(s.st.Source.Timelock.Add(-cfg.SafetyMargin)) || dst.Hashlock != s.st.Source.Hashlock {
		s.violation(fmt.Errorf("%w: before destination lock", domain.ErrTimelockInvariant))
		s.transition(domain.StatusRefunding, "timelock_invariant")
		return
	}
	dst.State = domain.LegLocking
	s.transition(domain.StatusDestinationLocking, "")
	s.submit(lockAction(dst, s.st.OrderID))
}

func lockAction(h *domain.HTLC, orderID string) domain.Action {
	return domain.Action{
		OrderID: orderID,
		Leg:     h.Leg,
		Kind:    domain.ActionLock,
		Chain:   h.Chain,
		Lock: &domain.LockRequest{
			OrderID:     orderID,
			Hashlock:    h.Hashlock,
			Timelock:    h.Timelock,
			Amount:      h.Amount,
			Beneficiary: h.Beneficiary,
			Depositor:   h.Depositor,
		},
	}
}

func claimAction(h *domain.HTLC, secret domain.Secret) domain.Action {
	return domain.Action{Leg: h.Leg, Kind: domain.ActionClaim, Chain: h.Chain, LegID: h.LegID, Secret: secret}
}

func refundAction(h *domain.HTLC) domain.Action {
	return domain.Action{Leg: h.Leg, Kind: domain.ActionRefund, Chain: h.Chain, LegID: h.LegID}
}

// autoReveal claims the destination leg for the maker's receiver with the
// vault secret.
func (s *step) autoReveal() {
	dst := &s.st.Destination
	if dst.State != domain.LegLocked || dst.Expired(s.now) || dst.LegID == "" {
		return
	}
	secret, err := s.c.deps.Vault.Secret(s.ctx, s.st.OrderID)
	if err != nil {
		s.log.Error("unseal secret failed", slog.String("error", err.Error()))
		return
	}
	s.submit(claimAction(dst, secret))
}

// ---------------------------------------------------------------------------
// Ledger events
// ---------------------------------------------------------------------------

func (s *step) onEvent(ev domain.ChainEvent) {
	if s.st.Status.Terminal() {
		metrics.EventsDropped.WithLabelValues("terminal").Inc()
		return
	}
	if s.st.Source.Hashlock.IsZero() {
		s.buffer(ev)
		return
	}
	if !ev.Hashlock.IsZero() && ev.Hashlock != s.st.Source.Hashlock {
		metrics.EventsDropped.WithLabelValues("hashlock_mismatch").Inc()
		s.log.Warn("event hashlock does not match order", slog.String("leg_id", ev.LegID))
		return
	}
	l, ok := s.legOf(ev)
	if !ok {
		s.buffer(ev)
		return
	}

	switch ev.Kind {
	case domain.EventLockConfirmed:
		s.onLockConfirmed(l, ev)
	case domain.EventSecretRevealed:
		if s.st.Status.Before(domain.StatusDestinationLocked) {
			s.buffer(ev)
			return
		}
		if err := s.revealed(l, ev.Secret, ev.TxRef); err != nil {
			s.buffer(ev)
		}
	case domain.EventRefundConfirmed:
		if s.leg(l).State == domain.LegNone {
			s.buffer(ev)
			return
		}
		s.legRefunded(l, ev.TxRef)
	}
}

// legOf attributes an event to a leg by leg ID, or by chain while the leg ID
// is still unknown.
func (s *step) legOf(ev domain.ChainEvent) (domain.Leg, bool) {
	src, dst := &s.st.Source, &s.st.Destination
	for _, h := range []*domain.HTLC{src, dst} {
		if h.LegID != "" && h.LegID == ev.LegID && h.Chain == ev.Chain {
			return h.Leg, true
		}
	}
	if src.Chain == dst.Chain {
		return "", false
	}
	for _, h := range []*domain.HTLC{src, dst} {
		if h.Chain == ev.Chain && h.LegID == "" {
			return h.Leg, true
		}
	}
	if ev.Chain == src.Chain || ev.Chain == dst.Chain {
		metrics.EventsDropped.WithLabelValues("leg_mismatch").Inc()
	}
	return "", false
}

func (s *step) onLockConfirmed(l domain.Leg, ev domain.ChainEvent) {
	h := s.leg(l)
	switch h.State {
	case domain.LegNone:
		s.buffer(ev)
		return
	case domain.LegLocking, domain.LegFailed:
		h.State = domain.LegLocked
		h.Stuck = false
		if h.LegID == "" {
			h.LegID = ev.LegID
			s.c.routes.addLeg(h.Chain, h.LegID, s.st.OrderID)
		}
		if h.LockTx == "" {
			h.LockTx = ev.TxRef
		}
		s.touch()
	default:
		return
	}

	switch {
	case l == domain.LegSource && s.st.Status == domain.StatusSourceLocking:
		s.transition(domain.StatusSourceLocked, "")
		s.lockDestination()
	case l == domain.LegDestination && s.st.Status == domain.StatusDestinationLocking:
		s.transition(domain.StatusDestinationLocked, "")
		if s.c.cfg.AutoReveal {
			s.autoReveal()
		}
	}
}

// revealed records a published secret: the leg it was revealed on is
// claimed, and every other locked leg is claimed with it.
func (s *step) revealed(l domain.Leg, secret domain.Secret, txRef string) error {
	if err := s.c.deps.Vault.RecordReveal(s.ctx, s.st.OrderID, secret); err != nil {
		switch {
		case errors.Is(err, domain.ErrSecretMismatch):
			metrics.EventsDropped.WithLabelValues("secret_mismatch").Inc()
			s.log.Warn("revealed secret does not open hashlock", slog.String("leg", string(l)))
			return nil
		case errors.Is(err, domain.ErrSecretReused):
			s.violation(err)
			return nil
		default:
			s.log.Error("record reveal failed", slog.String("error", err.Error()))
			return err
		}
	}

	h := s.leg(l)
	if h.State != domain.LegClaimed {
		h.State = domain.LegClaimed
		h.Stuck = false
		if h.ClaimTx == "" {
			h.ClaimTx = txRef
		}
		s.touch()
	}
	if s.st.Status == domain.StatusDestinationLocked {
		s.transition(domain.StatusClaiming, "")
	}
	s.claimLocked(secret)
	s.settle()
	return nil
}

// claimLocked submits claims for every leg still locked and claimable.
func (s *step) claimLocked(secret domain.Secret) {
	for _, l := range []domain.Leg{domain.LegSource, domain.LegDestination} {
		h := s.leg(l)
		if h.State == domain.LegLocked && !h.Expired(s.now) && h.LegID != "" {
			s.submit(claimAction(h, secret))
		}
	}
}

func (s *step) legRefunded(l domain.Leg, txRef string) {
	h := s.leg(l)
	if h.State == domain.LegRefunded {
		return
	}
	h.State = domain.LegRefunded
	h.Stuck = false
	if txRef != "" {
		h.RefundTx = txRef
	}
	if l == domain.LegSource {
		s.st.Release(h.Amount)
	}
	s.touch()
	if s.st.Status != domain.StatusRefunding && !s.st.Status.Terminal() {
		s.transition(domain.StatusRefunding, "timelock_expired")
	}
	s.settle()
}

// settle closes the order once no leg holds funds.
func (s *step) settle() {
	src, dst := s.st.Source.State, s.st.Destination.State
	if src == domain.LegClaimed && dst == domain.LegClaimed {
		s.transition(domain.StatusSettled, "")
		return
	}
	if s.st.Status != domain.StatusRefunding {
		return
	}
	for _, st := range []domain.LegState{src, dst} {
		switch st {
		case domain.LegLocking, domain.LegLocked, domain.LegRefunding:
			return
		}
	}
	s.transition(domain.StatusRefunded, s.st.Reason)
}

// ---------------------------------------------------------------------------
// Executor outcomes
// ---------------------------------------------------------------------------

func (s *step) onResult(res domain.ActionResult) {
	if s.st.Status.Terminal() {
		return
	}
	a := res.Action
	h := s.leg(a.Leg)

	switch res.Outcome {
	case domain.OutcomeSubmitted:
		switch a.Kind {
		case domain.ActionLock:
			if h.LegID == "" && res.LegID != "" {
				h.LegID = res.LegID
				s.c.routes.addLeg(h.Chain, h.LegID, s.st.OrderID)
			}
			h.LockTx = res.TxRef
			h.Stuck = false
			s.touch()
		case domain.ActionClaim:
			if err := s.revealed(a.Leg, a.Secret, res.TxRef); err != nil {
				s.log.Warn("claim accepted but reveal not recorded", slog.String("error", err.Error()))
			}
		case domain.ActionRefund:
			s.legRefunded(a.Leg, res.TxRef)
		}

	case domain.OutcomeFailed:
		s.onRejected(res)

	case domain.OutcomeStuck:
		h.Stuck = true
		h.LastError = errText(res.Err)
		s.touch()
		s.release(a)
		s.audits = append(s.audits, pendingAudit{event: "leg_stuck", detail: map[string]any{
			"order_id": s.st.OrderID,
			"leg":      string(a.Leg),
			"action":   string(a.Kind),
			"attempts": res.Attempts,
			"error":    h.LastError,
		}})
		s.alert(AlertLegStuck, "HTLC leg stuck",
			fmt.Sprintf("order %s %s %s on %s failed after %d attempts: %s",
				s.st.OrderID, a.Leg, a.Kind, a.Chain, res.Attempts, h.LastError))
	}
}

// onRejected reconciles the leg with the ledger's authoritative answer.
func (s *step) onRejected(res domain.ActionResult) {
	a, err := res.Action, res.Err
	h := s.leg(a.Leg)
	h.LastError = errText(err)
	s.touch()

	switch {
	case errors.Is(err, domain.ErrAlreadyClaimed):
		h.State = domain.LegClaimed
		h.Stuck = false
		if a.Leg == domain.LegDestination && s.st.Status == domain.StatusDestinationLocked {
			s.transition(domain.StatusClaiming, "")
		}
		s.settle()

	case errors.Is(err, domain.ErrAlreadyRefunded):
		s.legRefunded(a.Leg, "")

	case errors.Is(err, domain.ErrTimelockNotElapsed):
		if h.State == domain.LegRefunding {
			h.State = domain.LegLocked
		}
		s.release(a)

	case a.Kind == domain.ActionLock && a.Leg == domain.LegSource:
		h.State = domain.LegFailed
		s.st.Release(h.Amount)
		s.transition(domain.StatusUnfillable, domain.ReasonCode(err))

	case a.Kind == domain.ActionLock:
		h.State = domain.LegFailed
		s.transition(domain.StatusRefunding, "destination_lock_rejected")
		s.settle()

	default:
		s.log.Warn("action rejected",
			slog.String("leg", string(a.Leg)),
			slog.String("action", string(a.Kind)),
			slog.String("error", h.LastError),
		)
		s.release(a)
	}
}

func (s *step) cancel() error {
	if !s.st.Status.Cancellable() {
		return fmt.Errorf("%w: order is %s", domain.ErrNotCancellable, s.st.Status)
	}
	s.c.deps.Auctions.Cancel(s.st.OrderID)
	s.transition(domain.StatusCancelled, "maker_cancel")
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
