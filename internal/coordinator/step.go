package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

type pendingAlert struct {
	event, title, message string
}

type pendingAudit struct {
	event  string
	detail map[string]any
}

// step applies one mailbox message to a working copy of an order's state.
// Side effects visible outside the coordinator are collected and released by
// flush once the new state is in place.
type step struct {
	c   *Coordinator
	ctx context.Context
	sl  *slot
	st  *domain.OrderState
	now time.Time
	log *slog.Logger

	dirty    bool
	received time.Time // arrival time of the event being replayed
	changes  []domain.StateChange
	alerts   []pendingAlert
	audits   []pendingAudit
}

func (s *step) apply(m message) {
	switch m.kind {
	case msgAuctionDue:
		s.closeAuction()
	case msgEvent:
		s.onEvent(m.event)
	case msgResult:
		s.onResult(m.result)
	case msgSweep:
		s.sweep()
	case msgCancel:
		m.reply <- s.cancel()
	}
}

func (s *step) touch() { s.dirty = true }

func (s *step) leg(l domain.Leg) *domain.HTLC { return s.st.LegRef(l) }

// transition moves the order to `to`, recording why.
func (s *step) transition(to domain.OrderStatus, reason string) {
	from := s.st.Status
	if from == to {
		return
	}
	s.st.Status = to
	s.st.Reason = reason
	s.st.Version++
	s.st.UpdatedAt = s.now
	s.touch()

	metrics.OrderTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.changes = append(s.changes, domain.StateChange{
		OrderID: s.st.OrderID,
		From:    from,
		To:      to,
		Reason:  reason,
		Version: s.st.Version,
		At:      s.now,
	})
	s.audits = append(s.audits, pendingAudit{event: "order_transition", detail: map[string]any{
		"order_id": s.st.OrderID,
		"from":     string(from),
		"to":       string(to),
		"reason":   reason,
		"version":  s.st.Version,
	}})
	s.log.Info("order transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)

	if to.Terminal() && !from.Terminal() {
		metrics.OrdersActive.Dec()
		if n := len(s.sl.pending.take()); n > 0 {
			metrics.EventsBuffered.Sub(float64(n))
			metrics.EventsDropped.WithLabelValues("terminal").Add(float64(n))
		}
		s.c.routes.drop(s.st)
	}
	if to == domain.StatusRefunded {
		s.alert(AlertOrderRefunded, "Order refunded",
			fmt.Sprintf("order %s refunded (%s)", s.st.OrderID, reason))
	}
}

func (s *step) alert(event, title, message string) {
	s.alerts = append(s.alerts, pendingAlert{event: event, title: title, message: message})
}

// violation records a protocol invariant failure.
func (s *step) violation(err error) {
	metrics.InvariantViolations.Inc()
	s.log.Error("invariant violation", slog.String("error", err.Error()))
	s.audits = append(s.audits, pendingAudit{event: "invariant_violation", detail: map[string]any{
		"order_id": s.st.OrderID,
		"error":    err.Error(),
	}})
	s.alert(AlertInvariantViolation, "Invariant violation",
		fmt.Sprintf("order %s: %v", s.st.OrderID, err))
}

// submit hands an action to the executor. Submission errors mark the leg
// Stuck; the sweep re-drives claims and refunds.
func (s *step) submit(a domain.Action) {
	a.OrderID = s.st.OrderID
	ok, err := s.c.deps.Executor.Submit(s.ctx, a)
	if err != nil {
		h := s.leg(a.Leg)
		h.Stuck = true
		h.LastError = err.Error()
		s.touch()
		s.log.Error("action submission failed",
			slog.String("leg", string(a.Leg)),
			slog.String("action", string(a.Kind)),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		s.log.Debug("action already in flight",
			slog.String("leg", string(a.Leg)),
			slog.String("action", string(a.Kind)),
		)
	}
}

func (s *step) release(a domain.Action) {
	if err := s.c.deps.Executor.Release(s.ctx, a); err != nil {
		s.log.Warn("release idempotency key failed", slog.String("error", err.Error()))
	}
}

// buffer parks an event until the order reaches the state it applies to.
func (s *step) buffer(ev domain.ChainEvent) {
	at := s.received
	if at.IsZero() {
		at = s.now
	}
	if s.sl.pending.add(ev, at) {
		metrics.EventsBuffered.Inc()
		s.log.Debug("event buffered",
			slog.String("kind", string(ev.Kind)),
			slog.String("chain", ev.Chain),
			slog.String("status", string(s.st.Status)),
		)
	}
}

// replay re-applies buffered events while they keep making progress.
func (s *step) replay() {
	for pass := 0; pass < 4 && s.dirty && s.sl.pending.len() > 0; pass++ {
		events := s.sl.pending.take()
		metrics.EventsBuffered.Sub(float64(len(events)))
		before := s.st.Version
		changed := false
		for _, e := range events {
			s.received = e.received
			wasDirty := s.dirty
			s.dirty = false
			s.onEvent(e.event)
			changed = changed || s.dirty
			s.dirty = s.dirty || wasDirty
		}
		s.received = time.Time{}
		if !changed && s.st.Version == before {
			return
		}
	}
}

func (s *step) persist() {
	if err := s.c.deps.States.Save(s.ctx, s.st.Clone()); err != nil {
		s.log.Error("save order state failed", slog.String("error", err.Error()))
	}
}

// flush publishes state changes and dispatches audit entries and alerts.
func (s *step) flush() {
	for _, ch := range s.changes {
		s.c.broker.publish(s.ctx, ch)
	}
	for _, a := range s.audits {
		s.c.audit(s.ctx, a.event, a.detail)
	}
	if s.c.deps.Alerts == nil {
		return
	}
	for _, a := range s.alerts {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.c.deps.Alerts.Notify(ctx, a.event, a.title, a.message); err != nil {
				s.log.Warn("alert failed", slog.String("event", a.event), slog.String("error", err.Error()))
			}
		}()
	}
}

func (c *Coordinator) audit(ctx context.Context, event string, detail map[string]any) {
	if c.deps.Audit == nil {
		return
	}
	if err := c.deps.Audit.Log(ctx, event, detail); err != nil {
		c.logger.Warn("audit log failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}
