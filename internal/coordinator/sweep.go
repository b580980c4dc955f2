package coordinator

import (
	"log/slog"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

// sweep runs the periodic checks for one order: buffered-event expiry,
// refunds of elapsed timelocks, locks never observed on the ledger, and
// re-driving claims that have not gone through.
func (s *step) sweep() {
	if ttl := s.c.cfg.EventBufferTTL; ttl > 0 {
		if n := s.sl.pending.expire(s.now.Add(-ttl)); n > 0 {
			metrics.EventsBuffered.Sub(float64(n))
			metrics.EventsDropped.WithLabelValues("buffer_ttl").Add(float64(n))
			s.log.Warn("buffered events expired", slog.Int("count", n))
		}
	}
	if s.st.Status.Terminal() {
		return
	}

	// Destination first: its timelock is always the earlier one.
	for _, l := range []domain.Leg{domain.LegDestination, domain.LegSource} {
		h := s.leg(l)
		switch h.State {
		case domain.LegLocked:
			if h.Expired(s.now) {
				h.State = domain.LegRefunding
				s.touch()
				if s.st.Status != domain.StatusRefunding {
					s.transition(domain.StatusRefunding, "timelock_expired")
				}
				s.submit(refundAction(h))
			}
		case domain.LegRefunding:
			s.submit(refundAction(h))
		case domain.LegLocking:
			if !h.Timelock.IsZero() && !s.now.Before(h.Timelock.Add(s.c.cfg.UnobservedLockGrace)) {
				s.lockUnobserved(l)
			}
		}
	}
	if s.st.Status.Terminal() {
		return
	}

	switch {
	case s.st.Status == domain.StatusClaiming || s.anyClaimed():
		secret, err := s.c.deps.Vault.Secret(s.ctx, s.st.OrderID)
		if err != nil {
			s.log.Warn("unseal secret for claim retry failed", slog.String("error", err.Error()))
			return
		}
		s.claimLocked(secret)
	case s.st.Status == domain.StatusDestinationLocked && s.c.cfg.AutoReveal:
		s.autoReveal()
	}
}

func (s *step) anyClaimed() bool {
	return s.st.Source.State == domain.LegClaimed || s.st.Destination.State == domain.LegClaimed
}

// lockUnobserved gives up on a lock whose confirmation never arrived.
func (s *step) lockUnobserved(l domain.Leg) {
	h := s.leg(l)
	h.State = domain.LegFailed
	h.LastError = "lock_unobserved"
	s.touch()
	s.log.Warn("lock never observed", slog.String("leg", string(l)), slog.Time("timelock", h.Timelock))

	if l == domain.LegSource {
		s.st.Release(h.Amount)
		s.transition(domain.StatusRefunded, "source_lock_unobserved")
		return
	}
	if s.st.Status != domain.StatusRefunding {
		s.transition(domain.StatusRefunding, "destination_lock_unobserved")
	}
	s.settle()
}
