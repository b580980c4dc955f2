// Package monitor watches both ledgers for HTLC events and forwards each
// distinct event to the coordinator.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/executor"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

// Config holds subscription and dedup parameters.
type Config struct {
	DedupTTL        time.Duration
	DedupMaxEntries int
	ResubscribeBase time.Duration
	ResubscribeMax  time.Duration
	ChannelSize     int
}

// Monitor runs one watch loop per chain. Each loop feeds its own channel and
// a merge step forwards deduplicated events to the sink.
type Monitor struct {
	cfg     Config
	sources map[string]domain.EventSource
	filter  domain.EventFilter
	seen    *SeenCache
	logger  *slog.Logger
}

// New creates a Monitor over the given per-chain event sources.
func New(cfg Config, sources map[string]domain.EventSource, filter domain.EventFilter, logger *slog.Logger) *Monitor {
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 64
	}
	return &Monitor{
		cfg:     cfg,
		sources: sources,
		filter:  filter,
		seen:    NewSeenCache(cfg.DedupTTL, cfg.DedupMaxEntries),
		logger:  logger.With(slog.String("component", "monitor")),
	}
}

// Run blocks until ctx is cancelled, delivering each new event to sink.
func (m *Monitor) Run(ctx context.Context, sink func(domain.ChainEvent)) error {
	g, ctx := errgroup.WithContext(ctx)

	feeds := make([]<-chan domain.ChainEvent, 0, len(m.sources))
	for name, src := range m.sources {
		ch := make(chan domain.ChainEvent, m.cfg.ChannelSize)
		feeds = append(feeds, ch)
		g.Go(func() error {
			defer close(ch)
			m.watch(ctx, name, src, ch)
			return nil
		})
	}

	for _, feed := range feeds {
		g.Go(func() error {
			for ev := range feed {
				if m.seen.Seen(ev.Chain + "/" + ev.EventID) {
					metrics.MonitorDuplicates.WithLabelValues(ev.Chain).Inc()
					continue
				}
				metrics.MonitorEvents.WithLabelValues(ev.Chain, string(ev.Kind)).Inc()
				sink(ev)
			}
			return nil
		})
	}

	m.logger.Info("monitor started", slog.Int("chains", len(m.sources)))
	err := g.Wait()
	m.logger.Info("monitor stopped")
	if err != nil {
		return err
	}
	return context.Cause(ctx)
}

// watch keeps a subscription open on one chain, resubscribing with
// exponential backoff whenever the stream fails or ends.
func (m *Monitor) watch(ctx context.Context, chain string, src domain.EventSource, out chan<- domain.ChainEvent) {
	log := m.logger.With(slog.String("chain", chain))
	failures := 0

	for ctx.Err() == nil {
		events, errs, err := src.Subscribe(ctx, m.filter)
		if err != nil {
			failures++
			log.Warn("subscribe failed", slog.String("error", err.Error()), slog.Int("failures", failures))
		} else {
			if m.consume(ctx, log, chain, events, errs, out) {
				failures = 0
			}
			failures++
		}
		if ctx.Err() != nil {
			return
		}

		metrics.MonitorResubscribes.WithLabelValues(chain).Inc()
		delay := executor.Backoff(m.cfg.ResubscribeBase, m.cfg.ResubscribeMax, failures)
		log.Info("resubscribing", slog.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// consume forwards events until the stream ends. It reports whether any
// event was received, which resets the backoff.
func (m *Monitor) consume(
	ctx context.Context,
	log *slog.Logger,
	chain string,
	events <-chan domain.ChainEvent,
	errs <-chan error,
	out chan<- domain.ChainEvent,
) bool {
	received := false
	for {
		select {
		case <-ctx.Done():
			return received
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn("event stream error", slog.String("error", err.Error()))
			return received
		case ev, ok := <-events:
			if !ok {
				log.Info("event stream closed")
				return received
			}
			received = true
			if ev.Chain == "" {
				ev.Chain = chain
			}
			if m.filter != nil && !m.filter.Match(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return received
			}
		}
	}
}
