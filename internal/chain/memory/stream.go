package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// subscription is an unbounded per-subscriber queue drained by a pump
// goroutine, so emitting never blocks the ledger.
type subscription struct {
	filter domain.EventFilter
	mu     sync.Mutex
	queue  []domain.ChainEvent
	wake   chan struct{}
}

func (s *subscription) push(ev domain.ChainEvent) {
	if s.filter != nil && !s.filter.Match(ev) {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump(ctx context.Context, out chan<- domain.ChainEvent) {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe implements domain.EventSource. Past events matching filter are
// replayed first, so a resubscribing watcher never misses one.
func (l *Ledger) Subscribe(ctx context.Context, filter domain.EventFilter) (<-chan domain.ChainEvent, <-chan error, error) {
	events := make(chan domain.ChainEvent, 64)
	errs := make(chan error)
	sub := &subscription{filter: filter, wake: make(chan struct{}, 1)}

	l.mu.Lock()
	for _, ev := range l.history {
		sub.push(ev)
	}
	l.subs[sub] = struct{}{}
	l.mu.Unlock()

	go func() {
		defer close(errs)
		defer close(events)
		sub.pump(ctx, events)
		l.mu.Lock()
		delete(l.subs, sub)
		l.mu.Unlock()
	}()
	return events, errs, nil
}

// emit records ev and fans it out. Callers hold l.mu.
func (l *Ledger) emit(ev domain.ChainEvent) {
	ev.Chain = l.name
	ev.EventID = fmt.Sprintf("%s:%s:%s", l.name, ev.LegID, ev.Kind)
	l.history = append(l.history, ev)
	copies := 1
	if l.DuplicateEvents {
		copies = 2
	}
	for sub := range l.subs {
		for i := 0; i < copies; i++ {
			sub.push(ev)
		}
	}
}
