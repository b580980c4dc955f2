package coordinator

import (
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

type bufferedEvent struct {
	event    domain.ChainEvent
	received time.Time
}

// eventBuffer holds events that arrived before the order reached the state
// they apply to. Events are replayed in arrival order after every transition
// and discarded once older than the TTL.
type eventBuffer struct {
	events []bufferedEvent
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{}
}

// add parks ev unless an event with the same ID is already held.
func (b *eventBuffer) add(ev domain.ChainEvent, received time.Time) bool {
	for _, e := range b.events {
		if e.event.EventID == ev.EventID && e.event.Chain == ev.Chain {
			return false
		}
	}
	b.events = append(b.events, bufferedEvent{event: ev, received: received})
	return true
}

// take empties the buffer and returns its events.
func (b *eventBuffer) take() []bufferedEvent {
	out := b.events
	b.events = nil
	return out
}

// expire drops events received before cutoff and returns how many were dropped.
func (b *eventBuffer) expire(cutoff time.Time) int {
	kept := b.events[:0]
	dropped := 0
	for _, e := range b.events {
		if e.received.Before(cutoff) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	b.events = kept
	return dropped
}

func (b *eventBuffer) len() int { return len(b.events) }
