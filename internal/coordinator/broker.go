package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// StateChannel is the SignalBus channel state changes are published on.
const StateChannel = "fusionrelay:state"

// TransitionStream is the SignalBus stream every transition is appended to.
const TransitionStream = "fusionrelay:transitions"

// broker fans state changes out to in-process subscribers and, when
// configured, to the SignalBus. Slow subscribers lose changes rather than
// stall the coordinator.
type broker struct {
	mu     sync.Mutex
	subs   map[string]map[chan domain.StateChange]struct{} // orderID ("" = all) -> subscribers
	bus    domain.SignalBus
	logger *slog.Logger
}

func newBroker(bus domain.SignalBus, logger *slog.Logger) *broker {
	return &broker{
		subs:   make(map[string]map[chan domain.StateChange]struct{}),
		bus:    bus,
		logger: logger,
	}
}

func (b *broker) subscribe(orderID string) (<-chan domain.StateChange, func()) {
	ch := make(chan domain.StateChange, 32)
	b.mu.Lock()
	set, ok := b.subs[orderID]
	if !ok {
		set = make(map[chan domain.StateChange]struct{})
		b.subs[orderID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[orderID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, orderID)
				}
			}
			close(ch)
		})
	}
}

func (b *broker) publish(ctx context.Context, change domain.StateChange) {
	b.mu.Lock()
	for _, key := range []string{change.OrderID, ""} {
		for ch := range b.subs[key] {
			select {
			case ch <- change:
			default:
				b.logger.Warn("state subscriber lagging, change dropped",
					slog.String("order_id", change.OrderID))
			}
		}
	}
	b.mu.Unlock()

	if b.bus == nil {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, StateChannel, payload); err != nil {
		b.logger.Warn("publish state change failed", slog.String("error", err.Error()))
	}
	if err := b.bus.StreamAppend(ctx, TransitionStream, payload); err != nil {
		b.logger.Warn("append transition failed", slog.String("error", err.Error()))
	}
}
