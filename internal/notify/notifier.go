// Package notify delivers operator alerts (stuck legs, invariant violations,
// refunds) to every configured channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is one alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to its senders. Only configured event types are
// forwarded, and an identical alert is suppressed while its cooldown runs.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewNotifier creates a Notifier. An empty events list allows every event; a
// zero cooldown disables suppression.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends an alert of the given event type.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "alert filtered", slog.String("event", event))
		return nil
	}
	if n.suppressed(event + "\x00" + message) {
		n.logger.DebugContext(ctx, "alert suppressed", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) suppressed(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if at, ok := n.last[key]; ok && now.Sub(at) < n.cooldown {
		return true
	}
	n.last[key] = now
	for k, at := range n.last {
		if now.Sub(at) >= n.cooldown {
			delete(n.last, k)
		}
	}
	return false
}

// dispatch delivers to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
