package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

// NATSOptions configures the event feed connection.
type NATSOptions struct {
	URL           string
	Name          string
	JetStream     bool
	Durable       string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// ConnectNATS dials the event feed and keeps the connection-status gauge up
// to date.
func ConnectNATS(opts NATSOptions, logger *slog.Logger) (*nats.Conn, error) {
	log := logger.With(slog.String("component", "nats"))
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 5 * time.Second
	}
	conn, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.NATSConnectionStatus.Set(0)
			if err != nil {
				log.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			metrics.NATSConnectionStatus.Set(1)
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("remote: connect nats: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)
	log.Info("nats connected", slog.String("url", opts.URL))
	return conn, nil
}

// EventStream reads one chain's HTLC events from a NATS subject. Payloads are
// JSON-encoded domain.ChainEvent values published by the chain watcher.
type EventStream struct {
	chain   string
	subject string
	conn    *nats.Conn
	opts    NATSOptions
	logger  *slog.Logger

	// healthEvery is how often the subscription's validity is checked.
	healthEvery time.Duration
}

var _ domain.EventSource = (*EventStream)(nil)

// NewEventStream creates an EventStream on subject.
func NewEventStream(chain, subject string, conn *nats.Conn, opts NATSOptions, logger *slog.Logger) *EventStream {
	return &EventStream{
		chain:       chain,
		subject:     subject,
		conn:        conn,
		opts:        opts,
		logger:      logger.With(slog.String("component", "event_stream"), slog.String("chain", chain)),
		healthEvery: 5 * time.Second,
	}
}

// Subscribe implements domain.EventSource. With JetStream enabled a durable
// consumer is used and each message is acked once decoded.
func (s *EventStream) Subscribe(ctx context.Context, filter domain.EventFilter) (<-chan domain.ChainEvent, <-chan error, error) {
	msgs := make(chan *nats.Msg, 256)
	var (
		sub *nats.Subscription
		err error
	)
	if s.opts.JetStream {
		js, jerr := s.conn.JetStream()
		if jerr != nil {
			return nil, nil, fmt.Errorf("remote/%s: jetstream: %w", s.chain, jerr)
		}
		subOpts := []nats.SubOpt{nats.DeliverAll(), nats.ManualAck()}
		if s.opts.Durable != "" {
			subOpts = append(subOpts, nats.Durable(s.opts.Durable+"-"+s.chain))
		}
		sub, err = js.ChanSubscribe(s.subject, msgs, subOpts...)
	} else {
		sub, err = s.conn.ChanSubscribe(s.subject, msgs)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("remote/%s: subscribe %s: %w", s.chain, s.subject, err)
	}

	events := make(chan domain.ChainEvent, 256)
	errs := make(chan error, 1)
	go s.pump(ctx, sub, msgs, filter, events, errs)
	return events, errs, nil
}

func (s *EventStream) pump(
	ctx context.Context,
	sub *nats.Subscription,
	msgs <-chan *nats.Msg,
	filter domain.EventFilter,
	events chan<- domain.ChainEvent,
	errs chan<- error,
) {
	defer close(errs)
	defer close(events)
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			s.logger.Warn("unsubscribe failed", slog.String("error", err.Error()))
		}
	}()

	health := time.NewTicker(s.healthEvery)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			if !sub.IsValid() || s.conn.IsClosed() {
				errs <- fmt.Errorf("remote/%s: subscription on %s no longer valid", s.chain, s.subject)
				return
			}
		case msg := <-msgs:
			ev, err := DecodeEvent(msg.Data)
			if err != nil {
				s.logger.Warn("dropping undecodable event", slog.String("error", err.Error()))
				_ = msg.Term()
				continue
			}
			if ev.Chain == "" {
				ev.Chain = s.chain
			}
			if filter != nil && !filter.Match(ev) {
				_ = msg.Ack()
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if s.opts.JetStream {
				if err := msg.Ack(); err != nil {
					s.logger.Debug("ack failed", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// DecodeEvent parses one watcher payload.
func DecodeEvent(data []byte) (domain.ChainEvent, error) {
	var ev domain.ChainEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.ChainEvent{}, fmt.Errorf("decode chain event: %w", err)
	}
	if ev.EventID == "" || ev.Kind == "" {
		return domain.ChainEvent{}, errors.New("decode chain event: missing event_id or kind")
	}
	switch ev.Kind {
	case domain.EventLockConfirmed, domain.EventRefundConfirmed:
	case domain.EventSecretRevealed:
		if ev.Secret.IsZero() {
			return domain.ChainEvent{}, errors.New("decode chain event: secret_revealed without secret")
		}
	default:
		return domain.ChainEvent{}, fmt.Errorf("decode chain event: unknown kind %q", ev.Kind)
	}
	return ev, nil
}
