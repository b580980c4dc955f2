// Package service exposes the relayer's caller-facing operations to the HTTP
// and WebSocket layers.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

// OrderSubmitter admits signed orders (orderbook.Book).
type OrderSubmitter interface {
	Submit(ctx context.Context, o domain.Order) (string, error)
}

// BidSubmitter records resolver bids (auction.Engine).
type BidSubmitter interface {
	SubmitBid(bid domain.Bid) (domain.Bid, error)
}

// OrderCoordinator answers state queries and applies maker cancels
// (coordinator.Coordinator).
type OrderCoordinator interface {
	Get(ctx context.Context, orderID string) (domain.OrderState, error)
	Cancel(ctx context.Context, orderID, signature string) error
	Subscribe(orderID string) (<-chan domain.StateChange, func())
}

// HealthCheck checks one backing dependency.
type HealthCheck func(ctx context.Context) error

// BidLimit caps bids per resolver over a sliding window.
type BidLimit struct {
	Limit  int
	Window time.Duration
}

// RelayerService is the facade the API server talks to.
type RelayerService struct {
	orders   OrderSubmitter
	bids     BidSubmitter
	coord    OrderCoordinator
	limiter  domain.RateLimiter
	bidLimit BidLimit
	audit    domain.AuditStore
	checks   map[string]HealthCheck
	logger   *slog.Logger
}

// NewRelayerService creates a RelayerService. limiter and audit may be nil.
func NewRelayerService(
	orders OrderSubmitter,
	bids BidSubmitter,
	coord OrderCoordinator,
	limiter domain.RateLimiter,
	bidLimit BidLimit,
	audit domain.AuditStore,
	logger *slog.Logger,
) *RelayerService {
	return &RelayerService{
		orders:   orders,
		bids:     bids,
		coord:    coord,
		limiter:  limiter,
		bidLimit: bidLimit,
		audit:    audit,
		checks:   make(map[string]HealthCheck),
		logger:   logger.With(slog.String("component", "relayer_service")),
	}
}

// WithHealthCheck registers a named dependency check reported by Health.
func (s *RelayerService) WithHealthCheck(name string, check HealthCheck) *RelayerService {
	s.checks[name] = check
	return s
}

// SubmitOrder validates and admits a signed order, returning its ID.
func (s *RelayerService) SubmitOrder(ctx context.Context, o domain.Order) (string, error) {
	id, err := s.orders.Submit(ctx, o)
	result := "accepted"
	if err != nil {
		result = domain.ReasonCode(err)
	}
	metrics.OrdersSubmitted.WithLabelValues(result).Inc()
	return id, err
}

// SubmitBid records a resolver's bid on orderID after the per-resolver rate
// check.
func (s *RelayerService) SubmitBid(ctx context.Context, bid domain.Bid) (domain.Bid, error) {
	if bid.Resolver == "" {
		return domain.Bid{}, fmt.Errorf("%w: resolver is required", domain.ErrMalformedBid)
	}
	if s.limiter != nil && s.bidLimit.Limit > 0 {
		allowed, err := s.limiter.Allow(ctx, "bids:"+bid.Resolver, s.bidLimit.Limit, s.bidLimit.Window)
		if err != nil {
			return domain.Bid{}, fmt.Errorf("relayer_service: rate limiter: %w", err)
		}
		if !allowed {
			metrics.Bids.WithLabelValues(domain.ReasonCode(domain.ErrRateLimited)).Inc()
			return domain.Bid{}, domain.ErrRateLimited
		}
	}
	return s.bids.SubmitBid(bid)
}

// GetOrder returns the order's state and HTLC legs.
func (s *RelayerService) GetOrder(ctx context.Context, orderID string) (domain.OrderState, error) {
	return s.coord.Get(ctx, orderID)
}

// CancelOrder applies a maker-signed cancel.
func (s *RelayerService) CancelOrder(ctx context.Context, orderID, signature string) error {
	if err := s.coord.Cancel(ctx, orderID, signature); err != nil {
		s.logger.InfoContext(ctx, "cancel rejected",
			slog.String("order_id", orderID),
			slog.String("reason", domain.ReasonCode(err)),
		)
		return err
	}
	return nil
}

// Subscribe streams state changes for orderID ("" for all orders).
func (s *RelayerService) Subscribe(orderID string) (<-chan domain.StateChange, func()) {
	return s.coord.Subscribe(orderID)
}

// Audit lists recent audit entries, newest first.
func (s *RelayerService) Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.List(ctx, opts)
}

// DependencyStatus is one entry of a health report.
type DependencyStatus struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Health runs every registered check and reports whether all passed.
func (s *RelayerService) Health(ctx context.Context) ([]DependencyStatus, bool) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	out := make([]DependencyStatus, 0, len(names))
	for _, name := range names {
		st := DependencyStatus{Name: name, OK: true}
		if err := s.checks[name](ctx); err != nil {
			st.OK = false
			st.Error = err.Error()
			healthy = false
		}
		out = append(out, st)
	}
	return out, healthy
}
