// Package memory provides in-process implementations of the domain store
// interfaces, used by simulate mode and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// OrderStateStore implements domain.OrderStateStore in memory.
type OrderStateStore struct {
	mu     sync.RWMutex
	states map[string]domain.OrderState
}

// NewOrderStateStore creates an empty store.
func NewOrderStateStore() *OrderStateStore {
	return &OrderStateStore{states: make(map[string]domain.OrderState)}
}

// Save upserts a snapshot. Snapshots older than the stored version are
// ignored, matching the postgres store.
func (s *OrderStateStore) Save(_ context.Context, st domain.OrderState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.states[st.OrderID]; ok && cur.Version > st.Version {
		return nil
	}
	s.states[st.OrderID] = st
	return nil
}

// Get returns the snapshot for orderID or domain.ErrNotFound.
func (s *OrderStateStore) Get(_ context.Context, orderID string) (domain.OrderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[orderID]
	if !ok {
		return domain.OrderState{}, domain.ErrNotFound
	}
	return st, nil
}

// ListActive returns every non-terminal order, oldest first.
func (s *OrderStateStore) ListActive(_ context.Context) ([]domain.OrderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OrderState, 0)
	for _, st := range s.states {
		if !st.Status.Terminal() {
			out = append(out, st)
		}
	}
	sortByCreated(out)
	return out, nil
}

// ListTerminalBefore returns up to limit terminal orders last updated before
// the cutoff, oldest first.
func (s *OrderStateStore) ListTerminalBefore(_ context.Context, before time.Time, limit int) ([]domain.OrderState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OrderState, 0)
	for _, st := range s.states {
		if st.Status.Terminal() && st.UpdatedAt.Before(before) {
			out = append(out, st)
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes the given orders and reports how many existed.
func (s *OrderStateStore) Delete(_ context.Context, orderIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range orderIDs {
		if _, ok := s.states[id]; ok {
			delete(s.states, id)
			n++
		}
	}
	return n, nil
}

func sortByCreated(states []domain.OrderState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].OrderID < states[j].OrderID
		}
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
}
