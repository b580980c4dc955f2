package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// SecretStore implements domain.SecretStore in memory. Hashlocks stay in the
// used set even if the owning record is never read again.
type SecretStore struct {
	mu       sync.RWMutex
	byOrder  map[string]domain.SealedSecret
	byHashed map[domain.Hashlock]string
}

// NewSecretStore creates an empty store.
func NewSecretStore() *SecretStore {
	return &SecretStore{
		byOrder:  make(map[string]domain.SealedSecret),
		byHashed: make(map[domain.Hashlock]string),
	}
}

// Put stores s, rejecting reused order IDs and hashlocks.
func (s *SecretStore) Put(_ context.Context, rec domain.SealedSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOrder[rec.OrderID]; ok {
		return domain.ErrAlreadyExists
	}
	if _, ok := s.byHashed[rec.Hashlock]; ok {
		return domain.ErrAlreadyExists
	}
	s.byOrder[rec.OrderID] = rec
	s.byHashed[rec.Hashlock] = rec.OrderID
	return nil
}

// Get returns the record for orderID.
func (s *SecretStore) Get(_ context.Context, orderID string) (domain.SealedSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byOrder[orderID]
	if !ok {
		return domain.SealedSecret{}, domain.ErrNotFound
	}
	return rec, nil
}

// GetByHashlock returns the record bound to h.
func (s *SecretStore) GetByHashlock(_ context.Context, h domain.Hashlock) (domain.SealedSecret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHashed[h]
	if !ok {
		return domain.SealedSecret{}, domain.ErrNotFound
	}
	return s.byOrder[id], nil
}

// MarkRevealed stamps the reveal time once.
func (s *SecretStore) MarkRevealed(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byOrder[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.RevealedAt == nil {
		rec.RevealedAt = &at
		s.byOrder[orderID] = rec
	}
	return nil
}
