package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// AuditStore implements domain.AuditStore as a bounded in-memory ring.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	nextID  int64
	max     int
}

// NewAuditStore keeps at most max entries (0 means 10000).
func NewAuditStore(max int) *AuditStore {
	if max <= 0 {
		max = 10_000
	}
	return &AuditStore{max: max}
}

// Log appends an entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        s.nextID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if overflow := len(s.entries) - s.max; overflow > 0 {
		s.entries = append([]domain.AuditEntry(nil), s.entries[overflow:]...)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	out := make([]domain.AuditEntry, 0, limit)
	skipped := 0
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		if opts.OrderID != "" && e.Detail["order_id"] != opts.OrderID {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
