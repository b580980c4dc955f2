package executor

import (
	"context"
	"sync"
	"time"
)

// Dedup is the in-process IdempotencyStore. A key stays claimed until it is
// released or its TTL lapses. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // key -> expiry
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates an empty Dedup.
func NewDedup() *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Claim records key for ttl. It returns false if key is already held.
func (d *Dedup) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[key] = now.Add(ttl)
	return true, nil
}

// Release drops key so the action may be submitted again.
func (d *Dedup) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// Cleanup removes expired entries. Call periodically to bound memory.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for key, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, key)
		}
	}
}

// Len returns the number of tracked keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
