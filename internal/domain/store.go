package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries. OrderID
// narrows audit queries to one order's trail.
type ListOpts struct {
	Limit   int
	Offset  int
	Since   *time.Time
	Until   *time.Time
	OrderID string
}

// OrderStateStore persists relayer order state snapshots.
type OrderStateStore interface {
	Save(ctx context.Context, st OrderState) error
	Get(ctx context.Context, orderID string) (OrderState, error)
	ListActive(ctx context.Context) ([]OrderState, error)
	ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]OrderState, error)
	Delete(ctx context.Context, orderIDs []string) (int64, error)
}

// SealedSecret is a vault record: the encrypted preimage of Hashlock.
type SealedSecret struct {
	OrderID    string
	Hashlock   Hashlock
	Ciphertext []byte
	RevealedAt *time.Time
	CreatedAt  time.Time
}

// SecretStore persists sealed secrets. Put fails with ErrAlreadyExists when
// the hashlock was ever used before, by any order.
type SecretStore interface {
	Put(ctx context.Context, s SealedSecret) error
	Get(ctx context.Context, orderID string) (SealedSecret, error)
	GetByHashlock(ctx context.Context, h Hashlock) (SealedSecret, error)
	MarkRevealed(ctx context.Context, orderID string, at time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
