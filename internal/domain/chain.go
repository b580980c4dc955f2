package domain

import (
	"context"
	"math/big"
	"time"
)

// LockRequest carries the parameters of an HTLC lock on one ledger. A ledger
// that has already committed a lock under IdempotencyKey answers a repeat
// with the original leg instead of locking again.
type LockRequest struct {
	OrderID        string
	Hashlock       Hashlock
	Timelock       time.Time
	Amount         *big.Int
	Beneficiary    string
	Depositor      string
	IdempotencyKey string
}

// Submitter issues HTLC transactions on one ledger.
type Submitter interface {
	Lock(ctx context.Context, req LockRequest) (legID, txRef string, err error)
	Claim(ctx context.Context, legID string, secret Secret) (txRef string, err error)
	Refund(ctx context.Context, legID string) (txRef string, err error)
}

// EventSource streams HTLC events from one ledger. The error channel reports
// stream failures; both channels close when the subscription ends.
type EventSource interface {
	Subscribe(ctx context.Context, filter EventFilter) (<-chan ChainEvent, <-chan error, error)
}

// ChainAdapter is the uniform interface over a ledger's HTLC program.
type ChainAdapter interface {
	Submitter
	EventSource
	Name() string
}
