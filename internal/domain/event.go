package domain

import "time"

// EventKind classifies ledger events the monitor forwards to the coordinator.
type EventKind string

const (
	EventLockConfirmed   EventKind = "lock_confirmed"
	EventSecretRevealed  EventKind = "secret_revealed"
	EventRefundConfirmed EventKind = "refund_confirmed"
)

// ChainEvent is one observation from a ledger's event stream. Delivery is
// at-least-once and may be reordered; EventID identifies duplicates.
type ChainEvent struct {
	EventID        string    `json:"event_id"`
	Chain          string    `json:"chain"`
	LegID          string    `json:"leg_id"`
	Hashlock       Hashlock  `json:"hashlock"`
	Kind           EventKind `json:"kind"`
	Secret         Secret    `json:"secret,omitempty"`
	TxRef          string    `json:"tx_ref,omitempty"`
	ChainTimestamp time.Time `json:"chain_timestamp"`
}

// EventFilter scopes a subscription to legs the coordinator tracks. An event
// matches on its hashlock or, when the watcher reports only a leg ID, on
// (Chain, LegID).
type EventFilter interface {
	Match(ev ChainEvent) bool
}
