package domain

import "fmt"

// ActionKind is a settlement transaction type.
type ActionKind string

const (
	ActionLock   ActionKind = "lock"
	ActionClaim  ActionKind = "claim"
	ActionRefund ActionKind = "refund"
)

// Action is one instruction from the coordinator to the settlement executor.
type Action struct {
	OrderID string
	Leg     Leg
	Kind    ActionKind
	Chain   string
	Lock    *LockRequest // ActionLock only
	LegID   string       // ActionClaim, ActionRefund
	Secret  Secret       // ActionClaim only
}

// IdempotencyKey identifies the action across retries and relayer restarts.
func (a Action) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s", a.OrderID, a.Leg, a.Kind)
}

// ActionOutcome summarises how an action ended.
type ActionOutcome string

const (
	OutcomeSubmitted ActionOutcome = "submitted"
	OutcomeFailed    ActionOutcome = "failed" // permanent ledger answer
	OutcomeStuck     ActionOutcome = "stuck"  // transient retries exhausted
)

// ActionResult is reported back to the coordinator once an action finishes.
type ActionResult struct {
	Action   Action
	Outcome  ActionOutcome
	LegID    string
	TxRef    string
	Err      error
	Attempts int
}
