// Package memory provides an in-process HTLC ledger used by simulate mode and
// tests. It enforces the same lock, claim and refund rules as the on-chain
// contracts and delivers events at least once.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// Contract is one HTLC held by the ledger.
type Contract struct {
	ID          string
	Depositor   string
	Beneficiary string
	Amount      *big.Int
	Hashlock    domain.Hashlock
	Timelock    time.Time
	Withdrawn   bool
	Refunded    bool
	Preimage    domain.Secret
}

// Ledger is a simulated chain. A nil balance table means every account has
// unlimited funds.
type Ledger struct {
	name string

	mu        sync.Mutex
	now       func() time.Time
	balances  map[string]*big.Int
	contracts map[string]*Contract
	history   []domain.ChainEvent
	subs      map[*subscription]struct{}
	seq       int64
	failures  map[domain.ActionKind][]error
	lostLocks []error
	receipts  map[string]receipt // lock idempotency key -> committed lock

	// DuplicateEvents emits every event twice.
	DuplicateEvents bool
}

type receipt struct {
	legID, txRef string
}

var _ domain.ChainAdapter = (*Ledger)(nil)

// NewLedger creates an empty ledger named name.
func NewLedger(name string, balances map[string]*big.Int) *Ledger {
	return &Ledger{
		name:      name,
		now:       time.Now,
		balances:  balances,
		contracts: make(map[string]*Contract),
		subs:      make(map[*subscription]struct{}),
		failures:  make(map[domain.ActionKind][]error),
		receipts:  make(map[string]receipt),
	}
}

// Name implements domain.ChainAdapter.
func (l *Ledger) Name() string { return l.name }

// SetClock overrides the ledger's notion of now.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// FailNext queues errors returned by the next calls of kind, one per call.
func (l *Ledger) FailNext(kind domain.ActionKind, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[kind] = append(l.failures[kind], errs...)
}

// LoseNextLockResponse makes the next successful lock commit on the ledger
// but return err to the caller, as when the reply is lost in transit.
func (l *Ledger) LoseNextLockResponse(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lostLocks = append(l.lostLocks, err)
}

// Contract returns a copy of the HTLC identified by legID.
func (l *Ledger) Contract(legID string) (Contract, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.contracts[legID]
	if !ok {
		return Contract{}, false
	}
	return *c, true
}

// Contracts returns copies of every HTLC with the given hashlock.
func (l *Ledger) Contracts(h domain.Hashlock) []Contract {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Contract
	for _, c := range l.contracts {
		if c.Hashlock == h {
			out = append(out, *c)
		}
	}
	return out
}

// Balance returns the account's balance, or nil when balances are unlimited.
func (l *Ledger) Balance(account string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances == nil {
		return nil
	}
	if b, ok := l.balances[account]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Lock escrows req.Amount from the depositor under the hashlock.
func (l *Ledger) Lock(_ context.Context, req domain.LockRequest) (string, string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.popFailure(domain.ActionLock); err != nil {
		return "", "", err
	}
	if r, ok := l.receipts[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return r.legID, r.txRef, nil
	}
	now := l.now()
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return "", "", fmt.Errorf("%s: %w: amount must be positive", l.name, domain.ErrInvalidParameters)
	}
	if !req.Timelock.After(now) {
		return "", "", fmt.Errorf("%s: %w: timelock must be in the future", l.name, domain.ErrInvalidParameters)
	}
	if req.Hashlock.IsZero() {
		return "", "", fmt.Errorf("%s: %w: empty hashlock", l.name, domain.ErrInvalidParameters)
	}
	id := contractID(req)
	if _, exists := l.contracts[id]; exists {
		return "", "", fmt.Errorf("%s: %w: contract already exists", l.name, domain.ErrInvalidParameters)
	}
	if l.balances != nil {
		bal, ok := l.balances[req.Depositor]
		if !ok || bal.Cmp(req.Amount) < 0 {
			return "", "", fmt.Errorf("%s: %s: %w", l.name, req.Depositor, domain.ErrInsufficientFunds)
		}
		bal.Sub(bal, req.Amount)
	}

	l.contracts[id] = &Contract{
		ID:          id,
		Depositor:   req.Depositor,
		Beneficiary: req.Beneficiary,
		Amount:      new(big.Int).Set(req.Amount),
		Hashlock:    req.Hashlock,
		Timelock:    req.Timelock,
	}
	tx := l.nextTx()
	if req.IdempotencyKey != "" {
		l.receipts[req.IdempotencyKey] = receipt{legID: id, txRef: tx}
	}
	l.emit(domain.ChainEvent{LegID: id, Hashlock: req.Hashlock, Kind: domain.EventLockConfirmed, TxRef: tx, ChainTimestamp: now})
	if len(l.lostLocks) > 0 {
		err := l.lostLocks[0]
		l.lostLocks = l.lostLocks[1:]
		return "", "", err
	}
	return id, tx, nil
}

// Claim releases the escrow to the beneficiary when secret opens the hashlock
// before the timelock.
func (l *Ledger) Claim(_ context.Context, legID string, secret domain.Secret) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.popFailure(domain.ActionClaim); err != nil {
		return "", err
	}
	c, err := l.settleable(legID)
	if err != nil {
		return "", err
	}
	if domain.HashSecret(secret) != c.Hashlock {
		return "", fmt.Errorf("%s: %w", l.name, domain.ErrSecretMismatch)
	}
	now := l.now()
	if !now.Before(c.Timelock) {
		return "", fmt.Errorf("%s: %w: timelock elapsed", l.name, domain.ErrInvalidParameters)
	}

	c.Withdrawn = true
	c.Preimage = secret
	l.credit(c.Beneficiary, c.Amount)
	tx := l.nextTx()
	l.emit(domain.ChainEvent{LegID: legID, Hashlock: c.Hashlock, Kind: domain.EventSecretRevealed, Secret: secret, TxRef: tx, ChainTimestamp: now})
	return tx, nil
}

// Refund returns the escrow to the depositor once the timelock has elapsed.
func (l *Ledger) Refund(_ context.Context, legID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.popFailure(domain.ActionRefund); err != nil {
		return "", err
	}
	c, err := l.settleable(legID)
	if err != nil {
		return "", err
	}
	now := l.now()
	if now.Before(c.Timelock) {
		return "", fmt.Errorf("%s: %w", l.name, domain.ErrTimelockNotElapsed)
	}

	c.Refunded = true
	l.credit(c.Depositor, c.Amount)
	tx := l.nextTx()
	l.emit(domain.ChainEvent{LegID: legID, Hashlock: c.Hashlock, Kind: domain.EventRefundConfirmed, TxRef: tx, ChainTimestamp: now})
	return tx, nil
}

func (l *Ledger) settleable(legID string) (*Contract, error) {
	c, ok := l.contracts[legID]
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", l.name, legID, domain.ErrLegNotFound)
	}
	if c.Withdrawn {
		return nil, fmt.Errorf("%s: %w", l.name, domain.ErrAlreadyClaimed)
	}
	if c.Refunded {
		return nil, fmt.Errorf("%s: %w", l.name, domain.ErrAlreadyRefunded)
	}
	return c, nil
}

func (l *Ledger) credit(account string, amount *big.Int) {
	if l.balances == nil {
		return
	}
	bal, ok := l.balances[account]
	if !ok {
		bal = new(big.Int)
		l.balances[account] = bal
	}
	bal.Add(bal, amount)
}

func (l *Ledger) popFailure(kind domain.ActionKind) error {
	q := l.failures[kind]
	if len(q) == 0 {
		return nil
	}
	l.failures[kind] = q[1:]
	return q[0]
}

func (l *Ledger) nextTx() string {
	l.seq++
	return fmt.Sprintf("%s-tx-%d", l.name, l.seq)
}

// contractID mirrors the on-chain derivation: a hash over the lock terms.
func contractID(req domain.LockRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|", req.Depositor, req.Beneficiary, req.Amount.String(), req.Timelock.Unix())
	h.Write(req.Hashlock[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
