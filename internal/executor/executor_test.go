package executor

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/fusionrelay/internal/chain/memory"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

type scriptedSubmitter struct {
	mu    sync.Mutex
	errs  []error // consumed one per call; nil once exhausted
	calls int
	keys  []string
}

func (s *scriptedSubmitter) next() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedSubmitter) Lock(_ context.Context, req domain.LockRequest) (string, string, error) {
	s.mu.Lock()
	s.keys = append(s.keys, req.IdempotencyKey)
	s.mu.Unlock()
	if err := s.next(); err != nil {
		return "", "", err
	}
	return "leg-1", "tx-lock", nil
}

func (s *scriptedSubmitter) Claim(context.Context, string, domain.Secret) (string, error) {
	if err := s.next(); err != nil {
		return "", err
	}
	return "tx-claim", nil
}

func (s *scriptedSubmitter) Refund(context.Context, string) (string, error) {
	if err := s.next(); err != nil {
		return "", err
	}
	return "tx-refund", nil
}

func (s *scriptedSubmitter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestExecutor(sub domain.Submitter, attempts int) (*Executor, chan domain.ActionResult) {
	results := make(chan domain.ActionResult, 8)
	e := NewExecutor(Config{
		MaxAttempts:    attempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		SubmitTimeout:  time.Second,
		IdempotencyTTL: time.Hour,
	}, map[string]domain.Submitter{"eos": sub}, NewDedup(),
		func(r domain.ActionResult) { results <- r },
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e, results
}

func lockAction() domain.Action {
	return domain.Action{
		OrderID: "o1",
		Leg:     domain.LegSource,
		Kind:    domain.ActionLock,
		Chain:   "eos",
		Lock:    &domain.LockRequest{OrderID: "o1", Amount: big.NewInt(10), Timelock: time.Now().Add(time.Hour)},
	}
}

func waitResult(t *testing.T, ch <-chan domain.ActionResult) domain.ActionResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no action result")
		return domain.ActionResult{}
	}
}

func TestSubmit_RetriesTransientThenSucceeds(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{domain.ErrChainUnavailable, domain.ErrChainUnavailable}}
	e, results := newTestExecutor(sub, 6)
	defer e.Close()

	ok, err := e.Submit(context.Background(), lockAction())
	require.NoError(t, err)
	require.True(t, ok)

	r := waitResult(t, results)
	assert.Equal(t, domain.OutcomeSubmitted, r.Outcome)
	assert.Equal(t, "leg-1", r.LegID)
	assert.Equal(t, "tx-lock", r.TxRef)
	assert.Equal(t, 3, r.Attempts)
}

func TestSubmit_LockCarriesIdempotencyKey(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{domain.ErrChainUnavailable}}
	e, results := newTestExecutor(sub, 3)
	defer e.Close()

	ok, err := e.Submit(context.Background(), lockAction())
	require.NoError(t, err)
	require.True(t, ok)
	waitResult(t, results)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	assert.Equal(t, []string{"o1:source:lock", "o1:source:lock"}, sub.keys)
}

func TestSubmit_LostLockReplyIsNotLockedTwice(t *testing.T) {
	ledger := memory.NewLedger("eos", map[string]*big.Int{"maker": big.NewInt(100)})
	ledger.LoseNextLockResponse(domain.ErrChainUnavailable)
	e, results := newTestExecutor(ledger, 4)
	defer e.Close()

	a := lockAction()
	a.Lock.Hashlock = domain.HashSecret(domain.Secret{7})
	a.Lock.Depositor = "maker"
	a.Lock.Beneficiary = "resolver"
	ok, err := e.Submit(context.Background(), a)
	require.NoError(t, err)
	require.True(t, ok)

	r := waitResult(t, results)
	require.Equal(t, domain.OutcomeSubmitted, r.Outcome)
	assert.Equal(t, 2, r.Attempts)
	contracts := ledger.Contracts(a.Lock.Hashlock)
	require.Len(t, contracts, 1)
	assert.Equal(t, contracts[0].ID, r.LegID)
	assert.Equal(t, int64(90), ledger.Balance("maker").Int64())
}

func TestSubmit_PermanentNotRetried(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{domain.ErrInsufficientFunds}}
	e, results := newTestExecutor(sub, 6)
	defer e.Close()

	_, err := e.Submit(context.Background(), lockAction())
	require.NoError(t, err)

	r := waitResult(t, results)
	assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	assert.ErrorIs(t, r.Err, domain.ErrInsufficientFunds)
	assert.Equal(t, 1, sub.Calls())
}

func TestSubmit_StuckAfterMaxAttempts(t *testing.T) {
	sub := &scriptedSubmitter{errs: []error{
		domain.ErrChainUnavailable, domain.ErrChainUnavailable, domain.ErrChainUnavailable,
	}}
	e, results := newTestExecutor(sub, 3)
	defer e.Close()

	_, err := e.Submit(context.Background(), lockAction())
	require.NoError(t, err)

	r := waitResult(t, results)
	assert.Equal(t, domain.OutcomeStuck, r.Outcome)
	assert.ErrorIs(t, r.Err, domain.ErrChainUnavailable)
	assert.Equal(t, 3, sub.Calls())
}

func TestSubmit_Idempotent(t *testing.T) {
	sub := &scriptedSubmitter{}
	e, results := newTestExecutor(sub, 3)
	defer e.Close()

	refund := domain.Action{OrderID: "o1", Leg: domain.LegDestination, Kind: domain.ActionRefund, Chain: "eos", LegID: "leg-1"}
	ok, err := e.Submit(context.Background(), refund)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.Submit(context.Background(), refund)
	require.NoError(t, err)
	assert.False(t, ok)

	waitResult(t, results)
	assert.Equal(t, 1, sub.Calls())

	require.NoError(t, e.Release(context.Background(), refund))
	ok, err = e.Submit(context.Background(), refund)
	require.NoError(t, err)
	assert.True(t, ok)
	waitResult(t, results)
}

func TestSubmit_UnknownChain(t *testing.T) {
	e, _ := newTestExecutor(&scriptedSubmitter{}, 1)
	defer e.Close()
	a := lockAction()
	a.Chain = "nope"
	_, err := e.Submit(context.Background(), a)
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	base, limit := 500*time.Millisecond, 30*time.Second
	assert.Equal(t, 500*time.Millisecond, Backoff(base, limit, 1))
	assert.Equal(t, time.Second, Backoff(base, limit, 2))
	assert.Equal(t, 2*time.Second, Backoff(base, limit, 3))
	assert.Equal(t, 16*time.Second, Backoff(base, limit, 6))
	assert.Equal(t, limit, Backoff(base, limit, 7))
	assert.Equal(t, limit, Backoff(base, limit, 40))
}

func TestDedup_TTL(t *testing.T) {
	d := NewDedup()
	now := time.Unix(1_800_000_000, 0)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := d.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
	ok, _ = d.Claim(ctx, "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Equal(t, 0, d.Len())
	ok, _ = d.Claim(ctx, "k", time.Minute)
	assert.True(t, ok)
}
