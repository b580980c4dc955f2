// Package executor submits HTLC lock, claim and refund transactions with
// bounded retries and exactly-once semantics per (order, leg, action).
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/metrics"
)

// Config holds retry parameters.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	SubmitTimeout  time.Duration
	IdempotencyTTL time.Duration
}

// ResultFunc receives the outcome of every submitted action.
type ResultFunc func(domain.ActionResult)

// Executor runs each action in its own goroutine and reports the outcome
// through the result callback. The coordinator never blocks on it.
type Executor struct {
	cfg     Config
	chains  map[string]domain.Submitter
	idem    domain.IdempotencyStore
	deliver ResultFunc
	logger  *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cleanupInterval time.Duration
}

// NewExecutor creates an Executor. chains maps chain name to its submitter.
func NewExecutor(
	cfg Config,
	chains map[string]domain.Submitter,
	idem domain.IdempotencyStore,
	deliver ResultFunc,
	logger *slog.Logger,
) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:             cfg,
		chains:          chains,
		idem:            idem,
		deliver:         deliver,
		logger:          logger.With(slog.String("component", "executor")),
		sleep:           sleepCtx,
		ctx:             ctx,
		cancel:          cancel,
		cleanupInterval: time.Minute,
	}
}

// SetResultFunc replaces the outcome callback. Must be called before Submit.
func (e *Executor) SetResultFunc(fn ResultFunc) {
	e.deliver = fn
}

// Submit claims the action's idempotency key and, if it was not already held,
// starts submitting it in the background. It returns false for duplicates.
func (e *Executor) Submit(ctx context.Context, a domain.Action) (bool, error) {
	if _, ok := e.chains[a.Chain]; !ok {
		return false, fmt.Errorf("executor: unknown chain %q", a.Chain)
	}
	key := a.IdempotencyKey()
	ok, err := e.idem.Claim(ctx, key, e.cfg.IdempotencyTTL)
	if err != nil {
		return false, fmt.Errorf("executor: claim %s: %w", key, err)
	}
	if !ok {
		e.logger.Debug("action already claimed, skipping", slog.String("key", key))
		return false, nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(a)
	}()
	return true, nil
}

// Release frees the action's key so it may be submitted again.
func (e *Executor) Release(ctx context.Context, a domain.Action) error {
	if err := e.idem.Release(ctx, a.IdempotencyKey()); err != nil {
		return fmt.Errorf("executor: release %s: %w", a.IdempotencyKey(), err)
	}
	return nil
}

// Run periodically cleans the in-memory idempotency store, if one is used,
// until ctx is cancelled. It then stops in-flight submissions and waits for
// them to return.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	ticker := time.NewTicker(e.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Close()
			return ctx.Err()
		case <-ticker.C:
			if d, ok := e.idem.(*Dedup); ok {
				d.Cleanup()
			}
		}
	}
}

// Close aborts in-flight submissions and waits for their goroutines.
func (e *Executor) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) run(a domain.Action) {
	chain := a.Chain
	kind := string(a.Kind)
	log := e.logger.With(
		slog.String("order_id", a.OrderID),
		slog.String("leg", string(a.Leg)),
		slog.String("action", kind),
		slog.String("chain", chain),
	)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		legID, txRef, err := e.attempt(a)
		metrics.ExecutorDuration.WithLabelValues(chain, kind).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			metrics.ExecutorAttempts.WithLabelValues(chain, kind, "ok").Inc()
			log.Info("action submitted", slog.String("tx_ref", txRef), slog.Int("attempt", attempt))
			e.report(domain.ActionResult{Action: a, Outcome: domain.OutcomeSubmitted, LegID: legID, TxRef: txRef, Attempts: attempt})
			return

		case domain.IsPermanentChain(err):
			metrics.ExecutorAttempts.WithLabelValues(chain, kind, "permanent").Inc()
			log.Warn("action rejected by ledger", slog.String("error", err.Error()), slog.Int("attempt", attempt))
			e.report(domain.ActionResult{Action: a, Outcome: domain.OutcomeFailed, Err: err, Attempts: attempt})
			return

		case errors.Is(err, context.Canceled) && e.ctx.Err() != nil:
			// Shutting down: leave the action for recovery on the next start.
			log.Warn("action aborted by shutdown", slog.Int("attempt", attempt))
			e.releaseDetached(a)
			return
		}

		metrics.ExecutorAttempts.WithLabelValues(chain, kind, "retry").Inc()
		lastErr = err
		if attempt == e.cfg.MaxAttempts {
			break
		}
		delay := Backoff(e.cfg.BaseDelay, e.cfg.MaxDelay, attempt)
		log.Warn("action failed, retrying",
			slog.String("error", err.Error()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if err := e.sleep(e.ctx, delay); err != nil {
			e.releaseDetached(a)
			return
		}
	}

	metrics.StuckLegs.WithLabelValues(chain, kind).Inc()
	log.Error("action stuck after retries",
		slog.Int("attempts", e.cfg.MaxAttempts),
		slog.String("error", errString(lastErr)),
	)
	e.report(domain.ActionResult{Action: a, Outcome: domain.OutcomeStuck, Err: lastErr, Attempts: e.cfg.MaxAttempts})
}

func (e *Executor) attempt(a domain.Action) (legID, txRef string, err error) {
	ctx := e.ctx
	if e.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(e.ctx, e.cfg.SubmitTimeout)
		defer cancel()
	}
	sub := e.chains[a.Chain]

	switch a.Kind {
	case domain.ActionLock:
		if a.Lock == nil {
			return "", "", fmt.Errorf("%w: missing lock request", domain.ErrInvalidParameters)
		}
		req := *a.Lock
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = a.IdempotencyKey()
		}
		return sub.Lock(ctx, req)
	case domain.ActionClaim:
		txRef, err = sub.Claim(ctx, a.LegID, a.Secret)
		return a.LegID, txRef, err
	case domain.ActionRefund:
		txRef, err = sub.Refund(ctx, a.LegID)
		return a.LegID, txRef, err
	default:
		return "", "", fmt.Errorf("%w: unknown action %q", domain.ErrInvalidParameters, a.Kind)
	}
}

func (e *Executor) report(r domain.ActionResult) {
	if e.deliver != nil {
		e.deliver(r)
	}
}

func (e *Executor) releaseDetached(a domain.Action) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Release(ctx, a); err != nil {
		e.logger.Warn("release on shutdown failed", slog.String("error", err.Error()))
	}
}

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per attempt, capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
