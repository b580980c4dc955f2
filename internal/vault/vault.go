// Package vault generates per-order HTLC secrets, keeps them sealed at rest,
// and validates reveals observed on either chain.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fusionrelay/internal/crypto"
	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// maxGenerateAttempts bounds retries on the (astronomically unlikely)
// event that a fresh hashlock collides with a used one.
const maxGenerateAttempts = 3

// Vault owns secret/hashlock pairs. A hashlock is bound to exactly one order
// for the lifetime of the backing store.
type Vault struct {
	store  domain.SecretStore
	sealer *crypto.Sealer
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Vault backed by store, sealing secrets with sealer.
func New(store domain.SecretStore, sealer *crypto.Sealer, logger *slog.Logger) *Vault {
	return &Vault{
		store:  store,
		sealer: sealer,
		now:    time.Now,
		logger: logger.With(slog.String("component", "vault")),
	}
}

// Verify reports whether secret opens hashlock.
func Verify(secret domain.Secret, hashlock domain.Hashlock) bool {
	h := domain.HashSecret(secret)
	return subtle.ConstantTimeCompare(h[:], hashlock[:]) == 1
}

// Generate creates the secret for orderID and returns its hashlock. Calling it
// again for the same order returns the existing hashlock.
func (v *Vault) Generate(ctx context.Context, orderID string) (domain.Hashlock, error) {
	if rec, err := v.store.Get(ctx, orderID); err == nil {
		return rec.Hashlock, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Hashlock{}, fmt.Errorf("vault: lookup %s: %w", orderID, err)
	}

	for attempt := 1; attempt <= maxGenerateAttempts; attempt++ {
		var secret domain.Secret
		if _, err := rand.Read(secret[:]); err != nil {
			return domain.Hashlock{}, fmt.Errorf("vault: random secret: %w", err)
		}
		sealed, err := v.sealer.Seal(secret[:], []byte(orderID))
		if err != nil {
			return domain.Hashlock{}, fmt.Errorf("vault: seal: %w", err)
		}
		h := domain.HashSecret(secret)
		err = v.store.Put(ctx, domain.SealedSecret{
			OrderID:    orderID,
			Hashlock:   h,
			Ciphertext: sealed,
			CreatedAt:  v.now(),
		})
		if err == nil {
			v.logger.DebugContext(ctx, "secret generated",
				slog.String("order_id", orderID),
				slog.String("hashlock", h.String()),
			)
			return h, nil
		}
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return domain.Hashlock{}, fmt.Errorf("vault: store secret: %w", err)
		}
		// A concurrent Generate for the same order won the race.
		if rec, gerr := v.store.Get(ctx, orderID); gerr == nil {
			return rec.Hashlock, nil
		}
		v.logger.WarnContext(ctx, "hashlock collision, regenerating",
			slog.String("order_id", orderID),
			slog.Int("attempt", attempt),
		)
	}
	return domain.Hashlock{}, fmt.Errorf("vault: %w: could not allocate unused hashlock", domain.ErrSecretReused)
}

// Hashlock returns the hashlock bound to orderID.
func (v *Vault) Hashlock(ctx context.Context, orderID string) (domain.Hashlock, error) {
	rec, err := v.store.Get(ctx, orderID)
	if err != nil {
		return domain.Hashlock{}, fmt.Errorf("vault: hashlock %s: %w", orderID, err)
	}
	return rec.Hashlock, nil
}

// Secret unseals the secret for orderID.
func (v *Vault) Secret(ctx context.Context, orderID string) (domain.Secret, error) {
	rec, err := v.store.Get(ctx, orderID)
	if err != nil {
		return domain.Secret{}, fmt.Errorf("vault: secret %s: %w", orderID, err)
	}
	plain, err := v.sealer.Open(rec.Ciphertext, []byte(orderID))
	if err != nil {
		return domain.Secret{}, fmt.Errorf("vault: unseal %s: %w", orderID, err)
	}
	var s domain.Secret
	if len(plain) != len(s) {
		return domain.Secret{}, fmt.Errorf("vault: unseal %s: bad secret length %d", orderID, len(plain))
	}
	copy(s[:], plain)
	return s, nil
}

// RecordReveal marks orderID's secret as public after checking it opens the
// order's hashlock. Repeating a successful reveal is a no-op.
func (v *Vault) RecordReveal(ctx context.Context, orderID string, secret domain.Secret) error {
	rec, err := v.store.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("vault: reveal %s: %w", orderID, err)
	}
	if !Verify(secret, rec.Hashlock) {
		if other, oerr := v.store.GetByHashlock(ctx, domain.HashSecret(secret)); oerr == nil && other.OrderID != orderID {
			return fmt.Errorf("vault: reveal %s: %w (bound to %s)", orderID, domain.ErrSecretReused, other.OrderID)
		}
		return fmt.Errorf("vault: reveal %s: %w", orderID, domain.ErrSecretMismatch)
	}
	if rec.RevealedAt != nil {
		return nil
	}
	if err := v.store.MarkRevealed(ctx, orderID, v.now()); err != nil {
		return fmt.Errorf("vault: mark revealed %s: %w", orderID, err)
	}
	v.logger.InfoContext(ctx, "secret revealed",
		slog.String("order_id", orderID),
		slog.String("hashlock", rec.Hashlock.String()),
	)
	return nil
}
