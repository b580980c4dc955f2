package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// SecretStore keeps sealed vault secrets. The unique hashlock column is the
// used-hashlock registry.
type SecretStore struct {
	pool *pgxpool.Pool
}

var _ domain.SecretStore = (*SecretStore)(nil)

func NewSecretStore(pool *pgxpool.Pool) *SecretStore {
	return &SecretStore{pool: pool}
}

// Put inserts rec, failing with domain.ErrAlreadyExists if the order or the
// hashlock already has a row.
func (s *SecretStore) Put(ctx context.Context, rec domain.SealedSecret) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO vault_secrets (order_id, hashlock, ciphertext, revealed_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		rec.OrderID, rec.Hashlock[:], rec.Ciphertext, rec.RevealedAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put secret %s: %w", rec.OrderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (s *SecretStore) Get(ctx context.Context, orderID string) (domain.SealedSecret, error) {
	return s.scanOne(ctx, `WHERE order_id = $1`, orderID)
}

func (s *SecretStore) GetByHashlock(ctx context.Context, h domain.Hashlock) (domain.SealedSecret, error) {
	return s.scanOne(ctx, `WHERE hashlock = $1`, h[:])
}

// MarkRevealed stamps revealed_at the first time only.
func (s *SecretStore) MarkRevealed(ctx context.Context, orderID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE vault_secrets SET revealed_at = COALESCE(revealed_at, $2) WHERE order_id = $1`,
		orderID, at)
	if err != nil {
		return fmt.Errorf("postgres: mark revealed %s: %w", orderID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SecretStore) scanOne(ctx context.Context, where string, arg any) (domain.SealedSecret, error) {
	var (
		rec      domain.SealedSecret
		hashlock []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT order_id, hashlock, ciphertext, revealed_at, created_at FROM vault_secrets `+where, arg,
	).Scan(&rec.OrderID, &hashlock, &rec.Ciphertext, &rec.RevealedAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SealedSecret{}, domain.ErrNotFound
		}
		return domain.SealedSecret{}, fmt.Errorf("postgres: get secret: %w", err)
	}
	if len(hashlock) != len(rec.Hashlock) {
		return domain.SealedSecret{}, fmt.Errorf("postgres: get secret %s: bad hashlock length %d", rec.OrderID, len(hashlock))
	}
	copy(rec.Hashlock[:], hashlock)
	return rec, nil
}
