package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// OrderStateStore keeps one JSONB snapshot per order, with the columns the
// recovery and archive queries filter on broken out.
type OrderStateStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStateStore = (*OrderStateStore)(nil)

func NewOrderStateStore(pool *pgxpool.Pool) *OrderStateStore {
	return &OrderStateStore{pool: pool}
}

// Save upserts st. A snapshot older than the stored version is ignored, so a
// lagging replica cannot roll an order back.
func (s *OrderStateStore) Save(ctx context.Context, st domain.OrderState) error {
	snapshot, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: marshal order state %s: %w", st.OrderID, err)
	}
	var hashlock []byte
	if !st.Source.Hashlock.IsZero() {
		hashlock = st.Source.Hashlock[:]
	}

	const query = `
		INSERT INTO order_states (order_id, status, terminal, version, hashlock, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id) DO UPDATE SET
			status     = EXCLUDED.status,
			terminal   = EXCLUDED.terminal,
			version    = EXCLUDED.version,
			hashlock   = EXCLUDED.hashlock,
			snapshot   = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at
		WHERE order_states.version <= EXCLUDED.version`
	_, err = s.pool.Exec(ctx, query,
		st.OrderID, string(st.Status), st.Status.Terminal(), st.Version,
		hashlock, snapshot, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save order state %s: %w", st.OrderID, err)
	}
	return nil
}

func (s *OrderStateStore) Get(ctx context.Context, orderID string) (domain.OrderState, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM order_states WHERE order_id = $1`, orderID).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OrderState{}, domain.ErrNotFound
		}
		return domain.OrderState{}, fmt.Errorf("postgres: get order state %s: %w", orderID, err)
	}
	return decodeState(snapshot)
}

// ListActive returns every non-terminal order, oldest first.
func (s *OrderStateStore) ListActive(ctx context.Context) ([]domain.OrderState, error) {
	return s.list(ctx,
		`SELECT snapshot FROM order_states WHERE NOT terminal ORDER BY created_at, order_id`)
}

// ListTerminalBefore returns up to limit terminal orders last updated before
// the cutoff.
func (s *OrderStateStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.OrderState, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.list(ctx,
		`SELECT snapshot FROM order_states WHERE terminal AND updated_at < $1 ORDER BY created_at, order_id LIMIT $2`,
		before, limit)
}

func (s *OrderStateStore) Delete(ctx context.Context, orderIDs []string) (int64, error) {
	if len(orderIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM order_states WHERE order_id = ANY($1)`, orderIDs)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete order states: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OrderStateStore) list(ctx context.Context, query string, args ...any) ([]domain.OrderState, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order states: %w", err)
	}
	defer rows.Close()

	out := make([]domain.OrderState, 0)
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("postgres: scan order state: %w", err)
		}
		st, err := decodeState(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list order states rows: %w", err)
	}
	return out, nil
}

func decodeState(snapshot []byte) (domain.OrderState, error) {
	var st domain.OrderState
	if err := json.Unmarshal(snapshot, &st); err != nil {
		return domain.OrderState{}, fmt.Errorf("postgres: decode order state: %w", err)
	}
	return st, nil
}
