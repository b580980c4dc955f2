package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
)

// AuditStore appends to audit_log. The order_id column is lifted out of the
// detail map so one order's trail can be read through its index.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: audit %s: encode detail: %w", event, err)
	}
	orderID, _ := detail["order_id"].(string)

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, order_id, detail) VALUES ($1, NULLIF($2, ''), $3)`,
		event, orderID, payload); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var (
		where []string
		args  pgx.NamedArgs = pgx.NamedArgs{}
	)
	if opts.OrderID != "" {
		where = append(where, "order_id = @order_id")
		args["order_id"] = opts.OrderID
	}
	if opts.Since != nil {
		where = append(where, "created_at >= @since")
		args["since"] = *opts.Since
	}
	if opts.Until != nil {
		where = append(where, "created_at <= @until")
		args["until"] = *opts.Until
	}

	var b strings.Builder
	b.WriteString(`SELECT id, event, detail, created_at FROM audit_log`)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT @limit")
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET @offset")
		args["offset"] = opts.Offset
	}

	rows, err := s.pool.Query(ctx, b.String(), args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e       domain.AuditEntry
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.Event, &payload, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Detail); err != nil {
			return e, fmt.Errorf("decode detail of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}
